// Package idempotency remembers the responses of keyed POST requests so a
// client can repeat a request without repeating its effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	ErrMismatch   = errors.New("idempotency key reused with a different payload")
)

const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Record is the state of one key.
type Record struct {
	Key            string `json:"key"`
	RequestHash    string `json:"request_hash"`
	Status         string `json:"status"`
	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   []byte `json:"response_body,omitempty"`
}

// Store reserves keys and keeps completed responses until they expire.
type Store interface {
	// Reserve claims key for a request whose body hashes to hash. It returns
	// nil when the key was free, the completed record when the same request
	// already finished, ErrMismatch when the key belongs to another body and
	// ErrInProgress while the first request is still running.
	Reserve(ctx context.Context, key, hash string, ttl time.Duration) (*Record, error)
	Complete(ctx context.Context, key string, status int, body []byte) error
	// Release frees a reserved key so the request can be retried.
	Release(ctx context.Context, key string) error
}

// Hash returns the hex SHA-256 of a request body.
func Hash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

func check(rec Record, hash string) (*Record, error) {
	if rec.RequestHash != hash {
		return nil, ErrMismatch
	}
	if rec.Status != StatusCompleted {
		return nil, ErrInProgress
	}
	return &rec, nil
}

type memEntry struct {
	rec     Record
	expires time.Time
}

// Memory is a process-local Store for development and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

func (m *Memory) Reserve(_ context.Context, key, hash string, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return check(e.rec, hash)
	}
	m.entries[key] = memEntry{
		rec:     Record{Key: key, RequestHash: hash, Status: StatusInProgress},
		expires: now.Add(ttl),
	}
	return nil, nil
}

func (m *Memory) Complete(_ context.Context, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	e.rec.Status = StatusCompleted
	e.rec.ResponseStatus = status
	e.rec.ResponseBody = append([]byte(nil), body...)
	m.entries[key] = e
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Package secrets seals donation messages at rest.
//
// The key is loaded once at startup into a KeyProvider and handed to the
// components that need it; there is no package-level key state.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrNoKey = errors.New("message key not configured")

// KeyProvider supplies the symmetric key used for sealing.
type KeyProvider interface {
	Key() ([]byte, error)
}

type staticKey struct {
	key []byte
}

func (k staticKey) Key() ([]byte, error) {
	if len(k.key) == 0 {
		return nil, ErrNoKey
	}
	return k.key, nil
}

// LoadKeyProvider decodes a hex encoded 32 byte key. An empty string yields a
// provider that reports ErrNoKey on use.
func LoadKeyProvider(hexKey string) (KeyProvider, error) {
	if hexKey == "" {
		return staticKey{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode message key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("message key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return staticKey{key: key}, nil
}

// Sealer encrypts short messages with XChaCha20-Poly1305. The associated data
// binds a ciphertext to the record it belongs to.
type Sealer struct {
	keys KeyProvider
}

func NewSealer(keys KeyProvider) *Sealer {
	return &Sealer{keys: keys}
}

// Seal returns nonce || ciphertext. Empty messages seal to nil.
func (s *Sealer) Seal(plaintext, associated []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	key, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, associated), nil
}

func (s *Sealer) Open(sealed, associated []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	key, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed message too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, associated)
	if err != nil {
		return nil, fmt.Errorf("open message: %w", err)
	}
	return plain, nil
}

// Package ledger is the only code that changes wallet balances.
//
// Every mutation is one atomic store transaction that updates the wallet and
// appends one immutable log entry carrying before/after snapshots of both
// balances. Replaying a user's entries in order from zero reproduces the wallet.
package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/retry"
	"github.com/punchamoorthee/starledger/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Entry describes one ledger mutation. Deltas are signed; at least one must be
// non-zero.
type Entry struct {
	UserID       string
	Type         domain.TransactionType
	BalanceDelta int64
	EscrowDelta  int64
	Description  string
	ReferenceID  string
	InitiatorID  string
	// IdempotencyKey, when set, makes the entry apply at most once per user.
	IdempotencyKey string
	// Compensates is the ID of the entry this one reverses.
	Compensates string
}

type Engine struct {
	store  store.Store
	policy retry.Policy
	now    func() time.Time
	log    logrus.FieldLogger
}

type Option func(*Engine)

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		policy: retry.DefaultPolicy,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run executes fn in a store transaction, re-running it on conflicts.
func (e *Engine) run(ctx context.Context, fn func(tx store.Tx) error) error {
	return retry.Do(ctx, e.policy, func(attempt int) error {
		if attempt > 1 {
			storeRetriesTotal.Inc()
		}
		return e.store.RunInTx(ctx, fn)
	})
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func validate(en Entry) error {
	switch {
	case en.UserID == "":
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidOperation)
	case !en.Type.Valid():
		return fmt.Errorf("%w: unknown transaction type %q", domain.ErrInvalidOperation, en.Type)
	case en.BalanceDelta == 0 && en.EscrowDelta == 0:
		return fmt.Errorf("%w: both deltas are zero", domain.ErrInvalidOperation)
	}
	return nil
}

// Apply atomically applies en to the user's wallet and appends a log entry.
// It returns the ID of the new entry.
//
// If en carries an IdempotencyKey that was already applied, nothing is written
// and Apply returns the existing ID together with a *domain.DuplicateEntryError.
func (e *Engine) Apply(ctx context.Context, en Entry) (string, error) {
	timer := prometheus.NewTimer(applyDuration.WithLabelValues(string(en.Type)))
	defer timer.ObserveDuration()

	if err := validate(en); err != nil {
		rejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		return "", err
	}

	var (
		id  string
		dup *domain.Transaction
	)
	err := e.run(ctx, func(tx store.Tx) error {
		id, dup = "", nil

		if en.IdempotencyKey != "" {
			existing, err := tx.FindTransactionByKey(ctx, en.UserID, en.IdempotencyKey)
			switch {
			case err == nil:
				if existing.Type != en.Type || existing.ReferenceID != en.ReferenceID {
					return fmt.Errorf("%w: key %q belongs to %s entry %s",
						domain.ErrIdempotencyMismatch, en.IdempotencyKey, existing.Type, existing.ID)
				}
				dup = &existing
				return nil
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}

		w, err := tx.GetWallet(ctx, en.UserID)
		if err != nil {
			return err
		}
		if !w.Active {
			return domain.ErrWalletInactive
		}

		balance := w.Balance + en.BalanceDelta
		escrow := w.EscrowBalance + en.EscrowDelta
		if balance < 0 {
			return &domain.InsufficientFundsError{
				UserID: en.UserID, Available: w.Balance, Requested: -en.BalanceDelta,
			}
		}
		if escrow < 0 {
			return &domain.InsufficientFundsError{
				UserID: en.UserID, Escrow: true, Available: w.EscrowBalance, Requested: -en.EscrowDelta,
			}
		}

		now := e.now()
		tr := &domain.Transaction{
			UserID:              en.UserID,
			Type:                en.Type,
			Amount:              abs(en.BalanceDelta),
			BalanceBefore:       w.Balance,
			BalanceAfter:        balance,
			EscrowBalanceBefore: w.EscrowBalance,
			EscrowBalanceAfter:  escrow,
			ReferenceID:         en.ReferenceID,
			Description:         en.Description,
			Status:              domain.TxStatusCompleted,
			IdempotencyKey:      en.IdempotencyKey,
			Metadata: domain.TransactionMetadata{
				BalanceImpact: en.BalanceDelta,
				EscrowImpact:  en.EscrowDelta,
				Initiator:     en.InitiatorID,
				Compensates:   en.Compensates,
			},
			CreatedAt: now,
		}
		if en.BalanceDelta == 0 {
			tr.Amount = abs(en.EscrowDelta)
		}
		if err := tx.InsertTransaction(ctx, tr); err != nil {
			return err
		}

		switch {
		case en.BalanceDelta > 0 && en.Type == domain.TxPurchase:
			w.TotalPurchased += en.BalanceDelta
		case en.BalanceDelta > 0:
			w.TotalEarned += en.BalanceDelta
		case en.BalanceDelta < 0:
			w.TotalSpent -= en.BalanceDelta
		}
		w.Balance = balance
		w.EscrowBalance = escrow
		w.UpdatedAt = now
		w.LastTransactionAt = &now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}

		id = tr.ID
		return nil
	})
	if err != nil {
		rejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		if errors.Is(err, domain.ErrRetriesExhausted) {
			e.log.WithFields(logrus.Fields{
				"user_id": en.UserID,
				"type":    en.Type,
			}).WithError(err).Warn("ledger entry abandoned after repeated conflicts")
		}
		return "", err
	}
	if dup != nil {
		return dup.ID, &domain.DuplicateEntryError{Existing: *dup}
	}

	entriesTotal.WithLabelValues(string(en.Type)).Inc()
	e.log.WithFields(logrus.Fields{
		"user_id":       en.UserID,
		"tx_id":         id,
		"type":          en.Type,
		"balance_delta": en.BalanceDelta,
		"escrow_delta":  en.EscrowDelta,
	}).Debug("ledger entry applied")
	return id, nil
}

// CreateWallet creates an empty, active wallet for userID.
func (e *Engine) CreateWallet(ctx context.Context, userID string) (domain.Wallet, error) {
	if userID == "" {
		return domain.Wallet{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	now := e.now()
	w := domain.Wallet{UserID: userID, Active: true, CreatedAt: now, UpdatedAt: now}
	err := e.run(ctx, func(tx store.Tx) error {
		return tx.InsertWallet(ctx, w)
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	w.Version = 1
	e.log.WithField("user_id", userID).Info("wallet created")
	return w, nil
}

// DeactivateWallet blocks further mutations of the wallet. Its history is kept.
func (e *Engine) DeactivateWallet(ctx context.Context, userID string) error {
	return e.run(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if !w.Active {
			return nil
		}
		w.Active = false
		w.UpdatedAt = e.now()
		return tx.UpdateWallet(ctx, w)
	})
}

func (e *Engine) Wallet(ctx context.Context, userID string) (domain.Wallet, error) {
	var w domain.Wallet
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.GetWallet(ctx, userID)
		return err
	})
	return w, err
}

// Page is one newest-first slice of a user's history.
type Page struct {
	Transactions []domain.Transaction `json:"transactions"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeCursor(c string) (int64, error) {
	if c == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, domain.ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq <= 0 {
		return 0, domain.ErrInvalidCursor
	}
	return seq, nil
}

// Transactions returns up to limit entries older than cursor, newest first.
func (e *Engine) Transactions(ctx context.Context, userID string, limit int, cursor string) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	before, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	var entries []domain.Transaction
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetWallet(ctx, userID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListTransactions(ctx, userID, before, limit+1)
		return err
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Transactions: entries}
	if len(entries) > limit {
		page.Transactions = entries[:limit]
		page.NextCursor = encodeCursor(entries[limit-1].Seq)
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	return page, nil
}

// Lookup finds the entry a user applied under an idempotency key.
func (e *Engine) Lookup(ctx context.Context, userID, key string) (domain.Transaction, error) {
	var tr domain.Transaction
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		tr, err = tx.FindTransactionByKey(ctx, userID, key)
		return err
	})
	return tr, err
}

// AttachReference sets the reference of an entry that was written without one.
func (e *Engine) AttachReference(ctx context.Context, txID, referenceID string) error {
	return e.run(ctx, func(tx store.Tx) error {
		tr, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		switch tr.ReferenceID {
		case referenceID:
			return nil
		case "":
			return tx.SetTransactionReference(ctx, txID, referenceID)
		}
		return fmt.Errorf("%w: entry %s already references %s", domain.ErrInvalidOperation, txID, tr.ReferenceID)
	})
}

// Verification is the outcome of replaying a wallet's log from zero.
type Verification struct {
	UserID          string   `json:"user_id"`
	Entries         int      `json:"entries"`
	Balance         int64    `json:"balance"`
	EscrowBalance   int64    `json:"escrow_balance"`
	ReplayedBalance int64    `json:"replayed_balance"`
	ReplayedEscrow  int64    `json:"replayed_escrow"`
	Consistent      bool     `json:"consistent"`
	Issues          []string `json:"issues,omitempty"`
}

// Verify replays the user's log in creation order and checks every snapshot
// against the running totals and the final totals against the wallet.
func (e *Engine) Verify(ctx context.Context, userID string) (Verification, error) {
	var (
		w       domain.Wallet
		entries []domain.Transaction
	)
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		if w, err = tx.GetWallet(ctx, userID); err != nil {
			return err
		}
		entries, err = tx.ReplayTransactions(ctx, userID)
		return err
	})
	if err != nil {
		return Verification{}, err
	}
	return replay(w, entries), nil
}

func replay(w domain.Wallet, entries []domain.Transaction) Verification {
	v := Verification{
		UserID:        w.UserID,
		Entries:       len(entries),
		Balance:       w.Balance,
		EscrowBalance: w.EscrowBalance,
	}
	var balance, escrow int64
	for _, tr := range entries {
		if tr.BalanceBefore != balance || tr.EscrowBalanceBefore != escrow {
			v.Issues = append(v.Issues, fmt.Sprintf("entry %s: before (%d, %d), replayed (%d, %d)",
				tr.ID, tr.BalanceBefore, tr.EscrowBalanceBefore, balance, escrow))
		}
		balance += tr.Metadata.BalanceImpact
		escrow += tr.Metadata.EscrowImpact
		if tr.BalanceAfter != balance || tr.EscrowBalanceAfter != escrow {
			v.Issues = append(v.Issues, fmt.Sprintf("entry %s: after (%d, %d), replayed (%d, %d)",
				tr.ID, tr.BalanceAfter, tr.EscrowBalanceAfter, balance, escrow))
		}
	}
	v.ReplayedBalance = balance
	v.ReplayedEscrow = escrow
	if balance != w.Balance || escrow != w.EscrowBalance {
		v.Issues = append(v.Issues, fmt.Sprintf("wallet (%d, %d) differs from replay (%d, %d)",
			w.Balance, w.EscrowBalance, balance, escrow))
	}
	v.Consistent = len(v.Issues) == 0
	return v
}

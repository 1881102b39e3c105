// Package store is the transactional document store behind the ledger.
//
// Every implementation gives optimistic multi-document transactions: writes of a
// transaction become visible together, and a transaction that raced a
// conflicting write fails with domain.ErrStoreConflict instead of committing
// stale state. Callers decide whether to retry (see internal/retry).
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/starledger/internal/domain"
)

// Store opens transactions. fn's writes are committed if it returns nil and
// discarded otherwise.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of reads and writes available inside one transaction.
//
// Update methods compare the Version of the passed document with the stored
// one and fail with domain.ErrStoreConflict when they differ.
type Tx interface {
	GetWallet(ctx context.Context, userID string) (domain.Wallet, error)
	InsertWallet(ctx context.Context, w domain.Wallet) error
	UpdateWallet(ctx context.Context, w domain.Wallet) error
	ListWalletIDs(ctx context.Context) ([]string, error)

	// InsertTransaction assigns Seq. A repeated (UserID, IdempotencyKey) pair
	// surfaces as domain.ErrStoreConflict so that a retry observes the winner.
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (domain.Transaction, error)
	FindTransactionByKey(ctx context.Context, userID, key string) (domain.Transaction, error)
	SetTransactionReference(ctx context.Context, id, referenceID string) error
	// ListTransactions returns up to limit entries of a user with Seq < beforeSeq,
	// newest first. beforeSeq <= 0 starts at the newest entry.
	ListTransactions(ctx context.Context, userID string, beforeSeq int64, limit int) ([]domain.Transaction, error)
	// ReplayTransactions returns every entry of a user, oldest first.
	ReplayTransactions(ctx context.Context, userID string) ([]domain.Transaction, error)
	// OrphanedSpends lists spend entries created before the cutoff that have
	// neither a pool credit nor a compensating entry.
	OrphanedSpends(ctx context.Context, before time.Time) ([]domain.Transaction, error)

	GetService(ctx context.Context, id string) (domain.Service, error)
	InsertService(ctx context.Context, s domain.Service) error

	InsertBooking(ctx context.Context, b *domain.Booking) error
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	UpdateBooking(ctx context.Context, b domain.Booking) error

	GetFundable(ctx context.Context, kind domain.FundableKind, id string) (domain.Fundable, error)
	InsertFundable(ctx context.Context, f *domain.Fundable) error
	UpdateFundable(ctx context.Context, f domain.Fundable) error
	DeleteFundable(ctx context.Context, kind domain.FundableKind, id string) error
	InsertPoolCredit(ctx context.Context, c domain.PoolCredit) error
	ListPoolCredits(ctx context.Context, kind domain.FundableKind, targetID string) ([]domain.PoolCredit, error)

	InsertReview(ctx context.Context, r *domain.Review) error
	// GetUserRating returns a zero aggregate (Version 0) for users without reviews.
	GetUserRating(ctx context.Context, userID string) (domain.UserRating, error)
	// PutUserRating inserts when r.Version is 0 and updates otherwise.
	PutUserRating(ctx context.Context, r domain.UserRating) error
}

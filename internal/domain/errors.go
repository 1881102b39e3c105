package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOperation     = errors.New("invalid ledger operation")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrWalletExists         = errors.New("wallet already exists")
	ErrWalletInactive       = errors.New("wallet is deactivated")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientEscrow   = errors.New("insufficient escrow balance")
	ErrTargetNotFound       = errors.New("target entity not found")
	ErrTargetNotAccepting   = errors.New("target entity is not accepting funds")
	ErrCompensationFailed   = errors.New("compensation failed")
	ErrStoreConflict        = errors.New("store conflict")
	ErrRetriesExhausted     = errors.New("store retries exhausted")
	ErrDuplicateEntry       = errors.New("duplicate ledger entry")
	ErrIdempotencyMismatch  = errors.New("idempotency key reused for a different entry")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidInput         = errors.New("invalid input")
	ErrSelfBooking          = errors.New("cannot book own service")
	ErrServiceUnavailable   = errors.New("service is not available")
	ErrSettlementIncomplete = errors.New("booking settlement incomplete")
	ErrInvalidCursor        = errors.New("invalid cursor")
)

// InsufficientFundsError details a rejected debit.
type InsufficientFundsError struct {
	UserID    string
	Escrow    bool
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	what := "balance"
	if e.Escrow {
		what = "escrow"
	}
	return fmt.Sprintf("insufficient %s for %s: available %d, requested %d",
		what, e.UserID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	if e.Escrow {
		return ErrInsufficientEscrow
	}
	return ErrInsufficientBalance
}

// DuplicateEntryError is returned when an idempotency key was already applied.
// Existing is the entry written by the first call.
type DuplicateEntryError struct {
	Existing Transaction
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("ledger entry %s already applied (key %s)", e.Existing.ID, e.Existing.IdempotencyKey)
}

func (e *DuplicateEntryError) Unwrap() error { return ErrDuplicateEntry }

// RefundedError reports a fund movement whose second phase failed and was
// reversed. It unwraps to the phase-two cause.
type RefundedError struct {
	Cause               error
	TransactionID       string
	RefundTransactionID string

	// Hold is set when the refunded entry was a booking escrow hold.
	Hold bool
}

func (e *RefundedError) Error() string {
	return fmt.Sprintf("operation failed and was refunded (refund %s): %v", e.RefundTransactionID, e.Cause)
}

func (e *RefundedError) Unwrap() error { return e.Cause }

// CompensationError means the payer was charged, the credit failed and the
// refund failed too. The state needs manual reconciliation.
type CompensationError struct {
	UserID        string
	TargetID      string
	Amount        int64
	TransactionID string
	Cause         error
	RefundErr     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for transaction %s (user %s, target %s, amount %d): cause: %v, refund: %v",
		e.TransactionID, e.UserID, e.TargetID, e.Amount, e.Cause, e.RefundErr)
}

func (e *CompensationError) Unwrap() error { return ErrCompensationFailed }

// SettlementError means the escrow release of a booking succeeded but the
// provider credit did not.
type SettlementError struct {
	BookingID  string
	ProviderID string
	Amount     int64
	ReleaseID  string
	Cause      error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement of booking %s incomplete: released %s, provider %s not credited %d: %v",
		e.BookingID, e.ReleaseID, e.ProviderID, e.Amount, e.Cause)
}

func (e *SettlementError) Unwrap() []error { return []error{ErrSettlementIncomplete, e.Cause} }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

// IsClientError returns true if the error is due to a business rule or bad input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientEscrow) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSelfBooking) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, ErrIdempotencyMismatch)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTargetNotFound)
}

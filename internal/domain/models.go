package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType labels a ledger entry. Behavior is fully determined by the
// deltas a caller supplies; the type only classifies the entry.
type TransactionType string

const (
	TxPurchase                 TransactionType = "purchase"
	TxEarnServiceFee           TransactionType = "earn_service_fee"
	TxSpendServiceFee          TransactionType = "spend_service_fee"
	TxEscrowHold               TransactionType = "escrow_hold"
	TxEscrowRelease            TransactionType = "escrow_release"
	TxSpendProjectContribution TransactionType = "spend_project_contribution"
	TxSpendCauseDonation       TransactionType = "spend_cause_donation"
	TxRefundEscrow             TransactionType = "refund_escrow"
	TxAdminCredit              TransactionType = "admin_credit"
	TxAdminDebit               TransactionType = "admin_debit"
	TxPayoutRedeem             TransactionType = "payout_redeem"
	TxFeePlatform              TransactionType = "fee_platform"
)

var transactionTypes = map[TransactionType]bool{
	TxPurchase:                 true,
	TxEarnServiceFee:           true,
	TxSpendServiceFee:          true,
	TxEscrowHold:               true,
	TxEscrowRelease:            true,
	TxSpendProjectContribution: true,
	TxSpendCauseDonation:       true,
	TxRefundEscrow:             true,
	TxAdminCredit:              true,
	TxAdminDebit:               true,
	TxPayoutRedeem:             true,
	TxFeePlatform:              true,
}

// Valid reports whether t belongs to the closed set of ledger entry types.
func (t TransactionType) Valid() bool {
	return transactionTypes[t]
}

// IsSpend reports whether t debits a payer into a collective pool.
func (t TransactionType) IsSpend() bool {
	return t == TxSpendProjectContribution || t == TxSpendCauseDonation
}

type TransactionStatus string

const (
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusPending   TransactionStatus = "pending"
	TxStatusFailed    TransactionStatus = "failed"
)

// Wallet holds a user's spendable and escrowed tokens.
// Balance and EscrowBalance are never negative.
type Wallet struct {
	UserID            string     `json:"user_id"`
	Balance           int64      `json:"balance"`
	EscrowBalance     int64      `json:"escrow_balance"`
	TotalEarned       int64      `json:"total_earned"`
	TotalSpent        int64      `json:"total_spent"`
	TotalPurchased    int64      `json:"total_purchased"`
	Active            bool       `json:"active"`
	Version           int64      `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastTransactionAt *time.Time `json:"last_transaction_at,omitempty"`
}

// TransactionMetadata keeps the raw signed impacts of an entry.
type TransactionMetadata struct {
	BalanceImpact int64  `json:"balance_impact"`
	EscrowImpact  int64  `json:"escrow_impact"`
	Initiator     string `json:"initiator,omitempty"`
	Compensates   string `json:"compensates,omitempty"`
}

// Transaction is one immutable ledger entry. Seq orders entries by creation.
type Transaction struct {
	ID                  string              `json:"id"`
	Seq                 int64               `json:"-"`
	UserID              string              `json:"user_id"`
	Type                TransactionType     `json:"transaction_type"`
	Amount              int64               `json:"amount"`
	BalanceBefore       int64               `json:"balance_before"`
	BalanceAfter        int64               `json:"balance_after"`
	EscrowBalanceBefore int64               `json:"escrow_balance_before"`
	EscrowBalanceAfter  int64               `json:"escrow_balance_after"`
	ReferenceID         string              `json:"reference_id,omitempty"`
	Description         string              `json:"description"`
	Status              TransactionStatus   `json:"status"`
	IdempotencyKey      string              `json:"idempotency_key,omitempty"`
	Metadata            TransactionMetadata `json:"metadata"`
	CreatedAt           time.Time           `json:"created_at"`
}

type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingConfirmed  BookingStatus = "confirmed"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCancelled  BookingStatus = "cancelled"
)

// Service is the bookable offer of a provider. Price is tokens per hour.
type Service struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Title      string `json:"title"`
	Price      int64  `json:"price"`
	Active     bool   `json:"active"`
}

type Booking struct {
	ID                  string        `json:"id"`
	ServiceID           string        `json:"service_id"`
	ResidentID          string        `json:"resident_id"`
	ServiceProviderID   string        `json:"service_provider_id"`
	ScheduledDate       string        `json:"scheduled_date"`
	ScheduledTime       string        `json:"scheduled_time"`
	Duration            int           `json:"duration"`
	Requirements        string        `json:"requirements,omitempty"`
	TotalTokens         int64         `json:"total_tokens"`
	Status              BookingStatus `json:"status"`
	EscrowTransactionID string        `json:"escrow_transaction_id"`
	CancellationReason  string        `json:"cancellation_reason,omitempty"`
	CancelledBy         string        `json:"cancelled_by,omitempty"`
	Version             int64         `json:"-"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	CancelledAt         *time.Time    `json:"cancelled_at,omitempty"`
}

// FundableKind distinguishes crowdfunded projects from donation causes.
type FundableKind string

const (
	KindProject FundableKind = "project"
	KindCause   FundableKind = "cause"
)

type FundableStatus string

const (
	FundableDraft     FundableStatus = "draft"
	FundablePending   FundableStatus = "pending"
	FundableActive    FundableStatus = "active"
	FundableApproved  FundableStatus = "approved"
	FundableFunded    FundableStatus = "funded"
	FundableCompleted FundableStatus = "completed"
	FundableCancelled FundableStatus = "cancelled"
)

// Fundable is a project or cause that collects tokens into a shared pool.
type Fundable struct {
	ID            string           `json:"id"`
	Kind          FundableKind     `json:"kind"`
	Title         string           `json:"title"`
	OwnerID       string           `json:"owner_id"`
	CurrentAmount int64            `json:"current_amount"`
	TargetAmount  int64            `json:"target_amount"`
	Status        FundableStatus   `json:"status"`
	Contributors  map[string]int64 `json:"contributors"`
	Version       int64            `json:"-"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Accepting reports whether the fundable takes new tokens.
func (f Fundable) Accepting() bool {
	switch f.Status {
	case FundableActive, FundableApproved, FundableFunded:
		return true
	}
	return false
}

// Clone returns a copy that does not share the contributor map.
func (f Fundable) Clone() Fundable {
	out := f
	out.Contributors = make(map[string]int64, len(f.Contributors))
	for k, v := range f.Contributors {
		out.Contributors[k] = v
	}
	return out
}

// PoolCredit records a successful credit of a spend entry into a fundable.
// A spend entry without a pool credit and without a compensating refund is orphaned.
type PoolCredit struct {
	TransactionID string       `json:"transaction_id"`
	Kind          FundableKind `json:"kind"`
	TargetID      string       `json:"target_id"`
	UserID        string       `json:"user_id"`
	Amount        int64        `json:"amount"`
	Message       []byte       `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
}

type Review struct {
	ID         string    `json:"id"`
	BookingID  string    `json:"booking_id"`
	ReviewerID string    `json:"reviewer_id"`
	RevieweeID string    `json:"reviewee_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserRating is the aggregate rating document of a user.
type UserRating struct {
	UserID        string          `json:"user_id"`
	AverageRating decimal.Decimal `json:"average_rating"`
	ReviewCount   int64           `json:"review_count"`
	Version       int64           `json:"-"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Role string

const (
	RoleResident Role = "resident"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated caller of a workflow.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/store"
)

// MessageSealer encrypts donation messages at rest.
type MessageSealer interface {
	Seal(plaintext, associated []byte) ([]byte, error)
	Open(sealed, associated []byte) ([]byte, error)
}

// FundingService moves tokens from residents into projects and causes.
//
// The debit and the credit of the target are separate transactions. When the
// credit fails the debit is reversed once; a failed reversal is reported as a
// *domain.CompensationError and left for reconciliation.
type FundingService struct {
	deps
	sealer MessageSealer
}

func NewFundingService(s store.Store, l Ledger, sealer MessageSealer, opts ...Option) *FundingService {
	return &FundingService{deps: newDeps(s, l, opts), sealer: sealer}
}

// Funding is the outcome of a successful contribution or donation.
type Funding struct {
	TransactionID string          `json:"transaction_id"`
	Target        domain.Fundable `json:"target"`
}

// Donation is a pool credit of a cause as shown to readers. Message is only
// filled for the cause owner and admins.
type Donation struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *FundingService) Contribute(ctx context.Context, actor domain.Actor, projectID string, amount int64) (Funding, error) {
	return s.fund(ctx, actor, domain.KindProject, projectID, amount, "")
}

func (s *FundingService) Donate(ctx context.Context, actor domain.Actor, causeID string, amount int64, message string) (Funding, error) {
	return s.fund(ctx, actor, domain.KindCause, causeID, amount, message)
}

func messageAD(causeID, userID string) []byte {
	return []byte(causeID + ":" + userID)
}

func (s *FundingService) fund(ctx context.Context, actor domain.Actor, kind domain.FundableKind, targetID string, amount int64, message string) (Funding, error) {
	if targetID == "" || amount <= 0 {
		return Funding{}, fmt.Errorf("%w: target and a positive amount are required", domain.ErrInvalidInput)
	}
	txType, verb := domain.TxSpendProjectContribution, "Contribution to project"
	if kind == domain.KindCause {
		txType, verb = domain.TxSpendCauseDonation, "Donation to cause"
	}

	var sealed []byte
	if message != "" {
		var err error
		if sealed, err = s.sealer.Seal([]byte(message), messageAD(targetID, actor.UserID)); err != nil {
			return Funding{}, fmt.Errorf("seal donation message: %w", err)
		}
	}

	log := s.log.WithFields(logrus.Fields{
		"user_id":   actor.UserID,
		"target_id": targetID,
		"kind":      kind,
		"amount":    amount,
	})

	txID, err := s.ledger.Apply(ctx, ledger.Entry{
		UserID:       actor.UserID,
		Type:         txType,
		BalanceDelta: -amount,
		Description:  fmt.Sprintf("%s %s", verb, targetID),
		ReferenceID:  targetID,
		InitiatorID:  actor.UserID,
	})
	if err != nil {
		return Funding{}, err
	}
	log = log.WithField("tx_id", txID)

	var target domain.Fundable
	err = s.tx(ctx, func(tx store.Tx) error {
		f, err := tx.GetFundable(ctx, kind, targetID)
		if err != nil {
			return err
		}
		if !f.Accepting() {
			return fmt.Errorf("%w: %s %s is %s", domain.ErrTargetNotAccepting, kind, targetID, f.Status)
		}
		now := s.now()
		f.CurrentAmount += amount
		if f.CurrentAmount >= f.TargetAmount && f.Status != domain.FundableFunded && f.Status != domain.FundableCompleted {
			f.Status = domain.FundableFunded
		}
		if f.Contributors == nil {
			f.Contributors = make(map[string]int64)
		}
		f.Contributors[actor.UserID] += amount
		f.UpdatedAt = now
		if err := tx.UpdateFundable(ctx, f); err != nil {
			return err
		}
		f.Version++
		target = f
		return tx.InsertPoolCredit(ctx, domain.PoolCredit{
			TransactionID: txID,
			Kind:          kind,
			TargetID:      targetID,
			UserID:        actor.UserID,
			Amount:        amount,
			Message:       sealed,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return Funding{}, s.compensate(ctx, actor, targetID, amount, txID, err, log)
	}

	log.WithField("status", target.Status).Info("pool credited")
	return Funding{TransactionID: txID, Target: target}, nil
}

// compensate reverses the debit txID after its credit failed with cause.
func (s *FundingService) compensate(ctx context.Context, actor domain.Actor, targetID string, amount int64, txID string, cause error, log logrus.FieldLogger) error {
	log.WithError(cause).Warn("pool credit failed, refunding payer")

	refundID, err := applied(s.ledger.Apply(ctx, ledger.Entry{
		UserID:         actor.UserID,
		Type:           domain.TxRefundEscrow,
		BalanceDelta:   amount,
		Description:    fmt.Sprintf("Refund of %s: %v", txID, cause),
		ReferenceID:    targetID,
		InitiatorID:    actor.UserID,
		IdempotencyKey: compensateKey(txID),
		Compensates:    txID,
	}))
	if err != nil {
		compensationsTotal.WithLabelValues("funding", "failed").Inc()
		cerr := &domain.CompensationError{
			UserID: actor.UserID, TargetID: targetID, Amount: amount,
			TransactionID: txID, Cause: cause, RefundErr: err,
		}
		log.WithError(cerr).Error("payer charged without pool credit or refund, manual reconciliation required")
		return cerr
	}

	compensationsTotal.WithLabelValues("funding", "refunded").Inc()
	log.WithField("refund_id", refundID).Info("payer refunded")
	return &domain.RefundedError{Cause: cause, TransactionID: txID, RefundTransactionID: refundID}
}

// Donations lists the donations to a cause, newest first.
func (s *FundingService) Donations(ctx context.Context, actor domain.Actor, causeID string) ([]Donation, error) {
	var (
		cause   domain.Fundable
		credits []domain.PoolCredit
	)
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		if cause, err = tx.GetFundable(ctx, domain.KindCause, causeID); err != nil {
			return err
		}
		credits, err = tx.ListPoolCredits(ctx, domain.KindCause, causeID)
		return err
	})
	if err != nil {
		return nil, err
	}

	reveal := actor.IsAdmin() || actor.UserID == cause.OwnerID
	out := make([]Donation, 0, len(credits))
	for _, c := range credits {
		d := Donation{TransactionID: c.TransactionID, UserID: c.UserID, Amount: c.Amount, CreatedAt: c.CreatedAt}
		if reveal && len(c.Message) > 0 {
			plain, err := s.sealer.Open(c.Message, messageAD(causeID, c.UserID))
			if err != nil {
				s.log.WithFields(logrus.Fields{"tx_id": c.TransactionID, "target_id": causeID}).
					WithError(err).Warn("could not open donation message")
			} else {
				d.Message = string(plain)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// IsRefunded reports whether err is a failed operation whose debit was reversed.
func IsRefunded(err error) bool {
	var r *domain.RefundedError
	return errors.As(err, &r)
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/store"
)

// BookingService holds a resident's tokens in escrow while a booking is open
// and releases or refunds them when it completes or is cancelled.
type BookingService struct {
	deps
}

func NewBookingService(s store.Store, l Ledger, opts ...Option) *BookingService {
	return &BookingService{deps: newDeps(s, l, opts)}
}

type CreateBookingInput struct {
	ServiceID     string
	ScheduledDate string
	ScheduledTime string
	Duration      int
	Requirements  string
}

// escrowKey is shared by the cancel refund and the completion release, so the
// ledger accepts only one of them per booking.
func escrowKey(bookingID string) string { return "booking:" + bookingID + ":escrow" }
func settleKey(bookingID string) string { return "booking:" + bookingID + ":settle" }
func compensateKey(txID string) string  { return "compensate:" + txID }

// CreateBooking escrows price × duration from the resident and writes a
// pending booking. No booking is written when the hold fails.
func (s *BookingService) CreateBooking(ctx context.Context, actor domain.Actor, in CreateBookingInput) (domain.Booking, error) {
	if in.ServiceID == "" || in.ScheduledDate == "" || in.ScheduledTime == "" || in.Duration <= 0 {
		return domain.Booking{}, fmt.Errorf("%w: service, schedule and a positive duration are required", domain.ErrInvalidInput)
	}

	var svc domain.Service
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		svc, err = tx.GetService(ctx, in.ServiceID)
		return err
	})
	if err != nil {
		return domain.Booking{}, err
	}
	if !svc.Active {
		return domain.Booking{}, domain.ErrServiceUnavailable
	}
	if svc.ProviderID == actor.UserID {
		return domain.Booking{}, domain.ErrSelfBooking
	}
	total := svc.Price * int64(in.Duration)
	if total <= 0 {
		return domain.Booking{}, fmt.Errorf("%w: service %s has no price", domain.ErrInvalidInput, svc.ID)
	}

	log := s.log.WithFields(logrus.Fields{
		"user_id":    actor.UserID,
		"service_id": svc.ID,
		"amount":     total,
	})

	holdID, err := s.ledger.Apply(ctx, ledger.Entry{
		UserID:       actor.UserID,
		Type:         domain.TxEscrowHold,
		BalanceDelta: -total,
		EscrowDelta:  total,
		Description:  fmt.Sprintf("Escrow hold for %s (%d h)", svc.Title, in.Duration),
		InitiatorID:  actor.UserID,
	})
	if err != nil {
		return domain.Booking{}, err
	}

	now := s.now()
	b := domain.Booking{
		ServiceID:           svc.ID,
		ResidentID:          actor.UserID,
		ServiceProviderID:   svc.ProviderID,
		ScheduledDate:       in.ScheduledDate,
		ScheduledTime:       in.ScheduledTime,
		Duration:            in.Duration,
		Requirements:        in.Requirements,
		TotalTokens:         total,
		Status:              domain.BookingPending,
		EscrowTransactionID: holdID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = s.tx(ctx, func(tx store.Tx) error {
		b.ID = ""
		return tx.InsertBooking(ctx, &b)
	})
	if err != nil {
		log.WithError(err).Warn("booking insert failed, refunding escrow hold")
		refundID, rerr := applied(s.ledger.Apply(ctx, ledger.Entry{
			UserID:         actor.UserID,
			Type:           domain.TxRefundEscrow,
			BalanceDelta:   total,
			EscrowDelta:    -total,
			Description:    fmt.Sprintf("Refund of escrow hold %s: booking not created: %v", holdID, err),
			InitiatorID:    actor.UserID,
			IdempotencyKey: compensateKey(holdID),
			Compensates:    holdID,
		}))
		if rerr != nil {
			compensationsTotal.WithLabelValues("booking", "failed").Inc()
			cerr := &domain.CompensationError{
				UserID: actor.UserID, TargetID: svc.ID, Amount: total,
				TransactionID: holdID, Cause: err, RefundErr: rerr,
			}
			log.WithField("tx_id", holdID).WithError(cerr).Error("escrow hold not refunded after failed booking insert")
			return domain.Booking{}, cerr
		}
		compensationsTotal.WithLabelValues("booking", "refunded").Inc()
		return domain.Booking{}, &domain.RefundedError{Cause: err, TransactionID: holdID, RefundTransactionID: refundID, Hold: true}
	}

	if err := s.ledger.AttachReference(ctx, holdID, b.ID); err != nil {
		log.WithFields(logrus.Fields{"tx_id": holdID, "booking_id": b.ID}).WithError(err).
			Warn("could not attach booking reference to escrow hold")
	}

	log.WithFields(logrus.Fields{"booking_id": b.ID, "tx_id": holdID}).Info("booking created")
	return b, nil
}

// Booking returns a booking visible to one of its parties or an admin.
func (s *BookingService) Booking(ctx context.Context, actor domain.Actor, id string) (domain.Booking, error) {
	b, err := s.load(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if partiesOf(b, actor) == 0 {
		return domain.Booking{}, domain.ErrForbidden
	}
	return b, nil
}

func (s *BookingService) load(ctx context.Context, id string) (domain.Booking, error) {
	var b domain.Booking
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, id)
		return err
	})
	return b, err
}

// UpdateStatus moves a booking to next after running the ledger entries the
// transition needs. The status is written only once every entry succeeded.
//
// Every entry is keyed by booking, so repeating a request that failed part way
// resumes it without moving tokens twice.
func (s *BookingService) UpdateStatus(ctx context.Context, actor domain.Actor, id string, next domain.BookingStatus, reason string) (domain.Booking, error) {
	if !validStatus(next) {
		return domain.Booking{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, next)
	}
	b, err := s.load(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.Status == next {
		if partiesOf(b, actor) == 0 {
			return domain.Booking{}, domain.ErrForbidden
		}
		return b, nil
	}
	r, err := authorize(b, actor, next)
	if err != nil {
		return domain.Booking{}, err
	}

	log := s.log.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"from":       b.Status,
		"to":         next,
		"actor":      actor.UserID,
	})

	switch r.leg {
	case legNone:
		claim, err := s.escrowClaim(ctx, b)
		if err != nil {
			return domain.Booking{}, err
		}
		if claim != nil {
			return domain.Booking{}, fmt.Errorf("%w: escrow of booking %s was already %s",
				domain.ErrInvalidTransition, b.ID, claimed(claim))
		}
	case legRefund:
		if err := s.refund(ctx, actor, b, log); err != nil {
			return domain.Booking{}, err
		}
	case legSettle:
		if err := s.settle(ctx, actor, b, log); err != nil {
			return domain.Booking{}, err
		}
	}

	from := b.Status
	err = s.tx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == next {
			b = cur
			return nil
		}
		if cur.Status != from {
			return fmt.Errorf("%w: booking moved to %s concurrently", domain.ErrInvalidTransition, cur.Status)
		}
		now := s.now()
		cur.Status = next
		cur.UpdatedAt = now
		switch next {
		case domain.BookingCompleted:
			cur.CompletedAt = &now
		case domain.BookingCancelled:
			cur.CancelledAt = &now
			cur.CancelledBy = actor.UserID
			cur.CancellationReason = reason
		}
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		cur.Version++
		b = cur
		return nil
	})
	if err != nil {
		log.WithError(err).Error("booking status not persisted after ledger entries")
		return domain.Booking{}, err
	}

	bookingTransitionsTotal.WithLabelValues(string(next)).Inc()
	log.Info("booking status updated")
	return b, nil
}

// refund returns what is still held for b to the resident, capped by the
// resident's current escrow.
func (s *BookingService) refund(ctx context.Context, actor domain.Actor, b domain.Booking, log logrus.FieldLogger) error {
	claim, err := s.escrowClaim(ctx, b)
	if err != nil {
		return err
	}
	if claim != nil {
		if claim.Type == domain.TxRefundEscrow {
			return nil
		}
		return fmt.Errorf("%w: escrow of booking %s was already released", domain.ErrInvalidTransition, b.ID)
	}

	w, err := s.ledger.Wallet(ctx, b.ResidentID)
	if err != nil {
		return err
	}
	held := min(b.TotalTokens, w.EscrowBalance)
	if held <= 0 {
		log.Warn("nothing held in escrow, cancelling without refund")
		return nil
	}

	id, err := applied(s.ledger.Apply(ctx, ledger.Entry{
		UserID:         b.ResidentID,
		Type:           domain.TxRefundEscrow,
		BalanceDelta:   held,
		EscrowDelta:    -held,
		Description:    "Escrow refund for cancelled booking",
		ReferenceID:    b.ID,
		InitiatorID:    actor.UserID,
		IdempotencyKey: escrowKey(b.ID),
	}))
	if errors.Is(err, domain.ErrIdempotencyMismatch) {
		return fmt.Errorf("%w: escrow of booking %s was released concurrently", domain.ErrInvalidTransition, b.ID)
	}
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"tx_id": id, "amount": held}).Info("escrow refunded")
	return nil
}

// settle releases the resident's escrow and credits the provider.
func (s *BookingService) settle(ctx context.Context, actor domain.Actor, b domain.Booking, log logrus.FieldLogger) error {
	claim, err := s.escrowClaim(ctx, b)
	if err != nil {
		return err
	}
	if claim != nil && claim.Type != domain.TxEscrowRelease {
		return fmt.Errorf("%w: escrow of booking %s was already refunded", domain.ErrInvalidTransition, b.ID)
	}

	releaseID, err := applied(s.ledger.Apply(ctx, ledger.Entry{
		UserID:         b.ResidentID,
		Type:           domain.TxEscrowRelease,
		EscrowDelta:    -b.TotalTokens,
		Description:    "Escrow released for completed booking",
		ReferenceID:    b.ID,
		InitiatorID:    actor.UserID,
		IdempotencyKey: escrowKey(b.ID),
	}))
	if errors.Is(err, domain.ErrIdempotencyMismatch) {
		return fmt.Errorf("%w: escrow of booking %s was refunded concurrently", domain.ErrInvalidTransition, b.ID)
	}
	if err != nil {
		return err
	}

	settleID, err := applied(s.ledger.Apply(ctx, ledger.Entry{
		UserID:         b.ServiceProviderID,
		Type:           domain.TxEarnServiceFee,
		BalanceDelta:   b.TotalTokens,
		Description:    "Payment for completed booking",
		ReferenceID:    b.ID,
		InitiatorID:    actor.UserID,
		IdempotencyKey: settleKey(b.ID),
	}))
	if err != nil {
		settlementFailuresTotal.Inc()
		serr := &domain.SettlementError{
			BookingID: b.ID, ProviderID: b.ServiceProviderID, Amount: b.TotalTokens,
			ReleaseID: releaseID, Cause: err,
		}
		log.WithFields(logrus.Fields{
			"resident_id": b.ResidentID,
			"provider_id": b.ServiceProviderID,
			"release_id":  releaseID,
			"amount":      b.TotalTokens,
		}).WithError(err).Error("escrow released but provider not credited")
		return serr
	}

	log.WithFields(logrus.Fields{"release_id": releaseID, "tx_id": settleID, "amount": b.TotalTokens}).Info("booking settled")
	return nil
}

// escrowClaim returns the entry that refunded or released the escrow of b, or
// nil while the escrow is still held.
func (s *BookingService) escrowClaim(ctx context.Context, b domain.Booking) (*domain.Transaction, error) {
	tr, err := s.ledger.Lookup(ctx, b.ResidentID, escrowKey(b.ID))
	switch {
	case err == nil:
		return &tr, nil
	case errors.Is(err, domain.ErrNotFound):
		return nil, nil
	}
	return nil, err
}

func claimed(tr *domain.Transaction) string {
	if tr.Type == domain.TxEscrowRelease {
		return "released"
	}
	return "refunded"
}

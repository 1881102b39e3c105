package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/store"
)

type ReviewService struct {
	deps
}

func NewReviewService(s store.Store, opts ...Option) *ReviewService {
	return &ReviewService{deps: newDeps(s, nil, opts)}
}

type CreateReviewInput struct {
	BookingID string
	Rating    int
	Comment   string
}

// CreateReview stores a review of the other party of a completed booking and
// folds the rating into the reviewee's aggregate. A failed aggregate update is
// logged and does not undo the review.
func (s *ReviewService) CreateReview(ctx context.Context, actor domain.Actor, in CreateReviewInput) (domain.Review, error) {
	if in.Rating < 1 || in.Rating > 5 {
		return domain.Review{}, fmt.Errorf("%w: rating must be between 1 and 5", domain.ErrInvalidInput)
	}

	var r domain.Review
	err := s.tx(ctx, func(tx store.Tx) error {
		b, err := tx.GetBooking(ctx, in.BookingID)
		if err != nil {
			return err
		}
		var reviewee string
		switch actor.UserID {
		case b.ResidentID:
			reviewee = b.ServiceProviderID
		case b.ServiceProviderID:
			reviewee = b.ResidentID
		default:
			return domain.ErrForbidden
		}
		if b.Status != domain.BookingCompleted {
			return fmt.Errorf("%w: booking %s is %s", domain.ErrInvalidTransition, b.ID, b.Status)
		}
		r = domain.Review{
			BookingID:  b.ID,
			ReviewerID: actor.UserID,
			RevieweeID: reviewee,
			Rating:     in.Rating,
			Comment:    in.Comment,
			CreatedAt:  s.now(),
		}
		return tx.InsertReview(ctx, &r)
	})
	if err != nil {
		return domain.Review{}, err
	}

	if _, err := s.RecordRating(ctx, r.RevieweeID, r.Rating); err != nil {
		s.log.WithFields(logrus.Fields{
			"user_id":   r.RevieweeID,
			"review_id": r.ID,
			"rating":    r.Rating,
		}).WithError(err).Error("rating aggregate not updated")
	}
	return r, nil
}

// RecordRating folds rating into the user's running average.
func (s *ReviewService) RecordRating(ctx context.Context, userID string, rating int) (domain.UserRating, error) {
	var out domain.UserRating
	err := s.tx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetUserRating(ctx, userID)
		if err != nil {
			return err
		}
		out = nextRating(cur, rating)
		out.UpdatedAt = s.now()
		if err := tx.PutUserRating(ctx, out); err != nil {
			return err
		}
		out.Version++
		return nil
	})
	return out, err
}

func nextRating(cur domain.UserRating, rating int) domain.UserRating {
	count := decimal.NewFromInt(cur.ReviewCount)
	sum := cur.AverageRating.Mul(count).Add(decimal.NewFromInt(int64(rating)))
	cur.AverageRating = sum.Div(count.Add(decimal.NewFromInt(1))).Round(2)
	cur.ReviewCount++
	return cur
}

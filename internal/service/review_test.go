package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/store"
	"github.com/punchamoorthee/starledger/internal/store/storetest"
)

func (f *fixture) completedBooking(t *testing.T) domain.Booking {
	t.Helper()
	svcID := f.service(t, "provider", 10)
	b, err := f.bookings.CreateBooking(context.Background(), resident, booking(svcID))
	require.NoError(t, err)
	f.advance(t, b.ID, domain.BookingConfirmed, domain.BookingInProgress, domain.BookingCompleted)
	return b
}

func (f *fixture) rating(t *testing.T, userID string) domain.UserRating {
	t.Helper()
	var r domain.UserRating
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx store.Tx) error {
		var err error
		r, err = tx.GetUserRating(context.Background(), userID)
		return err
	}))
	return r
}

func TestNextRating(t *testing.T) {
	r := domain.UserRating{UserID: "u"}
	for _, tc := range []struct {
		rating int
		want   string
		count  int64
	}{
		{5, "5", 1},
		{4, "4.5", 2},
		{4, "4.33", 3},
		{1, "3.5", 4},
	} {
		r = nextRating(r, tc.rating)
		assert.True(t, decimal.RequireFromString(tc.want).Equal(r.AverageRating),
			"after %d: got %s, want %s", tc.rating, r.AverageRating, tc.want)
		assert.Equal(t, tc.count, r.ReviewCount)
	}
}

func TestCreateReview_UpdatesRevieweeAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)
	f.wallet(t, "provider", 0)
	b := f.completedBooking(t)

	r, err := f.reviews.CreateReview(ctx, resident, CreateReviewInput{BookingID: b.ID, Rating: 5, Comment: "great"})
	require.NoError(t, err)
	assert.Equal(t, "provider", r.RevieweeID)
	assert.NotEmpty(t, r.ID)

	r, err = f.reviews.CreateReview(ctx, provider, CreateReviewInput{BookingID: b.ID, Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, "resident", r.RevieweeID)

	p := f.rating(t, "provider")
	assert.Equal(t, int64(1), p.ReviewCount)
	assert.True(t, decimal.NewFromInt(5).Equal(p.AverageRating))

	_, err = f.reviews.CreateReview(ctx, resident, CreateReviewInput{BookingID: b.ID, Rating: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, int64(1), f.rating(t, "provider").ReviewCount)
}

func TestCreateReview_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)
	svcID := f.service(t, "provider", 10)
	open, err := f.bookings.CreateBooking(ctx, resident, booking(svcID))
	require.NoError(t, err)

	_, err = f.reviews.CreateReview(ctx, resident, CreateReviewInput{BookingID: open.ID, Rating: 5})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.reviews.CreateReview(ctx, resident, CreateReviewInput{BookingID: open.ID, Rating: 6})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.reviews.CreateReview(ctx, stranger, CreateReviewInput{BookingID: open.ID, Rating: 3})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.reviews.CreateReview(ctx, resident, CreateReviewInput{BookingID: "missing", Rating: 3})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateReview_AggregateFailureKeepsReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)
	f.wallet(t, "provider", 0)
	b := f.completedBooking(t)

	f.store.FailOn(storetest.OpPutUserRating, errors.New("disk full"), 0)
	r, err := f.reviews.CreateReview(ctx, resident, CreateReviewInput{BookingID: b.ID, Rating: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, int64(0), f.rating(t, "provider").ReviewCount)

	last := f.logs.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, "provider", last.Data["user_id"])

	// The review exists, so a second attempt is a duplicate.
	f.store.Reset()
	_, err = f.reviews.CreateReview(ctx, resident, CreateReviewInput{BookingID: b.ID, Rating: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRecordRating_ConcurrentUpdatesAllCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := f.reviews.RecordRating(ctx, "provider", 4)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	r := f.rating(t, "provider")
	assert.Equal(t, int64(8), r.ReviewCount)
	assert.True(t, decimal.NewFromInt(4).Equal(r.AverageRating))
}

// Package retry re-runs optimistic store transactions that lost a race.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/punchamoorthee/starledger/internal/domain"
)

// Policy bounds how often and how patiently a conflicting operation is retried.
type Policy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
}

var DefaultPolicy = Policy{
	Attempts: 5,
	Min:      10 * time.Millisecond,
	Max:      500 * time.Millisecond,
	Factor:   2,
	Jitter:   true,
}

// Do calls fn until it succeeds, fails with an error other than
// domain.ErrStoreConflict, or the policy runs out of attempts. attempt starts at 1.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}

	for {
		attempt := int(b.Attempt()) + 1
		err := fn(attempt)
		if err == nil || !domain.IsRetryable(err) {
			return err
		}
		if attempt >= p.Attempts {
			return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, attempt, err)
		}

		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

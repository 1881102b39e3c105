// Package service holds the workflows that compose ledger entries with
// updates of bookings, projects, causes and ratings.
//
// None of the workflows lock anything in process. Each ledger call and each
// entity write is its own optimistic store transaction; where a workflow spans
// several of them it either compensates or keys every step so that repeating
// the request resumes it.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/retry"
	"github.com/punchamoorthee/starledger/internal/store"
)

// Ledger is the part of the ledger engine the workflows call.
type Ledger interface {
	Apply(ctx context.Context, en ledger.Entry) (string, error)
	AttachReference(ctx context.Context, txID, referenceID string) error
	Lookup(ctx context.Context, userID, key string) (domain.Transaction, error)
	Wallet(ctx context.Context, userID string) (domain.Wallet, error)
}

var (
	compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_compensations_total",
		Help: "Compensating refunds issued by workflows, labeled by outcome",
	}, []string{"workflow", "outcome"})

	settlementFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlement_failures_total",
		Help: "Booking completions whose provider credit failed after the escrow release",
	})

	bookingTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_booking_transitions_total",
		Help: "Persisted booking status changes, labeled by new status",
	}, []string{"status"})
)

// deps are shared by every workflow.
type deps struct {
	store  store.Store
	ledger Ledger
	policy retry.Policy
	now    func() time.Time
	log    logrus.FieldLogger
}

type Option func(*deps)

func WithRetryPolicy(p retry.Policy) Option {
	return func(d *deps) { d.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *deps) { d.log = l }
}

func newDeps(s store.Store, l Ledger, opts []Option) deps {
	d := deps{
		store:  s,
		ledger: l,
		policy: retry.DefaultPolicy,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// tx runs fn in a store transaction and re-runs it on conflicts.
func (d deps) tx(ctx context.Context, fn func(tx store.Tx) error) error {
	return retry.Do(ctx, d.policy, func(int) error {
		return d.store.RunInTx(ctx, fn)
	})
}

// applied treats an already applied idempotent entry as success.
func applied(id string, err error) (string, error) {
	if err != nil && id != "" && errors.Is(err, domain.ErrDuplicateEntry) {
		return id, nil
	}
	return id, err
}

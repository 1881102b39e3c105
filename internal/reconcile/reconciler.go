// Package reconcile checks that wallets agree with their logs and finds spend
// entries that were neither credited to a pool nor refunded.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/store"
)

var (
	inconsistentWallets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reconcile_inconsistent_wallets",
		Help: "Wallets whose replayed log differed from the wallet in the last pass",
	})
	orphanedSpends = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reconcile_orphaned_spends",
		Help: "Spend entries without pool credit or refund in the last pass",
	})
	orphanedTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reconcile_orphaned_tokens",
		Help: "Tokens debited by orphaned spend entries in the last pass",
	})
	lastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reconcile_last_run_timestamp_seconds",
		Help: "Unix time of the last completed pass",
	})
)

// Verifier replays one wallet.
type Verifier interface {
	Verify(ctx context.Context, userID string) (ledger.Verification, error)
}

type Report struct {
	Wallets        int                   `json:"wallets"`
	Inconsistent   []ledger.Verification `json:"inconsistent"`
	Orphaned       []domain.Transaction  `json:"orphaned"`
	OrphanedCount  int                   `json:"orphaned_count"`
	OrphanedTokens int64                 `json:"orphaned_tokens"`
	FinishedAt     time.Time             `json:"finished_at"`
}

// Clean reports whether the pass found nothing to fix.
func (r Report) Clean() bool {
	return len(r.Inconsistent) == 0 && r.OrphanedCount == 0
}

type Reconciler struct {
	store    store.Store
	verifier Verifier
	grace    time.Duration
	workers  int
	now      func() time.Time
	log      logrus.FieldLogger
}

type Option func(*Reconciler)

// WithGrace sets how old a spend entry must be before it counts as orphaned.
func WithGrace(d time.Duration) Option {
	return func(r *Reconciler) { r.grace = d }
}

func WithWorkers(n int) Option {
	return func(r *Reconciler) { r.workers = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.log = l }
}

func New(s store.Store, v Verifier, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    s,
		verifier: v,
		grace:    5 * time.Minute,
		workers:  8,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one pass over every wallet and the spend entries.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var (
		ids     []string
		orphans []domain.Transaction
	)
	cutoff := r.now().Add(-r.grace)
	err := r.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		if ids, err = tx.ListWalletIDs(ctx); err != nil {
			return err
		}
		orphans, err = tx.OrphanedSpends(ctx, cutoff)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("load reconciliation inputs: %w", err)
	}

	results := make([]ledger.Verification, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			v, err := r.verifier.Verify(gctx, id)
			if err != nil {
				return fmt.Errorf("verify wallet %s: %w", id, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	rep := Report{Wallets: len(ids), Orphaned: orphans, OrphanedCount: len(orphans), FinishedAt: r.now()}
	for _, v := range results {
		if !v.Consistent {
			rep.Inconsistent = append(rep.Inconsistent, v)
			r.log.WithFields(logrus.Fields{
				"user_id": v.UserID,
				"issues":  v.Issues,
			}).Error("wallet disagrees with its transaction log")
		}
	}
	for _, tr := range orphans {
		rep.OrphanedTokens += tr.Amount
		r.log.WithFields(logrus.Fields{
			"user_id":      tr.UserID,
			"tx_id":        tr.ID,
			"reference_id": tr.ReferenceID,
			"amount":       tr.Amount,
		}).Error("spend entry has neither pool credit nor refund")
	}

	inconsistentWallets.Set(float64(len(rep.Inconsistent)))
	orphanedSpends.Set(float64(rep.OrphanedCount))
	orphanedTokens.Set(float64(rep.OrphanedTokens))
	lastRun.Set(float64(rep.FinishedAt.Unix()))
	return rep, nil
}

// Loop runs a pass every interval until ctx is done. Failed passes are logged.
func (r *Reconciler) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rep, err := r.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.WithError(err).Warn("reconciliation pass failed")
				continue
			}
			r.log.WithFields(logrus.Fields{
				"wallets":         rep.Wallets,
				"inconsistent":    len(rep.Inconsistent),
				"orphaned":        rep.OrphanedCount,
				"orphaned_tokens": rep.OrphanedTokens,
			}).Info("reconciliation pass finished")
		}
	}
}

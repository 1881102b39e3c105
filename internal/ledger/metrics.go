package ledger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/starledger/internal/domain"
)

var (
	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_entries_total",
		Help: "Ledger entries written, labeled by transaction type",
	}, []string{"type"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Ledger entries rejected, labeled by reason",
	}, []string{"reason"})

	storeRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_store_retries_total",
		Help: "Store transactions re-run after an optimistic concurrency conflict",
	})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_apply_duration_seconds",
		Help:    "Latency of ledger entry application including retries",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"type"})
)

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrInsufficientEscrow):
		return "insufficient_escrow"
	case errors.Is(err, domain.ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, domain.ErrWalletInactive):
		return "wallet_inactive"
	case errors.Is(err, domain.ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return "idempotency_mismatch"
	case errors.Is(err, domain.ErrRetriesExhausted):
		return "retries_exhausted"
	}
	return "other"
}

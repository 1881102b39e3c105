package api

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/idempotency"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/reconcile"
	"github.com/punchamoorthee/starledger/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Deps are the components behind the HTTP surface. Idempotency may be nil,
// in which case Idempotency-Key headers are ignored.
type Deps struct {
	Ledger         *ledger.Engine
	Bookings       *service.BookingService
	Funding        *service.FundingService
	Reviews        *service.ReviewService
	Reconciler     *reconcile.Reconciler
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Logger         logrus.FieldLogger
}

type Handler struct {
	ledger     *ledger.Engine
	bookings   *service.BookingService
	funding    *service.FundingService
	reviews    *service.ReviewService
	reconciler *reconcile.Reconciler
	idem       idempotency.Store
	idemTTL    time.Duration
	validate   *validator.Validate
	log        logrus.FieldLogger
}

func NewHandler(d Deps) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.IdempotencyTTL <= 0 {
		d.IdempotencyTTL = 24 * time.Hour
	}
	return &Handler{
		ledger:     d.Ledger,
		bookings:   d.Bookings,
		funding:    d.Funding,
		reviews:    d.Reviews,
		reconciler: d.Reconciler,
		idem:       d.Idempotency,
		idemTTL:    d.IdempotencyTTL,
		validate:   v,
		log:        d.Logger,
	}
}

// Routes builds the router with health, metrics and the /api/v1 surface.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.authenticate, h.idempotent)

	v1.HandleFunc("/wallets", h.CreateWalletHandler).Methods(http.MethodPost)
	v1.HandleFunc("/wallet", h.GetWalletHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/transactions", h.ListTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/verify", h.VerifyWalletHandler).Methods(http.MethodGet)

	v1.HandleFunc("/bookings", h.CreateBookingHandler).Methods(http.MethodPost)
	v1.HandleFunc("/bookings/{id}", h.GetBookingHandler).Methods(http.MethodGet)
	v1.HandleFunc("/bookings/{id}/status", h.UpdateBookingStatusHandler).Methods(http.MethodPut)

	v1.HandleFunc("/projects/{id}/contributions", h.ContributeHandler).Methods(http.MethodPost)
	v1.HandleFunc("/causes/{id}/donations", h.DonateHandler).Methods(http.MethodPost)
	v1.HandleFunc("/causes/{id}/donations", h.ListDonationsHandler).Methods(http.MethodGet)

	v1.HandleFunc("/reviews", h.CreateReviewHandler).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/wallets/{userId}/entries", h.AdminEntryHandler).Methods(http.MethodPost)
	admin.HandleFunc("/wallets/{userId}", h.DeactivateWalletHandler).Methods(http.MethodDelete)
	admin.HandleFunc("/reconciliation", h.ReconcileHandler).Methods(http.MethodGet)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

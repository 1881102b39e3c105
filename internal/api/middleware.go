package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/idempotency"
)

const (
	headerUserID      = "X-User-ID"
	headerUserRole    = "X-User-Role"
	headerIdempotency = "Idempotency-Key"
	headerReplayed    = "Idempotent-Replayed"
)

type actorKey struct{}

func actorFrom(ctx context.Context) domain.Actor {
	a, _ := ctx.Value(actorKey{}).(domain.Actor)
	return a
}

// recorder keeps the status code and, when body is set, a copy of the body.
type recorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	if rec.body != nil {
		rec.body.Write(b)
	}
	return rec.ResponseWriter.Write(b)
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// authenticate reads the caller identity injected by the gateway.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		if userID == "" {
			respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Missing "+headerUserID+" header")
			return
		}
		role := domain.Role(r.Header.Get(headerUserRole))
		switch role {
		case "":
			role = domain.RoleResident
		case domain.RoleResident, domain.RoleProvider, domain.RoleAdmin:
		default:
			respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Unknown role")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, domain.Actor{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r.Context()).IsAdmin() {
			respondWithError(w, http.StatusForbidden, "forbidden", "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotent replays the stored response of a POST carrying an
// Idempotency-Key that already completed. Keys are scoped per caller.
func (h *Handler) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(headerIdempotency)
		if h.idem == nil || r.Method != http.MethodPost || header == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := actorFrom(r.Context())
		key := actor.UserID + ":" + header

		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid_request", "Stream read error")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))

		log := h.log.WithFields(logrus.Fields{"user_id": actor.UserID, "idempotency_key": header})
		stored, err := h.idem.Reserve(r.Context(), key, idempotency.Hash(body), h.idemTTL)
		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			respondWithError(w, http.StatusConflict, "request_in_progress", "Request processing in progress")
			return
		case errors.Is(err, idempotency.ErrMismatch):
			respondWithError(w, http.StatusUnprocessableEntity, "idempotency_mismatch", "Key reuse with mismatched payload")
			return
		case err != nil:
			log.WithError(err).Error("idempotency store unavailable")
			respondWithError(w, http.StatusServiceUnavailable, "idempotency_unavailable", "Try again later")
			return
		case stored != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(stored.ResponseStatus)
			w.Write(stored.ResponseBody)
			return
		}

		rec := &recorder{ResponseWriter: w, body: &bytes.Buffer{}}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		// The request context may already be cancelled.
		ctx := context.WithoutCancel(r.Context())
		if rec.status >= http.StatusInternalServerError || rec.status == http.StatusUnauthorized || rec.status == http.StatusForbidden {
			if err := h.idem.Release(ctx, key); err != nil {
				log.WithError(err).Warn("could not release idempotency key")
			}
			return
		}
		if err := h.idem.Complete(ctx, key, rec.status, rec.body.Bytes()); err != nil {
			log.WithError(err).Warn("could not store idempotent response")
		}
	})
}

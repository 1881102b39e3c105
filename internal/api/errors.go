package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/starledger/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor maps a workflow error to a status code and a stable error code.
// Order matters: refunded, compensation and retry errors wrap other causes.
func statusFor(err error) (int, string) {
	var refunded *domain.RefundedError
	switch {
	case errors.Is(err, domain.ErrCompensationFailed):
		return http.StatusInternalServerError, "contact_support"
	case errors.Is(err, domain.ErrSettlementIncomplete):
		return http.StatusInternalServerError, "settlement_incomplete"
	case errors.As(err, &refunded) && refunded.Hold:
		return http.StatusConflict, "booking_refunded"
	case errors.As(err, &refunded):
		return http.StatusConflict, "contribution_refunded"
	case errors.Is(err, domain.ErrRetriesExhausted):
		return http.StatusInternalServerError, "internal"
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInsufficientEscrow):
		return http.StatusUnprocessableEntity, "insufficient_tokens"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "idempotency_mismatch"
	case errors.Is(err, domain.ErrSelfBooking):
		return http.StatusUnprocessableEntity, "self_booking"
	case errors.Is(err, domain.ErrServiceUnavailable):
		return http.StatusUnprocessableEntity, "service_unavailable"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidOperation),
		errors.Is(err, domain.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_request"
	case domain.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrWalletInactive):
		return http.StatusForbidden, "wallet_inactive"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrTargetNotAccepting):
		return http.StatusConflict, "target_not_accepting"
	case errors.Is(err, domain.ErrWalletExists):
		return http.StatusConflict, "wallet_exists"
	case errors.Is(err, domain.ErrStoreConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   name,
		}).WithError(err).Error("request failed")
		if name == "internal" {
			msg = "internal server error"
		}
	}
	respondWithJSON(w, code, errorBody{Error: name, Message: msg})
}

func respondWithError(w http.ResponseWriter, code int, name, message string) {
	respondWithJSON(w, code, errorBody{Error: name, Message: message})
}

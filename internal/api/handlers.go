package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/service"
)

func (h *Handler) CreateWalletHandler(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.CreateWallet(r.Context(), actorFrom(r.Context()).UserID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, wallet)
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.Wallet(r.Context(), actorFrom(r.Context()).UserID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	page, err := h.ledger.Transactions(r.Context(), actorFrom(r.Context()).UserID, limit, q.Get("cursor"))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) VerifyWalletHandler(w http.ResponseWriter, r *http.Request) {
	v, err := h.ledger.Verify(r.Context(), actorFrom(r.Context()).UserID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, v)
}

func (h *Handler) CreateBookingHandler(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.bookings.CreateBooking(r.Context(), actorFrom(r.Context()), service.CreateBookingInput{
		ServiceID:     req.ServiceID,
		ScheduledDate: req.ScheduledDate,
		ScheduledTime: req.ScheduledTime,
		Duration:      req.Duration,
		Requirements:  req.Requirements,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/bookings/%s", b.ID))
	respondWithJSON(w, http.StatusCreated, b)
}

func (h *Handler) GetBookingHandler(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Booking(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, b)
}

func (h *Handler) UpdateBookingStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.bookings.UpdateStatus(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"],
		domain.BookingStatus(req.Status), req.Reason)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, b)
}

func (h *Handler) ContributeHandler(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Message != "" {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "contributions do not carry a message")
		return
	}
	res, err := h.funding.Contribute(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) DonateHandler(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.funding.Donate(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Amount, req.Message)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListDonationsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.funding.Donations(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"donations": list})
}

func (h *Handler) CreateReviewHandler(w http.ResponseWriter, r *http.Request) {
	var req createReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	rev, err := h.reviews.CreateReview(r.Context(), actorFrom(r.Context()), service.CreateReviewInput{
		BookingID: req.BookingID,
		Rating:    req.Rating,
		Comment:   req.Comment,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, rev)
}

type adminEntryResponse struct {
	TransactionID string        `json:"transaction_id"`
	Duplicate     bool          `json:"duplicate,omitempty"`
	Wallet        domain.Wallet `json:"wallet"`
}

// AdminEntryHandler books purchases, payouts, fees and manual corrections.
// An Idempotency-Key header also keys the ledger entry itself.
func (h *Handler) AdminEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req adminEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := mux.Vars(r)["userId"]
	delta := req.Amount
	switch domain.TransactionType(req.Type) {
	case domain.TxAdminDebit, domain.TxPayoutRedeem, domain.TxFeePlatform:
		delta = -req.Amount
	}
	en := ledger.Entry{
		UserID:       userID,
		Type:         domain.TransactionType(req.Type),
		BalanceDelta: delta,
		Description:  req.Description,
		InitiatorID:  actorFrom(r.Context()).UserID,
	}
	if key := r.Header.Get(headerIdempotency); key != "" {
		en.IdempotencyKey = "admin:" + key
	}

	id, err := h.ledger.Apply(r.Context(), en)
	duplicate := errors.Is(err, domain.ErrDuplicateEntry)
	if err != nil && !duplicate {
		h.respondWithDomainError(w, r, err)
		return
	}
	wallet, err := h.ledger.Wallet(r.Context(), userID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	code := http.StatusCreated
	if duplicate {
		code = http.StatusOK
	}
	respondWithJSON(w, code, adminEntryResponse{TransactionID: id, Duplicate: duplicate, Wallet: wallet})
}

func (h *Handler) DeactivateWalletHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeactivateWallet(r.Context(), mux.Vars(r)["userId"]); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reconciler.Run(r.Context())
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rep)
}

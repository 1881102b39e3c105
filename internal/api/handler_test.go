package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/idempotency"
	"github.com/punchamoorthee/starledger/internal/ledger"
	"github.com/punchamoorthee/starledger/internal/reconcile"
	"github.com/punchamoorthee/starledger/internal/retry"
	"github.com/punchamoorthee/starledger/internal/secrets"
	"github.com/punchamoorthee/starledger/internal/service"
	"github.com/punchamoorthee/starledger/internal/store"
)

type testServer struct {
	t      *testing.T
	store  *store.Memory
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	policy := retry.Policy{Attempts: 20, Min: time.Microsecond, Max: time.Millisecond, Factor: 2}
	s := store.NewMemory()
	e := ledger.NewEngine(s, ledger.WithRetryPolicy(policy), ledger.WithLogger(logger))
	keys, err := secrets.LoadKeyProvider("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	opts := []service.Option{service.WithRetryPolicy(policy), service.WithLogger(logger)}

	h := NewHandler(Deps{
		Ledger:      e,
		Bookings:    service.NewBookingService(s, e, opts...),
		Funding:     service.NewFundingService(s, e, secrets.NewSealer(keys), opts...),
		Reviews:     service.NewReviewService(s, opts...),
		Reconciler:  reconcile.New(s, e, reconcile.WithLogger(logger)),
		Idempotency: idempotency.NewMemory(),
		Logger:      logger,
	})
	return &testServer{t: t, store: s, router: h.Routes()}
}

type call struct {
	method, path string
	user         string
	role         domain.Role
	body         any
	key          string
}

func (ts *testServer) do(c call) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.user != "" {
		req.Header.Set(headerUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(headerUserRole, string(c.role))
	}
	if c.key != "" {
		req.Header.Set(headerIdempotency, c.key)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (ts *testServer) fund(user string, amount int64) {
	ts.t.Helper()
	rr := ts.do(call{method: http.MethodPost, path: "/api/v1/wallets", user: user})
	require.Equal(ts.t, http.StatusCreated, rr.Code, rr.Body.String())
	if amount > 0 {
		rr = ts.do(call{
			method: http.MethodPost, path: "/api/v1/admin/wallets/" + user + "/entries",
			user: "admin", role: domain.RoleAdmin,
			body: map[string]any{"type": "purchase", "amount": amount},
		})
		require.Equal(ts.t, http.StatusCreated, rr.Code, rr.Body.String())
	}
}

func (ts *testServer) wallet(user string) domain.Wallet {
	ts.t.Helper()
	rr := ts.do(call{method: http.MethodGet, path: "/api/v1/wallet", user: user})
	require.Equal(ts.t, http.StatusOK, rr.Code)
	return decodeBody[domain.Wallet](ts.t, rr)
}

func (ts *testServer) seed(fn func(ctx context.Context, tx store.Tx) error) {
	ts.t.Helper()
	ctx := context.Background()
	require.NoError(ts.t, ts.store.RunInTx(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.fund("res", 500)
	ts.fund("prov", 0)
	ts.seed(func(ctx context.Context, tx store.Tx) error {
		return tx.InsertService(ctx, domain.Service{ID: "svc", ProviderID: "prov", Title: "Tutoring", Price: 45, Active: true})
	})

	rr := ts.do(call{method: http.MethodPost, path: "/api/v1/bookings", user: "res", body: map[string]any{
		"service_id": "svc", "scheduled_date": "2026-11-02", "scheduled_time": "09:30", "duration": 2,
	}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	b := decodeBody[domain.Booking](t, rr)
	assert.Equal(t, int64(90), b.TotalTokens)
	assert.Equal(t, "/api/v1/bookings/"+b.ID, rr.Header().Get("Location"))

	w := ts.wallet("res")
	assert.Equal(t, int64(410), w.Balance)
	assert.Equal(t, int64(90), w.EscrowBalance)

	rr = ts.do(call{method: http.MethodPut, path: "/api/v1/bookings/" + b.ID + "/status", user: "res",
		body: map[string]any{"status": "confirmed"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	for _, s := range []string{"confirmed", "in_progress", "completed"} {
		rr = ts.do(call{method: http.MethodPut, path: "/api/v1/bookings/" + b.ID + "/status", user: "prov",
			role: domain.RoleProvider, body: map[string]any{"status": s}})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	assert.Equal(t, int64(90), ts.wallet("prov").Balance)
	w = ts.wallet("res")
	assert.Equal(t, int64(410), w.Balance)
	assert.Equal(t, int64(0), w.EscrowBalance)

	rr = ts.do(call{method: http.MethodPost, path: "/api/v1/reviews", user: "res",
		body: map[string]any{"booking_id": b.ID, "rating": 5}})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(call{method: http.MethodGet, path: "/api/v1/wallet/verify", user: "res"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[ledger.Verification](t, rr).Consistent)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.fund("res", 50)
	ts.seed(func(ctx context.Context, tx store.Tx) error {
		return tx.InsertService(ctx, domain.Service{ID: "svc", ProviderID: "prov", Price: 45, Active: true})
	})
	booking := map[string]any{"service_id": "svc", "scheduled_date": "2026-11-02", "scheduled_time": "09:30", "duration": 2}

	tests := []struct {
		name string
		call call
		code int
		err  string
	}{
		{"missing identity", call{method: http.MethodGet, path: "/api/v1/wallet"}, http.StatusUnauthorized, "unauthenticated"},
		{"unknown role", call{method: http.MethodGet, path: "/api/v1/wallet", user: "res", role: "root"}, http.StatusUnauthorized, "unauthenticated"},
		{"insufficient", call{method: http.MethodPost, path: "/api/v1/bookings", user: "res", body: booking}, http.StatusUnprocessableEntity, "insufficient_tokens"},
		{"self booking", call{method: http.MethodPost, path: "/api/v1/bookings", user: "prov", body: booking}, http.StatusUnprocessableEntity, "self_booking"},
		{"validation", call{method: http.MethodPost, path: "/api/v1/bookings", user: "res", body: map[string]any{"service_id": "svc"}}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", call{method: http.MethodPost, path: "/api/v1/reviews", user: "res", body: map[string]any{"booking": "x"}}, http.StatusBadRequest, "invalid_request"},
		{"admin only", call{method: http.MethodGet, path: "/api/v1/admin/reconciliation", user: "res"}, http.StatusForbidden, "forbidden"},
		{"no wallet", call{method: http.MethodGet, path: "/api/v1/wallet", user: "ghost"}, http.StatusNotFound, "not_found"},
		{"wallet exists", call{method: http.MethodPost, path: "/api/v1/wallets", user: "res"}, http.StatusConflict, "wallet_exists"},
		{"bad cursor", call{method: http.MethodGet, path: "/api/v1/wallet/transactions?cursor=%21%21", user: "res"}, http.StatusBadRequest, "invalid_request"},
		{"bad limit", call{method: http.MethodGet, path: "/api/v1/wallet/transactions?limit=-1", user: "res"}, http.StatusBadRequest, "invalid_request"},
		{"unknown booking", call{method: http.MethodGet, path: "/api/v1/bookings/nope", user: "res"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(tt.call)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
			assert.Equal(t, tt.err, decodeBody[errorBody](t, rr).Error)
		})
	}
}

func TestContributionRefundedAndReplayed(t *testing.T) {
	ts := newTestServer(t)
	ts.fund("res", 100)
	var draft, active domain.Fundable
	ts.seed(func(ctx context.Context, tx store.Tx) error {
		draft = domain.Fundable{Kind: domain.KindProject, TargetAmount: 100, Status: domain.FundableDraft}
		active = domain.Fundable{Kind: domain.KindProject, TargetAmount: 100, Status: domain.FundableActive}
		if err := tx.InsertFundable(ctx, &draft); err != nil {
			return err
		}
		return tx.InsertFundable(ctx, &active)
	})

	rr := ts.do(call{method: http.MethodPost, path: "/api/v1/projects/" + draft.ID + "/contributions", user: "res",
		body: map[string]any{"amount": 30}})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "contribution_refunded", decodeBody[errorBody](t, rr).Error)
	assert.Equal(t, int64(100), ts.wallet("res").Balance)

	contribute := call{method: http.MethodPost, path: "/api/v1/projects/" + active.ID + "/contributions", user: "res",
		body: map[string]any{"amount": 30}, key: "k-1"}
	first := ts.do(contribute)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := ts.do(contribute)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(headerReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int64(70), ts.wallet("res").Balance)

	contribute.body = map[string]any{"amount": 31}
	rr = ts.do(contribute)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "idempotency_mismatch", decodeBody[errorBody](t, rr).Error)

	// Keys are per caller.
	ts.fund("other", 100)
	contribute.user, contribute.body = "other", map[string]any{"amount": 30}
	rr = ts.do(contribute)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Empty(t, rr.Header().Get(headerReplayed))
}

func TestDonationsHideMessagesFromStrangers(t *testing.T) {
	ts := newTestServer(t)
	ts.fund("res", 100)
	cause := domain.Fundable{Kind: domain.KindCause, OwnerID: "owner", TargetAmount: 100, Status: domain.FundableActive}
	ts.seed(func(ctx context.Context, tx store.Tx) error { return tx.InsertFundable(ctx, &cause) })

	rr := ts.do(call{method: http.MethodPost, path: "/api/v1/causes/" + cause.ID + "/donations", user: "res",
		body: map[string]any{"amount": 10, "message": "keep going"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	type list struct {
		Donations []service.Donation `json:"donations"`
	}
	rr = ts.do(call{method: http.MethodGet, path: "/api/v1/causes/" + cause.ID + "/donations", user: "owner"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "keep going", decodeBody[list](t, rr).Donations[0].Message)

	rr = ts.do(call{method: http.MethodGet, path: "/api/v1/causes/" + cause.ID + "/donations", user: "res"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[list](t, rr).Donations[0].Message)
}

func TestTransactionsPaging(t *testing.T) {
	ts := newTestServer(t)
	ts.fund("res", 10)
	for i := 0; i < 4; i++ {
		rr := ts.do(call{method: http.MethodPost, path: "/api/v1/admin/wallets/res/entries", user: "admin", role: domain.RoleAdmin,
			body: map[string]any{"type": "admin_debit", "amount": 1}})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := ts.do(call{method: http.MethodGet, path: "/api/v1/wallet/transactions?limit=3", user: "res"})
	require.Equal(t, http.StatusOK, rr.Code)
	page := decodeBody[ledger.Page](t, rr)
	assert.Len(t, page.Transactions, 3)
	require.NotEmpty(t, page.NextCursor)

	rr = ts.do(call{method: http.MethodGet, path: "/api/v1/wallet/transactions?limit=3&cursor=" + page.NextCursor, user: "res"})
	require.Equal(t, http.StatusOK, rr.Code)
	page = decodeBody[ledger.Page](t, rr)
	assert.Len(t, page.Transactions, 2)
	assert.Empty(t, page.NextCursor)
}

func TestAdminEntryKeyedByIdempotencyHeader(t *testing.T) {
	ts := newTestServer(t)
	ts.fund("res", 0)
	entry := call{method: http.MethodPost, path: "/api/v1/admin/wallets/res/entries", user: "admin", role: domain.RoleAdmin,
		body: map[string]any{"type": "admin_credit", "amount": 25}, key: "grant-7"}

	rr := ts.do(entry)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ts.do(call{method: http.MethodPost, path: "/api/v1/admin/wallets/res/entries", user: "admin", role: domain.RoleAdmin,
		body: map[string]any{"type": "payout_redeem", "amount": 100}})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = ts.do(call{method: http.MethodDelete, path: "/api/v1/admin/wallets/res", user: "admin", role: domain.RoleAdmin})
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(call{method: http.MethodPost, path: "/api/v1/admin/wallets/res/entries", user: "admin", role: domain.RoleAdmin,
		body: map[string]any{"type": "admin_credit", "amount": 1}})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "wallet_inactive", decodeBody[errorBody](t, rr).Error)

	assert.Equal(t, int64(25), ts.wallet("res").Balance)
}

func TestReconciliationRoute(t *testing.T) {
	ts := newTestServer(t)
	ts.fund("a", 10)
	ts.fund("b", 20)

	rr := ts.do(call{method: http.MethodGet, path: "/api/v1/admin/reconciliation", user: "admin", role: domain.RoleAdmin})
	require.Equal(t, http.StatusOK, rr.Code)
	rep := decodeBody[reconcile.Report](t, rr)
	assert.Equal(t, 2, rep.Wallets)
	assert.True(t, rep.Clean())
}

func TestStatusForWrappedErrors(t *testing.T) {
	exhausted := retry.Do(context.Background(), retry.Policy{Attempts: 2, Min: time.Microsecond, Max: time.Microsecond},
		func(int) error { return domain.ErrStoreConflict })
	require.ErrorIs(t, exhausted, domain.ErrStoreConflict)

	tests := []struct {
		err  error
		code int
		name string
	}{
		{&domain.CompensationError{Cause: domain.ErrTargetNotFound, RefundErr: errors.New("down")}, http.StatusInternalServerError, "contact_support"},
		{&domain.SettlementError{Cause: errors.New("down")}, http.StatusInternalServerError, "settlement_incomplete"},
		{&domain.RefundedError{Cause: domain.ErrTargetNotFound}, http.StatusConflict, "contribution_refunded"},
		{&domain.RefundedError{Cause: errors.New("disk full"), Hold: true}, http.StatusConflict, "booking_refunded"},
		{&domain.RefundedError{Cause: exhausted}, http.StatusConflict, "contribution_refunded"},
		{exhausted, http.StatusInternalServerError, "internal"},
		{domain.ErrStoreConflict, http.StatusConflict, "conflict"},
		{&domain.InsufficientFundsError{Escrow: true}, http.StatusUnprocessableEntity, "insufficient_tokens"},
		{domain.ErrRetriesExhausted, http.StatusInternalServerError, "internal"},
		{domain.ErrTargetNotAccepting, http.StatusConflict, "target_not_accepting"},
	}
	for _, tt := range tests {
		code, name := statusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.name, name)
	}
}

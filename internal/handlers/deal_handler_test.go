package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/services"
	"github.com/moneygood/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_test"
)

type stubProcessor struct {
	err error
}

func (p *stubProcessor) Refund(ctx context.Context, req services.ProcessorRequest) (string, error) {
	return "re_" + req.IdempotencyKey, p.err
}

func (p *stubProcessor) Payout(ctx context.Context, req services.ProcessorRequest) (string, error) {
	return "po_" + req.IdempotencyKey, p.err
}

type testAPI struct {
	router http.Handler
	store  *store.MemoryStore
}

func newTestAPI(t *testing.T, processor services.PaymentProcessor) *testAPI {
	t.Helper()

	invites, err := deal.NewInviteIssuer("pepper", time.Hour)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	service := services.NewDealService(services.DealServiceConfig{
		Store:   st,
		Fees:    deal.DefaultFeePolicy(),
		Invites: invites,
		Ledger:  services.NewLedgerService(st, processor),
		QR:      services.NewInviteQRService("https://moneygood.test"),
	})
	sweeps := services.NewSweepService(st, nil, services.SweepConfig{})

	router := NewRouter(RouterConfig{
		Deals:     NewDealHandler(service, sweeps),
		Webhooks:  NewWebhookHandler(service, testWebhookSecret, 5*time.Minute),
		JWTSecret: testJWTSecret,
	})
	return &testAPI{router: router, store: st}
}

func bearer(t *testing.T, userID string, admin bool) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"email":   userID + "@example.com",
		"admin":   admin,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (a *testAPI) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) webhook(t *testing.T, eventType string, data map[string]any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(map[string]any{"id": "evt_" + eventType, "type": eventType, "data": data})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, SignPayload(testWebhookSecret, time.Now(), body))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func createDealBody() map[string]any {
	return map[string]any{
		"legA":     map[string]any{"kind": "MONEY", "principalMinorUnits": 10000},
		"legB":     map[string]any{"kind": "GOODS", "description": "Road bike", "declaredValueMinorUnits": 5000},
		"dealDate": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"title":    "Bike sale",
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// createAndJoin creates a deal as alice, joins it as bob and returns its id and token.
func (a *testAPI) createAndJoin(t *testing.T) (string, string) {
	t.Helper()

	w := a.do(t, http.MethodPost, "/api/v1/deals", bearer(t, "alice", false), createDealBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	dealID := created["dealId"].(string)
	token := created["inviteToken"].(string)

	w = a.do(t, http.MethodPost, "/api/v1/invites/accept", bearer(t, "bob", false), map[string]any{"token": token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return dealID, token
}

func (a *testAPI) fund(t *testing.T, dealID string) {
	t.Helper()

	payments := []map[string]any{
		{"party": "A", "purpose": "SETUP_FEE", "amountMinorUnits": 500, "principalPortionMinorUnits": 0},
		{"party": "A", "purpose": "CONTRIBUTION", "amountMinorUnits": 10000, "principalPortionMinorUnits": 10000},
		{"party": "B", "purpose": "SETUP_FEE", "amountMinorUnits": 500, "principalPortionMinorUnits": 0},
		{"party": "B", "purpose": "FAIRNESS_HOLD", "amountMinorUnits": 1000, "principalPortionMinorUnits": 1000},
	}
	for i, p := range payments {
		p["dealId"] = dealID
		p["processorRef"] = fmt.Sprintf("ch_%s_%d", dealID, i)
		w := a.webhook(t, EventPaymentSucceeded, p)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

func TestDealHandler_Lifecycle(t *testing.T) {
	api := newTestAPI(t, &stubProcessor{})
	alice := bearer(t, "alice", false)
	bob := bearer(t, "bob", false)

	dealID, _ := api.createAndJoin(t)
	api.fund(t, dealID)

	w := api.do(t, http.MethodGet, "/api/v1/deals/"+dealID, bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody(t, w)
	assert.Equal(t, "active", got["deal"].(map[string]any)["status"])
	assert.Contains(t, got["availableEvents"], "propose_outcome")
	assert.NotContains(t, w.Body.String(), "inviteTokenHash")

	w = api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/outcome/propose", alice, map[string]any{"outcome": "RELEASE_TO_CREATOR"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "outcome_proposed", decodeBody(t, w)["status"])

	t.Run("proposer cannot confirm", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/outcome/confirm", alice, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w = api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/outcome/confirm", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decodeBody(t, w)
	assert.Equal(t, "completed", result["deal"].(map[string]any)["status"])
	assert.Equal(t, float64(2), result["settlement"].(map[string]any)["succeeded"])

	t.Run("confirm again", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/outcome/confirm", bob, nil)
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	})

	t.Run("ledger and audit", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/deals/"+dealID+"/ledger", alice, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeBody(t, w)["entries"], 2)

		w = api.do(t, http.MethodGet, "/api/v1/deals/"+dealID+"/audit", alice, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeBody(t, w)["entries"], 10)
	})

	t.Run("list", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/deals?limit=10", bob, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeBody(t, w)["deals"], 1)

		w = api.do(t, http.MethodGet, "/api/v1/deals?limit=ten", bob, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDealHandler_CreateDeal(t *testing.T) {
	api := newTestAPI(t, nil)
	alice := bearer(t, "alice", false)

	t.Run("created", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals", alice, createDealBody())
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		body := decodeBody(t, w)
		assert.Equal(t, "invited", body["status"])
		assert.Equal(t, "MONEY_GOODS", body["dealType"])
		assert.NotEmpty(t, body["inviteToken"])
		assert.NotEmpty(t, body["inviteQr"])
		assert.Equal(t, float64(1000), body["fairnessHoldB"])
		assert.Equal(t, float64(12000), body["feeBreakdown"].(map[string]any)["totalChargeMinorUnits"])
	})

	t.Run("requires auth", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals", "", createDealBody())
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("creator comes from the token", func(t *testing.T) {
		body := createDealBody()
		body["creatorId"] = "mallory"
		w := api.do(t, http.MethodPost, "/api/v1/deals", alice, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation details", func(t *testing.T) {
		body := createDealBody()
		body["legB"] = map[string]any{"kind": "CRYPTO"}
		w := api.do(t, http.MethodPost, "/api/v1/deals", alice, body)
		require.Equal(t, http.StatusBadRequest, w.Code)

		var resp services.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Validation failed", resp.Error)
		assert.Equal(t, "must be one of MONEY, GOODS, SERVICE", resp.Details["legB.kind"])
	})

	t.Run("domain rejection", func(t *testing.T) {
		body := createDealBody()
		body["legA"] = map[string]any{"kind": "MONEY", "principalMinorUnits": 100}
		w := api.do(t, http.MethodPost, "/api/v1/deals", alice, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "below the minimum")
	})

	t.Run("two objects", func(t *testing.T) {
		raw, _ := json.Marshal(createDealBody())
		w := api.do(t, http.MethodPost, "/api/v1/deals", alice, string(raw)+string(raw))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDealHandler_Invites(t *testing.T) {
	api := newTestAPI(t, nil)
	alice := bearer(t, "alice", false)

	w := api.do(t, http.MethodPost, "/api/v1/deals", alice, createDealBody())
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody(t, w)
	dealID := created["dealId"].(string)
	token := created["inviteToken"].(string)

	t.Run("qr for the creator", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/deals/"+dealID+"/invite/qr?token="+url.QueryEscape(token), alice, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
	})

	t.Run("qr needs the token", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/deals/"+dealID+"/invite/qr", alice, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("creator cannot accept", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/invites/accept", alice, map[string]any{"token": token})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/invites/accept", alice, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/invites/accept", bearer(t, "bob", false), map[string]any{"token": "nope"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("second acceptance conflicts", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/invites/accept", bearer(t, "bob", false), map[string]any{"token": token})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, dealID, decodeBody(t, w)["dealId"])

		w = api.do(t, http.MethodPost, "/api/v1/invites/accept", bearer(t, "carol", false), map[string]any{"token": token})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("outsider sees not found", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/deals/"+dealID, bearer(t, "carol", false), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestDealHandler_CancelPartialFailure(t *testing.T) {
	api := newTestAPI(t, &stubProcessor{err: errors.New("processor down")})
	alice := bearer(t, "alice", false)

	dealID, _ := api.createAndJoin(t)
	w := api.webhook(t, EventPaymentSucceeded, map[string]any{
		"dealId": dealID, "party": "A", "purpose": "CONTRIBUTION",
		"amountMinorUnits": 10000, "principalPortionMinorUnits": 10000, "processorRef": "ch_1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/cancel", alice, nil)
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "cancelled", body["deal"].(map[string]any)["status"])
	assert.Equal(t, float64(1), body["settlement"].(map[string]any)["failed"])

	t.Run("retry is admin only", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/settlement/retry", alice, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin retry still failing", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/settlement/retry", bearer(t, "ops", true), nil)
		assert.Equal(t, http.StatusMultiStatus, w.Code)
	})
}

func TestDealHandler_Disputes(t *testing.T) {
	api := newTestAPI(t, &stubProcessor{})
	alice := bearer(t, "alice", false)
	bob := bearer(t, "bob", false)

	dealID, _ := api.createAndJoin(t)
	api.fund(t, dealID)

	t.Run("reason required", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/freeze", alice, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/freeze", alice, map[string]any{"reason": "never shipped"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "frozen", decodeBody(t, w)["status"])

	t.Run("processor dispute on a frozen deal is acknowledged", func(t *testing.T) {
		w := api.webhook(t, EventPaymentDisputed, map[string]any{"dealId": dealID, "reason": "chargeback"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("second freeze conflicts", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/freeze", bob, map[string]any{"reason": "me too"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("counterparty cannot unfreeze", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/unfreeze", bob, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("parties cannot complete", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/complete", alice,
			map[string]any{"outcome": "REFUND_BOTH", "category": "BOTH_COMPLETED"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin completes", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/complete", bearer(t, "ops", true),
			map[string]any{"outcome": "RELEASE_TO_CREATOR", "category": "B_FAILED"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.Equal(t, "completed", body["deal"].(map[string]any)["status"])
		assert.Equal(t, float64(1), body["settlement"].(map[string]any)["retained"])
	})
}

func TestDealHandler_Extensions(t *testing.T) {
	api := newTestAPI(t, nil)
	alice := bearer(t, "alice", false)

	dealID, _ := api.createAndJoin(t)

	w := api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/extension/request", alice, map[string]any{"type": "STANDARD"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/extension/approve", bearer(t, "bob", false), nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/deals/"+dealID+"/extension/request", alice, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDealHandler_Sweep(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(t, http.MethodPost, "/api/v1/admin/sweep", bearer(t, "alice", false), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/admin/sweep", bearer(t, "ops", true), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody(t, w)["processed"])
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil)
	w := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{deal.Errorf(deal.ErrUnauthenticated, "x"), http.StatusUnauthorized},
		{deal.Errorf(deal.ErrPermissionDenied, "x"), http.StatusForbidden},
		{deal.Errorf(deal.ErrNotFound, "x"), http.StatusNotFound},
		{deal.Errorf(deal.ErrInvalidArgument, "x"), http.StatusBadRequest},
		{deal.Errorf(deal.ErrAlreadyExists, "x"), http.StatusConflict},
		{deal.Errorf(deal.ErrFailedPrecondition, "x"), http.StatusPreconditionFailed},
		{deal.Errorf(deal.ErrDeadlineExceeded, "x"), http.StatusGone},
		{deal.Errorf(deal.ErrPartialFailure, "x"), http.StatusMultiStatus},
		{services.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("sweep: %w", services.ErrLockHeld), http.StatusConflict},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}

	t.Run("internal errors are hidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		sendError(w, "test", errors.New("pq: password authentication failed"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "password")
	})
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleansurance/subsync/pkg/billing"
	"github.com/cleansurance/subsync/storage/memory"
)

// stubProvider satisfies billing.Provider with canned responses.
type stubProvider struct {
	checkoutURL string
	portalURL   string
	err         error

	gotUserID  string
	gotPriceID string
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (s *stubProvider) CheckoutURL(_ context.Context, userID, priceID string) (string, error) {
	s.gotUserID = userID
	s.gotPriceID = priceID
	return s.checkoutURL, s.err
}

func (s *stubProvider) PortalURL(_ context.Context, userID string) (string, error) {
	s.gotUserID = userID
	return s.portalURL, s.err
}

func headerUserID(r *http.Request) string { return r.Header.Get("X-User-ID") }

func testCatalog() *billing.Catalog {
	return billing.NewCatalog(map[string]billing.Plan{
		"plan_basic": {Name: "Basic", Price: 5},
	})
}

func newTestHandler(t *testing.T, provider billing.Provider, store billing.UserStore) *Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Provider:  provider,
		Store:     store,
		Catalog:   testCatalog(),
		GetUserID: headerUserID,
	})
	require.NoError(t, err)
	return h
}

func doRequest(h *Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func TestNewHandlerValidation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewHandler(Config{
		Provider: &stubProvider{},
		Store:    memory.New(),
		Catalog:  testCatalog(),
	})
	assert.Error(t, err, "missing GetUserID extractor must be rejected")
}

func TestCreateCheckout(t *testing.T) {
	provider := &stubProvider{checkoutURL: "https://checkout.example/cs_1"}
	h := newTestHandler(t, provider, memory.New())

	w := doRequest(h, http.MethodPost, "/checkout", "u1", `{"priceId":"plan_basic"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://checkout.example/cs_1", resp.URL)
	assert.Equal(t, "u1", provider.gotUserID)
	assert.Equal(t, "plan_basic", provider.gotPriceID)
}

func TestCreateCheckoutRejectsBadRequests(t *testing.T) {
	h := newTestHandler(t, &stubProvider{}, memory.New())

	w := doRequest(h, http.MethodPost, "/checkout", "", `{"priceId":"plan_basic"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "missing user identity")

	w = doRequest(h, http.MethodPost, "/checkout", strings.Repeat("x", 300), `{"priceId":"plan_basic"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "oversized user id")

	w = doRequest(h, http.MethodPost, "/checkout", "u1", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "malformed body")

	w = doRequest(h, http.MethodPost, "/checkout", "u1", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing price id")
}

func TestCreateCheckoutProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown user", billing.ErrUserNotFound, http.StatusNotFound},
		{"processor down", billing.ErrUpstream, http.StatusBadGateway},
		{"storage failure", billing.ErrPersistence, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubProvider{err: tt.err}, memory.New())
			w := doRequest(h, http.MethodPost, "/checkout", "u1", `{"priceId":"plan_basic"}`)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCreatePortal(t *testing.T) {
	provider := &stubProvider{portalURL: "https://portal.example/s_1"}
	h := newTestHandler(t, provider, memory.New())

	w := doRequest(h, http.MethodPost, "/portal", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://portal.example/s_1", resp.URL)
	assert.Equal(t, "u1", provider.gotUserID)
}

func TestGetSubscription(t *testing.T) {
	store := memory.New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	require.NoError(t, store.SeedUser(&billing.User{
		ID: "u1",
		Subscription: &billing.SubscriptionRecord{
			PlanID:         "plan_basic",
			PlanName:       "stale name", // display fields are recomputed from the catalog
			PlanPrice:      99,
			Status:         billing.StatusActive,
			SubscriptionID: "sub_1",
			StartDate:      start,
			EndDate:        end,
		},
	}))

	h := newTestHandler(t, &stubProvider{}, store)
	w := doRequest(h, http.MethodGet, "/subscription", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SubscriptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "plan_basic", resp.PlanID)
	assert.Equal(t, "Basic", resp.PlanName)
	assert.Equal(t, int64(5), resp.PlanPrice)
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, "sub_1", resp.SubscriptionID)
	assert.True(t, resp.EndDate.Equal(end))
	assert.Nil(t, resp.CanceledAt)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SeedUser(&billing.User{ID: "u2"}))
	h := newTestHandler(t, &stubProvider{}, store)

	w := doRequest(h, http.MethodGet, "/subscription", "missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown user")

	w = doRequest(h, http.MethodGet, "/subscription", "u2", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "user without a subscription")
}

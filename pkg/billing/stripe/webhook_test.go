package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/cleansurance/subsync/pkg/billing"
	"github.com/cleansurance/subsync/storage/memory"
)

// signPayload produces a Stripe-Signature header for a payload: the v1
// scheme is HMAC-SHA256 over "<timestamp>.<payload>" with the endpoint secret.
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func postWebhook(p *Provider, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rr := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rr, req)
	return rr
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	store := memory.New()
	seedSubscribedUser(t, store)
	p := newTestProvider(t, store)

	payload := eventPayload(t, "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_1",
		"status": "canceled",
	})

	tests := []struct {
		name string
		sig  string
	}{
		{"missing header", ""},
		{"garbage header", "t=123,v1=deadbeef"},
		{"wrong secret", signPayload(payload, "whsec_wrong", time.Now())},
		{"stale timestamp", signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postWebhook(p, payload, tt.sig)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}

	// Nothing may reach the reconciler: the record is untouched.
	user, _ := store.GetUser(context.Background(), testUserID)
	if user.Subscription.Status != billing.StatusActive {
		t.Errorf("record mutated by unverified event: %+v", user.Subscription)
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	p := newTestProvider(t, memory.New())

	payload := eventPayload(t, "customer.subscription.updated", map[string]interface{}{
		"id": "sub_1", "status": "active",
	})
	sig := signPayload(payload, testWebhookSecret, time.Now())

	tampered := bytes.Replace(payload, []byte("sub_1"), []byte("sub_2"), 1)
	rr := postWebhook(p, tampered, sig)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	p := newTestProvider(t, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rr := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestWebhookAcknowledgesIgnoredEventTypes(t *testing.T) {
	p := newTestProvider(t, memory.New())

	payload := eventPayload(t, "invoice.payment_succeeded", map[string]interface{}{"id": "in_1"})
	rr := postWebhook(p, payload, signPayload(payload, testWebhookSecret, time.Now()))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestWebhookEndToEndCheckout(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.SeedUser(&billing.User{ID: testUserID}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	p := newTestProvider(t, store)
	p.retrieveSubscription = func(_ context.Context, _ string) (*stripe.Subscription, error) {
		return fakeSubscription("sub_1", "plan_basic", stripe.SubscriptionStatusActive, start, end), nil
	}

	payload := eventPayload(t, "checkout.session.completed", map[string]interface{}{
		"id":           "cs_test",
		"metadata":     map[string]string{"user_id": testUserID},
		"subscription": map[string]interface{}{"id": "sub_1"},
	})

	rr := postWebhook(p, payload, signPayload(payload, testWebhookSecret, time.Now()))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rr.Code, rr.Body.String())
	}

	user, err := store.GetUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	rec := user.Subscription
	if rec == nil || rec.PlanID != "plan_basic" || rec.PlanName != "Basic" ||
		rec.Status != billing.StatusActive || rec.SubscriptionID != "sub_1" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

// failingStore wraps a UserStore and fails every write.
type failingStore struct {
	billing.UserStore
}

func (f *failingStore) PutSubscription(_ context.Context, _ string, _ *billing.SubscriptionRecord) error {
	return fmt.Errorf("%w: storage unavailable", billing.ErrPersistence)
}

func (f *failingStore) PatchSubscription(_ context.Context, _ string, _ billing.SubscriptionPatch) error {
	return fmt.Errorf("%w: storage unavailable", billing.ErrPersistence)
}

func TestWebhookPersistenceFailureIsServerError(t *testing.T) {
	store := memory.New()
	seedSubscribedUser(t, store)
	p := newTestProvider(t, &failingStore{UserStore: store})

	payload := eventPayload(t, "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_1",
		"status": "past_due",
	})

	// A verified event that cannot be persisted must surface a server error
	// so the processor redelivers it.
	rr := postWebhook(p, payload, signPayload(payload, testWebhookSecret, time.Now()))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestWebhookRejectsEmptyBody(t *testing.T) {
	p := newTestProvider(t, memory.New())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(nil))
	rr := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/cleansurance/subsync/pkg/billing"
	"github.com/cleansurance/subsync/storage/memory"
)

func TestCheckoutURL(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.SeedUser(&billing.User{ID: testUserID, CustomerID: testCustomerID}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	p := newTestProvider(t, store)
	p.createCheckoutSession = func(_ context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
		if params.Mode == nil || *params.Mode != string(stripe.CheckoutSessionModeSubscription) {
			t.Errorf("mode = %v, want subscription", params.Mode)
		}
		if params.Customer == nil || *params.Customer != testCustomerID {
			t.Errorf("customer = %v, want %q", params.Customer, testCustomerID)
		}
		if len(params.LineItems) != 1 || *params.LineItems[0].Price != "plan_basic" {
			t.Errorf("unexpected line items: %+v", params.LineItems)
		}
		if params.Metadata["user_id"] != testUserID {
			t.Errorf("session metadata.user_id = %q, want %q", params.Metadata["user_id"], testUserID)
		}
		if params.SubscriptionData == nil || params.SubscriptionData.Metadata["user_id"] != testUserID {
			t.Error("subscription metadata.user_id not set")
		}
		if *params.SuccessURL != "https://example.com/home" || *params.CancelURL != "https://example.com/manage" {
			t.Errorf("redirect urls = %q / %q", *params.SuccessURL, *params.CancelURL)
		}
		return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/pay/cs_test"}, nil
	}

	url, err := p.CheckoutURL(ctx, testUserID, "plan_basic")
	if err != nil {
		t.Fatalf("CheckoutURL: %v", err)
	}
	if url != "https://checkout.stripe.com/c/pay/cs_test" {
		t.Errorf("url = %q", url)
	}
}

func TestCheckoutURLRequiresPrice(t *testing.T) {
	p := newTestProvider(t, memory.New())

	if _, err := p.CheckoutURL(context.Background(), testUserID, ""); err == nil {
		t.Error("CheckoutURL with empty price id must fail")
	}
}

func TestCheckoutURLUpstreamFailure(t *testing.T) {
	store := memory.New()
	if err := store.SeedUser(&billing.User{ID: testUserID, CustomerID: testCustomerID}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	p := newTestProvider(t, store)
	p.createCheckoutSession = func(_ context.Context, _ *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("stripe unavailable")
	}

	_, err := p.CheckoutURL(context.Background(), testUserID, "plan_basic")
	if !errors.Is(err, billing.ErrUpstream) {
		t.Errorf("CheckoutURL error = %v, want ErrUpstream", err)
	}
}

func TestPortalURL(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.SeedUser(&billing.User{ID: testUserID, CustomerID: testCustomerID}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	p := newTestProvider(t, store)
	p.createPortalSession = func(_ context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
		if params.Customer == nil || *params.Customer != testCustomerID {
			t.Errorf("customer = %v, want %q", params.Customer, testCustomerID)
		}
		if params.ReturnURL == nil || *params.ReturnURL != "https://example.com/home" {
			t.Errorf("return url = %v", params.ReturnURL)
		}
		return &stripe.BillingPortalSession{URL: "https://billing.stripe.com/p/session_test"}, nil
	}

	url, err := p.PortalURL(ctx, testUserID)
	if err != nil {
		t.Fatalf("PortalURL: %v", err)
	}
	if url != "https://billing.stripe.com/p/session_test" {
		t.Errorf("url = %q", url)
	}
}

func TestPortalURLUserNotFound(t *testing.T) {
	p := newTestProvider(t, memory.New())

	_, err := p.PortalURL(context.Background(), "missing")
	if !errors.Is(err, billing.ErrUserNotFound) {
		t.Errorf("PortalURL error = %v, want ErrUserNotFound", err)
	}
}

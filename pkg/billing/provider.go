package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a billing backend must implement.
// The webhook handler owns validation, parsing, and record updates; callers
// only mount it on their router.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes processor events.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session for the given price and
	// returns its redirect URL.
	CheckoutURL(ctx context.Context, userID, priceID string) (string, error)

	// PortalURL creates a billing portal session for the user and returns
	// its redirect URL.
	PortalURL(ctx context.Context, userID string) (string, error)
}

package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/cleansurance/subsync/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout Session for a subscription to the
// given price and returns the hosted page URL. The local user id is injected
// as session metadata so the webhook reconciler can establish the join on
// checkout.session.completed.
func (p *Provider) CheckoutURL(ctx context.Context, userID, priceID string) (string, error) {
	if priceID == "" {
		return "", errors.New("price id is required")
	}

	customerID, err := p.EnsureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.successURL),
		CancelURL:  stripe.String(p.cancelURL),
	}

	// The reconciler reads the user id from the session metadata; the copy on
	// the subscription keeps the dashboard searchable by local identity.
	params.AddMetadata(metadataUserIDKey, userID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserIDKey, userID)

	startTime := time.Now()
	session, err := p.createCheckoutSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrUpstream, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

// PortalURL creates a Stripe Billing Portal session so the user can manage,
// update, or cancel their subscription.
func (p *Provider) PortalURL(ctx context.Context, userID string) (string, error) {
	customerID, err := p.EnsureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.returnURL),
	}

	startTime := time.Now()
	session, err := p.createPortalSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrUpstream, err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))

	return session.URL, nil
}

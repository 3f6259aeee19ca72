package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/cleansurance/subsync/pkg/billing"
)

// EnsureCustomer resolves the Stripe customer id for a local user, creating
// one on first use. A stored id is returned without any network call.
//
// The persistence write is a set-if-absent: when two first-time checkouts
// race, both callers converge on whichever id landed first. The losing
// Stripe-side customer is orphaned; it carries the user id in its metadata
// and can be cleaned up out of band.
func (p *Provider) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if user.CustomerID != "" {
		return user.CustomerID, nil
	}

	params := &stripe.CustomerCreateParams{}
	if user.Email != "" {
		params.Email = stripe.String(user.Email)
	}
	// Cross-reference back to the local identity for dashboard triage.
	params.AddMetadata(metadataUserIDKey, userID)

	startTime := time.Now()
	cust, err := p.createCustomer(ctx, params)
	if err != nil {
		p.metrics.RecordCustomerCreated(providerName, "error")
		p.metrics.RecordAPICall(providerName, "/customers/create", "error")
		return "", fmt.Errorf("%w: create customer for user %s: %v", billing.ErrUpstream, userID, err)
	}
	p.metrics.RecordCustomerCreated(providerName, "success")
	p.metrics.RecordAPICall(providerName, "/customers/create", "success")
	p.metrics.RecordAPICallDuration(providerName, "/customers/create", time.Since(startTime))

	persisted, err := p.store.SetCustomerID(ctx, userID, cust.ID)
	if err != nil {
		return "", fmt.Errorf("persist customer id for user %s: %w", userID, err)
	}

	if persisted != cust.ID {
		p.log.Warn().
			Str("user_id", userID).
			Str("customer_id", persisted).
			Str("orphaned_customer_id", cust.ID).
			Msg("concurrent customer creation, keeping first writer")
	} else {
		p.log.Info().
			Str("user_id", userID).
			Str("customer_id", cust.ID).
			Msg("stripe customer created")
	}

	return persisted, nil
}

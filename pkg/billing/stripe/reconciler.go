package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/cleansurance/subsync/pkg/billing"
)

// processEvent applies a verified event to the user store. The projection is
// idempotent: reprocessing the same event writes the same derived values, so
// at-least-once delivery needs no dedup bookkeeping. Returns handled=false
// for event types this system does not track.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) (bool, error) {
	switch event.Type {
	case "checkout.session.completed":
		return true, p.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated", "customer.subscription.deleted":
		// Deletion is not distinguished from cancellation beyond what the
		// processor's status field already states. Same projection path.
		return true, p.handleSubscriptionChanged(ctx, event)
	default:
		return false, nil
	}
}

// handleCheckoutCompleted creates (or overwrites) the user's subscription
// record from the authoritative subscription detail. The checkout session is
// the only event that carries the local user id, so this is the only
// transition that can establish the subscription-id -> user join.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata[metadataUserIDKey]
	}
	if userID == "" {
		return fmt.Errorf("%w: metadata.%s missing on checkout session %s",
			billing.ErrInvalidWebhookPayload, metadataUserIDKey, session.ID)
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// Not a subscription checkout.
		p.log.Debug().Str("session_id", session.ID).Msg("checkout session without subscription, skipping")
		return nil
	}

	// The session payload carries only a subscription reference; fetch the
	// authoritative detail to project plan and period.
	startTime := time.Now()
	sub, err := p.retrieveSubscription(ctx, subscriptionID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "error")
		return fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrUpstream, subscriptionID, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/retrieve", time.Since(startTime))

	rec := p.projectSubscription(subscriptionID, sub)

	if err := p.store.PutSubscription(ctx, userID, rec); err != nil {
		return fmt.Errorf("write subscription record for user %s: %w", userID, err)
	}

	p.log.Info().
		Str("user_id", userID).
		Str("subscription_id", subscriptionID).
		Str("plan_id", rec.PlanID).
		Str("status", string(rec.Status)).
		Msg("subscription record created from checkout")
	return nil
}

// handleSubscriptionChanged applies update/delete events: status and period
// end are merged onto the existing record, joined via the subscription id.
func (p *Provider) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
	}

	userID, err := p.store.FindUserBySubscriptionID(ctx, sub.ID)
	switch {
	case errors.Is(err, billing.ErrNoMatchingSubscription):
		if p.unmatched == UnmatchedRetry {
			return fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
		// Acknowledged without state change: redelivery cannot repair a
		// permanently missing mapping.
		p.log.Warn().
			Str("subscription_id", sub.ID).
			Str("event_type", string(event.Type)).
			Msg("no user matches subscription id, event dropped")
		p.metrics.RecordWebhookError(providerName, "unmatched_subscription")
		return nil
	case errors.Is(err, billing.ErrSubscriptionConflict):
		p.metrics.RecordWebhookError(providerName, "subscription_conflict")
		return fmt.Errorf("subscription %s: %w", sub.ID, err)
	case err != nil:
		return fmt.Errorf("lookup subscription %s: %w", sub.ID, err)
	}

	status := billing.SubscriptionStatus(sub.Status)
	patch := billing.SubscriptionPatch{Status: &status}

	// Events without period bounds (some deletions) keep the stored end date.
	if _, endDate := subscriptionPeriod(event.Data.Raw, &sub); !endDate.IsZero() {
		patch.EndDate = &endDate
	}

	// A cancellation timestamp always wins over the reported status string:
	// the record must read as canceled even while the processor still reports
	// the subscription active until period end.
	if sub.CanceledAt > 0 {
		canceled := billing.StatusCanceled
		canceledAt := time.Unix(sub.CanceledAt, 0).UTC()
		patch.Status = &canceled
		patch.CanceledAt = &canceledAt
	}

	p.recordStatusChange(ctx, userID, *patch.Status)

	if err := p.store.PatchSubscription(ctx, userID, patch); err != nil {
		return fmt.Errorf("patch subscription record for user %s: %w", userID, err)
	}

	p.log.Info().
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Str("status", string(*patch.Status)).
		Str("event_type", string(event.Type)).
		Msg("subscription record updated")
	return nil
}

// projectSubscription derives the full local record from a subscription.
// Plan name and price are always recomputed from the catalog, never stored
// independently of it.
func (p *Provider) projectSubscription(subscriptionID string, sub *stripe.Subscription) *billing.SubscriptionRecord {
	planID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		planID = sub.Items.Data[0].Price.ID
	}
	plan := p.catalog.Describe(planID)
	start, end := subscriptionPeriod(nil, sub)

	rec := &billing.SubscriptionRecord{
		PlanID:         planID,
		PlanName:       plan.Name,
		PlanPrice:      plan.Price,
		Status:         billing.SubscriptionStatus(sub.Status),
		SubscriptionID: subscriptionID,
		StartDate:      start,
		EndDate:        end,
	}

	if sub.CanceledAt > 0 {
		canceledAt := time.Unix(sub.CanceledAt, 0).UTC()
		rec.Status = billing.StatusCanceled
		rec.CanceledAt = &canceledAt
	}

	return rec
}

// subscriptionPeriod extracts the current billing period. Recent Stripe API
// versions carry period bounds on the subscription items; older event
// payloads still carry them at the top level, so when raw event JSON is
// available it is consulted as a fallback.
func subscriptionPeriod(raw json.RawMessage, sub *stripe.Subscription) (start, end time.Time) {
	var startUnix, endUnix int64

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		startUnix = item.CurrentPeriodStart
		endUnix = item.CurrentPeriodEnd
	}

	if (startUnix == 0 || endUnix == 0) && len(raw) > 0 {
		var top struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		}
		if err := json.Unmarshal(raw, &top); err == nil {
			if startUnix == 0 {
				startUnix = top.CurrentPeriodStart
			}
			if endUnix == 0 {
				endUnix = top.CurrentPeriodEnd
			}
		}
	}

	if startUnix > 0 {
		start = time.Unix(startUnix, 0).UTC()
	}
	if endUnix > 0 {
		end = time.Unix(endUnix, 0).UTC()
	}
	return start, end
}

// recordStatusChange emits the from/to transition metric. The read is
// best-effort observability only; the patch write never depends on it.
func (p *Provider) recordStatusChange(ctx context.Context, userID string, to billing.SubscriptionStatus) {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil || user.Subscription == nil {
		return
	}
	from := user.Subscription.Status
	if from != to {
		p.metrics.RecordStatusChange(providerName, string(from), string(to))
	}
}

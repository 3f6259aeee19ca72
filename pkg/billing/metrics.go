package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: the provider event type (e.g. "checkout.session.completed")
	// status: "success", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordStatusChange records a subscription status transition observed
	// while reconciling an event.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordCustomerCreated records a processor-side customer creation.
	// status: "success" or "error"
	RecordCustomerCreated(provider, status string)

	// RecordAPICall records an outbound API call to the billing provider.
	// endpoint: the API endpoint called (e.g. "/subscriptions/retrieve")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordCustomerCreated(_, _ string)                            {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}

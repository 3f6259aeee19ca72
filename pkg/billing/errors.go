package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when the referenced user record does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrNoMatchingSubscription is returned when no user record carries the
	// subscription id an event refers to
	ErrNoMatchingSubscription = errors.New("no user matches subscription id")

	// ErrSubscriptionConflict is returned when more than one user record carries
	// the same subscription id. This is a data corruption condition; callers
	// must report it rather than pick a record.
	ErrSubscriptionConflict = errors.New("subscription id matches multiple users")

	// ErrUpstream is returned when an outbound call to the payment processor fails
	ErrUpstream = errors.New("payment processor API error")

	// ErrPersistence is returned when a store write fails. Webhook handlers
	// surface it as a server error so the processor redelivers the event.
	ErrPersistence = errors.New("persistence error")
)

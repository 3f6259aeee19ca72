// Package stripe implements the billing.Provider interface for Stripe.
// It contains the webhook event reconciler that projects Stripe subscription
// lifecycle events onto the locally stored per-user subscription record.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v83"

	"github.com/cleansurance/subsync/pkg/billing"
	"github.com/cleansurance/subsync/pkg/internal"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	metadataUserIDKey = "user_id"
)

// UnmatchedEventPolicy controls what happens when an update or delete event
// refers to a subscription id no user record carries.
type UnmatchedEventPolicy string

const (
	// UnmatchedAck acknowledges the event with no state change. Redelivery
	// cannot repair a permanently missing mapping, so this is the default.
	UnmatchedAck UnmatchedEventPolicy = "ack"

	// UnmatchedRetry surfaces a server error so the processor redelivers the
	// event with backoff. Useful when the user index is populated
	// asynchronously and the mapping may appear later.
	UnmatchedRetry UnmatchedEventPolicy = "retry"
)

// Config holds everything the Stripe provider needs. It is constructed once
// at startup and injected; the provider never reads ambient process state.
type Config struct {
	// Store is the persisted user record store.
	Store billing.UserStore

	// Catalog projects price ids to display plans.
	Catalog *billing.Catalog

	// APIKey authenticates outbound Stripe API calls.
	APIKey string

	// WebhookSecret is the pre-shared endpoint secret used to verify
	// inbound event signatures.
	WebhookSecret string

	// CheckoutSuccessURL and CheckoutCancelURL are the redirect targets for
	// hosted checkout sessions. PortalReturnURL is the billing portal's
	// return target. Deployment configuration, not core logic.
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string

	// UnmatchedEvents selects the join-miss policy. Defaults to UnmatchedAck.
	UnmatchedEvents UnmatchedEventPolicy

	// Logger is an optional structured logger. Nil disables logging.
	Logger *zerolog.Logger

	// Metrics is an optional metrics collector. Nil means no-op.
	Metrics billing.Metrics
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	store         billing.UserStore
	catalog       *billing.Catalog
	webhookSecret string
	successURL    string
	cancelURL     string
	returnURL     string
	unmatched     UnmatchedEventPolicy
	log           zerolog.Logger
	metrics       billing.Metrics
	rateLimiter   *internal.RateLimiter
	client        *stripe.Client

	// Seams over the Stripe client, overridable in tests.
	retrieveSubscription  func(ctx context.Context, id string) (*stripe.Subscription, error)
	createCustomer        func(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	createCheckoutSession func(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	createPortalSession   func(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil || config.Catalog == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	unmatched := config.UnmatchedEvents
	if unmatched == "" {
		unmatched = UnmatchedAck
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	client := stripe.NewClient(apiKey)

	p := &Provider{
		store:         config.Store,
		catalog:       config.Catalog,
		webhookSecret: webhookSecret,
		successURL:    config.CheckoutSuccessURL,
		cancelURL:     config.CheckoutCancelURL,
		returnURL:     config.PortalReturnURL,
		unmatched:     unmatched,
		log:           logger.With().Str("provider", providerName).Logger(),
		metrics:       metrics,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		client:        client,
	}

	p.retrieveSubscription = func(ctx context.Context, id string) (*stripe.Subscription, error) {
		return client.V1Subscriptions.Retrieve(ctx, id, nil)
	}
	p.createCustomer = func(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
		return client.V1Customers.Create(ctx, params)
	}
	p.createCheckoutSession = func(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
		return client.V1CheckoutSessions.Create(ctx, params)
	}
	p.createPortalSession = func(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
		return client.V1BillingPortalSessions.Create(ctx, params)
	}

	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cleansurance/subsync/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	statusChangesTotal        *prometheus.CounterVec
	customersCreatedTotal     *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation for billing providers.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from billing providers.",
		}, []string{"provider", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "error_type"}),

		statusChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscription_status_changes_total",
			Help:      "Total number of subscription status transitions applied.",
		}, []string{"provider", "from_status", "to_status"}),

		customersCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "customers_created_total",
			Help:      "Total number of processor-side customer creations.",
		}, []string{"provider", "status"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to billing providers.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to billing providers in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordStatusChange(provider, fromStatus, toStatus string) {
	m.statusChangesTotal.WithLabelValues(provider, fromStatus, toStatus).Inc()
}

func (m *Metrics) RecordCustomerCreated(provider, status string) {
	m.customersCreatedTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

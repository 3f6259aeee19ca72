package stripe

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/cleansurance/subsync/pkg/billing"
	"github.com/cleansurance/subsync/pkg/internal"
)

// handleWebhook is the transport layer around the reconciler: it verifies the
// event signature over the raw body and maps reconcile outcomes to status
// codes the processor's retry logic understands. 400 means the payload will
// never verify and must not be redelivered; 500 asks for redelivery.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Signature verification must run over the raw bytes as received;
	// re-serializing a parsed body would invalidate the signature.
	event, err := stripe.ConstructEvent(body, sig, p.webhookSecret)
	if err != nil {
		err = fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		p.log.Warn().Err(err).Msg("webhook signature verification failed")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	handled, err := p.processEvent(r.Context(), &event)
	if err != nil {
		p.log.Error().Err(err).
			Str("event_type", eventType).
			Str("event_id", event.ID).
			Msg("webhook processing failed")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)

	status := "success"
	if !handled {
		status = "ignored"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

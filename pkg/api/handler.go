// Package api provides the HTTP surface around the billing core: checkout
// and portal session creation plus read-only subscription status. These are
// simple request/response wrappers with no state machine of their own.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cleansurance/subsync/pkg/billing"
	"github.com/cleansurance/subsync/pkg/internal"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for billing operations.
type Handler struct {
	config Config
	log    zerolog.Logger
}

// NewHandler creates a billing API handler.
func NewHandler(config Config) (*Handler, error) {
	if config.Provider == nil || config.Store == nil || config.Catalog == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.GetUserID == nil {
		return nil, fmt.Errorf("GetUserID extractor is required")
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Handler{config: config, log: logger}, nil
}

// Routes returns a chi router with the billing endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/checkout", h.CreateCheckout)
	r.Post("/portal", h.CreatePortal)
	r.Get("/subscription", h.GetSubscription)
	return r
}

// CreateCheckout creates a hosted checkout session for the requested price
// and returns its redirect URL.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PriceID == "" {
		h.writeError(w, http.StatusBadRequest, "priceId is required")
		return
	}

	url, err := h.config.Provider.CheckoutURL(r.Context(), userID, req.PriceID)
	if err != nil {
		h.handleProviderError(w, err, "create checkout session")
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// CreatePortal creates a billing portal session and returns its redirect URL.
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	url, err := h.config.Provider.PortalURL(r.Context(), userID)
	if err != nil {
		h.handleProviderError(w, err, "create portal session")
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// GetSubscription returns the user's projected subscription record. Display
// name and price are recomputed from the catalog, never served as stored.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	user, err := h.config.Store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load user")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user.Subscription == nil {
		h.writeError(w, http.StatusNotFound, "no subscription")
		return
	}

	rec := user.Subscription
	plan := h.config.Catalog.Describe(rec.PlanID)
	_ = internal.WriteJSON(w, http.StatusOK, SubscriptionResponse{
		PlanID:         rec.PlanID,
		PlanName:       plan.Name,
		PlanPrice:      plan.Price,
		Status:         string(rec.Status),
		SubscriptionID: rec.SubscriptionID,
		StartDate:      rec.StartDate,
		EndDate:        rec.EndDate,
		CanceledAt:     rec.CanceledAt,
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, http.StatusBadRequest, "invalid user id")
		return "", false
	}
	return userID, true
}

func (h *Handler) handleProviderError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, billing.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, billing.ErrUpstream):
		h.log.Error().Err(err).Msg(op + " failed upstream")
		h.writeError(w, http.StatusBadGateway, "payment provider unavailable")
	default:
		h.log.Error().Err(err).Msg(op + " failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, ErrorResponse{Error: msg})
}

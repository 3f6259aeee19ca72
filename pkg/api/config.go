package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cleansurance/subsync/pkg/billing"
)

// Config defines the dependencies of the billing HTTP API.
type Config struct {
	// Provider is the billing backend used for checkout and portal sessions.
	Provider billing.Provider

	// Store is the persisted user record store, read for subscription status.
	Store billing.UserStore

	// Catalog recomputes display name/price for the stored plan id.
	Catalog *billing.Catalog

	// GetUserID extracts the authenticated local user id from a request.
	// Typically backed by session or token middleware.
	GetUserID func(r *http.Request) string

	// Logger is an optional structured logger. Nil disables logging.
	Logger *zerolog.Logger
}

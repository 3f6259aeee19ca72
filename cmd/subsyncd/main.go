// Command subsyncd runs the billing-event reconciliation bridge: it mounts
// the Stripe webhook endpoint, the billing API, and operational endpoints on
// one HTTP server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cleansurance/subsync/pkg/api"
	"github.com/cleansurance/subsync/pkg/billing"
	prommetrics "github.com/cleansurance/subsync/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/cleansurance/subsync/pkg/billing/stripe"
	firestorestorage "github.com/cleansurance/subsync/storage/firestore"
	memorystorage "github.com/cleansurance/subsync/storage/memory"
	postgresstorage "github.com/cleansurance/subsync/storage/postgres"
)

type config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// memory | firestore | postgres
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"firestore"`

	FirestoreProjectID       string `env:"FIRESTORE_PROJECT_ID"`
	FirestoreUsersCollection string `env:"FIRESTORE_USERS_COLLECTION" envDefault:"users"`
	PostgresDSN              string `env:"POSTGRES_DSN"`

	StripeAPIKey        string `env:"STRIPE_SECRET_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`

	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL,required"`
	PortalReturnURL    string `env:"PORTAL_RETURN_URL,required"`

	// ack | retry
	UnmatchedEventPolicy string `env:"UNMATCHED_EVENT_POLICY" envDefault:"ack"`

	// JSON table: {"price_...": {"name": "Basic", "price": 5}}
	PlanCatalog string `env:"PLAN_CATALOG,required"`
}

func main() {
	// Local development convenience; production supplies real env.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	catalog, err := parseCatalog(cfg.PlanCatalog)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid plan catalog")
	}

	ctx := context.Background()
	store, cleanup, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer cleanup()

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		Store:              store,
		Catalog:            catalog,
		APIKey:             cfg.StripeAPIKey,
		WebhookSecret:      cfg.StripeWebhookSecret,
		CheckoutSuccessURL: cfg.CheckoutSuccessURL,
		CheckoutCancelURL:  cfg.CheckoutCancelURL,
		PortalReturnURL:    cfg.PortalReturnURL,
		UnmatchedEvents:    stripeprovider.UnmatchedEventPolicy(cfg.UnmatchedEventPolicy),
		Logger:             &logger,
		Metrics:            prommetrics.DefaultMetrics("subsync"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create stripe provider")
	}

	apiHandler, err := api.NewHandler(api.Config{
		Provider: provider,
		Store:    store,
		Catalog:  catalog,
		// Authentication lives in front of this service; the trusted proxy
		// injects the resolved identity.
		GetUserID: func(r *http.Request) string { return r.Header.Get("X-User-ID") },
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create api handler")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	r.Mount("/billing", apiHandler.Routes())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("storage", cfg.StorageBackend).Msg("subsyncd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("subsyncd stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func parseCatalog(raw string) (*billing.Catalog, error) {
	var table map[string]struct {
		Name  string `json:"name"`
		Price int64  `json:"price"`
	}
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return nil, fmt.Errorf("parse PLAN_CATALOG: %w", err)
	}
	plans := make(map[string]billing.Plan, len(table))
	for id, p := range table {
		plans[id] = billing.Plan{Name: p.Name, Price: p.Price}
	}
	return billing.NewCatalog(plans), nil
}

func newStore(ctx context.Context, cfg config, logger zerolog.Logger) (billing.UserStore, func(), error) {
	switch cfg.StorageBackend {
	case "memory":
		logger.Warn().Msg("using in-memory storage, data is not durable")
		return memorystorage.New(), func() {}, nil

	case "firestore":
		if cfg.FirestoreProjectID == "" {
			return nil, nil, fmt.Errorf("FIRESTORE_PROJECT_ID is required for firestore storage")
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		store, err := firestorestorage.New(client, firestorestorage.Config{
			UsersCollection: cfg.FirestoreUsersCollection,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("POSTGRES_DSN is required for postgres storage")
		}
		pgConfig := postgresstorage.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		store, err := postgresstorage.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

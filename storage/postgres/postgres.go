// Package postgres provides a PostgreSQL implementation of billing.UserStore.
// The subscription projection is embedded in the users table; all mutations
// are single conditional UPDATE statements, so there is no read-modify-write
// window under concurrent event redelivery.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cleansurance/subsync/pkg/billing"
)

// Schema is the DDL for the users table. The partial unique index enforces
// the invariant that a subscription id belongs to at most one user.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id                  TEXT PRIMARY KEY,
	email               TEXT NOT NULL DEFAULT '',
	stripe_customer_id  TEXT,
	plan_id             TEXT,
	plan_name           TEXT,
	plan_price          BIGINT,
	subscription_status TEXT,
	subscription_id     TEXT,
	start_date          TIMESTAMPTZ,
	end_date            TIMESTAMPTZ,
	canceled_at         TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS users_subscription_id_key
	ON users (subscription_id) WHERE subscription_id IS NOT NULL;
`

// Storage implements billing.UserStore using PostgreSQL.
type Storage struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool}, nil
}

// Migrate applies the schema. Idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("%w: apply schema: %v", billing.ErrPersistence, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetUser implements billing.UserStore.
func (s *Storage) GetUser(ctx context.Context, userID string) (*billing.User, error) {
	var (
		user       billing.User
		customerID *string
		planID     *string
		planName   *string
		planPrice  *int64
		subStatus  *string
		subID      *string
		startDate  *time.Time
		endDate    *time.Time
		canceledAt *time.Time
	)

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, stripe_customer_id,
			plan_id, plan_name, plan_price, subscription_status, subscription_id,
			start_date, end_date, canceled_at
		 FROM users WHERE id = $1`,
		userID).Scan(
		&user.ID, &user.Email, &customerID,
		&planID, &planName, &planPrice, &subStatus, &subID,
		&startDate, &endDate, &canceledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get user: %v", billing.ErrPersistence, err)
	}

	if customerID != nil {
		user.CustomerID = *customerID
	}
	if subID != nil {
		rec := &billing.SubscriptionRecord{SubscriptionID: *subID}
		if planID != nil {
			rec.PlanID = *planID
		}
		if planName != nil {
			rec.PlanName = *planName
		}
		if planPrice != nil {
			rec.PlanPrice = *planPrice
		}
		if subStatus != nil {
			rec.Status = billing.SubscriptionStatus(*subStatus)
		}
		if startDate != nil {
			rec.StartDate = startDate.UTC()
		}
		if endDate != nil {
			rec.EndDate = endDate.UTC()
		}
		if canceledAt != nil {
			t := canceledAt.UTC()
			rec.CanceledAt = &t
		}
		user.Subscription = rec
	}

	return &user, nil
}

// SetCustomerID implements billing.UserStore. COALESCE makes the write a
// set-if-absent in a single statement; the returned value is whatever is
// persisted after the call.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var persisted string
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET stripe_customer_id = COALESCE(stripe_customer_id, $2)
		 WHERE id = $1
		 RETURNING stripe_customer_id`,
		userID, customerID).Scan(&persisted)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: set customer id: %v", billing.ErrPersistence, err)
	}
	return persisted, nil
}

// PutSubscription implements billing.UserStore.
func (s *Storage) PutSubscription(ctx context.Context, userID string, rec *billing.SubscriptionRecord) error {
	if rec == nil {
		return fmt.Errorf("invalid subscription record")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
			plan_id = $2, plan_name = $3, plan_price = $4,
			subscription_status = $5, subscription_id = $6,
			start_date = $7, end_date = $8, canceled_at = $9
		 WHERE id = $1`,
		userID, rec.PlanID, rec.PlanName, rec.PlanPrice,
		string(rec.Status), rec.SubscriptionID,
		rec.StartDate, rec.EndDate, rec.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("%w: put subscription: %v", billing.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

// PatchSubscription implements billing.UserStore. Unset patch fields keep
// their stored value via COALESCE; the guard on subscription_id ensures a
// patch never materializes a record that was never created by a checkout.
func (s *Storage) PatchSubscription(ctx context.Context, userID string, patch billing.SubscriptionPatch) error {
	var statusVal *string
	if patch.Status != nil {
		v := string(*patch.Status)
		statusVal = &v
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
			subscription_status = COALESCE($2, subscription_status),
			end_date = COALESCE($3, end_date),
			canceled_at = COALESCE($4, canceled_at)
		 WHERE id = $1 AND subscription_id IS NOT NULL`,
		userID, statusVal, patch.EndDate, patch.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("%w: patch subscription: %v", billing.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNoMatchingSubscription
	}
	return nil
}

// FindUserBySubscriptionID implements billing.UserStore. The partial unique
// index enforces at most one match; a second row is still checked for and
// reported as corruption rather than silently picked from.
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM users WHERE subscription_id = $1 LIMIT 2`, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("%w: query subscription id: %v", billing.ErrPersistence, err)
	}
	defer rows.Close()

	ids := make([]string, 0, 1)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("%w: scan subscription match: %v", billing.ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: query subscription id: %v", billing.ErrPersistence, err)
	}

	switch len(ids) {
	case 0:
		return "", billing.ErrNoMatchingSubscription
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%w: subscription %s", billing.ErrSubscriptionConflict, subscriptionID)
	}
}

// Package firestore provides a Firestore implementation of billing.UserStore.
// User records live in a single collection with the subscription projection
// embedded as a `plan` map, so every mutation is a single-document merge.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cleansurance/subsync/pkg/billing"
)

const (
	fieldEmail          = "email"
	fieldCustomerID     = "stripeCustomerId"
	fieldPlan           = "plan"
	fieldPlanID         = "planId"
	fieldPlanName       = "name"
	fieldPlanPrice      = "price"
	fieldPlanStatus     = "status"
	fieldSubscriptionID = "stripeSubscriptionId"
	fieldStartDate      = "startDate"
	fieldEndDate        = "endDate"
	fieldCanceledAt     = "canceled_at"
)

// Storage implements billing.UserStore using Google Cloud Firestore.
type Storage struct {
	client          *firestore.Client
	usersCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// UsersCollection is the Firestore collection holding user documents.
	// Default: "users"
	UsersCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	return &Storage{
		client:          client,
		usersCollection: config.UsersCollection,
	}, nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

// GetUser implements billing.UserStore.
func (s *Storage) GetUser(ctx context.Context, userID string) (*billing.User, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: get user: %v", billing.ErrPersistence, err)
	}
	if !snap.Exists() {
		return nil, billing.ErrUserNotFound
	}

	data := snap.Data()
	user := &billing.User{
		ID:         userID,
		Email:      getString(data, fieldEmail),
		CustomerID: getString(data, fieldCustomerID),
	}
	if plan, ok := data[fieldPlan].(map[string]interface{}); ok {
		user.Subscription = recordFromDoc(plan)
	}
	return user, nil
}

// SetCustomerID implements billing.UserStore. The transaction makes the
// write a compare-and-swap on absence: two concurrent first-time checkouts
// for the same user both observe whichever customer id landed first.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	doc := s.userDoc(userID)
	persisted := customerID

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrUserNotFound
			}
			return err
		}
		if !snap.Exists() {
			return billing.ErrUserNotFound
		}
		if existing := getString(snap.Data(), fieldCustomerID); existing != "" {
			persisted = existing
			return nil
		}
		return tx.Set(doc, map[string]interface{}{
			fieldCustomerID: customerID,
		}, firestore.MergeAll)
	})
	if err != nil {
		if err == billing.ErrUserNotFound {
			return "", err
		}
		return "", fmt.Errorf("%w: set customer id: %v", billing.ErrPersistence, err)
	}
	return persisted, nil
}

// PutSubscription implements billing.UserStore. Update on the plan field
// replaces the whole sub-record in one write without touching sibling user
// fields, and fails for users that do not exist.
func (s *Storage) PutSubscription(ctx context.Context, userID string, rec *billing.SubscriptionRecord) error {
	if rec == nil {
		return fmt.Errorf("invalid subscription record")
	}

	_, err := s.userDoc(userID).Update(ctx, []firestore.Update{
		{Path: fieldPlan, Value: recordToDoc(rec)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return billing.ErrUserNotFound
		}
		return fmt.Errorf("%w: put subscription: %v", billing.ErrPersistence, err)
	}
	return nil
}

// PatchSubscription implements billing.UserStore. Only the named plan fields
// are merged; the write is a single atomic update, never read-modify-write.
func (s *Storage) PatchSubscription(ctx context.Context, userID string, patch billing.SubscriptionPatch) error {
	updates := make([]firestore.Update, 0, 3)
	if patch.Status != nil {
		updates = append(updates, firestore.Update{
			Path: fieldPlan + "." + fieldPlanStatus, Value: string(*patch.Status),
		})
	}
	if patch.EndDate != nil {
		updates = append(updates, firestore.Update{
			Path: fieldPlan + "." + fieldEndDate, Value: *patch.EndDate,
		})
	}
	if patch.CanceledAt != nil {
		updates = append(updates, firestore.Update{
			Path: fieldPlan + "." + fieldCanceledAt, Value: *patch.CanceledAt,
		})
	}
	if len(updates) == 0 {
		return nil
	}

	_, err := s.userDoc(userID).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return billing.ErrUserNotFound
		}
		return fmt.Errorf("%w: patch subscription: %v", billing.ErrPersistence, err)
	}
	return nil
}

// FindUserBySubscriptionID implements billing.UserStore as an equality query
// over the embedded subscription id. The uniqueness invariant allows at most
// one match; two or more is data corruption and is reported, not resolved.
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	query := s.client.Collection(s.usersCollection).
		Where(fieldPlan+"."+fieldSubscriptionID, "==", subscriptionID).
		Limit(2)

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return "", fmt.Errorf("%w: query subscription id: %v", billing.ErrPersistence, err)
	}
	switch len(docs) {
	case 0:
		return "", billing.ErrNoMatchingSubscription
	case 1:
		return docs[0].Ref.ID, nil
	default:
		return "", fmt.Errorf("%w: subscription %s", billing.ErrSubscriptionConflict, subscriptionID)
	}
}

func recordToDoc(rec *billing.SubscriptionRecord) map[string]interface{} {
	doc := map[string]interface{}{
		fieldPlanID:         rec.PlanID,
		fieldPlanName:       rec.PlanName,
		fieldPlanPrice:      rec.PlanPrice,
		fieldPlanStatus:     string(rec.Status),
		fieldSubscriptionID: rec.SubscriptionID,
		fieldStartDate:      rec.StartDate,
		fieldEndDate:        rec.EndDate,
	}
	if rec.CanceledAt != nil {
		doc[fieldCanceledAt] = *rec.CanceledAt
	}
	return doc
}

func recordFromDoc(data map[string]interface{}) *billing.SubscriptionRecord {
	rec := &billing.SubscriptionRecord{
		PlanID:         getString(data, fieldPlanID),
		PlanName:       getString(data, fieldPlanName),
		PlanPrice:      getInt64(data, fieldPlanPrice),
		Status:         billing.SubscriptionStatus(getString(data, fieldPlanStatus)),
		SubscriptionID: getString(data, fieldSubscriptionID),
		StartDate:      getTime(data, fieldStartDate),
		EndDate:        getTime(data, fieldEndDate),
	}
	if canceledAt, ok := data[fieldCanceledAt].(time.Time); ok && !canceledAt.IsZero() {
		rec.CanceledAt = &canceledAt
	}
	return rec
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

// Package memory provides an in-memory implementation of billing.UserStore.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cleansurance/subsync/pkg/billing"
)

// Storage implements billing.UserStore using an in-memory map.
type Storage struct {
	mu    sync.RWMutex
	users map[string]*billing.User
}

// New creates a new in-memory store.
func New() *Storage {
	return &Storage{users: make(map[string]*billing.User)}
}

// SeedUser inserts or replaces a user record. Users are created by the
// identity provider in production; tests and local development seed them here.
func (s *Storage) SeedUser(user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = copyUser(user)
	return nil
}

// GetUser implements billing.UserStore.
func (s *Storage) GetUser(ctx context.Context, userID string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	return copyUser(user), nil
}

// SetCustomerID implements billing.UserStore. The write is a set-if-absent:
// a second concurrent caller observes the first writer's id.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return "", billing.ErrUserNotFound
	}
	if user.CustomerID != "" {
		return user.CustomerID, nil
	}
	user.CustomerID = customerID
	return customerID, nil
}

// PutSubscription implements billing.UserStore.
func (s *Storage) PutSubscription(ctx context.Context, userID string, rec *billing.SubscriptionRecord) error {
	if rec == nil {
		return fmt.Errorf("invalid subscription record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return billing.ErrUserNotFound
	}
	user.Subscription = copyRecord(rec)
	return nil
}

// PatchSubscription implements billing.UserStore.
func (s *Storage) PatchSubscription(ctx context.Context, userID string, patch billing.SubscriptionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return billing.ErrUserNotFound
	}
	if user.Subscription == nil {
		return billing.ErrNoMatchingSubscription
	}

	if patch.Status != nil {
		user.Subscription.Status = *patch.Status
	}
	if patch.EndDate != nil {
		user.Subscription.EndDate = *patch.EndDate
	}
	if patch.CanceledAt != nil {
		canceledAt := *patch.CanceledAt
		user.Subscription.CanceledAt = &canceledAt
	}
	return nil
}

// FindUserBySubscriptionID implements billing.UserStore.
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := ""
	for id, user := range s.users {
		if user.Subscription != nil && user.Subscription.SubscriptionID == subscriptionID {
			if found != "" {
				return "", billing.ErrSubscriptionConflict
			}
			found = id
		}
	}
	if found == "" {
		return "", billing.ErrNoMatchingSubscription
	}
	return found, nil
}

// Copies prevent external mutations of stored records.

func copyUser(u *billing.User) *billing.User {
	userCopy := *u
	userCopy.Subscription = copyRecord(u.Subscription)
	return &userCopy
}

func copyRecord(r *billing.SubscriptionRecord) *billing.SubscriptionRecord {
	if r == nil {
		return nil
	}
	recCopy := *r
	if r.CanceledAt != nil {
		canceledAt := *r.CanceledAt
		recCopy.CanceledAt = &canceledAt
	}
	return &recCopy
}

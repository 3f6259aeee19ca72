// Package billing defines the core types and contracts for projecting
// payment-processor subscription events onto locally stored user records.
package billing

import "time"

// SubscriptionStatus is the processor's subscription status vocabulary.
// It is carried as an opaque enumerated string and never reinterpreted,
// with one exception: a cancellation timestamp forces StatusCanceled.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPaused            SubscriptionStatus = "paused"
)

// User is the locally stored user record. Users are created by the identity
// provider; this system only ever mutates the CustomerID and Subscription
// sub-record.
type User struct {
	ID           string
	Email        string
	CustomerID   string
	Subscription *SubscriptionRecord
}

// SubscriptionRecord is the per-user projection of one processor-side
// subscription. SubscriptionID is stable for the life of the subscription
// and unique across users with a non-nil record; it is the join key for
// update and delete events that do not carry the local user id.
type SubscriptionRecord struct {
	PlanID         string
	PlanName       string
	PlanPrice      int64
	Status         SubscriptionStatus
	SubscriptionID string
	StartDate      time.Time
	EndDate        time.Time
	CanceledAt     *time.Time
}

// Canceled reports whether a cancellation has been observed for this record.
func (r *SubscriptionRecord) Canceled() bool {
	return r != nil && (r.Status == StatusCanceled || r.CanceledAt != nil)
}

// SubscriptionPatch is a targeted field-level update applied to an existing
// subscription record. Nil pointer fields are left untouched, so a patch is
// expressible as a single atomic merge write rather than a read-modify-write.
type SubscriptionPatch struct {
	Status     *SubscriptionStatus
	EndDate    *time.Time
	CanceledAt *time.Time
}

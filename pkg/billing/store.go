package billing

import "context"

// UserStore is the persisted user record store. All mutations are expressed
// as single atomic merge writes so that concurrent redelivery of the same or
// related events cannot clobber sibling fields on the user document.
type UserStore interface {
	// GetUser returns the user record, or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)

	// SetCustomerID stores the processor customer id for a user, but only if
	// none is stored yet (compare-and-swap on absence). It returns the id that
	// is persisted after the call: the given one, or an existing id written by
	// a concurrent caller.
	SetCustomerID(ctx context.Context, userID, customerID string) (string, error)

	// PutSubscription writes the full subscription sub-record onto the user,
	// creating or overwriting it, without touching unrelated user fields.
	PutSubscription(ctx context.Context, userID string, rec *SubscriptionRecord) error

	// PatchSubscription applies a targeted field-level merge to the user's
	// existing subscription record. Unset patch fields are left as stored.
	PatchSubscription(ctx context.Context, userID string, patch SubscriptionPatch) error

	// FindUserBySubscriptionID resolves the owning user of a processor
	// subscription id. Returns ErrNoMatchingSubscription when no record
	// carries the id and ErrSubscriptionConflict when more than one does.
	FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error)
}

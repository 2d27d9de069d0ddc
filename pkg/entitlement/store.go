package entitlement

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrKeyNotFound indicates no key matches the given value or id.
	ErrKeyNotFound = errors.New("subscription key not found")

	// ErrSubscriptionNotFound indicates the subscription does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUsageExhausted indicates the key's finite usage budget is spent.
	ErrUsageExhausted = errors.New("usage count exhausted")

	// ErrUnavailable indicates a transient store failure.
	ErrUnavailable = errors.New("entitlement store unavailable")
)

// Store is the persistence contract for subscriptions and their keys.
//
// Implementations must make ConsumeUsage a single atomic
// check-and-decrement so concurrent admissions on the same key can
// never overdraw a finite budget.
type Store interface {
	// CreateSubscription persists a new subscription.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription retrieves a subscription by id.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// CreateKey persists a new subscription key.
	CreateKey(ctx context.Context, key *Key) error

	// GetKeyByValue looks a key up by its exact secret value.
	GetKeyByValue(ctx context.Context, value string) (*Key, error)

	// GetKeyByID retrieves a key by id.
	GetKeyByID(ctx context.Context, id string) (*Key, error)

	// ActiveKeyForUser resolves the active key belonging to one of the
	// user's subscriptions. Used for session-token principals.
	ActiveKeyForUser(ctx context.Context, userID string) (*Key, error)

	// ConsumeUsage atomically decrements a finite usage count by one.
	// Unlimited keys (nil count) are a no-op. Returns ErrUsageExhausted
	// when the count is already zero; the count never goes negative.
	ConsumeUsage(ctx context.Context, keyID string) error

	// RefundUsage returns one previously consumed usage unit.
	// Unlimited keys are a no-op.
	RefundUsage(ctx context.Context, keyID string) error

	// Revoke soft-transitions a key to revoked status.
	Revoke(ctx context.Context, keyID string) error

	// TouchLastUsed records observability metadata for a validated key.
	// Best-effort: callers must not fail a request when it errors.
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error

	// ListKeys returns all keys, newest first.
	ListKeys(ctx context.Context) ([]Key, error)
}

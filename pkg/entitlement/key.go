// Package entitlement holds subscription keys and their remaining quota.
//
// A SubscriptionKey is the unit of admission control: it carries the
// rate-limit class, an optional finite usage budget, and a lifecycle
// status. Keys are never physically deleted; revocation and expiry are
// soft status transitions so historical jobs keep a valid reference.
package entitlement

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Status is the lifecycle state of a subscription key.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// KeyPrefix is prepended to every generated key value.
const KeyPrefix = "qh"

const keyRandomLength = 32

// Key is a subscription key with its entitlement record.
//
// RemainingUsageCount of nil means unlimited usage. A finite count is
// decremented exactly once per admitted job and never goes negative.
type Key struct {
	ID                  string     `json:"id"`
	SubscriptionID      string     `json:"subscription_id"`
	Name                string     `json:"name"`
	Value               string     `json:"value"`
	RateLimitClass      string     `json:"rate_limit_class"`
	RemainingUsageCount *int64     `json:"remaining_usage_count,omitempty"`
	Status              Status     `json:"status"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ExpiredAt reports whether the key's expiry timestamp has passed at now.
// A nil ExpiresAt never expires.
func (k *Key) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Subscription is the minimal subscription record the admission path
// needs: it links a key's subscription to the owning user so that
// session-token principals can be resolved to their entitlement.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewKeyValue generates a fresh secret key value: the "qh" prefix plus
// 32 random alphanumeric characters.
func NewKeyValue() string {
	b := make([]byte, keyRandomLength)
	maxIdx := big.NewInt(int64(len(keyAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			// crypto/rand failure is unrecoverable for key minting
			panic("entitlement: crypto/rand unavailable: " + err.Error())
		}
		b[i] = keyAlphabet[n.Int64()]
	}
	return KeyPrefix + "_" + string(b)
}

// CalculateExpiry returns an expiry timestamp the given number of days
// from now, or nil when days <= 0 (no expiry).
func CalculateExpiry(days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

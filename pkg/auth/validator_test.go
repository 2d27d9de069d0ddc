package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantumhub/execgate/pkg/entitlement"
)

const testSecret = "test-secret-please-rotate"

type authFixture struct {
	validator *Validator
	signer    *Signer
	store     *entitlement.MemoryStore
	key       *entitlement.Key
	userID    string
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	ctx := context.Background()
	store := entitlement.NewMemoryStore()
	signer := NewSigner(testSecret, 0)

	userID := uuid.NewString()
	sub := &entitlement.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    entitlement.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	key := &entitlement.Key{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Name:           "fixture",
		Value:          entitlement.NewKeyValue(),
		RateLimitClass: "10/min",
		Status:         entitlement.StatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateKey(ctx, key))

	return &authFixture{
		validator: NewValidator(signer, store, zap.NewNop()),
		signer:    signer,
		store:     store,
		key:       key,
		userID:    userID,
	}
}

func TestValidateKey(t *testing.T) {
	ctx := context.Background()

	t.Run("valid key resolves identity", func(t *testing.T) {
		f := newAuthFixture(t)
		id, err := f.validator.Validate(ctx, Credential{Key: f.key.Value})
		require.NoError(t, err)
		assert.Equal(t, f.key.ID, id.Key.ID)
		assert.Empty(t, id.UserID)
	})

	t.Run("unknown key", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.validator.Validate(ctx, Credential{Key: "qh_nope"})
		assert.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("revoked key always fails", func(t *testing.T) {
		f := newAuthFixture(t)
		require.NoError(t, f.store.Revoke(ctx, f.key.ID))
		_, err := f.validator.Validate(ctx, Credential{Key: f.key.Value})
		assert.ErrorIs(t, err, ErrRevokedKey)
	})

	t.Run("expired status fails", func(t *testing.T) {
		f := newAuthFixture(t)
		f.key.Status = entitlement.StatusExpired
		require.NoError(t, f.store.CreateKey(ctx, f.key))
		_, err := f.validator.Validate(ctx, Credential{Key: f.key.Value})
		assert.ErrorIs(t, err, ErrExpiredKey)
	})

	t.Run("past expiry timestamp fails even while status active", func(t *testing.T) {
		f := newAuthFixture(t)
		past := time.Now().UTC().Add(-time.Hour)
		f.key.ExpiresAt = &past
		require.NoError(t, f.store.CreateKey(ctx, f.key))
		_, err := f.validator.Validate(ctx, Credential{Key: f.key.Value})
		assert.ErrorIs(t, err, ErrExpiredKey)
	})

	t.Run("updates last_used", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.validator.Validate(ctx, Credential{Key: f.key.Value})
		require.NoError(t, err)
		got, err := f.store.GetKeyByID(ctx, f.key.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.LastUsedAt)
	})
}

func TestValidateToken(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token resolves user and key", func(t *testing.T) {
		f := newAuthFixture(t)
		tok, err := f.signer.Mint(f.userID)
		require.NoError(t, err)

		id, err := f.validator.Validate(ctx, Credential{Token: tok})
		require.NoError(t, err)
		assert.Equal(t, f.userID, id.UserID)
		assert.Equal(t, f.key.ID, id.Key.ID)
	})

	t.Run("garbage token", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.validator.Validate(ctx, Credential{Token: "not.a.jwt"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong signing secret", func(t *testing.T) {
		f := newAuthFixture(t)
		other := NewSigner("different-secret", 0)
		tok, err := other.Mint(f.userID)
		require.NoError(t, err)
		_, err = f.validator.Validate(ctx, Credential{Token: tok})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newAuthFixture(t)
		short := NewSigner(testSecret, time.Nanosecond)
		tok, err := short.Mint(f.userID)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		_, err = f.validator.Validate(ctx, Credential{Token: tok})
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("principal without active key", func(t *testing.T) {
		f := newAuthFixture(t)
		tok, err := f.signer.Mint(uuid.NewString())
		require.NoError(t, err)
		_, err = f.validator.Validate(ctx, Credential{Token: tok})
		assert.ErrorIs(t, err, ErrNoEntitlement)
	})

	t.Run("revoked key blocks token principal too", func(t *testing.T) {
		f := newAuthFixture(t)
		require.NoError(t, f.store.Revoke(ctx, f.key.ID))
		tok, err := f.signer.Mint(f.userID)
		require.NoError(t, err)
		_, err = f.validator.Validate(ctx, Credential{Token: tok})
		assert.ErrorIs(t, err, ErrNoEntitlement)
	})
}

func TestValidateMissingCredential(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.validator.Validate(context.Background(), Credential{})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

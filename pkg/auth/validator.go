package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantumhub/execgate/pkg/entitlement"
)

// Credential failure taxonomy. ErrUnavailable is the only transient
// member; everything else is a definitive rejection.
var (
	ErrMissingCredential = errors.New("no credential presented")
	ErrInvalidToken      = errors.New("invalid session token")
	ErrExpiredToken      = errors.New("session token expired")
	ErrUnknownKey        = errors.New("unknown subscription key")
	ErrRevokedKey        = errors.New("subscription key revoked")
	ErrExpiredKey        = errors.New("subscription key expired")
	ErrNoEntitlement     = errors.New("no active subscription key for principal")
	ErrUnavailable       = errors.New("credential backend unavailable")
)

// Credential is one presented credential. Exactly one field is set.
type Credential struct {
	// Token is a bearer session token (Authorization header).
	Token string

	// Key is a raw subscription key value (X-API-Key header).
	Key string
}

// Identity is a validated principal bound to its entitlement.
type Identity struct {
	// UserID is set only for token credentials.
	UserID string

	// Key is the resolved subscription key. Always set.
	Key *entitlement.Key
}

// Validator resolves a Credential to an Identity or a taxonomy error.
type Validator struct {
	signer *Signer
	store  entitlement.Store
	logger *zap.Logger
}

func NewValidator(signer *Signer, store entitlement.Store, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{signer: signer, store: store, logger: logger}
}

// Validate checks the credential and resolves its entitlement.
//
// Key credentials are looked up by exact value. Token credentials are
// verified, then the subject's active key is resolved so quota applies
// uniformly. Revoked and expired keys always fail, regardless of which
// credential form referenced them.
func (v *Validator) Validate(ctx context.Context, cred Credential) (*Identity, error) {
	switch {
	case cred.Key != "":
		return v.validateKey(ctx, cred.Key)
	case cred.Token != "":
		return v.validateToken(ctx, cred.Token)
	default:
		return nil, ErrMissingCredential
	}
}

func (v *Validator) validateKey(ctx context.Context, value string) (*Identity, error) {
	key, err := v.store.GetKeyByValue(ctx, value)
	if err != nil {
		if errors.Is(err, entitlement.ErrKeyNotFound) {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.checkKey(ctx, key, "")
}

func (v *Validator) validateToken(ctx context.Context, token string) (*Identity, error) {
	userID, err := v.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	key, err := v.store.ActiveKeyForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrKeyNotFound) {
			return nil, ErrNoEntitlement
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.checkKey(ctx, key, userID)
}

func (v *Validator) checkKey(ctx context.Context, key *entitlement.Key, userID string) (*Identity, error) {
	switch key.Status {
	case entitlement.StatusRevoked:
		return nil, ErrRevokedKey
	case entitlement.StatusExpired:
		return nil, ErrExpiredKey
	}
	if key.ExpiredAt(time.Now().UTC()) {
		return nil, ErrExpiredKey
	}

	// Observability only; a failed touch never fails the request.
	if err := v.store.TouchLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		v.logger.Warn("touch last_used failed", zap.String("key_id", key.ID), zap.Error(err))
	}

	return &Identity{UserID: userID, Key: key}, nil
}

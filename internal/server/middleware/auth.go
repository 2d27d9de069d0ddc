package middleware

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/quantumhub/execgate/internal/errors"
	"github.com/quantumhub/execgate/pkg/auth"
)

// APIKeyHeader carries a raw subscription key.
const APIKeyHeader = "X-API-Key"

type identityKey struct{}

// IdentityFrom returns the validated identity the Auth middleware
// stored, or nil on unauthenticated routes.
func IdentityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey{}).(*auth.Identity)
	return id
}

// Auth validates the request credential and stores the identity in the
// context. Either a Bearer token or an API key is accepted; a Bearer
// header takes precedence when both are present.
func Auth(validator *auth.Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := credentialFrom(r)
		identity, err := validator.Validate(r.Context(), cred)
		if err != nil {
			apperrors.RespondWithError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func credentialFrom(r *http.Request) auth.Credential {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return auth.Credential{Token: strings.TrimSpace(token)}
		}
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return auth.Credential{Key: key}
	}
	return auth.Credential{}
}

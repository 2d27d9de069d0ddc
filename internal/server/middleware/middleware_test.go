package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/quantumhub/execgate/internal/errors"
	"github.com/quantumhub/execgate/pkg/auth"
	"github.com/quantumhub/execgate/pkg/entitlement"
)

func TestRequestID(t *testing.T) {
	t.Run("issues fresh id", func(t *testing.T) {
		var captured string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = apperrors.RequestIDFrom(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.NotEmpty(t, captured)
		assert.Equal(t, captured, rec.Header().Get(RequestIDHeader))
	})

	t.Run("honors inbound header", func(t *testing.T) {
		var captured string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = apperrors.RequestIDFrom(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "inbound-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "inbound-42", captured)
	})
}

func TestRecovery(t *testing.T) {
	t.Run("no panic passes through", func(t *testing.T) {
		handler := Recovery(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("success"))
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", rec.Body.String())
	})

	t.Run("panic becomes 500 envelope", func(t *testing.T) {
		handler := Recovery(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			handler.ServeHTTP(rec, req)
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp apperrors.HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, apperrors.CodeInternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "panic: test panic")
	})

	t.Run("panic envelope carries request id", func(t *testing.T) {
		handler := RequestID(Recovery(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "test-req-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		var resp apperrors.HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "test-req-123", resp.Error.RequestID)
	})
}

func authFixture(t *testing.T) (*auth.Validator, *entitlement.Key) {
	t.Helper()
	ctx := context.Background()
	store := entitlement.NewMemoryStore()

	sub := &entitlement.Subscription{
		ID:        uuid.NewString(),
		UserID:    uuid.NewString(),
		Status:    entitlement.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	key := &entitlement.Key{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Value:          entitlement.NewKeyValue(),
		RateLimitClass: "10/min",
		Status:         entitlement.StatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateKey(ctx, key))

	return auth.NewValidator(auth.NewSigner("secret", 0), store, nil), key
}

func TestAuth(t *testing.T) {
	validator, key := authFixture(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFrom(r.Context())
		require.NotNil(t, identity)
		w.WriteHeader(http.StatusOK)
	})
	handler := Auth(validator, next)

	t.Run("valid api key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
		req.Header.Set(APIKeyHeader, key.Value)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing credential", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer takes precedence over api key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		req.Header.Set(APIKeyHeader, key.Value)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		// Garbage token fails even though the key is valid.
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

// Package middleware holds the HTTP middleware chain: request ids,
// access logging, panic recovery and credential validation.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/quantumhub/execgate/internal/errors"
)

// RequestIDHeader is the inbound/outbound correlation header.
const RequestIDHeader = "X-Request-ID"

// RequestID attaches a request id to the context and echoes it in the
// response. An inbound header wins; otherwise a fresh uuid is issued.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

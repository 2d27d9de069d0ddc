// Package errors defines the HTTP error envelope and the mapping from
// domain errors to status codes. Every error response on the wire uses
// the same envelope with a stable machine-readable code.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quantumhub/execgate/pkg/auth"
	"github.com/quantumhub/execgate/pkg/dispatch"
	"github.com/quantumhub/execgate/pkg/job"
	"github.com/quantumhub/execgate/pkg/ratelimit"
)

// Stable error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUnknownJob         = "UNKNOWN_JOB"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeSubmissionRejected = "SUBMISSION_REJECTED"
	CodeExecutionTimeout   = "EXECUTION_TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the wire envelope.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code, human message and request correlation.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ctxKey int

const requestIDKey ctxKey = 0

// WithRequestID stores the request id for error envelopes.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the stored request id, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WriteError emits the envelope with the given status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := HTTPErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFrom(r.Context()),
		Details:   details,
	}}
	_ = json.NewEncoder(w).Encode(resp)
}

// RespondWithError maps a domain error onto status and code and writes
// the envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	WriteError(w, r, status, code, err.Error(), nil)
}

// Classify maps a domain error to its HTTP status and envelope code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrUnknownKey):
		return http.StatusUnauthorized, CodeUnauthorized

	case errors.Is(err, auth.ErrRevokedKey),
		errors.Is(err, auth.ErrExpiredKey),
		errors.Is(err, auth.ErrNoEntitlement):
		return http.StatusForbidden, CodeForbidden

	case errors.Is(err, auth.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeServiceUnavailable

	case errors.Is(err, ratelimit.ErrRequestQuotaExceeded),
		errors.Is(err, ratelimit.ErrComputeQuotaExceeded),
		errors.Is(err, ratelimit.ErrUsageCountExhausted):
		return http.StatusTooManyRequests, CodeRateLimited

	case errors.Is(err, dispatch.ErrExecutionTimeout):
		return http.StatusGatewayTimeout, CodeExecutionTimeout

	case errors.Is(err, dispatch.ErrSubmissionRejected):
		return http.StatusUnprocessableEntity, CodeSubmissionRejected

	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound, CodeUnknownJob

	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// RateLimitReason names the denial for 429 payloads.
func RateLimitReason(err error) string {
	switch {
	case errors.Is(err, ratelimit.ErrRequestQuotaExceeded):
		return "request_quota_exceeded"
	case errors.Is(err, ratelimit.ErrComputeQuotaExceeded):
		return "compute_quota_exceeded"
	case errors.Is(err, ratelimit.ErrUsageCountExhausted):
		return "usage_count_exhausted"
	default:
		return "rate_limited"
	}
}

package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/quantumhub/execgate/internal/errors"
)

// Recovery converts panics into a 500 envelope instead of a dropped
// connection.
func Recovery(logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", apperrors.RequestIDFrom(r.Context())))
				apperrors.WriteError(w, r, http.StatusInternalServerError,
					apperrors.CodeInternalError,
					fmt.Sprintf("panic: %v", rec), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

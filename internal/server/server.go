// Package server wires the HTTP surface: router, middleware chain and
// endpoint registration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/quantumhub/execgate/internal/errors"
	"github.com/quantumhub/execgate/internal/server/handlers"
	"github.com/quantumhub/execgate/internal/server/middleware"
	"github.com/quantumhub/execgate/pkg/auth"
	"github.com/quantumhub/execgate/pkg/backend"
	"github.com/quantumhub/execgate/pkg/dispatch"
	"github.com/quantumhub/execgate/pkg/job"
	"github.com/quantumhub/execgate/pkg/ratelimit"
)

// Deps are the server's wired dependencies.
type Deps struct {
	Validator  *auth.Validator
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Jobs       job.Store
	Registry   *backend.Registry
	Logger     *zap.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the HTTP front end.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	logger *zap.Logger
}

func New(host string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{host: host, port: port, logger: logger}
	s.router = buildRouter(deps, logger)
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.router,
		ReadTimeout:  deps.ReadTimeout,
		WriteTimeout: deps.WriteTimeout,
		IdleTimeout:  deps.IdleTimeout,
	}
	return s
}

func buildRouter(deps Deps, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return middleware.Logging(logger, next) })
	r.Use(func(next http.Handler) http.Handler { return middleware.Recovery(logger, next) })

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, http.StatusNotFound, apperrors.CodeNotFound, "resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed, "method not allowed", nil)
	})

	r.Get("/health", handlers.Health)
	r.Get("/health/live", handlers.HealthLive)
	r.Get("/health/ready", handlers.HealthReady)
	r.Get("/version", handlers.VersionInfo)

	if deps.Registry != nil {
		devices := handlers.NewDevicesHandler(deps.Registry)
		r.Get("/platforms", devices.Platforms)
		r.Get("/platforms/{platform}/devices", devices.Devices)
	}

	if deps.Validator != nil && deps.Dispatcher != nil {
		jobs := handlers.NewJobsHandler(deps.Limiter, deps.Dispatcher, deps.Jobs, logger)
		r.Route("/jobs", func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return middleware.Auth(deps.Validator, next) })
			r.Post("/", jobs.Submit)
			r.Get("/{id}", jobs.Get)
			r.Get("/{id}/result", jobs.GetResult)
			r.Delete("/{id}", jobs.Cancel)
		})
	}

	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Start serves until the context is cancelled, then drains with the
// given shutdown timeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

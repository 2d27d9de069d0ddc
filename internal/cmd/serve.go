package cmd

import (
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantumhub/execgate/internal/config"
	"github.com/quantumhub/execgate/internal/observability"
	"github.com/quantumhub/execgate/internal/server"
	"github.com/quantumhub/execgate/internal/server/handlers"
	"github.com/quantumhub/execgate/pkg/archive"
	s3archive "github.com/quantumhub/execgate/pkg/archive/s3"
	"github.com/quantumhub/execgate/pkg/auth"
	"github.com/quantumhub/execgate/pkg/backend"
	"github.com/quantumhub/execgate/pkg/backend/simulator"
	"github.com/quantumhub/execgate/pkg/dispatch"
	"github.com/quantumhub/execgate/pkg/ratelimit"
	"github.com/quantumhub/execgate/pkg/sqlstore"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission gateway HTTP server",
	Long: `Run the HTTP gateway: authenticate credentials, admit jobs against
their key's rate-limit class, dispatch them to execution backends and
serve job status, results and cancellation.

Examples:
  execgate serve --config gateway.yaml
  execgate serve --port 9090
  EXECGATE_AUTH_JWT_SECRET=... execgate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	overrides := map[string]any{}
	if serveHost != "" {
		overrides["server.host"] = serveHost
	}
	if servePort != 0 {
		overrides["server.port"] = servePort
	}

	cfg, err := config.Load(ctx, cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing JWT secret",
			errors.New("set auth.jwt_secret or EXECGATE_AUTH_JWT_SECRET"))
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := sqlstore.Open(ctx, sqlstore.Config{Path: cfg.Store.Path})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open store", err)
	}
	defer func() { _ = db.Close() }()

	keys := sqlstore.NewKeyStore(db)
	jobs := sqlstore.NewJobStore(db)

	registry := backend.NewRegistry()
	registry.RegisterPlatform("simulator", simulator.New(simulator.Config{
		QueueLatency: 25 * time.Millisecond,
		ExecLatency:  100 * time.Millisecond,
	}), simulator.Devices())

	var archiver archive.Archiver = archive.Nop{}
	if cfg.Archive.Enabled {
		s3a, err := s3archive.New(ctx, s3archive.Config{
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize result archive", err)
		}
		archiver = s3a
		logger.Info("result archiving enabled",
			zap.String("bucket", cfg.Archive.Bucket),
			zap.String("prefix", cfg.Archive.Prefix))
	}

	dispatcher := dispatch.New(dispatch.Config{
		BlockingCeiling:  cfg.Dispatch.BlockingCeiling,
		ExecutionCeiling: cfg.Dispatch.ExecutionCeiling,
		PollInterval:     cfg.Dispatch.PollInterval,
		SubmitRetries:    cfg.Dispatch.SubmitRetries,
	}, registry, jobs, archiver, logger)
	defer dispatcher.Close()

	signer := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	validator := auth.NewValidator(signer, keys, logger)
	limiter := ratelimit.New(keys)

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
		Validator:    validator,
		Limiter:      limiter,
		Dispatcher:   dispatcher,
		Jobs:         jobs,
		Registry:     registry,
		Logger:       logger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	handlers.SetReady(true)
	defer handlers.SetReady(false)

	if err := srv.Start(ctx, cfg.Server.ShutdownTimeout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server terminated", err)
	}
	return nil
}

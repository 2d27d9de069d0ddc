// Package cmd implements the execgate command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumhub/execgate/internal/observability"
	"github.com/quantumhub/execgate/internal/server/handlers"
)

var (
	cfgFile  string
	logLevel string
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected via -ldflags and
// mirrors it into the /version handler.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.Version = version
	handlers.Commit = commit
	handlers.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "execgate",
	Short: "Credential-gated admission gateway for quantum execution jobs",
	Long: `execgate fronts quantum execution backends with an admission pipeline:
subscription keys, per-key rate-limit classes, compute-second budgets and
usage counts gate every job before it reaches a device.

The serve command runs the HTTP gateway; keys manages subscription keys
in the gateway's store; submit sends a job manifest to a running gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		observability.SetCLILogLevel(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "CLI log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

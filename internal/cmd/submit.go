package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quantumhub/execgate/internal/observability"
)

var (
	submitManifest string
	submitServer   string
	submitAPIKey   string
	submitToken    string
	submitTimeout  time.Duration
)

// jobManifest is the YAML job description accepted by submit.
type jobManifest struct {
	Platform string   `yaml:"platform"`
	DeviceID string   `yaml:"device_id"`
	RunMode  string   `yaml:"run_mode"`
	Shots    int      `yaml:"shots"`
	Input    any      `yaml:"input"`
	Tags     []string `yaml:"tags"`
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job manifest to a running gateway",
	Long: `Submit a YAML job manifest to a gateway over HTTP and print the
response. Blocking manifests hold the request open until the job
finishes or the gateway's blocking ceiling elapses.

Manifest:
  platform: simulator
  device_id: sim-30q
  run_mode: blocking
  shots: 2048
  input:
    circuit: "h q[0]; cx q[0],q[1]; measure"

Examples:
  execgate submit --job bell.yaml --api-key qh_...
  execgate submit --job bell.yaml --token "$(execgate token --user u-123)"`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVarP(&submitManifest, "job", "j", "", "path to the job manifest")
	submitCmd.Flags().StringVar(&submitServer, "server", "http://localhost:8080", "gateway base URL")
	submitCmd.Flags().StringVar(&submitAPIKey, "api-key", "", "subscription key value")
	submitCmd.Flags().StringVar(&submitToken, "token", "", "session token (takes precedence over --api-key)")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 60*time.Second, "HTTP request timeout")
	_ = submitCmd.MarkFlagRequired("job")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	if submitAPIKey == "" && submitToken == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing credential",
			errors.New("pass --api-key or --token"))
	}

	raw, err := os.ReadFile(submitManifest)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job manifest", err)
	}
	var manifest jobManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job manifest", err)
	}

	payload := map[string]any{
		"platform":  manifest.Platform,
		"device_id": manifest.DeviceID,
	}
	if manifest.RunMode != "" {
		payload["run_mode"] = manifest.RunMode
	}
	if manifest.Shots > 0 {
		payload["shots"] = manifest.Shots
	}
	if manifest.Input != nil {
		payload["input"] = manifest.Input
	}
	if len(manifest.Tags) > 0 {
		payload["tags"] = manifest.Tags
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job manifest", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, submitServer+"/jobs", bytes.NewReader(body))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if submitToken != "" {
		req.Header.Set("Authorization", "Bearer "+submitToken)
	} else {
		req.Header.Set("X-API-Key", submitAPIKey)
	}

	observability.CLILogger.Debug("submitting job",
		zap.String("server", submitServer),
		zap.String("platform", manifest.Platform),
		zap.String("device_id", manifest.DeviceID))

	client := &http.Client{Timeout: submitTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to reach gateway", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read gateway response", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err == nil {
		respBody = pretty.Bytes()
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(respBody))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return exitError(foundry.ExitExternalServiceUnavailable, "Submission failed",
			fmt.Errorf("gateway returned %s", resp.Status))
	default:
		return exitError(foundry.ExitInvalidArgument, "Submission rejected",
			fmt.Errorf("gateway returned %s", resp.Status))
	}
}

package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/quantumhub/execgate/internal/config"
	"github.com/quantumhub/execgate/pkg/auth"
)

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for a user",
	Long: `Mint a short-lived session token signed with the gateway's JWT
secret. The gateway resolves the token to the user's active subscription
key on each request.

Example:
  execgate token --user u-123 --config gateway.yaml`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to mint the token for")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Context(), cfgFile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing JWT secret",
			errors.New("set auth.jwt_secret or EXECGATE_AUTH_JWT_SECRET"))
	}

	signer := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	token, err := signer.Mint(tokenUser)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to mint token", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quantumhub/execgate/internal/config"
	"github.com/quantumhub/execgate/pkg/entitlement"
	"github.com/quantumhub/execgate/pkg/ratelimit"
	"github.com/quantumhub/execgate/pkg/sqlstore"
)

var (
	keyName         string
	keyUser         string
	keySubscription string
	keyClass        string
	keyUsageLimit   int64
	keyExpiresDays  int
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage subscription keys in the gateway store",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a subscription key",
	Long: `Mint a subscription key and print it as JSON. The secret value is
only shown here; store it safely.

Examples:
  execgate keys create --name ci --user u-123 --class "10/min"
  execgate keys create --name trial --user u-456 --class "5/min;compute=120s/min" --usage-limit 50 --expires-days 30`,
	RunE: runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscription keys",
	RunE:  runKeysList,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a subscription key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd)

	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "human-readable key name")
	keysCreateCmd.Flags().StringVar(&keyUser, "user", "", "owning user id (a subscription is created for it)")
	keysCreateCmd.Flags().StringVar(&keySubscription, "subscription", "", "attach to an existing subscription instead")
	keysCreateCmd.Flags().StringVar(&keyClass, "class", "60/min", "rate-limit class, e.g. \"10/min\" or \"10/min;compute=300s/min\"")
	keysCreateCmd.Flags().Int64Var(&keyUsageLimit, "usage-limit", 0, "total admitted jobs allowed (0 = unlimited)")
	keysCreateCmd.Flags().IntVar(&keyExpiresDays, "expires-days", 0, "days until expiry (0 = never)")
	_ = keysCreateCmd.MarkFlagRequired("name")
}

// openKeyStore opens the configured database for key management.
func openKeyStore(ctx context.Context) (*sql.DB, *sqlstore.KeyStore, error) {
	cfg, err := config.Load(ctx, cfgFile)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if cfg.Store.Path == ":memory:" {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Key management needs a persistent store",
			errors.New("store.path is \":memory:\"; point --config at the gateway's database"))
	}
	db, err := sqlstore.Open(ctx, sqlstore.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open store", err)
	}
	return db, sqlstore.NewKeyStore(db), nil
}

func runKeysCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if _, err := ratelimit.ParseClass(keyClass); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --class value", err)
	}
	if keySubscription == "" && keyUser == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing owner",
			errors.New("pass --user to create a subscription or --subscription to reuse one"))
	}

	db, store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	subID := keySubscription
	if subID == "" {
		sub := &entitlement.Subscription{
			ID:        uuid.NewString(),
			UserID:    keyUser,
			Status:    entitlement.StatusActive,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateSubscription(ctx, sub); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to create subscription", err)
		}
		subID = sub.ID
	} else if _, err := store.GetSubscription(ctx, subID); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown subscription", err)
	}

	key := &entitlement.Key{
		ID:             uuid.NewString(),
		SubscriptionID: subID,
		Name:           keyName,
		Value:          entitlement.NewKeyValue(),
		RateLimitClass: keyClass,
		Status:         entitlement.StatusActive,
		ExpiresAt:      entitlement.CalculateExpiry(keyExpiresDays),
		CreatedAt:      time.Now().UTC(),
	}
	if keyUsageLimit > 0 {
		limit := keyUsageLimit
		key.RemainingUsageCount = &limit
	}
	if err := store.CreateKey(ctx, key); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to create key", err)
	}

	out, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to encode key", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runKeysList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	db, store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	keys, err := store.ListKeys(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list keys", err)
	}

	// Secret values stay out of listings.
	type row struct {
		ID             string  `json:"id"`
		Name           string  `json:"name"`
		SubscriptionID string  `json:"subscription_id"`
		RateLimitClass string  `json:"rate_limit_class"`
		Remaining      *int64  `json:"remaining_usage_count,omitempty"`
		Status         string  `json:"status"`
		ExpiresAt      *string `json:"expires_at,omitempty"`
	}
	rows := make([]row, 0, len(keys))
	for _, k := range keys {
		r := row{
			ID:             k.ID,
			Name:           k.Name,
			SubscriptionID: k.SubscriptionID,
			RateLimitClass: k.RateLimitClass,
			Remaining:      k.RemainingUsageCount,
			Status:         string(k.Status),
		}
		if k.ExpiresAt != nil {
			s := k.ExpiresAt.UTC().Format(time.RFC3339)
			r.ExpiresAt = &s
		}
		rows = append(rows, r)
	}

	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to encode keys", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := store.Revoke(ctx, args[0]); err != nil {
		if errors.Is(err, entitlement.ErrKeyNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown key", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to revoke key", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "key %s revoked\n", args[0])
	return nil
}

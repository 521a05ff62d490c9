// rpc-admin provisions API keys in the Redis store used by the proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rpcfleet/rpc_router/internal/keystore"
)

var rootFlags struct {
	redisURL string
}

var createFlags struct {
	rateLimit int
	key       string
	expiresAt int64
}

var updateFlags struct {
	rateLimit int
	owner     string
	active    string
}

var rootCmd = &cobra.Command{
	Use:          "rpc-admin",
	Short:        "Manage API keys for rpc_router",
	SilenceUsage: true,
}

var createCmd = &cobra.Command{
	Use:   "create <owner>",
	Short: "Create a new API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()

		owner := args[0]
		key := createFlags.key
		if key == "" {
			key = strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		ctx := cmd.Context()
		exists, err := client.Exists(ctx, keystore.RecordKey(key)).Result()
		if err != nil {
			return fmt.Errorf("check key: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("key %s already exists", key)
		}

		pipe := client.TxPipeline()
		pipe.HSet(ctx, keystore.RecordKey(key),
			"owner", owner,
			"rate_limit_rps", createFlags.rateLimit,
			"active", "true",
			"created_at", time.Now().Unix(),
		)
		if cmd.Flags().Changed("expires-at") {
			pipe.HSet(ctx, keystore.RecordKey(key), "expires_at", createFlags.expiresAt)
		}
		pipe.SAdd(ctx, keystore.OwnerKey(owner), key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("create key: %w", err)
		}

		fmt.Printf("Created API key for %s (rate_limit_rps=%d):\n%s\n", owner, createFlags.rateLimit, key)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <key>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()

		key := args[0]
		ctx := cmd.Context()

		owner, err := client.HGet(ctx, keystore.RecordKey(key), "owner").Result()
		if err == goredis.Nil {
			return fmt.Errorf("key %s not found", key)
		}
		if err != nil {
			return fmt.Errorf("fetch key: %w", err)
		}

		pipe := client.TxPipeline()
		pipe.Del(ctx, keystore.RecordKey(key))
		pipe.SRem(ctx, keystore.OwnerKey(owner), key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("revoke key: %w", err)
		}

		fmt.Printf("Revoked key %s (owner %s)\n", key, owner)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <key>",
	Short: "Update an existing API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()

		key := args[0]
		ctx := cmd.Context()

		currentOwner, err := client.HGet(ctx, keystore.RecordKey(key), "owner").Result()
		if err == goredis.Nil {
			return fmt.Errorf("key %s not found", key)
		}
		if err != nil {
			return fmt.Errorf("fetch key: %w", err)
		}

		fields := make(map[string]any)
		if cmd.Flags().Changed("rate-limit") {
			fields["rate_limit_rps"] = updateFlags.rateLimit
		}
		if cmd.Flags().Changed("owner") {
			fields["owner"] = updateFlags.owner
		}
		if cmd.Flags().Changed("active") {
			active, err := strconv.ParseBool(updateFlags.active)
			if err != nil {
				return fmt.Errorf("invalid --active value %q", updateFlags.active)
			}
			fields["active"] = strconv.FormatBool(active)
		}
		if len(fields) == 0 {
			return fmt.Errorf("nothing to update; pass --rate-limit, --owner, or --active")
		}

		pipe := client.TxPipeline()
		pipe.HSet(ctx, keystore.RecordKey(key), fields)
		if newOwner, ok := fields["owner"].(string); ok && newOwner != currentOwner {
			pipe.SRem(ctx, keystore.OwnerKey(currentOwner), key)
			pipe.SAdd(ctx, keystore.OwnerKey(newOwner), key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("update key: %w", err)
		}

		fmt.Printf("Updated key %s\n", key)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all API keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		var keys []string
		iter := client.Scan(ctx, 0, keystore.RecordKey("*"), 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, strings.TrimPrefix(iter.Val(), keystore.RecordKey("")))
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan keys: %w", err)
		}
		sort.Strings(keys)

		for _, key := range keys {
			fields, err := client.HGetAll(ctx, keystore.RecordKey(key)).Result()
			if err != nil {
				return fmt.Errorf("fetch key %s: %w", key, err)
			}
			fmt.Printf("%s  owner=%s  rate_limit_rps=%s  active=%s\n",
				key, fields["owner"], fields["rate_limit_rps"], fields["active"])
		}
		fmt.Printf("%d key(s)\n", len(keys))
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <key>",
	Short: "Inspect an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()

		key := args[0]
		fields, err := client.HGetAll(cmd.Context(), keystore.RecordKey(key)).Result()
		if err != nil {
			return fmt.Errorf("fetch key: %w", err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("key %s not found", key)
		}

		fmt.Printf("key:            %s\n", key)
		fmt.Printf("owner:          %s\n", fields["owner"])
		fmt.Printf("rate_limit_rps: %s\n", fields["rate_limit_rps"])
		fmt.Printf("active:         %s\n", fields["active"])
		if raw := fields["created_at"]; raw != "" {
			if createdAt, err := strconv.ParseInt(raw, 10, 64); err == nil {
				fmt.Printf("created_at:     %s\n", time.Unix(createdAt, 0).UTC().Format(time.RFC3339))
			}
		}
		if raw := fields["expires_at"]; raw != "" {
			if expiresAt, err := strconv.ParseInt(raw, 10, 64); err == nil {
				fmt.Printf("expires_at:     %s\n", time.Unix(expiresAt, 0).UTC().Format(time.RFC3339))
			}
		}
		return nil
	},
}

func connect() (*goredis.Client, error) {
	opts, err := goredis.ParseURL(rootFlags.redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func main() {
	// Optional .env for local development; REDIS_URL there or in the
	// environment overrides the flag default.
	_ = godotenv.Load()

	defaultRedisURL := os.Getenv("REDIS_URL")
	if defaultRedisURL == "" {
		defaultRedisURL = "redis://127.0.0.1:6379"
	}

	rootCmd.PersistentFlags().StringVar(&rootFlags.redisURL, "redis-url", defaultRedisURL, "Redis connection URL")

	createCmd.Flags().IntVar(&createFlags.rateLimit, "rate-limit", 10, "Rate limit (requests per second, 0 = unlimited)")
	createCmd.Flags().StringVar(&createFlags.key, "key", "", "Custom API key value (auto-generated if omitted)")
	createCmd.Flags().Int64Var(&createFlags.expiresAt, "expires-at", 0, "Expiration timestamp, unix seconds (optional)")

	updateCmd.Flags().IntVar(&updateFlags.rateLimit, "rate-limit", 0, "New rate limit (requests per second)")
	updateCmd.Flags().StringVar(&updateFlags.owner, "owner", "", "New owner name")
	updateCmd.Flags().StringVar(&updateFlags.active, "active", "", "Activate (true) or deactivate (false)")

	rootCmd.AddCommand(createCmd, revokeCmd, updateCmd, listCmd, inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

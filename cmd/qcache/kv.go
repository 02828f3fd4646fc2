package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/qcache/internal/cache"
	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/provider"
)

// openProvider connects straight to Redis, bypassing the daemon.
func openProvider(ctx context.Context) (*provider.Provider, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rc := cache.NewRedisCache(cache.RedisCacheConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		KeyPrefix:   cfg.Redis.KeyPrefix,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	client := cache.NewClient(rc, cache.ClientConfig{Name: "redis", OpTimeout: cfg.Redis.OpTimeout})
	return provider.New(client, codec.New(codec.NewRegistry())), func() { client.Close() }, nil
}

// parseValue accepts JSON and falls back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write plain cache keys in Redis",
	}
	cmd.AddCommand(kvGetCmd(), kvSetCmd(), kvDelCmd())
	return cmd
}

func kvGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a cached value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeFn, err := openProvider(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			v, ok := p.Get(cmd.Context(), args[0], "")
			if !ok {
				return fmt.Errorf("key not found: %s", args[0])
			}
			out, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func kvSetCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value (JSON or plain string)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeFn, err := openProvider(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			p.AddWithExactLifetime(cmd.Context(), args[0], parseValue(args[1]), "", ttl)
			if !p.Contains(cmd.Context(), args[0]) {
				return fmt.Errorf("value for %s was not stored", args[0])
			}
			fmt.Printf("Stored %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expire the key after this duration (0 keeps it)")
	return cmd
}

func kvDelCmd() *cobra.Command {
	var pattern bool

	cmd := &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key, or every key containing a substring with --pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeFn, err := openProvider(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if pattern {
				n := p.RemoveKeyWithPattern(cmd.Context(), args[0])
				fmt.Printf("Deleted %d keys\n", n)
				return nil
			}
			p.Remove(cmd.Context(), args[0])
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&pattern, "pattern", false, "Treat the argument as a substring pattern")
	return cmd
}

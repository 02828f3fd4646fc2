package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oriys/qcache/internal/config"
)

var (
	configPath string
	redisAddr  string
	pgDSN      string
	adminAddr  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qcache",
		Short: "qcache - TTL-bounded query result cache on Redis",
		Long:  "Runs and operates the query result cache: stores, eviction sweeps, restore and reload of cached queries",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&pgDSN, "postgres", "", "Postgres DSN for the metadata repository (overrides config)")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "http://localhost:9464", "Daemon admin API base URL")

	rootCmd.AddCommand(
		daemonCmd(),
		configCmd(),
		storesCmd(),
		entryCmd(),
		evictCmd(),
		reloadCmd(),
		restoreCmd(),
		clearCmd(),
		kvCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyOverrides applies the connection flags on top of a loaded config.
func applyOverrides(cfg *config.Config) {
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if pgDSN != "" {
		cfg.Postgres.DSN = pgDSN
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, nil
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

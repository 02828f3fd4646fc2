// Package config loads qcache configuration from a YAML/JSON/TOML file and
// QCACHE_* environment variables, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/qcache/internal/cachestore"
	"github.com/oriys/qcache/internal/circuitbreaker"
	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/observability"
	"github.com/oriys/qcache/internal/worker"
)

// RedisConfig holds the remote store connection settings.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	// L1TTL enables a process-local tier in front of Redis when positive.
	L1TTL time.Duration `mapstructure:"l1_ttl" yaml:"l1_ttl"`
	// Invalidation broadcasts removals to peers' local tiers.
	Invalidation bool                  `mapstructure:"invalidation" yaml:"invalidation"`
	Breaker      circuitbreaker.Config `mapstructure:"breaker" yaml:"breaker"`
}

// PostgresConfig configures the metadata repository. An empty DSN keeps
// metadata in memory.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// StoreConfig is the runtime-adjustable part of one cache type.
type StoreConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Settings converts to the store's settings.
func (s StoreConfig) Settings() cachestore.Settings {
	return cachestore.Settings{Enabled: s.Enabled, TTL: s.TTL}
}

type CacheConfig struct {
	Data   StoreConfig `mapstructure:"data" yaml:"data"`
	System StoreConfig `mapstructure:"system" yaml:"system"`
}

type EvictionConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type ReloadConfig struct {
	Schedule       string        `mapstructure:"schedule" yaml:"schedule"`
	Deadline       time.Duration `mapstructure:"deadline" yaml:"deadline"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	RestoreOnStart bool          `mapstructure:"restore_on_start" yaml:"restore_on_start"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

type DaemonConfig struct {
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
}

type LoggingConfig struct {
	Level  string             `mapstructure:"level" yaml:"level"`
	Format string             `mapstructure:"format" yaml:"format"`
	File   logging.FileConfig `mapstructure:"file" yaml:"file"`
}

// Config is the root configuration.
type Config struct {
	Redis         RedisConfig          `mapstructure:"redis" yaml:"redis"`
	Postgres      PostgresConfig       `mapstructure:"postgres" yaml:"postgres"`
	Cache         CacheConfig          `mapstructure:"cache" yaml:"cache"`
	Eviction      EvictionConfig       `mapstructure:"eviction" yaml:"eviction"`
	Reload        ReloadConfig         `mapstructure:"reload" yaml:"reload"`
	Workers       worker.Config        `mapstructure:"workers" yaml:"workers"`
	Metrics       MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
	Daemon        DaemonConfig         `mapstructure:"daemon" yaml:"daemon"`
	Logging       LoggingConfig        `mapstructure:"logging" yaml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			KeyPrefix:   "qcache:",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
			OpTimeout:   2 * time.Second,
			Breaker: circuitbreaker.Config{
				FailureThreshold: 5,
				OpenDuration:     30 * time.Second,
			},
		},
		Cache: CacheConfig{
			Data:   StoreConfig{Enabled: true, TTL: 10 * time.Minute},
			System: StoreConfig{Enabled: true, TTL: 30 * time.Minute},
		},
		Eviction: EvictionConfig{Interval: time.Minute},
		Reload: ReloadConfig{
			Schedule:       "",
			Deadline:       5 * time.Minute,
			QueryTimeout:   30 * time.Second,
			RestoreOnStart: true,
		},
		Workers: worker.Config{Workers: 2, QueueSize: 64, JobTimeout: 10 * time.Minute},
		Metrics: MetricsConfig{Enabled: true, Namespace: "qcache"},
		Observability: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "qcache",
			SampleRate:  1.0,
		},
		Daemon: DaemonConfig{HTTPAddr: ":9464"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Store returns the settings section for cacheType.
func (c *Config) Store(cacheType metadata.CacheType) (StoreConfig, error) {
	switch cacheType {
	case metadata.DataCache:
		return c.Cache.Data, nil
	case metadata.SystemCache:
		return c.Cache.System, nil
	default:
		return StoreConfig{}, fmt.Errorf("unknown cache type %q", cacheType)
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Redis.OpTimeout < 0 {
		errs = append(errs, errors.New("redis.op_timeout must not be negative"))
	}
	if c.Redis.Breaker.FailureThreshold < 0 {
		errs = append(errs, errors.New("redis.breaker.failure_threshold must not be negative"))
	}
	if c.Redis.Breaker.FailureThreshold > 0 && c.Redis.Breaker.OpenDuration <= 0 {
		errs = append(errs, errors.New("redis.breaker.open_duration must be positive when the breaker is enabled"))
	}
	for name, s := range map[string]StoreConfig{"cache.data": c.Cache.Data, "cache.system": c.Cache.System} {
		if s.TTL < 0 {
			errs = append(errs, fmt.Errorf("%s.ttl must not be negative", name))
		}
	}
	if c.Eviction.Interval < 0 {
		errs = append(errs, errors.New("eviction.interval must not be negative"))
	}
	if c.Eviction.Interval > 0 && c.Eviction.Interval < time.Second {
		errs = append(errs, errors.New("eviction.interval must be at least 1s"))
	}
	if c.Reload.Schedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Reload.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reload.schedule: %w", err))
		}
	}
	if c.Reload.Deadline < 0 {
		errs = append(errs, errors.New("reload.deadline must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, errors.New("observability.sample_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

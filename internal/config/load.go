package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/oriys/qcache/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. QCACHE_REDIS_ADDR.
const EnvPrefix = "QCACHE"

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			v.SetConfigType(ext)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return v
}

// setDefaults registers every key so that AutomaticEnv can override keys the
// file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.op_timeout", d.Redis.OpTimeout)
	v.SetDefault("redis.l1_ttl", d.Redis.L1TTL)
	v.SetDefault("redis.invalidation", d.Redis.Invalidation)
	v.SetDefault("redis.breaker.failure_threshold", d.Redis.Breaker.FailureThreshold)
	v.SetDefault("redis.breaker.open_duration", d.Redis.Breaker.OpenDuration)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)

	v.SetDefault("cache.data.enabled", d.Cache.Data.Enabled)
	v.SetDefault("cache.data.ttl", d.Cache.Data.TTL)
	v.SetDefault("cache.system.enabled", d.Cache.System.Enabled)
	v.SetDefault("cache.system.ttl", d.Cache.System.TTL)

	v.SetDefault("eviction.interval", d.Eviction.Interval)

	v.SetDefault("reload.schedule", d.Reload.Schedule)
	v.SetDefault("reload.deadline", d.Reload.Deadline)
	v.SetDefault("reload.query_timeout", d.Reload.QueryTimeout)
	v.SetDefault("reload.restore_on_start", d.Reload.RestoreOnStart)

	v.SetDefault("workers.workers", d.Workers.Workers)
	v.SetDefault("workers.queue_size", d.Workers.QueueSize)
	v.SetDefault("workers.job_timeout", d.Workers.JobTimeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("observability.enabled", d.Observability.Enabled)
	v.SetDefault("observability.exporter", d.Observability.Exporter)
	v.SetDefault("observability.endpoint", d.Observability.Endpoint)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
	v.SetDefault("observability.sample_rate", d.Observability.SampleRate)

	v.SetDefault("daemon.http_addr", d.Daemon.HTTPAddr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file.path", d.Logging.File.Path)
	v.SetDefault("logging.file.max_size_mb", d.Logging.File.MaxSizeMB)
	v.SetDefault("logging.file.max_backups", d.Logging.File.MaxBackups)
	v.SetDefault("logging.file.max_age_days", d.Logging.File.MaxAgeDays)
	v.SetDefault("logging.file.compress", d.Logging.File.Compress)
}

func read(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
	}
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load reads path (optional) and the environment. An empty path uses
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	return read(newViper(path), path)
}

// Watcher holds the current configuration and notifies subscribers when the
// file changes. Invalid edits are logged and ignored.
type Watcher struct {
	v           *viper.Viper
	path        string
	mu          sync.RWMutex
	current     *Config
	subscribers []func(*Config)
}

// NewWatcher loads path and returns a watcher. Call Start to begin watching.
func NewWatcher(path string) (*Watcher, error) {
	v := newViper(path)
	cfg, err := read(v, path)
	if err != nil {
		return nil, err
	}
	return &Watcher{v: v, path: path, current: cfg}, nil
}

// Start begins watching the file. It is a no-op without a file.
func (w *Watcher) Start() {
	if w.path == "" {
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		logging.Op().Info("config file changed", "file", e.Name, "op", e.Op.String())
		if err := w.apply(); err != nil {
			logging.Op().Warn("ignoring config change", "file", e.Name, "error", err)
		}
	})
	w.v.WatchConfig()
}

// Reload re-reads the file immediately.
func (w *Watcher) Reload() error {
	if w.path != "" {
		if err := w.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", w.path, err)
		}
	}
	return w.apply()
}

func (w *Watcher) apply() error {
	cfg := DefaultConfig()
	if err := w.v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	w.mu.Lock()
	w.current = cfg
	subscribers := make([]func(*Config), len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, fn := range subscribers {
		fn(cfg)
	}
	return nil
}

// Subscribe registers fn to receive every accepted configuration.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Current returns the latest accepted configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

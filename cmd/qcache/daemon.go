package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/qcache/internal/api"
	"github.com/oriys/qcache/internal/cache"
	"github.com/oriys/qcache/internal/cachestore"
	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/config"
	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/metrics"
	"github.com/oriys/qcache/internal/observability"
	"github.com/oriys/qcache/internal/replay"
	"github.com/oriys/qcache/internal/scheduler"
	"github.com/oriys/qcache/internal/worker"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the cache stores, scheduler and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			watcher, err := config.NewWatcher(configPath)
			if err != nil {
				return err
			}
			cfg := watcher.Current()
			applyOverrides(cfg)
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			logCloser := logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.File)
			defer logCloser.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Observability); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
			}

			d, err := startDaemon(ctx, cfg)
			if err != nil {
				return err
			}

			watcher.Subscribe(func(next *config.Config) {
				logging.SetLevelFromString(next.Logging.Level)
				d.reconfigure(ctx, next)
			})
			watcher.Start()

			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Stores:    d.stores,
				Scheduler: d.scheduler,
				Health:    d.client.Ping,
				Config:    watcher.Current,
			})

			<-ctx.Done()
			logging.Op().Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("HTTP server shutdown", "error", err)
			}
			d.shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Admin HTTP address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}

// daemon holds everything started by the daemon command.
type daemon struct {
	client      *cache.Client
	invalidator *cache.Invalidator
	repo        metadata.Repository
	stores      map[metadata.CacheType]*cachestore.Store
	replayers   map[metadata.CacheType]*replay.Coordinator
	pool        *worker.Pool
	scheduler   *scheduler.Scheduler
}

func openRemote(ctx context.Context, cfg *config.Config) (*cache.Client, *cache.Invalidator, error) {
	rc := cache.NewRedisCache(cache.RedisCacheConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		KeyPrefix:   cfg.Redis.KeyPrefix,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	var backend cache.Cache = rc
	var inv *cache.Invalidator
	if cfg.Redis.L1TTL > 0 {
		tiered := cache.NewTieredCache(cache.NewInMemoryCache(), rc, cfg.Redis.L1TTL)
		if cfg.Redis.Invalidation {
			inv = cache.NewInvalidator(tiered.L1(), rc.Client())
			tiered.SetPublisher(inv)
			go inv.Start(ctx)
		}
		backend = tiered
		logging.Op().Info("local cache tier enabled", "l1_ttl", cfg.Redis.L1TTL, "invalidation", cfg.Redis.Invalidation)
	}

	client := cache.NewClient(backend, cache.ClientConfig{
		Name:      "redis",
		OpTimeout: cfg.Redis.OpTimeout,
		Breaker:   cfg.Redis.Breaker,
	})
	return client, inv, nil
}

func startDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	client, inv, err := openRemote(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d := &daemon{
		client:      client,
		invalidator: inv,
		stores:      make(map[metadata.CacheType]*cachestore.Store),
		replayers:   make(map[metadata.CacheType]*replay.Coordinator),
	}

	var pgRepo *metadata.PostgresRepository
	if cfg.Postgres.DSN != "" {
		pgRepo, err = metadata.NewPostgresRepository(ctx, cfg.Postgres.DSN)
		if err != nil {
			client.Close()
			return nil, err
		}
		d.repo = pgRepo
	} else {
		logging.Op().Warn("no postgres DSN configured, cache metadata will not survive a restart")
		d.repo = metadata.NewMemoryRepository()
	}

	cdc := codec.New(codec.NewRegistry())
	for _, tc := range cachestore.BuiltinTypes() {
		sc, err := cfg.Store(tc.Type)
		if err != nil {
			d.shutdown(ctx)
			return nil, err
		}
		s, err := cachestore.New(tc, client, cdc, sc.Settings(), cachestore.WithRepository(d.repo))
		if err != nil {
			d.shutdown(ctx)
			return nil, err
		}
		n, err := s.LoadIndex(ctx)
		if err != nil {
			logging.Op().Warn("failed to load cache metadata", "cache_type", tc.Type, "error", err)
		}
		logging.Op().Info("cache store ready", "cache_type", tc.Type, "enabled", s.Enabled(), "ttl", s.TimeToLive(), "entries", n)

		coord := replay.New(s, replay.WithQueryTimeout(cfg.Reload.QueryTimeout))
		if pgRepo != nil {
			coord.RegisterAdaptor(replay.PostgresServerType, replay.NewPostgresAdaptor(pgRepo.Pool()))
		}
		d.stores[tc.Type] = s
		d.replayers[tc.Type] = coord
	}

	d.pool = worker.New(cfg.Workers)
	d.pool.Start()
	d.scheduler = scheduler.New(d.pool)
	if err := d.register(cfg); err != nil {
		d.shutdown(ctx)
		return nil, err
	}
	d.scheduler.Start(ctx)
	return d, nil
}

func (d *daemon) register(cfg *config.Config) error {
	for _, tc := range cachestore.BuiltinTypes() {
		err := d.scheduler.Register(scheduler.Target{
			Store:            d.stores[tc.Type],
			Replayer:         d.replayers[tc.Type],
			EvictionInterval: cfg.Eviction.Interval,
			ReloadSchedule:   cfg.Reload.Schedule,
			ReloadDeadline:   cfg.Reload.Deadline,
			RestoreOnStart:   cfg.Reload.RestoreOnStart,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// reconfigure applies a changed config file to the running stores and
// schedules. Connection settings need a restart.
func (d *daemon) reconfigure(ctx context.Context, cfg *config.Config) {
	for cacheType, s := range d.stores {
		sc, err := cfg.Store(cacheType)
		if err != nil {
			continue
		}
		if err := s.Reconfigure(ctx, sc.Settings()); err != nil {
			logging.Op().Warn("failed to reconfigure cache store", "cache_type", cacheType, "error", err)
		}
	}
	if err := d.register(cfg); err != nil {
		logging.Op().Warn("failed to reschedule cache maintenance", "error", err)
	}
}

func (d *daemon) shutdown(ctx context.Context) {
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.pool != nil {
		if err := d.pool.Stop(ctx); err != nil {
			logging.Op().Warn("worker pool did not drain", "error", err)
		}
	}
	if d.invalidator != nil {
		d.invalidator.Close()
	}
	if d.repo != nil {
		d.repo.Close()
	}
	d.client.Close()
}

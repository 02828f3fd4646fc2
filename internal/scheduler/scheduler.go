// Package scheduler triggers cache maintenance: periodic eviction sweeps,
// cron-driven reloads and a one-off restore at startup. Every run is
// submitted to the worker pool, so triggers never block.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/qcache/internal/cachestore"
	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/replay"
	"github.com/oriys/qcache/internal/worker"
)

// Evictor is the store side of a target. *cachestore.Store satisfies it.
type Evictor interface {
	Type() metadata.CacheType
	Enabled() bool
	ExecuteEviction(ctx context.Context) (cachestore.EvictionReport, error)
}

// Replayer is the replay side of a target. *replay.Coordinator satisfies it.
type Replayer interface {
	RestoreFromMetadata(ctx context.Context) (replay.Report, error)
	ReloadCacheData(ctx context.Context, d time.Duration) (replay.Report, error)
}

// Target describes the maintenance schedule of one store.
type Target struct {
	Store    Evictor
	Replayer Replayer // nil disables restore and reload

	EvictionInterval time.Duration // zero disables periodic eviction
	ReloadSchedule   string        // cron expression, empty disables
	ReloadDeadline   time.Duration
	RestoreOnStart   bool
}

// Scheduler owns the cron entries for every registered target.
type Scheduler struct {
	cron    *cron.Cron
	pool    *worker.Pool
	targets map[metadata.CacheType]*Target
	entries map[string]cron.EntryID // "<type>/<job>" -> cron entry
	mu      sync.Mutex
}

func New(pool *worker.Pool) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		pool:    pool,
		targets: make(map[metadata.CacheType]*Target),
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds or replaces the schedule for t.Store's cache type.
func (s *Scheduler) Register(t Target) error {
	if t.Store == nil {
		return fmt.Errorf("scheduler target requires a store")
	}
	cacheType := t.Store.Type()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(cacheType)
	target := &t
	s.targets[cacheType] = target

	if t.EvictionInterval > 0 {
		spec := "@every " + t.EvictionInterval.String()
		if err := s.addLocked(cacheType, "evict", spec, func() { s.submitEviction(context.Background(), target) }); err != nil {
			return err
		}
	}
	if t.ReloadSchedule != "" && t.Replayer != nil {
		if err := s.addLocked(cacheType, "reload", t.ReloadSchedule, func() { s.submitReload(context.Background(), target) }); err != nil {
			s.removeLocked(cacheType)
			return err
		}
	}
	return nil
}

func (s *Scheduler) addLocked(cacheType metadata.CacheType, job, spec string, fn func()) error {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s %s (%q): %w", cacheType, job, spec, err)
	}
	s.entries[string(cacheType)+"/"+job] = id
	return nil
}

func (s *Scheduler) removeLocked(cacheType metadata.CacheType) {
	for _, job := range []string{"evict", "reload"} {
		key := string(cacheType) + "/" + job
		if id, ok := s.entries[key]; ok {
			s.cron.Remove(id)
			delete(s.entries, key)
		}
	}
	delete(s.targets, cacheType)
}

// Start fires the startup restores and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	targets := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	for _, t := range targets {
		if t.RestoreOnStart && t.Replayer != nil && t.Store.Enabled() {
			if _, err := s.submitRestore(ctx, t); err != nil {
				logging.Op().Warn("failed to submit startup restore", "cache_type", t.Store.Type(), "error", err)
			}
		}
	}

	s.cron.Start()
	logging.Op().Info("scheduler started", "targets", len(targets), "entries", len(s.cron.Entries()))
}

// Stop halts the cron loop and waits for running triggers to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) target(cacheType metadata.CacheType) (*Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[cacheType]
	if !ok {
		return nil, fmt.Errorf("no scheduled store for cache type %q", cacheType)
	}
	return t, nil
}

// TriggerEviction queues an immediate eviction sweep.
func (s *Scheduler) TriggerEviction(ctx context.Context, cacheType metadata.CacheType) (*worker.Job, error) {
	t, err := s.target(cacheType)
	if err != nil {
		return nil, err
	}
	return s.submitEviction(ctx, t)
}

// TriggerReload queues an immediate reload under the target's deadline.
func (s *Scheduler) TriggerReload(ctx context.Context, cacheType metadata.CacheType) (*worker.Job, error) {
	t, err := s.target(cacheType)
	if err != nil {
		return nil, err
	}
	if t.Replayer == nil {
		return nil, fmt.Errorf("cache type %q has no replay coordinator", cacheType)
	}
	return s.submitReload(ctx, t)
}

// TriggerRestore queues a restore from persisted metadata.
func (s *Scheduler) TriggerRestore(ctx context.Context, cacheType metadata.CacheType) (*worker.Job, error) {
	t, err := s.target(cacheType)
	if err != nil {
		return nil, err
	}
	if t.Replayer == nil {
		return nil, fmt.Errorf("cache type %q has no replay coordinator", cacheType)
	}
	return s.submitRestore(ctx, t)
}

func (s *Scheduler) submitEviction(ctx context.Context, t *Target) (*worker.Job, error) {
	job, err := s.pool.Submit(ctx, "evict."+string(t.Store.Type()), func(ctx context.Context) error {
		_, err := t.Store.ExecuteEviction(ctx)
		return err
	})
	if err != nil {
		logging.Op().Warn("eviction not submitted", "cache_type", t.Store.Type(), "error", err)
	}
	return job, err
}

func (s *Scheduler) submitReload(ctx context.Context, t *Target) (*worker.Job, error) {
	job, err := s.pool.Submit(ctx, "reload."+string(t.Store.Type()), func(ctx context.Context) error {
		_, err := t.Replayer.ReloadCacheData(ctx, t.ReloadDeadline)
		return err
	})
	if err != nil {
		logging.Op().Warn("reload not submitted", "cache_type", t.Store.Type(), "error", err)
	}
	return job, err
}

func (s *Scheduler) submitRestore(ctx context.Context, t *Target) (*worker.Job, error) {
	return s.pool.Submit(ctx, "restore."+string(t.Store.Type()), func(ctx context.Context) error {
		_, err := t.Replayer.RestoreFromMetadata(ctx)
		return err
	})
}

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/qcache/internal/cachestore"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/replay"
	"github.com/oriys/qcache/internal/worker"
)

type countingStore struct {
	cacheType metadata.CacheType
	enabled   bool
	evictions atomic.Int32
}

func (s *countingStore) Type() metadata.CacheType { return s.cacheType }
func (s *countingStore) Enabled() bool            { return s.enabled }

func (s *countingStore) ExecuteEviction(context.Context) (cachestore.EvictionReport, error) {
	s.evictions.Add(1)
	return cachestore.EvictionReport{}, nil
}

type countingReplayer struct {
	restores  atomic.Int32
	reloads   atomic.Int32
	deadlines chan time.Duration
}

func (r *countingReplayer) RestoreFromMetadata(context.Context) (replay.Report, error) {
	r.restores.Add(1)
	return replay.Report{Mode: replay.ModeRestore}, nil
}

func (r *countingReplayer) ReloadCacheData(_ context.Context, d time.Duration) (replay.Report, error) {
	r.reloads.Add(1)
	if r.deadlines != nil {
		r.deadlines <- d
	}
	return replay.Report{Mode: replay.ModeReload}, nil
}

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	pool := worker.New(worker.Config{Workers: 2})
	pool.Start()
	s := New(pool)
	t.Cleanup(func() {
		s.Stop()
		_ = pool.Stop(context.Background())
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_RestoreOnStartOnlyWhenEnabled(t *testing.T) {
	s := newScheduler(t)
	enabled := &countingStore{cacheType: metadata.DataCache, enabled: true}
	disabled := &countingStore{cacheType: metadata.SystemCache}
	r1, r2 := &countingReplayer{}, &countingReplayer{}

	if err := s.Register(Target{Store: enabled, Replayer: r1, RestoreOnStart: true}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Register(Target{Store: disabled, Replayer: r2, RestoreOnStart: true}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s.Start(context.Background())

	waitFor(t, "startup restore", func() bool { return r1.restores.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if r2.restores.Load() != 0 {
		t.Fatal("expected no restore for a disabled store")
	}
}

func TestScheduler_PeriodicEviction(t *testing.T) {
	s := newScheduler(t)
	store := &countingStore{cacheType: metadata.DataCache, enabled: true}
	if err := s.Register(Target{Store: store, EvictionInterval: time.Second}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s.Start(context.Background())

	waitFor(t, "scheduled eviction", func() bool { return store.evictions.Load() >= 1 })
}

func TestScheduler_Triggers(t *testing.T) {
	s := newScheduler(t)
	store := &countingStore{cacheType: metadata.DataCache, enabled: true}
	rep := &countingReplayer{deadlines: make(chan time.Duration, 1)}
	if err := s.Register(Target{Store: store, Replayer: rep, ReloadDeadline: 42 * time.Second}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	job, err := s.TriggerEviction(ctx, metadata.DataCache)
	if err != nil {
		t.Fatalf("TriggerEviction failed: %v", err)
	}
	if err := job.Wait(ctx); err != nil {
		t.Fatalf("eviction job failed: %v", err)
	}

	job, err = s.TriggerReload(ctx, metadata.DataCache)
	if err != nil {
		t.Fatalf("TriggerReload failed: %v", err)
	}
	_ = job.Wait(ctx)
	if d := <-rep.deadlines; d != 42*time.Second {
		t.Fatalf("expected reload deadline 42s, got %v", d)
	}

	job, err = s.TriggerRestore(ctx, metadata.DataCache)
	if err != nil {
		t.Fatalf("TriggerRestore failed: %v", err)
	}
	_ = job.Wait(ctx)

	if store.evictions.Load() != 1 || rep.reloads.Load() != 1 || rep.restores.Load() != 1 {
		t.Fatalf("unexpected counts: evict=%d reload=%d restore=%d",
			store.evictions.Load(), rep.reloads.Load(), rep.restores.Load())
	}

	if _, err := s.TriggerEviction(ctx, metadata.SystemCache); err == nil {
		t.Fatal("expected error for unregistered cache type")
	}
}

func TestScheduler_RejectsBadCron(t *testing.T) {
	s := newScheduler(t)
	store := &countingStore{cacheType: metadata.DataCache}
	err := s.Register(Target{Store: store, Replayer: &countingReplayer{}, EvictionInterval: time.Minute, ReloadSchedule: "every tuesday"})
	if err == nil {
		t.Fatal("expected invalid cron expression to be rejected")
	}
	if len(s.entries) != 0 {
		t.Fatalf("expected no entries left after a failed register, got %d", len(s.entries))
	}
}

func TestScheduler_ReregisterReplacesEntries(t *testing.T) {
	s := newScheduler(t)
	store := &countingStore{cacheType: metadata.DataCache}
	rep := &countingReplayer{}
	for i := 0; i < 2; i++ {
		if err := s.Register(Target{Store: store, Replayer: rep, EvictionInterval: time.Minute, ReloadSchedule: "0 3 * * *"}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Fatalf("expected 2 cron entries, got %d", n)
	}
}

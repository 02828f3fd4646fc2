package cachestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/qcache/internal/cache"
	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/metadata"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyRemote wraps a healthy client. It refuses deletes for chosen keys and
// can park a Set or Delete of a key until the test releases it.
type flakyRemote struct {
	Remote
	mu         sync.Mutex
	failDelete map[string]bool
	deletes    []string
	hold       map[string]chan struct{}
	entered    chan string
}

func (f *flakyRemote) park(op, key string) {
	f.mu.Lock()
	release, ok := f.hold[op+":"+key]
	delete(f.hold, op+":"+key)
	f.mu.Unlock()
	if ok {
		f.entered <- op + ":" + key
		<-release
	}
}

// holdOp makes the next op on key block; closing the returned channel lets
// it continue. Only one op is held.
func (f *flakyRemote) holdOp(op, key string) chan struct{} {
	release := make(chan struct{})
	f.mu.Lock()
	f.hold[op+":"+key] = release
	f.mu.Unlock()
	return release
}

func (f *flakyRemote) Set(ctx context.Context, key string, value []byte) bool {
	f.park("set", key)
	return f.Remote.Set(ctx, key, value)
}

func (f *flakyRemote) Delete(ctx context.Context, key string) bool {
	f.park("delete", key)
	f.mu.Lock()
	f.deletes = append(f.deletes, key)
	fail := f.failDelete[key]
	f.mu.Unlock()
	if fail {
		return false
	}
	return f.Remote.Delete(ctx, key)
}

func waitEntered(t *testing.T, f *flakyRemote, want string) {
	t.Helper()
	select {
	case got := <-f.entered:
		if got != want {
			t.Fatalf("expected %s to block, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

type failingRepo struct {
	*metadata.MemoryRepository
}

func (failingRepo) DeleteAllMetadata(context.Context, metadata.CacheType) error {
	return errors.New("repository offline")
}

type harness struct {
	store  *Store
	remote *flakyRemote
	repo   *metadata.MemoryRepository
	clock  *fakeClock
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	backend := cache.NewInMemoryCache()
	client := cache.NewClient(backend, cache.ClientConfig{})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		remote: &flakyRemote{
			Remote:     client,
			failDelete: map[string]bool{},
			hold:       map[string]chan struct{}{},
			entered:    make(chan string, 1),
		},
		repo:  metadata.NewMemoryRepository(),
		clock: &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	s, err := New(DataCacheType, h.remote, codec.New(codec.NewRegistry()), settings,
		WithClock(h.clock.Now), WithRepository(h.repo))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.store = s
	return h
}

func TestStore_SixtySecondScenario(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: 60 * time.Second})
	ctx := context.Background()
	s := h.store

	s.Set(ctx, "a", &codec.Container{Payload: "x"}, codec.Untyped, nil)

	h.clock.Advance(59 * time.Second)
	ct, ok := s.TryGetValue(ctx, "a", codec.Untyped)
	if !ok {
		t.Fatal("expected a to be found at t=59s")
	}
	if ct.Payload != "x" {
		t.Fatalf("expected payload x, got %v", ct.Payload)
	}

	h.clock.Advance(2 * time.Second)
	if _, ok := s.TryGetValue(ctx, "a", codec.Untyped); ok {
		t.Fatal("expected a to be expired at t=61s")
	}
	if !s.Contains(ctx, "a") {
		t.Fatal("expected a to remain stored until eviction runs")
	}

	h.clock.Advance(time.Millisecond)
	report, err := s.ExecuteEviction(ctx)
	if err != nil {
		t.Fatalf("ExecuteEviction failed: %v", err)
	}
	if report.Evicted != 1 {
		t.Fatalf("expected 1 eviction, got %+v", report)
	}
	if s.Contains(ctx, "a") {
		t.Fatal("expected a to be gone after eviction")
	}
}

func TestStore_ExpiryBoundary(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "k", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.clock.Advance(time.Minute)
	if _, ok := h.store.TryGetValue(ctx, "k", codec.Untyped); !ok {
		t.Fatal("expected age equal to ttl to be found")
	}
	if r, _ := h.store.ExecuteEviction(ctx); r.Candidates != 0 {
		t.Fatalf("expected no eviction candidates at the boundary, got %d", r.Candidates)
	}
}

func TestStore_SetGetEquality(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Hour})
	ctx := context.Background()

	created := h.clock.Now().Add(-time.Minute)
	h.store.Set(ctx, "k", &codec.Container{CreatedAt: created, Payload: map[string]any{"rows": 3.0}}, codec.Untyped, nil)

	ct, ok := h.store.Get(ctx, "k", codec.Untyped)
	if !ok {
		t.Fatal("expected Get to hit")
	}
	if !ct.CreatedAt.Equal(created) {
		t.Fatalf("expected createdAt %v, got %v", created, ct.CreatedAt)
	}
	if ct.Payload.(map[string]any)["rows"] != 3.0 {
		t.Fatalf("unexpected payload %v", ct.Payload)
	}

	if _, ok := h.store.Get(ctx, "missing", codec.Untyped); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestStore_GetIgnoresExpiry(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "k", &codec.Container{Payload: "v"}, codec.Untyped, nil)
	h.clock.Advance(time.Hour)
	if _, ok := h.store.Get(ctx, "k", codec.Untyped); !ok {
		t.Fatal("expected Get to return the stored value regardless of age")
	}
}

func TestStore_DecodeFailureIsMiss(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.remote.Set(ctx, "junk", []byte("not base64 !!"))
	if _, ok := h.store.TryGetValue(ctx, "junk", codec.Untyped); ok {
		t.Fatal("expected undecodable value to be a miss")
	}
}

func TestStore_EncodeFailureIsNoop(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "chan", &codec.Container{Payload: make(chan int)}, codec.Untyped, nil)
	if h.store.Contains(ctx, "chan") {
		t.Fatal("expected unencodable value not to be written")
	}
	if _, ok := h.store.Index().Get("chan"); ok {
		t.Fatal("expected no metadata for a value that failed to encode")
	}
}

func TestStore_TTLClamp(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Second})
	if got := h.store.TimeToLive(); got != DataCacheType.MinimumTTL {
		t.Fatalf("expected ttl clamped to %v, got %v", DataCacheType.MinimumTTL, got)
	}

	if err := h.store.Reconfigure(context.Background(), Settings{Enabled: true, TTL: 10 * time.Minute}); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if got := h.store.TimeToLive(); got != 10*time.Minute {
		t.Fatalf("expected 10m ttl, got %v", got)
	}

	if SystemCacheType.ClampTTL(time.Minute) != 5*time.Minute {
		t.Fatal("expected system cache floor of 5m")
	}
}

func TestStore_DisabledStillRecordsMetadata(t *testing.T) {
	h := newHarness(t, Settings{Enabled: false, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "k", &codec.Container{Payload: "v"}, codec.Untyped, &metadata.QueryInfo{ServerType: "pg"})
	if h.store.Contains(ctx, "k") {
		t.Fatal("expected no remote write while disabled")
	}
	d, ok := h.store.Index().Get("k")
	if !ok {
		t.Fatal("expected metadata to be recorded while disabled")
	}
	if d.Query.ValueHint != string(codec.Untyped) || d.Query.ServerType != "pg" {
		t.Fatalf("unexpected query info %+v", d.Query)
	}
	recs, _ := h.repo.GetMetadata(ctx, metadata.DataCache)
	if len(recs) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(recs))
	}
}

func TestStore_DisableClearsEverything(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		h.store.Set(ctx, k, &codec.Container{Payload: k}, codec.Untyped, nil)
	}

	report, err := h.store.Disable(ctx)
	if err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if report.Keys != 3 || report.Deleted != 3 {
		t.Fatalf("unexpected clear report %+v", report)
	}
	for _, k := range []string{"a", "b", "c"} {
		if h.store.Contains(ctx, k) {
			t.Fatalf("expected %s to be cleared", k)
		}
	}
	if h.store.Enabled() {
		t.Fatal("expected store to be disabled")
	}
	if h.store.Index().Len() != 0 {
		t.Fatal("expected index to be empty")
	}
	recs, _ := h.repo.GetMetadata(ctx, metadata.DataCache)
	if len(recs) != 0 {
		t.Fatalf("expected repository partition to be empty, got %d", len(recs))
	}
}

func TestStore_ClearAllContinuesPastFailures(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "a", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.store.Set(ctx, "b", &codec.Container{Payload: 2.0}, codec.Untyped, nil)
	h.remote.failDelete["a"] = true

	report, err := h.store.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if report.Failed != 1 || report.Deleted != 1 {
		t.Fatalf("unexpected clear report %+v", report)
	}
	if h.store.Contains(ctx, "b") {
		t.Fatal("expected b to be deleted despite a failing")
	}

	if _, ok := h.store.Index().Get("a"); !ok {
		t.Fatal("expected a failed delete to keep its descriptor")
	}
	if _, ok := h.store.Index().Get("b"); ok {
		t.Fatal("expected b to be dropped from the index")
	}
	recs, _ := h.repo.GetMetadata(ctx, metadata.DataCache)
	if len(recs) != 1 || recs[0].Key != "a" {
		t.Fatalf("expected only a to stay persisted, got %+v", recs)
	}

	// The kept descriptor lets a later sweep remove the orphan.
	delete(h.remote.failDelete, "a")
	h.clock.Advance(2 * time.Minute)
	evict, err := h.store.ExecuteEviction(ctx)
	if err != nil || evict.Evicted != 1 {
		t.Fatalf("expected a to be evicted, got %+v err=%v", evict, err)
	}
	if h.store.Contains(ctx, "a") {
		t.Fatal("expected a to be gone after eviction")
	}
}

func TestStore_DisableKeepsUndeletedKeysTracked(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "a", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.remote.failDelete["a"] = true

	report, err := h.store.Disable(ctx)
	if err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected clear report %+v", report)
	}
	d, ok := h.store.Index().Get("a")
	if !ok || d.IsRemoved() {
		t.Fatal("expected a to stay tracked as live")
	}
}

func TestStore_ClearAllReportsRepositoryError(t *testing.T) {
	client := cache.NewClient(cache.NewInMemoryCache(), cache.ClientConfig{})
	defer client.Close()
	s, err := New(SystemCacheType, client, codec.New(codec.NewRegistry()), Settings{Enabled: true, TTL: time.Hour},
		WithRepository(failingRepo{metadata.NewMemoryRepository()}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.ClearAll(context.Background()); err == nil {
		t.Fatal("expected repository error to surface")
	}
}

func TestStore_EvictionPostconditions(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "old", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.store.Set(ctx, "stuck", &codec.Container{Payload: 2.0}, codec.Untyped, nil)
	h.clock.Advance(2 * time.Minute)
	h.store.Set(ctx, "fresh", &codec.Container{Payload: 3.0}, codec.Untyped, nil)
	h.remote.failDelete["stuck"] = true

	report, err := h.store.ExecuteEviction(ctx)
	if err != nil {
		t.Fatalf("ExecuteEviction failed: %v", err)
	}
	if report.Candidates != 2 || report.Evicted != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	old, _ := h.store.Index().Get("old")
	if !old.IsRemoved() {
		t.Fatal("expected old to be marked removed")
	}
	stuck, _ := h.store.Index().Get("stuck")
	if stuck.IsRemoved() {
		t.Fatal("expected a failed delete to leave the entry unmarked")
	}
	fresh, _ := h.store.Index().Get("fresh")
	if fresh.IsRemoved() || !h.store.Contains(ctx, "fresh") {
		t.Fatal("expected fresh entry to be untouched")
	}

	recs, _ := h.repo.GetMetadata(ctx, metadata.DataCache)
	for _, r := range recs {
		if r.IsRemoved != (r.Key == "old") {
			t.Fatalf("unexpected persisted removal flag for %s: %v", r.Key, r.IsRemoved)
		}
	}

	// The failed entry is retried on the next sweep; the removed one is not.
	delete(h.remote.failDelete, "stuck")
	h.remote.deletes = nil
	report, _ = h.store.ExecuteEviction(ctx)
	if report.Evicted != 1 || len(h.remote.deletes) != 1 || h.remote.deletes[0] != "stuck" {
		t.Fatalf("expected only stuck to be retried, got %+v deletes=%v", report, h.remote.deletes)
	}
}

func TestStore_EvictionSkipsWhileSweepRunning(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	h.store.sweepMu.Lock()
	report, err := h.store.ExecuteEviction(context.Background())
	h.store.sweepMu.Unlock()
	if err != nil || !report.Skipped {
		t.Fatalf("expected skipped sweep, got %+v err=%v", report, err)
	}
}

func TestStore_EvictionRunsDuringUnrelatedWrite(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "old", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.clock.Advance(2 * time.Minute)

	release := h.remote.holdOp("set", "unrelated")
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.store.Set(ctx, "unrelated", &codec.Container{Payload: 2.0}, codec.Untyped, nil)
	}()
	waitEntered(t, h.remote, "set:unrelated")

	report, err := h.store.ExecuteEviction(ctx)
	close(release)
	<-done

	if err != nil {
		t.Fatalf("ExecuteEviction failed: %v", err)
	}
	if report.Skipped || report.Evicted != 1 {
		t.Fatalf("expected old to be evicted, got %+v", report)
	}
	old, _ := h.store.Index().Get("old")
	if !old.IsRemoved() || h.store.Contains(ctx, "old") {
		t.Fatal("expected old to be removed")
	}
	if !h.store.Contains(ctx, "unrelated") {
		t.Fatal("expected the concurrent write to land")
	}
}

func TestStore_SweepDoesNotBlockUnrelatedWrite(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "stuck", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.clock.Advance(2 * time.Minute)

	release := h.remote.holdOp("delete", "stuck")
	swept := make(chan EvictionReport, 1)
	go func() {
		r, _ := h.store.ExecuteEviction(ctx)
		swept <- r
	}()
	waitEntered(t, h.remote, "delete:stuck")

	written := make(chan struct{})
	go func() {
		defer close(written)
		h.store.Set(ctx, "unrelated", &codec.Container{Payload: 2.0}, codec.Untyped, nil)
	}()
	select {
	case <-written:
	case <-time.After(2 * time.Second):
		t.Fatal("write on an unrelated key blocked behind the sweep")
	}

	if r, _ := h.store.ExecuteEviction(ctx); !r.Skipped {
		t.Fatalf("expected a second sweep to be skipped, got %+v", r)
	}

	close(release)
	if r := <-swept; r.Evicted != 1 {
		t.Fatalf("expected stuck to be evicted, got %+v", r)
	}
	if h.store.keys.len() != 0 {
		t.Fatalf("expected key locks to be released, %d left", h.store.keys.len())
	}
}

func TestStore_EvictionSkipsRewrittenEntry(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()

	h.store.Set(ctx, "a", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.store.Set(ctx, "k", &codec.Container{Payload: 2.0}, codec.Untyped, nil)
	h.clock.Advance(2 * time.Minute)
	stale, _ := h.store.Index().Get("k")

	release := h.remote.holdOp("delete", "a")
	swept := make(chan EvictionReport, 1)
	go func() {
		r, _ := h.store.ExecuteEviction(ctx)
		swept <- r
	}()
	waitEntered(t, h.remote, "delete:a")

	// k is rewritten after the sweep picked its old descriptor.
	h.store.Set(ctx, "k", &codec.Container{Payload: 3.0}, codec.Untyped, nil)
	close(release)
	report := <-swept

	if report.Candidates != 2 || report.Evicted != 1 || report.Superseded != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !stale.IsRemoved() {
		t.Fatal("expected the replaced descriptor to be marked removed")
	}
	fresh, _ := h.store.Index().Get("k")
	if fresh.IsRemoved() {
		t.Fatal("expected the rewritten entry to stay live")
	}
	ct, ok := h.store.TryGetValue(ctx, "k", codec.Untyped)
	if !ok || ct.Payload != 3.0 {
		t.Fatalf("expected rewritten value to survive, got %v ok=%v", ct, ok)
	}
	recs, _ := h.repo.GetMetadata(ctx, metadata.DataCache)
	for _, r := range recs {
		if r.Key == "k" && r.IsRemoved {
			t.Fatal("expected persisted record for k to stay live")
		}
	}
}

func TestStore_EvictionStopsOnCancel(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()
	h.store.Set(ctx, "a", &codec.Container{Payload: 1.0}, codec.Untyped, nil)
	h.clock.Advance(2 * time.Minute)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	report, err := h.store.ExecuteEviction(cancelled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Evicted != 0 {
		t.Fatalf("expected nothing evicted, got %d", report.Evicted)
	}
}

func TestStore_ReconfigureTogglesState(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()
	h.store.Set(ctx, "k", &codec.Container{Payload: "v"}, codec.Untyped, nil)

	if err := h.store.Reconfigure(ctx, Settings{Enabled: false, TTL: time.Minute}); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if h.store.Contains(ctx, "k") {
		t.Fatal("expected disable through Reconfigure to clear the store")
	}

	if err := h.store.Reconfigure(ctx, Settings{Enabled: true, TTL: time.Minute}); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	h.store.Set(ctx, "k", &codec.Container{Payload: "v"}, codec.Untyped, nil)
	if !h.store.Contains(ctx, "k") {
		t.Fatal("expected writes to resume after enabling")
	}
}

func TestStore_LoadIndex(t *testing.T) {
	h := newHarness(t, Settings{Enabled: true, TTL: time.Minute})
	ctx := context.Background()
	_ = h.repo.SaveMetadata(ctx, &metadata.Record{Key: "prior", CacheType: metadata.DataCache, CreatedAt: h.clock.Now()})
	_ = h.repo.SaveMetadata(ctx, &metadata.Record{Key: "other", CacheType: metadata.SystemCache, CreatedAt: h.clock.Now()})

	n, err := h.store.LoadIndex(ctx)
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record loaded, got %d", n)
	}
	if _, ok := h.store.Index().Get("prior"); !ok {
		t.Fatal("expected prior to be indexed")
	}
}

func TestLookupType(t *testing.T) {
	tc, err := LookupType("SYSTEM")
	if err != nil || tc.Type != metadata.SystemCache {
		t.Fatalf("expected system cache type, got %+v err=%v", tc, err)
	}
	if _, err := LookupType("bogus"); err == nil {
		t.Fatal("expected error for unknown cache type")
	}
}

func TestNew_Validation(t *testing.T) {
	client := cache.NewClient(cache.NewInMemoryCache(), cache.ClientConfig{})
	defer client.Close()
	c := codec.New(codec.NewRegistry())

	if _, err := New(TypeConfig{}, client, c, Settings{}); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := New(TypeConfig{Type: "x"}, client, c, Settings{}); err == nil {
		t.Fatal("expected error for missing minimum ttl")
	}
	if _, err := New(DataCacheType, nil, c, Settings{}); err == nil {
		t.Fatal("expected error for missing client")
	}
}

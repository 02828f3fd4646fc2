package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/metrics"
	"github.com/oriys/qcache/internal/observability"
)

// Remote is the subset of the remote store client a Store uses.
// *cache.Client satisfies it.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) bool
	Exists(ctx context.Context, key string) bool
	Delete(ctx context.Context, key string) bool
	DeleteMatching(ctx context.Context, pattern string) int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRepository sets the durable metadata repository. Without it the store
// keeps metadata in memory only.
func WithRepository(repo metadata.Repository) Option {
	return func(s *Store) { s.repo = repo }
}

// Store is one cache type's view of the remote store.
type Store struct {
	cfg    TypeConfig
	remote Remote
	codec  *codec.Codec
	repo   metadata.Repository
	index  *metadata.Index
	now    func() time.Time

	enabled atomic.Bool
	ttl     atomic.Int64

	// sweepMu admits one eviction sweep or ClearAll at a time. Writers never
	// take it; keys serializes a write against a sweep of the same key.
	sweepMu sync.Mutex
	keys    *keyLocks
}

// New builds a store for cfg with the initial settings applied.
func New(cfg TypeConfig, remote Remote, c *codec.Codec, settings Settings, opts ...Option) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, errors.New("remote store client is required")
	}
	if c == nil {
		return nil, errors.New("codec is required")
	}
	s := &Store{
		cfg:    cfg,
		remote: remote,
		codec:  c,
		index:  metadata.NewIndex(cfg.Type),
		now:    time.Now,
		keys:   newKeyLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.repo == nil {
		s.repo = metadata.NewMemoryRepository()
	}
	s.ttl.Store(int64(cfg.ClampTTL(settings.TTL)))
	s.enabled.Store(settings.Enabled)
	s.publishState()
	return s, nil
}

func (s *Store) Type() metadata.CacheType        { return s.cfg.Type }
func (s *Store) Config() TypeConfig              { return s.cfg }
func (s *Store) Index() *metadata.Index          { return s.index }
func (s *Store) Repository() metadata.Repository { return s.repo }
func (s *Store) Enabled() bool                   { return s.enabled.Load() }
func (s *Store) Now() time.Time                  { return s.now() }

// TimeToLive returns the effective TTL, never below the type's minimum.
func (s *Store) TimeToLive() time.Duration {
	return time.Duration(s.ttl.Load())
}

func (s *Store) logAttrs(key string) []any {
	return []any{"cache_type", s.cfg.Type, "key", key}
}

func (s *Store) publishState() {
	metrics.SetStoreState(string(s.cfg.Type), s.TimeToLive(), s.Enabled())
}

func (s *Store) publishIndexSize() {
	live, removed := s.index.Counts()
	metrics.SetIndexSize(string(s.cfg.Type), live, removed)
}

// Get fetches and decodes key. Misses and decode failures both report false.
func (s *Store) Get(ctx context.Context, key string, hint codec.TypeHint) (*codec.Container, bool) {
	ct, ok := s.fetch(ctx, key, hint)
	if !ok {
		metrics.RecordLookup(string(s.cfg.Type), "miss")
		return nil, false
	}
	metrics.RecordLookup(string(s.cfg.Type), "hit")
	return ct, true
}

// TryGetValue is Get plus lazy expiry: a value older than the current TTL is
// reported as absent even though it is still stored remotely.
func (s *Store) TryGetValue(ctx context.Context, key string, hint codec.TypeHint) (*codec.Container, bool) {
	ct, ok := s.fetch(ctx, key, hint)
	if !ok {
		metrics.RecordLookup(string(s.cfg.Type), "miss")
		return nil, false
	}
	if ct.IsExpired(s.TimeToLive(), s.now()) {
		metrics.RecordLookup(string(s.cfg.Type), "expired")
		return nil, false
	}
	metrics.RecordLookup(string(s.cfg.Type), "hit")
	return ct, true
}

func (s *Store) fetch(ctx context.Context, key string, hint codec.TypeHint) (*codec.Container, bool) {
	raw, ok := s.remote.Get(ctx, key)
	if !ok {
		return nil, false
	}
	ct, err := s.codec.DecodeContainer(string(raw), hint)
	if err != nil {
		metrics.RecordCodecError(string(s.cfg.Type), "decode")
		logging.Op().Warn("cached value could not be decoded", append(s.logAttrs(key), "hint", hint, "error", err)...)
		return nil, false
	}
	return ct, true
}

// Set stores ct under key. The remote write only happens while the store is
// enabled; the metadata is recorded either way so that a later enable can
// reload it. A zero CreatedAt is stamped with the current time.
func (s *Store) Set(ctx context.Context, key string, ct *codec.Container, hint codec.TypeHint, query *metadata.QueryInfo) {
	if ct == nil {
		ct = &codec.Container{}
	}
	if ct.CreatedAt.IsZero() {
		ct.CreatedAt = s.now()
	}
	if query != nil {
		q := *query
		q.ValueHint = string(hint)
		query = &q
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	writeThrough := s.Enabled()
	if writeThrough {
		data, err := s.codec.EncodeContainer(ct, hint)
		if err != nil {
			metrics.RecordCodecError(string(s.cfg.Type), "encode")
			logging.Op().Warn("value could not be encoded, skipping write", append(s.logAttrs(key), "hint", hint, "error", err)...)
			return
		}
		s.remote.Set(ctx, key, []byte(data))
	}

	d := s.index.Upsert(key, ct.CreatedAt, query)
	if err := s.repo.SaveMetadata(ctx, d.Record()); err != nil {
		logging.Op().Warn("failed to persist cache metadata", append(s.logAttrs(key), "error", err)...)
	}
	metrics.RecordSet(string(s.cfg.Type), writeThrough)
}

// Remove deletes key from the remote store. Metadata is left for the next
// eviction sweep to reconcile.
func (s *Store) Remove(ctx context.Context, key string) {
	s.remote.Delete(ctx, key)
}

// RemoveMatching deletes every remote key containing pattern.
func (s *Store) RemoveMatching(ctx context.Context, pattern string) int {
	return s.remote.DeleteMatching(ctx, pattern)
}

// Contains reports whether key is present in the remote store.
func (s *Store) Contains(ctx context.Context, key string) bool {
	return s.remote.Exists(ctx, key)
}

// Enable turns write-through on.
func (s *Store) Enable() {
	if !s.enabled.Swap(true) {
		logging.Op().Info("cache store enabled", "cache_type", s.cfg.Type)
	}
	s.publishState()
}

// Disable turns write-through off and clears everything this store wrote.
func (s *Store) Disable(ctx context.Context) (ClearReport, error) {
	if s.enabled.Swap(false) {
		logging.Op().Info("cache store disabled", "cache_type", s.cfg.Type)
	}
	s.publishState()
	return s.ClearAll(ctx)
}

// Reconfigure applies new settings: the TTL is clamped to the type minimum
// and an enabled flip runs Enable or Disable.
func (s *Store) Reconfigure(ctx context.Context, settings Settings) error {
	ttl := s.cfg.ClampTTL(settings.TTL)
	if old := time.Duration(s.ttl.Swap(int64(ttl))); old != ttl {
		logging.Op().Info("cache ttl changed", "cache_type", s.cfg.Type, "from", old, "to", ttl)
	}
	if settings.Enabled == s.Enabled() {
		s.publishState()
		return nil
	}
	if settings.Enabled {
		s.Enable()
		return nil
	}
	_, err := s.Disable(ctx)
	return err
}

// LoadIndex fills the in-memory index from the repository. It is run once at
// startup so that eviction covers entries written by a previous process.
func (s *Store) LoadIndex(ctx context.Context) (int, error) {
	records, err := s.repo.GetMetadata(ctx, s.cfg.Type)
	if err != nil {
		return 0, fmt.Errorf("load %s metadata: %w", s.cfg.Type, err)
	}
	for _, r := range records {
		s.index.Load(r)
	}
	s.publishIndexSize()
	return len(records), nil
}

// ClearAll deletes every remote key this cache type has recorded and drops
// the metadata of each key it deleted. Individual remote failures do not stop
// the sweep; a key whose delete failed keeps its metadata so a later sweep
// still knows about it.
func (s *Store) ClearAll(ctx context.Context) (ClearReport, error) {
	ctx, span := observability.StartSpan(ctx, "cachestore.clear_all",
		observability.AttrCacheType.String(string(s.cfg.Type)))
	defer span.End()

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	pending := make(map[string]struct{})
	records, err := s.repo.GetMetadata(ctx, s.cfg.Type)
	if err != nil {
		logging.Op().Warn("failed to read metadata for clear, using in-memory index", "cache_type", s.cfg.Type, "error", err)
	}
	persisted := make(map[string]*metadata.Record, len(records))
	for _, r := range records {
		pending[r.Key] = struct{}{}
		persisted[r.Key] = r
	}

	var report ClearReport
	seen := make(map[string]struct{})
	for {
		for _, d := range s.index.Snapshot() {
			if _, ok := seen[d.Key]; !ok {
				pending[d.Key] = struct{}{}
			}
		}
		if len(pending) == 0 {
			break
		}
		batch := make([]string, 0, len(pending))
		for k := range pending {
			batch = append(batch, k)
			seen[k] = struct{}{}
		}
		clear(pending)
		sort.Strings(batch)

		for _, k := range batch {
			report.Keys++
			if s.clearKey(ctx, k, persisted[k]) {
				report.Deleted++
			} else {
				report.Failed++
			}
		}
		// While enabled, writes that land during the clear are kept. A
		// disabled store must not leave behind a write that raced the flip.
		if s.Enabled() {
			break
		}
	}
	s.publishIndexSize()

	if err := s.repo.DeleteAllMetadata(ctx, s.cfg.Type); err != nil {
		observability.SetSpanError(span, err)
		return report, fmt.Errorf("delete %s metadata: %w", s.cfg.Type, err)
	}
	// Whatever is still indexed either failed to delete or was written during
	// the clear, and must stay tracked.
	for _, d := range s.index.Snapshot() {
		if err := s.repo.SaveMetadata(ctx, d.Record()); err != nil {
			logging.Op().Warn("failed to keep cache metadata", append(s.logAttrs(d.Key), "error", err)...)
		}
	}

	logging.Op().Info("cache cleared", "cache_type", s.cfg.Type, "keys", report.Keys, "deleted", report.Deleted, "failed", report.Failed)
	observability.SetSpanOK(span)
	return report, nil
}

// clearKey deletes one key. On failure a key known only to the repository
// is indexed from rec so it stays tracked.
func (s *Store) clearKey(ctx context.Context, key string, rec *metadata.Record) bool {
	unlock := s.keys.Lock(key)
	defer unlock()

	if !s.remote.Delete(ctx, key) {
		if _, ok := s.index.Get(key); !ok && rec != nil {
			s.index.Load(rec)
		}
		return false
	}
	if d, ok := s.index.Get(key); ok {
		s.index.Delete(d)
	}
	return true
}

// ExecuteEviction deletes every expired, not yet removed entry. The remote
// delete always happens before the entry is marked removed; a failed delete
// leaves the entry for the next sweep. A sweep that finds another sweep or a
// ClearAll running returns immediately with Skipped set. Writes are never
// blocked by a sweep except on the key being deleted.
func (s *Store) ExecuteEviction(ctx context.Context) (EvictionReport, error) {
	if !s.sweepMu.TryLock() {
		return EvictionReport{Skipped: true}, nil
	}
	defer s.sweepMu.Unlock()

	ctx, span := observability.StartSpan(ctx, "cachestore.evict",
		observability.AttrCacheType.String(string(s.cfg.Type)))
	defer span.End()

	start := time.Now()
	candidates := s.index.Expired(s.TimeToLive(), s.now())
	report := EvictionReport{Candidates: len(candidates)}

	var err error
	for _, d := range candidates {
		if err = ctx.Err(); err != nil {
			break
		}
		switch s.evictOne(ctx, d) {
		case evicted:
			report.Evicted++
		case superseded:
			report.Superseded++
		default:
			report.Failed++
		}
	}

	report.Duration = time.Since(start)
	metrics.RecordEvictions(string(s.cfg.Type), report.Evicted, report.Duration)
	s.publishIndexSize()
	span.SetAttributes(observability.AttrEvicted.Int(report.Evicted), observability.AttrFailed.Int(report.Failed))

	if err != nil {
		observability.SetSpanError(span, err)
		return report, fmt.Errorf("eviction interrupted: %w", err)
	}
	if report.Candidates > 0 {
		logging.Op().Info("eviction sweep finished", "cache_type", s.cfg.Type,
			"candidates", report.Candidates, "evicted", report.Evicted, "superseded", report.Superseded,
			"failed", report.Failed, "duration", report.Duration)
	}
	observability.SetSpanOK(span)
	return report, nil
}

type evictResult int

const (
	evictFailed evictResult = iota
	evicted
	superseded
)

func (s *Store) evictOne(ctx context.Context, d *metadata.Descriptor) evictResult {
	unlock := s.keys.Lock(d.Key)
	defer unlock()

	// A write after the candidate scan replaced the descriptor; the old value
	// is already gone and the new one is not expired.
	if !s.index.Current(d) {
		d.MarkRemoved()
		return superseded
	}
	if !s.remote.Delete(ctx, d.Key) {
		return evictFailed
	}
	d.MarkRemoved()
	if err := s.repo.MarkRemoved(ctx, s.cfg.Type, d.Key); err != nil {
		logging.Op().Warn("failed to persist removal", append(s.logAttrs(d.Key), "error", err)...)
	}
	return evicted
}

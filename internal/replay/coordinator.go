package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/metrics"
	"github.com/oriys/qcache/internal/observability"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueryTimeout sets the timeout for entries whose metadata has none.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithAdaptor registers an adaptor for a server type.
func WithAdaptor(serverType string, a Adaptor) Option {
	return func(c *Coordinator) { c.adaptors[serverType] = a }
}

// Coordinator replays the queries recorded for one store.
type Coordinator struct {
	store        Target
	queryTimeout time.Duration

	mu       sync.RWMutex
	adaptors map[string]Adaptor
}

func New(store Target, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		queryTimeout: DefaultQueryTimeout,
		adaptors:     make(map[string]Adaptor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAdaptor adds or replaces the adaptor for serverType.
func (c *Coordinator) RegisterAdaptor(serverType string, a Adaptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adaptors[serverType] = a
}

func (c *Coordinator) adaptor(serverType string) (Adaptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.adaptors[serverType]
	return a, ok
}

// RestoreFromMetadata replays every persisted, live, unexpired entry of the
// store's cache type. Each result keeps its original creation time, so a
// restored entry expires when it would have without the restart.
func (c *Coordinator) RestoreFromMetadata(ctx context.Context) (Report, error) {
	cacheType := c.store.Type()
	ctx, span := observability.StartSpan(ctx, "replay.restore",
		observability.AttrCacheType.String(string(cacheType)),
		observability.AttrMode.String(string(ModeRestore)))
	defer span.End()

	start := time.Now()
	report := Report{RunID: uuid.NewString(), Mode: ModeRestore, CacheType: cacheType}

	records, err := c.store.Repository().GetMetadata(ctx, cacheType)
	if err != nil {
		err = fmt.Errorf("load %s metadata: %w", cacheType, err)
		observability.SetSpanError(span, err)
		metrics.RecordReplayRun(string(cacheType), string(ModeRestore), "error", time.Since(start))
		return report, err
	}

	ttl, now := c.store.TimeToLive(), c.store.Now()
	live := records[:0]
	for _, r := range records {
		if !r.IsRemoved && !r.IsExpired(ttl, now) {
			live = append(live, r)
		}
	}
	report.Total = len(live)

	for _, r := range live {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		c.replayEntry(ctx, &report, r.Key, r.Query, r.CreatedAt)
	}

	var runErr error
	if report.Cancelled {
		runErr = fmt.Errorf("restore interrupted: %w", ctx.Err())
	}
	return c.finish(ctx, span, &report, start, runErr)
}

// ReloadCacheData refreshes the store's live entries by running their
// queries again and stamping each result with the current time. The run
// stops starting new entries once d has elapsed; an entry already running
// is allowed to finish under its own query timeout, and entries written
// before the deadline stay written. A non-positive d means no deadline.
func (c *Coordinator) ReloadCacheData(ctx context.Context, d time.Duration) (Report, error) {
	cacheType := c.store.Type()
	ctx, span := observability.StartSpan(ctx, "replay.reload",
		observability.AttrCacheType.String(string(cacheType)),
		observability.AttrMode.String(string(ModeReload)))
	defer span.End()

	start := time.Now()
	report := Report{RunID: uuid.NewString(), Mode: ModeReload, CacheType: cacheType}

	runCtx := ctx
	if d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	entries := c.store.Index().Live(c.store.TimeToLive(), c.store.Now())
	report.Total = len(entries)
	for _, e := range entries {
		if runCtx.Err() != nil {
			report.Cancelled = true
			break
		}
		c.replayEntry(ctx, &report, e.Key, e.Query, c.store.Now())
	}

	var runErr error
	if report.Cancelled {
		runErr = fmt.Errorf("%w after %v: %w", ErrReloadCancelled, d, context.Cause(runCtx))
	}
	return c.finish(ctx, span, &report, start, runErr)
}

// replayEntry runs one query and writes its result. Failures are recorded
// in the report and never abort the run. The query runs detached from the
// caller's deadline and is bounded by its own timeout instead. The query and
// the stored result both carry createdAt.
func (c *Coordinator) replayEntry(ctx context.Context, report *Report, key string, info *metadata.QueryInfo, createdAt time.Time) {
	cacheType := string(c.store.Type())
	if info == nil {
		report.Skipped++
		metrics.RecordReplayEntry(cacheType, string(report.Mode), "skipped")
		return
	}

	fail := func(err error) {
		ee := &EntryError{Key: key, ServerType: info.ServerType, Err: err}
		report.Failed++
		report.Errors = append(report.Errors, ee)
		metrics.RecordReplayEntry(cacheType, string(report.Mode), "failed")
		observability.Logger(ctx).Warn("cache entry replay failed",
			"cache_type", cacheType, "mode", report.Mode, "key", key, "server_type", info.ServerType, "error", err)
	}

	adaptor, ok := c.adaptor(info.ServerType)
	if !ok {
		fail(ErrNoAdaptor)
		return
	}

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = c.queryTimeout
	}

	detached := context.WithoutCancel(ctx)
	qctx, cancel := context.WithTimeout(detached, timeout)
	defer cancel()
	qctx, span := observability.StartSpan(qctx, "replay.entry",
		observability.AttrKey.String(key),
		observability.AttrServerType.String(info.ServerType))
	defer span.End()

	q := &Query{Key: key, Info: *info, CreatedAt: createdAt, IgnoreCache: true}
	var (
		result any
		err    error
	)
	if info.Paging {
		result, err = adaptor.RunPagedQuery(qctx, q, timeout)
	} else {
		result, err = adaptor.RunQuery(qctx, q, timeout)
	}
	if err != nil {
		observability.SetSpanError(span, err)
		fail(err)
		return
	}

	c.store.Set(detached, key, &codec.Container{CreatedAt: createdAt, Payload: result}, codec.TypeHint(info.ValueHint), info)
	report.Replayed++
	metrics.RecordReplayEntry(cacheType, string(report.Mode), "replayed")
	observability.SetSpanOK(span)
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, report *Report, start time.Time, err error) (Report, error) {
	report.Duration = time.Since(start)
	if report.Cancelled {
		report.Skipped = report.Total - report.Replayed - report.Failed
	}
	span.SetAttributes(
		observability.AttrEntries.Int(report.Total),
		observability.AttrReplayed.Int(report.Replayed),
		observability.AttrFailed.Int(report.Failed),
	)
	metrics.RecordReplayRun(string(report.CacheType), string(report.Mode), report.result(), report.Duration)

	log := observability.Logger(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		log.Warn("cache replay stopped early", "run", report.RunID, "cache_type", report.CacheType, "mode", report.Mode,
			"total", report.Total, "replayed", report.Replayed, "failed", report.Failed, "skipped", report.Skipped, "error", err)
		return *report, err
	}
	observability.SetSpanOK(span)
	log.Info("cache replay finished", "run", report.RunID, "cache_type", report.CacheType, "mode", report.Mode,
		"total", report.Total, "replayed", report.Replayed, "failed", report.Failed, "skipped", report.Skipped, "duration", report.Duration)
	return *report, nil
}

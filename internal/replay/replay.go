// Package replay re-executes the queries behind cached entries so that a
// store can be repopulated after a restart (restore) or refreshed on a
// schedule (reload).
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/metadata"
)

var (
	// ErrNoAdaptor means no adaptor is registered for an entry's server type.
	ErrNoAdaptor = errors.New("no query adaptor for server type")
	// ErrReloadCancelled is returned when a reload hits its deadline or its
	// context is cancelled before every entry was replayed.
	ErrReloadCancelled = errors.New("reload cancelled")
)

// DefaultQueryTimeout bounds a replayed query whose metadata carries none.
const DefaultQueryTimeout = 30 * time.Second

// Mode distinguishes the two replay entry points.
type Mode string

const (
	ModeRestore Mode = "restore"
	ModeReload  Mode = "reload"
)

// Query is what an adaptor receives. IgnoreCache is always set by the
// coordinator so adaptors bypass any read-through caching of their own.
type Query struct {
	Key         string
	Info        metadata.QueryInfo
	CreatedAt   time.Time
	IgnoreCache bool
}

// Adaptor runs queries against one kind of data server.
type Adaptor interface {
	RunPagedQuery(ctx context.Context, q *Query, timeout time.Duration) (any, error)
	RunQuery(ctx context.Context, q *Query, timeout time.Duration) (any, error)
}

// AdaptorFunc adapts a single function to Adaptor for servers that do not
// distinguish paged queries.
type AdaptorFunc func(ctx context.Context, q *Query, timeout time.Duration) (any, error)

func (f AdaptorFunc) RunPagedQuery(ctx context.Context, q *Query, timeout time.Duration) (any, error) {
	return f(ctx, q, timeout)
}

func (f AdaptorFunc) RunQuery(ctx context.Context, q *Query, timeout time.Duration) (any, error) {
	return f(ctx, q, timeout)
}

// Target is the store a coordinator writes into. *cachestore.Store
// satisfies it.
type Target interface {
	Type() metadata.CacheType
	Set(ctx context.Context, key string, ct *codec.Container, hint codec.TypeHint, query *metadata.QueryInfo)
	Index() *metadata.Index
	Repository() metadata.Repository
	TimeToLive() time.Duration
	Now() time.Time
}

// EntryError records why one entry was not replayed.
type EntryError struct {
	Key        string
	ServerType string
	Err        error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("replay %q (server %q): %v", e.Key, e.ServerType, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Report summarizes one restore or reload run.
type Report struct {
	RunID     string             `json:"run_id"`
	Mode      Mode               `json:"mode"`
	CacheType metadata.CacheType `json:"cache_type"`
	Total     int                `json:"total"`
	Replayed  int                `json:"replayed"`
	Skipped   int                `json:"skipped"`
	Failed    int                `json:"failed"`
	Cancelled bool               `json:"cancelled,omitempty"`
	Duration  time.Duration      `json:"duration"`
	Errors    []*EntryError      `json:"-"`
}

func (r *Report) result() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Package metadata tracks every key a cache store has written: when the
// value was produced, whether it has been removed, and how to re-execute the
// query that produced it. The in-memory Index serves the store; the
// Repository persists the same records so a restarted process can restore.
package metadata

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// CacheType partitions metadata between independent stores.
type CacheType string

const (
	DataCache   CacheType = "data"
	SystemCache CacheType = "system"
)

// QueryInfo describes the query that produced a cached value, with enough
// detail to run it again.
type QueryInfo struct {
	ServerType string          `json:"server_type"`
	Paging     bool            `json:"paging,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
	// ValueHint names the codec type the result is stored as.
	ValueHint string `json:"value_hint,omitempty"`
}

// Descriptor is the in-memory metadata for one key. Everything but the
// removal flag is fixed at construction.
type Descriptor struct {
	Key       string
	CacheType CacheType
	CreatedAt time.Time
	Query     *QueryInfo

	removed atomic.Bool
}

// NewDescriptor builds a live descriptor.
func NewDescriptor(cacheType CacheType, key string, createdAt time.Time, query *QueryInfo) *Descriptor {
	return &Descriptor{Key: key, CacheType: cacheType, CreatedAt: createdAt, Query: query}
}

// IsRemoved reports whether eviction has already deleted the remote value.
func (d *Descriptor) IsRemoved() bool {
	return d.removed.Load()
}

// MarkRemoved flags the descriptor as removed. The flag is never cleared; a
// later write replaces the descriptor instead.
func (d *Descriptor) MarkRemoved() {
	d.removed.Store(true)
}

// IsExpired reports whether the descriptor is older than ttl at now. An age
// exactly equal to ttl is not expired.
func (d *Descriptor) IsExpired(ttl time.Duration, now time.Time) bool {
	return now.Sub(d.CreatedAt) > ttl
}

// Record converts the descriptor to its durable form.
func (d *Descriptor) Record() *Record {
	return &Record{
		Key:       d.Key,
		CacheType: d.CacheType,
		CreatedAt: d.CreatedAt,
		IsRemoved: d.IsRemoved(),
		Query:     d.Query,
	}
}

// Record is the persisted row for one key.
type Record struct {
	Key       string     `json:"key"`
	CacheType CacheType  `json:"cache_type"`
	CreatedAt time.Time  `json:"created_at"`
	IsRemoved bool       `json:"is_removed"`
	Query     *QueryInfo `json:"query,omitempty"`
}

// IsExpired applies the same rule as Descriptor.IsExpired.
func (r *Record) IsExpired(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.CreatedAt) > ttl
}

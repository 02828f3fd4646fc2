// Package cachestore implements the TTL-bounded cache store: values are
// written through to the remote store, tracked in a metadata index, expired
// lazily on read and swept by eviction.
package cachestore

import (
	"fmt"
	"strings"
	"time"

	"github.com/oriys/qcache/internal/metadata"
)

// TypeConfig is the static description of a cache type. One Store serves
// each configured type.
type TypeConfig struct {
	Type       metadata.CacheType
	MinimumTTL time.Duration
	// Directory names the storage area reported for the type.
	Directory string
}

var (
	DataCacheType   = TypeConfig{Type: metadata.DataCache, MinimumTTL: time.Minute, Directory: "data"}
	SystemCacheType = TypeConfig{Type: metadata.SystemCache, MinimumTTL: 5 * time.Minute, Directory: "system"}
)

// BuiltinTypes returns the cache types every deployment runs.
func BuiltinTypes() []TypeConfig {
	return []TypeConfig{DataCacheType, SystemCacheType}
}

// LookupType resolves a cache type name, case-insensitively.
func LookupType(name string) (TypeConfig, error) {
	for _, tc := range BuiltinTypes() {
		if strings.EqualFold(string(tc.Type), name) {
			return tc, nil
		}
	}
	return TypeConfig{}, fmt.Errorf("unknown cache type %q", name)
}

func (tc TypeConfig) validate() error {
	if tc.Type == "" {
		return fmt.Errorf("cache type is required")
	}
	if tc.MinimumTTL <= 0 {
		return fmt.Errorf("cache type %s: minimum ttl must be positive", tc.Type)
	}
	return nil
}

// Settings is the runtime-changeable part of a store's configuration.
type Settings struct {
	Enabled bool
	TTL     time.Duration
}

// ClampTTL raises ttl to the type's floor.
func (tc TypeConfig) ClampTTL(ttl time.Duration) time.Duration {
	if ttl < tc.MinimumTTL {
		return tc.MinimumTTL
	}
	return ttl
}

// EvictionReport summarizes one eviction sweep.
type EvictionReport struct {
	Candidates int           `json:"candidates"`
	Evicted    int           `json:"evicted"`
	Failed     int           `json:"failed"`
	Superseded int           `json:"superseded,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ClearReport summarizes a ClearAll.
type ClearReport struct {
	Keys    int `json:"keys"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

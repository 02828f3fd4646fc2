// Package provider is the general-purpose cache surface: ad-hoc values
// written straight to the remote store, optionally with a remote-side
// lifetime, and load-once helpers. Unlike cachestore it keeps no metadata,
// so its entries are neither evicted by sweeps nor replayed.
package provider

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/metrics"
)

const metricsLabel = "provider"

// Remote is the subset of the remote store client the provider uses.
// *cache.Client satisfies it.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) bool
	SetWithExpiry(ctx context.Context, key string, value []byte, expiry time.Duration) bool
	Exists(ctx context.Context, key string) bool
	Delete(ctx context.Context, key string) bool
	DeleteMatching(ctx context.Context, pattern string) int
}

// LoadFunc produces a value on a cache miss. A nil value is returned to the
// caller but not stored.
type LoadFunc func(ctx context.Context) (any, error)

type Provider struct {
	remote Remote
	codec  *codec.Codec
	group  singleflight.Group
}

func New(remote Remote, c *codec.Codec) *Provider {
	return &Provider{remote: remote, codec: c}
}

func (p *Provider) encode(key string, value any, hint codec.TypeHint) ([]byte, bool) {
	data, err := p.codec.Encode(value, hint)
	if err != nil {
		metrics.RecordCodecError(metricsLabel, "encode")
		logging.Op().Warn("value could not be encoded, skipping write", "key", key, "hint", hint, "error", err)
		return nil, false
	}
	return []byte(data), true
}

// Add stores value with no expiry.
func (p *Provider) Add(ctx context.Context, key string, value any, hint codec.TypeHint) {
	if data, ok := p.encode(key, value, hint); ok {
		p.remote.Set(ctx, key, data)
	}
}

// AddWithExactLifetime stores value and lets the remote store expire it
// after expiration. A non-positive expiration behaves like Add.
func (p *Provider) AddWithExactLifetime(ctx context.Context, key string, value any, hint codec.TypeHint, expiration time.Duration) {
	if expiration <= 0 {
		p.Add(ctx, key, value, hint)
		return
	}
	if data, ok := p.encode(key, value, hint); ok {
		p.remote.SetWithExpiry(ctx, key, data, expiration)
	}
}

// AddWithSlidingLifetime is AddWithExactLifetime; reads do not extend the
// lifetime.
func (p *Provider) AddWithSlidingLifetime(ctx context.Context, key string, value any, hint codec.TypeHint, expiration time.Duration) {
	p.AddWithExactLifetime(ctx, key, value, hint, expiration)
}

func (p *Provider) Contains(ctx context.Context, key string) bool {
	return p.remote.Exists(ctx, key)
}

// Get returns the decoded value. Misses and undecodable values report false.
func (p *Provider) Get(ctx context.Context, key string, hint codec.TypeHint) (any, bool) {
	raw, ok := p.remote.Get(ctx, key)
	if !ok {
		metrics.RecordLookup(metricsLabel, "miss")
		return nil, false
	}
	v, err := p.codec.Decode(string(raw), hint)
	if err != nil {
		metrics.RecordCodecError(metricsLabel, "decode")
		logging.Op().Warn("cached value could not be decoded", "key", key, "hint", hint, "error", err)
		metrics.RecordLookup(metricsLabel, "miss")
		return nil, false
	}
	metrics.RecordLookup(metricsLabel, "hit")
	return v, true
}

// GetAs is Get with the result asserted to T.
func GetAs[T any](ctx context.Context, p *Provider, key string, hint codec.TypeHint) (T, bool) {
	var zero T
	v, ok := p.Get(ctx, key, hint)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func (p *Provider) Remove(ctx context.Context, key string) {
	p.remote.Delete(ctx, key)
}

// RemoveKeyWithPattern deletes every key containing pattern.
func (p *Provider) RemoveKeyWithPattern(ctx context.Context, pattern string) int {
	return p.remote.DeleteMatching(ctx, pattern)
}

// Ensure returns the cached value for key, loading and storing it with no
// expiry on a miss.
func (p *Provider) Ensure(ctx context.Context, key string, hint codec.TypeHint, load LoadFunc) (any, error) {
	return p.EnsureWithExactLifetime(ctx, key, hint, 0, load)
}

// EnsureWithExactLifetime is Ensure with a remote-side lifetime for a newly
// loaded value. Concurrent callers for the same key share one load.
func (p *Provider) EnsureWithExactLifetime(ctx context.Context, key string, hint codec.TypeHint, expiration time.Duration, load LoadFunc) (any, error) {
	if v, ok := p.Get(ctx, key, hint); ok {
		return v, nil
	}
	v, err, _ := p.group.Do(key, func() (any, error) {
		// Another caller may have stored it while we waited.
		if v, ok := p.Get(ctx, key, hint); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if v != nil {
			p.AddWithExactLifetime(ctx, key, v, hint, expiration)
		}
		return v, nil
	})
	return v, err
}

func (p *Provider) EnsureWithSlidingLifetime(ctx context.Context, key string, hint codec.TypeHint, expiration time.Duration, load LoadFunc) (any, error) {
	return p.EnsureWithExactLifetime(ctx, key, hint, expiration, load)
}

// UpdateWithSlidingLifetime always loads and, for a non-nil result,
// overwrites the cached value.
func (p *Provider) UpdateWithSlidingLifetime(ctx context.Context, key string, hint codec.TypeHint, expiration time.Duration, load LoadFunc) (any, error) {
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if v != nil {
		p.AddWithExactLifetime(ctx, key, v, hint, expiration)
	}
	return v, nil
}

package cache

import (
	"context"
	"time"
)

// Publisher broadcasts local removals to other processes.
type Publisher interface {
	PublishKey(ctx context.Context, key string) error
	PublishPattern(ctx context.Context, pattern string) error
}

// TieredCache implements Cache with a fast L1 (in-memory) cache backed
// by the shared L2 (Redis). Reads check L1 first, falling through to L2 on
// miss and populating L1 on L2 hit. Writes go to both layers. Removals are
// published so that peers drop their L1 copies.
type TieredCache struct {
	l1        Cache
	l2        Cache
	l1TTL     time.Duration // TTL for L1 entries (should be shorter than L2)
	publisher Publisher
}

// NewTieredCache creates a two-level cache.
// l1TTL controls how long items live in the L1 cache (default: 10s).
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	if l1TTL <= 0 {
		l1TTL = 10 * time.Second
	}
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// SetPublisher attaches the invalidation broadcaster.
func (t *TieredCache) SetPublisher(p Publisher) {
	t.publisher = p
}

// L1 returns the local tier, which the Invalidator evicts from.
func (t *TieredCache) L1() Cache {
	return t.l1
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.l1.Get(ctx, key)
	if err == nil {
		return val, nil
	}

	val, err = t.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, nil
}

func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := t.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	_ = t.l1.Set(ctx, key, value, l1TTL)
	return t.l2.Set(ctx, key, value, ttl)
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	if err := t.l2.Delete(ctx, key); err != nil {
		return err
	}
	if t.publisher != nil {
		_ = t.publisher.PublishKey(ctx, key)
	}
	return nil
}

func (t *TieredCache) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	_, _ = t.l1.DeleteMatching(ctx, pattern)
	n, err := t.l2.DeleteMatching(ctx, pattern)
	if err != nil {
		return n, err
	}
	if t.publisher != nil {
		_ = t.publisher.PublishPattern(ctx, pattern)
	}
	return n, nil
}

func (t *TieredCache) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := t.l1.Exists(ctx, key)
	if err == nil && ok {
		return true, nil
	}
	return t.l2.Exists(ctx, key)
}

func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *TieredCache) Close() error {
	_ = t.l1.Close()
	return t.l2.Close()
}

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	patterns []string
}

func (p *recordingPublisher) PublishKey(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) PublishPattern(_ context.Context, pattern string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns = append(p.patterns, pattern)
	return nil
}

func newTiered(t *testing.T) (*TieredCache, *InMemoryCache, *InMemoryCache) {
	t.Helper()
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, time.Minute)
	t.Cleanup(func() { _ = tc.Close() })
	return tc, l1, l2
}

func TestTieredCache_ReadThroughPopulatesL1(t *testing.T) {
	tc, l1, l2 := newTiered(t)
	ctx := context.Background()

	_ = l2.Set(ctx, "k", []byte("from-l2"), 0)

	val, err := tc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "from-l2" {
		t.Fatalf("expected from-l2, got %q", val)
	}
	if ok, _ := l1.Exists(ctx, "k"); !ok {
		t.Fatal("expected L1 to be populated after L2 hit")
	}
}

func TestTieredCache_MissReturnsNotFound(t *testing.T) {
	tc, _, _ := newTiered(t)
	if _, err := tc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTieredCache_WritesBothTiers(t *testing.T) {
	tc, l1, l2 := newTiered(t)
	ctx := context.Background()

	if err := tc.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	for name, tier := range map[string]*InMemoryCache{"l1": l1, "l2": l2} {
		if ok, _ := tier.Exists(ctx, "k"); !ok {
			t.Fatalf("expected %s to hold the key", name)
		}
	}
}

func TestTieredCache_L1TTLCappedByEntryTTL(t *testing.T) {
	tc, l1, _ := newTiered(t)
	ctx := context.Background()

	_ = tc.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	if ok, _ := l1.Exists(ctx, "k"); ok {
		t.Fatal("expected L1 copy to expire with the entry ttl")
	}
}

func TestTieredCache_DeletePublishes(t *testing.T) {
	tc, l1, l2 := newTiered(t)
	pub := &recordingPublisher{}
	tc.SetPublisher(pub)
	ctx := context.Background()

	_ = tc.Set(ctx, "a:1", []byte("v"), 0)
	_ = tc.Set(ctx, "a:2", []byte("v"), 0)
	_ = tc.Set(ctx, "b:1", []byte("v"), 0)

	if err := tc.Delete(ctx, "b:1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	n, err := tc.DeleteMatching(ctx, "a:")
	if err != nil {
		t.Fatalf("DeleteMatching failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed from L2, got %d", n)
	}
	if l1.Len() != 0 || l2.Len() != 0 {
		t.Fatalf("expected both tiers empty, got l1=%d l2=%d", l1.Len(), l2.Len())
	}
	if len(pub.keys) != 1 || pub.keys[0] != "b:1" {
		t.Fatalf("expected key publish for b:1, got %v", pub.keys)
	}
	if len(pub.patterns) != 1 || pub.patterns[0] != "a:" {
		t.Fatalf("expected pattern publish for a:, got %v", pub.patterns)
	}
}

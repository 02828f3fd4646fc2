package metadata

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Index is the per-store, in-memory descriptor table. Reads never block
// writers; a descriptor is replaced wholesale on Upsert and only its removal
// flag changes afterwards.
type Index struct {
	cacheType CacheType
	entries   sync.Map // key -> *Descriptor
	size      atomic.Int64
}

// NewIndex creates an empty index for one cache type.
func NewIndex(cacheType CacheType) *Index {
	return &Index{cacheType: cacheType}
}

// Type returns the cache type this index belongs to.
func (x *Index) Type() CacheType {
	return x.cacheType
}

// Upsert installs a fresh, live descriptor for key and returns it.
func (x *Index) Upsert(key string, createdAt time.Time, query *QueryInfo) *Descriptor {
	d := NewDescriptor(x.cacheType, key, createdAt, query)
	if _, loaded := x.entries.Swap(key, d); !loaded {
		x.size.Add(1)
	}
	return d
}

// Load installs a descriptor rebuilt from a persisted record.
func (x *Index) Load(r *Record) *Descriptor {
	d := x.Upsert(r.Key, r.CreatedAt, r.Query)
	if r.IsRemoved {
		d.MarkRemoved()
	}
	return d
}

// Get returns the descriptor for key.
func (x *Index) Get(key string) (*Descriptor, bool) {
	v, ok := x.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Descriptor), true
}

// Snapshot returns every descriptor ordered by creation time, oldest first.
func (x *Index) Snapshot() []*Descriptor {
	out := make([]*Descriptor, 0, x.size.Load())
	x.entries.Range(func(_, v any) bool {
		out = append(out, v.(*Descriptor))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Expired returns the live descriptors older than ttl at now.
func (x *Index) Expired(ttl time.Duration, now time.Time) []*Descriptor {
	var out []*Descriptor
	for _, d := range x.Snapshot() {
		if !d.IsRemoved() && d.IsExpired(ttl, now) {
			out = append(out, d)
		}
	}
	return out
}

// Live returns the descriptors that are neither removed nor expired.
func (x *Index) Live(ttl time.Duration, now time.Time) []*Descriptor {
	var out []*Descriptor
	for _, d := range x.Snapshot() {
		if !d.IsRemoved() && !d.IsExpired(ttl, now) {
			out = append(out, d)
		}
	}
	return out
}

// MarkRemoved flags key as removed. It reports false if key is unknown.
func (x *Index) MarkRemoved(key string) bool {
	d, ok := x.Get(key)
	if !ok {
		return false
	}
	d.MarkRemoved()
	return true
}

// Current reports whether d is still the descriptor installed for its key.
func (x *Index) Current(d *Descriptor) bool {
	cur, ok := x.Get(d.Key)
	return ok && cur == d
}

// Delete drops d, but only while it is still the descriptor for its key.
func (x *Index) Delete(d *Descriptor) bool {
	if x.entries.CompareAndDelete(d.Key, d) {
		x.size.Add(-1)
		return true
	}
	return false
}

// Reset drops every descriptor.
func (x *Index) Reset() {
	x.entries.Range(func(k, _ any) bool {
		if _, loaded := x.entries.LoadAndDelete(k); loaded {
			x.size.Add(-1)
		}
		return true
	})
}

// Len returns the number of descriptors, removed ones included.
func (x *Index) Len() int {
	return int(x.size.Load())
}

// Counts splits Len into live and removed descriptors.
func (x *Index) Counts() (live, removed int) {
	x.entries.Range(func(_, v any) bool {
		if v.(*Descriptor).IsRemoved() {
			removed++
		} else {
			live++
		}
		return true
	})
	return live, removed
}

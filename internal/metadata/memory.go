package metadata

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps records in process memory. It backs tests and
// deployments that run without Postgres; nothing survives a restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[CacheType]map[string]Record
	closed  bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[CacheType]map[string]Record)}
}

func (m *MemoryRepository) GetMetadata(_ context.Context, cacheType CacheType) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrRepositoryClosed
	}
	part := m.records[cacheType]
	out := make([]*Record, 0, len(part))
	for _, r := range part {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) SaveMetadata(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrRepositoryClosed
	}
	part, ok := m.records[r.CacheType]
	if !ok {
		part = make(map[string]Record)
		m.records[r.CacheType] = part
	}
	part[r.Key] = *r
	return nil
}

func (m *MemoryRepository) MarkRemoved(_ context.Context, cacheType CacheType, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrRepositoryClosed
	}
	if r, ok := m.records[cacheType][key]; ok {
		r.IsRemoved = true
		m.records[cacheType][key] = r
	}
	return nil
}

func (m *MemoryRepository) DeleteAllMetadata(_ context.Context, cacheType CacheType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrRepositoryClosed
	}
	delete(m.records, cacheType)
	return nil
}

func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

package metadata

import (
	"context"
	"errors"
)

// ErrRepositoryClosed is returned by a repository after Close.
var ErrRepositoryClosed = errors.New("metadata repository closed")

// Repository persists metadata records, partitioned by cache type.
type Repository interface {
	// GetMetadata returns every record of cacheType, removed ones included.
	GetMetadata(ctx context.Context, cacheType CacheType) ([]*Record, error)
	// SaveMetadata inserts or replaces the record for (CacheType, Key).
	SaveMetadata(ctx context.Context, r *Record) error
	// MarkRemoved sets the removal flag. Unknown keys are not an error.
	MarkRemoved(ctx context.Context, cacheType CacheType, key string) error
	// DeleteAllMetadata drops the whole cacheType partition.
	DeleteAllMetadata(ctx context.Context, cacheType CacheType) error
	Close() error
}

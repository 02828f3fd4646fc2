package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores metadata in a single table keyed by
// (cache_type, key).
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) Close() error {
	if r.pool != nil {
		r.pool.Close()
	}
	return nil
}

// Pool exposes the connection pool so replay adaptors can share it.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS qcache_metadata (
			cache_type TEXT NOT NULL,
			key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			is_removed BOOLEAN NOT NULL DEFAULT FALSE,
			query JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (cache_type, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qcache_metadata_created ON qcache_metadata(cache_type, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) GetMetadata(ctx context.Context, cacheType CacheType) ([]*Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, cache_type, created_at, is_removed, query
		FROM qcache_metadata WHERE cache_type = $1 ORDER BY created_at, key
	`, string(cacheType))
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresRepository) SaveMetadata(ctx context.Context, rec *Record) error {
	var query []byte
	if rec.Query != nil {
		b, err := json.Marshal(rec.Query)
		if err != nil {
			return fmt.Errorf("marshal query info: %w", err)
		}
		query = b
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO qcache_metadata (cache_type, key, created_at, is_removed, query, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (cache_type, key) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			is_removed = EXCLUDED.is_removed,
			query = EXCLUDED.query,
			updated_at = NOW()
	`, string(rec.CacheType), rec.Key, rec.CreatedAt, rec.IsRemoved, query)
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkRemoved(ctx context.Context, cacheType CacheType, key string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE qcache_metadata SET is_removed = TRUE, updated_at = NOW()
		WHERE cache_type = $1 AND key = $2
	`, string(cacheType), key)
	if err != nil {
		return fmt.Errorf("mark metadata removed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteAllMetadata(ctx context.Context, cacheType CacheType) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM qcache_metadata WHERE cache_type = $1`, string(cacheType))
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var (
			rec       Record
			cacheType string
			query     []byte
		)
		if err := rows.Scan(&rec.Key, &cacheType, &rec.CreatedAt, &rec.IsRemoved, &query); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		rec.CacheType = CacheType(cacheType)
		if len(query) > 0 {
			var qi QueryInfo
			if err := json.Unmarshal(query, &qi); err != nil {
				return nil, fmt.Errorf("unmarshal query info for %q: %w", rec.Key, err)
			}
			rec.Query = &qi
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}
	return out, nil
}

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresServerType is the server type the SQL adaptor is registered under.
const PostgresServerType = "postgres"

// DefaultPageSize is used by paged queries whose definition sets none.
const DefaultPageSize = 500

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SQLDefinition is the QueryInfo.Definition understood by PostgresAdaptor.
type SQLDefinition struct {
	SQL      string `json:"sql"`
	Args     []any  `json:"args,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Page     int    `json:"page,omitempty"`
}

// PostgresAdaptor re-runs SQL queries recorded in entry metadata. Results
// are returned as a slice of column-name to value maps.
type PostgresAdaptor struct {
	db Querier
}

func NewPostgresAdaptor(db Querier) *PostgresAdaptor {
	return &PostgresAdaptor{db: db}
}

func parseSQLDefinition(q *Query) (*SQLDefinition, error) {
	if len(q.Info.Definition) == 0 {
		return nil, errors.New("query definition is empty")
	}
	var def SQLDefinition
	if err := json.Unmarshal(q.Info.Definition, &def); err != nil {
		return nil, fmt.Errorf("parse sql definition: %w", err)
	}
	if def.SQL == "" {
		return nil, errors.New("sql definition has no statement")
	}
	return &def, nil
}

func (a *PostgresAdaptor) RunQuery(ctx context.Context, q *Query, timeout time.Duration) (any, error) {
	def, err := parseSQLDefinition(q)
	if err != nil {
		return nil, err
	}
	return a.collect(ctx, timeout, def.SQL, def.Args...)
}

// RunPagedQuery wraps the statement in LIMIT/OFFSET for the recorded page.
func (a *PostgresAdaptor) RunPagedQuery(ctx context.Context, q *Query, timeout time.Duration) (any, error) {
	def, err := parseSQLDefinition(q)
	if err != nil {
		return nil, err
	}
	size := def.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := max(def.Page, 0)
	n := len(def.Args)
	sql := fmt.Sprintf("SELECT * FROM (%s) AS paged LIMIT $%d OFFSET $%d", def.SQL, n+1, n+2)
	args := append(append([]any{}, def.Args...), size, page*size)
	return a.collect(ctx, timeout, sql, args...)
}

func (a *PostgresAdaptor) collect(ctx context.Context, timeout time.Duration, sql string, args ...any) ([]map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rows, err := a.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	return out, nil
}

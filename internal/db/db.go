// Package db holds the PostgreSQL plumbing used by database-backed sources.
package db

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect creates a connection pool to PostgreSQL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Querier is the subset of pgxpool.Pool and pgx.Conn used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// QueryRecords runs query and returns each row keyed by column name.
func QueryRecords(ctx context.Context, q Querier, query string, args ...any) ([]map[string]any, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	for _, rec := range records {
		for k, v := range rec {
			rec[k] = Normalize(v)
		}
	}
	return records, nil
}

// Normalize converts driver values into plain Go values that stringify the
// way rule conditions expect.
func Normalize(v any) any {
	switch v := v.(type) {
	case [16]byte:
		return uuid.UUID(v).String()
	case pgtype.Numeric:
		if !v.Valid {
			return nil
		}
		f, err := v.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case *big.Int:
		return v.String()
	case []byte:
		return string(v)
	case map[string]any:
		for k, inner := range v {
			v[k] = Normalize(inner)
		}
		return v
	case []any:
		for i, inner := range v {
			v[i] = Normalize(inner)
		}
		return v
	}
	return v
}

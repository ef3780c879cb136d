package source

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbenjam1n/steward/internal/db"

	_ "modernc.org/sqlite"
)

// Postgres runs a query against PostgreSQL. The pool is opened on first use.
type Postgres struct {
	name  string
	url   string
	query string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

func NewPostgres(name, url, query string) *Postgres {
	return &Postgres{name: name, url: url, query: query}
}

func (p *Postgres) Name() string { return p.name }

func (p *Postgres) Gather(ctx context.Context) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil {
		pool, err := db.Connect(ctx, p.url)
		if err != nil {
			return nil, err
		}
		p.pool = pool
	}
	return db.QueryRecords(ctx, p.pool, p.query)
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

// SQLite runs a query against a local SQLite database file.
type SQLite struct {
	name  string
	path  string
	query string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLite(name, path, query string) *SQLite {
	return &SQLite{name: name, path: path, query: query}
}

func (s *SQLite) Name() string { return s.name }

func (s *SQLite) Gather(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		conn, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		conn.SetMaxOpenConns(1)
		s.db = conn
	}

	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func scanRows(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	var out []Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			rec[c] = db.Normalize(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

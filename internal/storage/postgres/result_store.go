// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_results"

// ResultStoreConfig controls the Postgres connection pool used for result rows.
type ResultStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// ResultStore writes crawl results into Postgres. The full result is kept as
// JSONB next to a few indexed columns.
//
//	CREATE TABLE crawl_results (
//		id text PRIMARY KEY,
//		url text NOT NULL,
//		crawled_at timestamptz NOT NULL,
//		extraction_degraded boolean NOT NULL,
//		payload jsonb NOT NULL
//	);
type ResultStore struct {
	pool  pool
	table string
	ids   crawler.IDGenerator
}

// NewResultStore creates a Postgres-backed ResultStore using the provided config.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig, ids crawler.IDGenerator) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewResultStoreWithPool(pgPool, table, ids)
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(p pool, table string, ids crawler.IDGenerator) (*ResultStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: p, table: table, ids: ids}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Ping checks that the database answers.
func (s *ResultStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Put upserts a result row and returns its identifier.
func (s *ResultStore) Put(ctx context.Context, result crawler.CrawlResult) (string, error) {
	if result.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("assign result id: %w", err)
		}
		result.ID = id
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	crawled_at,
	extraction_degraded,
	payload
) VALUES (
	$1,$2,$3,$4,$5
)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	crawled_at = EXCLUDED.crawled_at,
	extraction_degraded = EXCLUDED.extraction_degraded,
	payload = EXCLUDED.payload`, s.table)

	args := []any{
		result.ID,
		result.URL,
		result.CrawledAt,
		result.ExtractionDegraded,
		payload,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert result: %w", err)
	}
	return result.ID, nil
}

// Get fetches a result by identifier.
func (s *ResultStore) Get(ctx context.Context, id string) (crawler.CrawlResult, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, s.table)
	var payload []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlResult{}, fmt.Errorf("result %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("select result %s: %w", id, err)
	}
	var result crawler.CrawlResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("decode result %s: %w", id, err)
	}
	return result, nil
}

// List returns every stored result, oldest first.
func (s *ResultStore) List(ctx context.Context) ([]crawler.CrawlResult, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY crawled_at, id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := []crawler.CrawlResult{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var result crawler.CrawlResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

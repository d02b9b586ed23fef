package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"netprobe/internal/sink"
)

// Repository stores the latest result per (ip, port, scan_type).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an existing pool. Call EnsureSchema before using it.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the port_results table if it is missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS port_results (
  ip TEXT NOT NULL,
  port INTEGER NOT NULL,
  scan_type TEXT NOT NULL,
  target TEXT NOT NULL,
  session_id TEXT NOT NULL,
  status TEXT NOT NULL,
  service TEXT NOT NULL,
  version TEXT NOT NULL DEFAULT '',
  latency_ms DOUBLE PRECISION NOT NULL,
  probed_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (ip, port, scan_type)
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create port_results table: %w", err)
	}
	return nil
}

// Write upserts rec. A row probed later than rec is left untouched, so
// overlapping scans of the same host cannot roll a port back.
func (r *Repository) Write(ctx context.Context, rec sink.Record) error {
	const query = `
INSERT INTO port_results (ip, port, scan_type, target, session_id, status, service, version, latency_ms, probed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (ip, port, scan_type)
DO UPDATE SET
  target = EXCLUDED.target,
  session_id = EXCLUDED.session_id,
  status = EXCLUDED.status,
  service = EXCLUDED.service,
  version = EXCLUDED.version,
  latency_ms = EXCLUDED.latency_ms,
  probed_at = EXCLUDED.probed_at
WHERE EXCLUDED.probed_at >= port_results.probed_at;
`
	_, err := r.pool.Exec(ctx, query,
		rec.IP,
		rec.Result.Port,
		string(rec.ScanType),
		rec.Target,
		rec.SessionID,
		string(rec.Result.Status),
		rec.Result.Service,
		rec.Result.Version,
		rec.Result.LatencyMs,
		rec.Result.ProbedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert port %d: %w", rec.Result.Port, err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// NewDB opens a pgx pool and verifies the connection.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// One writer per scan; keep the pool small.
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Open connects, ensures the schema and returns a ready Repository.
func Open(ctx context.Context, connString string) (*Repository, error) {
	pool, err := NewDB(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewRepository(pool), nil
}

// Package ledger persists warm runs and their terminal failures to Postgres
// so operators can audit runs and replay individual failures.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arkturian/warmctl/internal/dispatch"
	"github.com/arkturian/warmctl/internal/progress"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS warmctl;

CREATE TABLE IF NOT EXISTS warmctl.runs (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	kind        TEXT NOT NULL,
	total       BIGINT NOT NULL,
	succeeded   BIGINT,
	failed      BIGINT,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS warmctl.failures (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	run_id      BIGINT NOT NULL REFERENCES warmctl.runs(id),
	key         TEXT NOT NULL,
	attempts    INT NOT NULL,
	http_status INT,
	last_error  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store wraps the connection pool with the run ledger operations.
type Store struct {
	pool *pgxpool.Pool
}

// Connect establishes the pool, verifies the connection, and creates the
// ledger schema if it does not exist yet.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// BeginRun inserts a run row and returns its ID.
func (s *Store) BeginRun(ctx context.Context, kind string, total int) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO warmctl.runs(kind, total) VALUES ($1, $2) RETURNING id`,
		kind, total).Scan(&id)
	return id, err
}

// FinishRun stamps the final counters on a run.
func (s *Store) FinishRun(ctx context.Context, runID int64, summary progress.Summary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE warmctl.runs
		SET succeeded=$1, failed=$2, finished_at=now()
		WHERE id=$3`,
		summary.Succeeded, summary.Failed, runID)
	return err
}

// RecordFailure persists one terminal failure with enough context to retry
// it individually later.
func (s *Store) RecordFailure(ctx context.Context, runID int64, o dispatch.Outcome) error {
	var status *int
	var he *dispatch.HTTPError
	if errors.As(o.Err, &he) {
		status = &he.Status
	}
	lastErr := ""
	if o.Err != nil {
		lastErr = o.Err.Error()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO warmctl.failures(run_id, key, attempts, http_status, last_error)
		VALUES ($1, $2, $3, $4, $5)`,
		runID, o.Desc.Key(), o.Attempts, status, lastErr)
	return err
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

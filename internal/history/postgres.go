// Package history provides Postgres-backed persistence for pass runs and
// per-key outcomes. It is an audit trail: the JSON state snapshot remains the
// source of truth for resumption.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/histpull/histpull/internal/scraper"
)

// Config controls the Postgres connection pool used for pass history.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Repository writes pass-history rows into Postgres. The expected schema:
//
// CREATE TABLE pass_runs (
//
//	id UUID PRIMARY KEY,
//	total_keys INTEGER NOT NULL,
//	started_at TIMESTAMPTZ NOT NULL,
//	finished_at TIMESTAMPTZ,
//	completed INTEGER,
//	failed INTEGER,
//	skipped INTEGER
//
// );
//
// CREATE TABLE pass_outcomes (
//
//	id BIGSERIAL PRIMARY KEY,
//	pass_id UUID NOT NULL REFERENCES pass_runs(id),
//	job_key TEXT NOT NULL,
//	outcome TEXT NOT NULL,
//	detail TEXT,
//	recorded_at TIMESTAMPTZ NOT NULL
//
// );
type Repository struct {
	pool execCloser
}

// New creates a Postgres-backed Repository using the provided config.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// NewWithPool constructs a Repository from an existing pool (primarily for
// testing).
func NewWithPool(pool execCloser) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// BeginPass inserts the pass_runs row for a starting pass.
func (r *Repository) BeginPass(ctx context.Context, passID uuid.UUID, total int, startedAt time.Time) error {
	const sql = `INSERT INTO pass_runs (id, total_keys, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, sql, passID, total, startedAt); err != nil {
		return fmt.Errorf("insert pass run: %w", err)
	}
	return nil
}

// RecordOutcome appends one key outcome row for the pass.
func (r *Repository) RecordOutcome(
	ctx context.Context,
	passID uuid.UUID,
	key string,
	outcome scraper.Outcome,
	detail string,
	at time.Time,
) error {
	const sql = `INSERT INTO pass_outcomes (pass_id, job_key, outcome, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, sql, passID, key, string(outcome), detail, at); err != nil {
		return fmt.Errorf("insert pass outcome: %w", err)
	}
	return nil
}

// CompletePass stamps the pass_runs row with final counters.
func (r *Repository) CompletePass(ctx context.Context, passID uuid.UUID, stats scraper.Stats, finishedAt time.Time) error {
	const sql = `UPDATE pass_runs
		SET finished_at = $2, completed = $3, failed = $4, skipped = $5
		WHERE id = $1`
	if _, err := r.pool.Exec(ctx, sql, passID, finishedAt, stats.Completed, stats.Failed, stats.Skipped); err != nil {
		return fmt.Errorf("complete pass run: %w", err)
	}
	return nil
}

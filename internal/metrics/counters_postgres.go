package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"callsim/pkg/utils"
)

// Schema creates the single-row metrics table and seeds it once.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS metrics (
  id                  INTEGER     PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  total_calls         BIGINT      NOT NULL DEFAULT 0,
  active_calls        BIGINT      NOT NULL DEFAULT 0,
  completed_calls     BIGINT      NOT NULL DEFAULT 0,
  uploads_completed   BIGINT      NOT NULL DEFAULT 0,
  uploads_in_progress BIGINT      NOT NULL DEFAULT 0,
  updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`INSERT INTO metrics (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	return utils.ExecAll(ctx, db, Schema...)
}

// PostgresCounters keeps upload counters in the metrics row so the API and
// worker processes see the same values.
type PostgresCounters struct {
	db *sql.DB
}

func NewPostgresCounters(db *sql.DB) *PostgresCounters { return &PostgresCounters{db: db} }

func (p *PostgresCounters) Begin(ctx context.Context) error {
	return p.exec(ctx, `UPDATE metrics SET uploads_in_progress = uploads_in_progress + 1, updated_at = NOW() WHERE id = 1`)
}

func (p *PostgresCounters) Succeed(ctx context.Context) error {
	return p.exec(ctx, `
UPDATE metrics SET
  uploads_in_progress = GREATEST(uploads_in_progress - 1, 0),
  uploads_completed   = uploads_completed + 1,
  updated_at          = NOW()
WHERE id = 1`)
}

const endInProgressSQL = `UPDATE metrics SET uploads_in_progress = GREATEST(uploads_in_progress - 1, 0), updated_at = NOW() WHERE id = 1`

func (p *PostgresCounters) Fail(ctx context.Context) error { return p.exec(ctx, endInProgressSQL) }

func (p *PostgresCounters) Abort(ctx context.Context) error { return p.exec(ctx, endInProgressSQL) }

func (p *PostgresCounters) Uploads(ctx context.Context) (UploadCounts, error) {
	var c UploadCounts
	err := p.db.QueryRowContext(ctx, `SELECT uploads_in_progress, uploads_completed FROM metrics WHERE id = 1`).
		Scan(&c.InProgress, &c.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadCounts{}, nil
	}
	if err != nil {
		return UploadCounts{}, fmt.Errorf("metrics: read uploads: %w", err)
	}
	return c, nil
}

func (p *PostgresCounters) exec(ctx context.Context, q string) error {
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("metrics: update counters: %w", err)
	}
	return nil
}

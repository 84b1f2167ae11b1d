package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callsim/pkg/utils"
)

// Schema creates the calls table. Safe to run repeatedly.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
  id            UUID PRIMARY KEY,
  from_number   VARCHAR(20)  NOT NULL,
  to_number     VARCHAR(20)  NOT NULL,
  status        VARCHAR(20)  NOT NULL DEFAULT 'QUEUED',
  metadata      JSONB        NOT NULL DEFAULT '{}'::jsonb,
  recording_url TEXT,
  api_key       VARCHAR(255) NOT NULL,
  created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
  updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_api_key ON calls(api_key)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at DESC)`,
}

// Migrate applies Schema in one transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	return utils.ExecAll(ctx, db, Schema...)
}

// PostgresStore is the Store backed by the calls table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const selectCallColumns = `id, from_number, to_number, status, metadata, COALESCE(recording_url, ''), api_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c    Call
		meta []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.From,
		&c.To,
		&c.Status,
		&meta,
		&c.RecordingURL,
		&c.Tenant,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return Call{}, fmt.Errorf("calls: decode metadata: %w", err)
		}
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, c Call) error {
	if c.ID == "" || c.Tenant == "" || !c.Status.Valid() {
		return ErrInvalidArgument
	}
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrInvalidArgument, err)
	}

	const q = `
INSERT INTO calls (id, from_number, to_number, status, metadata, api_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	if _, err := s.db.ExecContext(ctx, q,
		c.ID,
		c.From,
		c.To,
		c.Status,
		string(raw),
		c.Tenant,
		c.CreatedAt,
		c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("calls: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + selectCallColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, fmt.Errorf("calls: get: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (Call, error) {
	if !CanTransition(from, to) {
		return Call{}, ErrStatusConflict
	}
	// Guarding on the current status keeps the row monotonic even if a
	// second writer ever raced this one.
	q := `
UPDATE calls SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
RETURNING ` + selectCallColumns
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id, from, to, at))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Call{}, fmt.Errorf("calls: transition: %w", err)
	}
	if _, gerr := s.Get(ctx, id); gerr != nil {
		return Call{}, gerr
	}
	return Call{}, ErrStatusConflict
}

func (s *PostgresStore) SetRecordingURL(ctx context.Context, id, url string, at time.Time) error {
	const q = `
UPDATE calls SET recording_url = $2, updated_at = $3
WHERE id = $1 AND status = 'COMPLETED'
`
	res, err := s.db.ExecContext(ctx, q, id, url, at)
	if err != nil {
		return fmt.Errorf("calls: set recording url: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("calls: set recording url: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	const q = `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE status <> 'COMPLETED'),
  COUNT(*) FILTER (WHERE status = 'COMPLETED')
FROM calls
`
	var c Counts
	if err := s.db.QueryRowContext(ctx, q).Scan(&c.Total, &c.Active, &c.Completed); err != nil {
		return Counts{}, fmt.Errorf("calls: counts: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CountActive(ctx context.Context, tenant string) (int64, error) {
	const q = `SELECT COUNT(*) FROM calls WHERE api_key = $1 AND status <> 'COMPLETED'`
	var n int64
	if err := s.db.QueryRowContext(ctx, q, tenant).Scan(&n); err != nil {
		return 0, fmt.Errorf("calls: count active: %w", err)
	}
	return n, nil
}

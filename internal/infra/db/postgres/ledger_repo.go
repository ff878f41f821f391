package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
)

var _ repository.LedgerRepository = (*ledgerRepo)(nil)

// LedgerSchema creates the processed_jobs table. deploy/postgres/init.sql
// carries the same statement.
const LedgerSchema = `
CREATE TABLE IF NOT EXISTS processed_jobs (
  job_id       TEXT PRIMARY KEY,
  title        TEXT NOT NULL DEFAULT '',
  processed_at TIMESTAMPTZ NOT NULL,
  status       TEXT NOT NULL,
  reason       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_processed_jobs_processed_at ON processed_jobs (processed_at DESC);`

type ledgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *ledgerRepo {
	return &ledgerRepo{pool: pool}
}

func (r *ledgerRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, LedgerSchema); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (r *ledgerRepo) Record(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) error {
	if e == nil || e.JobID == "" {
		return domain.ErrInvalidArgument
	}
	const q = `
INSERT INTO processed_jobs (job_id, title, processed_at, status, reason)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO UPDATE
  SET title        = EXCLUDED.title,
      processed_at = EXCLUDED.processed_at,
      status       = EXCLUDED.status,
      reason       = EXCLUDED.reason;`
	if _, err := execSQL(ctx, r.pool, tx, q, e.JobID, e.Title, e.ProcessedAt, string(e.Status), e.Reason); err != nil {
		return fmt.Errorf("record ledger %s: %w", e.JobID, err)
	}
	return nil
}

func (r *ledgerRepo) FindByJobID(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error) {
	const q = `
SELECT job_id, title, processed_at, status, reason
  FROM processed_jobs
 WHERE job_id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, err
	}
	e, err := scanLedgerEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return e, nil
}

func (r *ledgerRepo) List(ctx context.Context, tx repository.Tx) ([]*model.LedgerEntry, error) {
	const q = `
SELECT job_id, title, processed_at, status, reason
  FROM processed_jobs
 ORDER BY processed_at ASC, job_id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []*model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLedgerEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var (
		e      model.LedgerEntry
		status string
	)
	if err := row.Scan(&e.JobID, &e.Title, &e.ProcessedAt, &status, &e.Reason); err != nil {
		return nil, err
	}
	e.Status = model.LedgerStatus(status)
	e.ProcessedAt = e.ProcessedAt.UTC()
	return &e, nil
}

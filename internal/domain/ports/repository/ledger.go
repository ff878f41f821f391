package repository

import (
	"context"

	"kirinuki-pipeline/internal/domain/model"
)

// LedgerRepository is the processed-jobs ledger shared with the job scheduler.
type LedgerRepository interface {
	// Record upserts the entry keyed by its job id.
	Record(ctx context.Context, tx Tx, entry *model.LedgerEntry) error
	FindByJobID(ctx context.Context, tx Tx, jobID string) (*model.LedgerEntry, error)
	List(ctx context.Context, tx Tx) ([]*model.LedgerEntry, error)
}

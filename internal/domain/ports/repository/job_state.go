package repository

import (
	"context"

	"kirinuki-pipeline/internal/domain/model"
)

// JobStateRepository persists one JobState document per job id.
type JobStateRepository interface {
	// Get returns domain.ErrNotFound when no document exists and
	// domain.ErrInvalidState when the stored document cannot be used.
	Get(ctx context.Context, jobID string) (*model.JobState, error)
	// Save refreshes LastUpdated and writes the whole document.
	Save(ctx context.Context, state *model.JobState) error
	Delete(ctx context.Context, jobID string) error
}

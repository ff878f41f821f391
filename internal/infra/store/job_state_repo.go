// File: internal/infra/store/job_state_repo.go
package store

import (
	"context"
	"fmt"
	"time"

	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
)

var _ repository.JobStateRepository = (*jobStateRepo)(nil)

type jobStateRepo struct {
	blobs repository.BlobStore
	now   func() time.Time
}

// NewJobStateRepository stores one state_<jobID>.json blob per job.
func NewJobStateRepository(blobs repository.BlobStore) *jobStateRepo {
	return &jobStateRepo{blobs: blobs, now: func() time.Time { return time.Now().UTC() }}
}

func StateBlobName(jobID string) string { return "state_" + jobID + ".json" }

func (r *jobStateRepo) Get(ctx context.Context, jobID string) (*model.JobState, error) {
	data, err := r.blobs.Get(ctx, StateBlobName(jobID))
	if err != nil {
		return nil, err
	}
	s, err := model.DecodeJobState(data)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	return s, nil
}

func (r *jobStateRepo) Save(ctx context.Context, s *model.JobState) error {
	s.LastUpdated = r.now()
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := r.blobs.Put(ctx, StateBlobName(s.JobID), data); err != nil {
		return fmt.Errorf("save state %s: %w", s.JobID, err)
	}
	return nil
}

func (r *jobStateRepo) Delete(ctx context.Context, jobID string) error {
	return r.blobs.Delete(ctx, StateBlobName(jobID))
}

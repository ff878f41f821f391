package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
)

var _ repository.LedgerRepository = (*blobLedgerRepo)(nil)

// DefaultLedgerName is the blob shared with the job scheduler.
const DefaultLedgerName = "processed_jobs.json"

// blobLedgerRepo keeps the whole ledger as one JSON array. Record is a
// read-modify-write and is only serialized within this process.
type blobLedgerRepo struct {
	mu    sync.Mutex
	blobs repository.BlobStore
	name  string
}

func NewLedgerRepository(blobs repository.BlobStore, name string) *blobLedgerRepo {
	if name == "" {
		name = DefaultLedgerName
	}
	return &blobLedgerRepo{blobs: blobs, name: name}
}

func (r *blobLedgerRepo) load(ctx context.Context) ([]*model.LedgerEntry, error) {
	data, err := r.blobs.Get(ctx, r.name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []*model.LedgerEntry
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: ledger %s: %v", domain.ErrInvalidState, r.name, err)
	}
	return entries, nil
}

func (r *blobLedgerRepo) Record(ctx context.Context, _ repository.Tx, e *model.LedgerEntry) error {
	if e == nil || e.JobID == "" {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load(ctx)
	if err != nil {
		return err
	}
	entries = model.UpsertLedger(entries, e)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return r.blobs.Put(ctx, r.name, data)
}

func (r *blobLedgerRepo) FindByJobID(ctx context.Context, _ repository.Tx, jobID string) (*model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e != nil && e.JobID == jobID {
			return e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *blobLedgerRepo) List(ctx context.Context, _ repository.Tx) ([]*model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

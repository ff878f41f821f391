package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/ports/repository"
	"kirinuki-pipeline/internal/infra/metrics"
)

var _ repository.BlobStore = (*BlobStore)(nil)

// BlobStore keeps each blob as a JSON file in one Drive folder. Names are
// unique within the folder by convention; the first match wins.
type BlobStore struct {
	api    FileAPI
	folder string
}

func NewBlobStore(api FileAPI, folderID string) *BlobStore {
	return &BlobStore{api: api, folder: folderID}
}

func (s *BlobStore) Get(ctx context.Context, name string) (data []byte, err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("drive", "get", start, notFoundOK(err)) }(time.Now())
	f, err := s.api.Find(ctx, s.folder, name)
	if err != nil {
		return nil, wrap("find", name, err)
	}
	data, err = s.api.Download(ctx, f.Id)
	if err != nil {
		return nil, wrap("download", name, err)
	}
	return data, nil
}

func (s *BlobStore) Put(ctx context.Context, name string, data []byte) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("drive", "put", start, err) }(time.Now())
	media := googleapi.ContentType("application/json")
	f, err := s.api.Find(ctx, s.folder, name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		meta := &drive.File{Name: name, Parents: []string{s.folder}, MimeType: "application/json"}
		_, err = s.api.Create(ctx, meta, bytes.NewReader(data), media)
		return wrap("create", name, err)
	case err != nil:
		return wrap("find", name, err)
	}
	_, err = s.api.Update(ctx, f.Id, bytes.NewReader(data), media)
	return wrap("update", name, err)
}

func (s *BlobStore) Delete(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("drive", "delete", start, err) }(time.Now())
	f, err := s.api.Find(ctx, s.folder, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrap("find", name, err)
	}
	return wrap("delete", name, s.api.Delete(ctx, f.Id))
}

func wrap(op, name string, err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if isRateLimited(err) {
		return fmt.Errorf("drive %s %s: %w: %v", op, name, domain.ErrRateLimited, err)
	}
	return fmt.Errorf("drive %s %s: %w", op, name, err)
}

func notFoundOK(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

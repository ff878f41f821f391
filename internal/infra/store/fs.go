// File: internal/infra/store/fs.go
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/ports/repository"
	"kirinuki-pipeline/internal/infra/metrics"
)

var _ repository.BlobStore = (*FSBlobStore)(nil)

// FSBlobStore stores each blob as a file in one directory.
type FSBlobStore struct {
	dir string
}

func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FSBlobStore{dir: dir}, nil
}

func (s *FSBlobStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: blob name %q", domain.ErrInvalidArgument, name)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *FSBlobStore) Get(ctx context.Context, name string) (data []byte, err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("fs", "get", start, ignoreNotFound(err)) }(time.Now())
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err = os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

func (s *FSBlobStore) Put(ctx context.Context, name string, data []byte) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("fs", "put", start, err) }(time.Now())
	p, err := s.path(name)
	if err != nil {
		return err
	}
	return WriteFileAtomic(p, data)
}

func (s *FSBlobStore) Delete(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("fs", "delete", start, err) }(time.Now())
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err = os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file beside path and renames it
// into place, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".kirinuki-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

// CopyFileAtomic copies src to dst through a temp file and returns the
// number of bytes written.
func CopyFileAtomic(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create parent for %s: %w", dst, err)
	}
	tmp, err := os.CreateTemp(dir, ".kirinuki-tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file for %s: %w", dst, err)
	}
	tmpPath := tmp.Name()
	n, err := io.Copy(tmp, in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("copy %s: %w", src, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("atomic rename for %s: %w", dst, err)
	}
	return n, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

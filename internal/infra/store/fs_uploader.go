package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/adapter"
)

var _ adapter.Uploader = (*FSUploader)(nil)

// FSUploader delivers clips by copying them into a local directory. The
// remote id is the delivered path.
type FSUploader struct {
	dir string
}

func NewFSUploader(dir string) *FSUploader { return &FSUploader{dir: dir} }

func (u *FSUploader) Upload(ctx context.Context, req adapter.UploadRequest) (adapter.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.UploadResult{}, err
	}
	if _, err := os.Stat(req.Path); err != nil {
		return adapter.UploadResult{}, fmt.Errorf("upload clip %d: %w", req.ClipIndex, err)
	}
	name := model.ClipRemoteName(req.SourceTitle, req.ClipIndex)
	dst := filepath.Join(u.dir, name)
	n, err := CopyFileAtomic(dst, req.Path)
	if err != nil {
		return adapter.UploadResult{}, err
	}
	return adapter.UploadResult{RemoteID: dst, RemoteName: name, SizeBytes: n}, nil
}

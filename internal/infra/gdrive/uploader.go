package gdrive

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/infra/metrics"
)

var _ adapter.Uploader = (*Uploader)(nil)

const (
	DefaultResumableThreshold = 5 << 20
	DefaultChunkSize          = 8 << 20
)

// Uploader puts rendered clips into the clips folder. Files above the
// threshold go through the chunked resumable protocol.
type Uploader struct {
	api       FileAPI
	folder    string
	threshold int64
	chunk     int
	log       *zerolog.Logger
}

func NewUploader(api FileAPI, folderID string, threshold int64, chunk int, logger *zerolog.Logger) *Uploader {
	if threshold <= 0 {
		threshold = DefaultResumableThreshold
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Uploader{api: api, folder: folderID, threshold: threshold, chunk: chunk, log: logger}
}

func (u *Uploader) Upload(ctx context.Context, req adapter.UploadRequest) (adapter.UploadResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return adapter.UploadResult{}, fmt.Errorf("open clip %d: %w", req.ClipIndex, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return adapter.UploadResult{}, err
	}

	name := model.ClipRemoteName(req.SourceTitle, req.ClipIndex)
	opts := []googleapi.MediaOption{googleapi.ContentType("video/mp4")}
	mode := "simple"
	if st.Size() > u.threshold {
		opts = append(opts, googleapi.ChunkSize(u.chunk))
		mode = "resumable"
	} else {
		opts = append(opts, googleapi.ChunkSize(0))
	}

	start := time.Now()
	meta := &drive.File{Name: name, Parents: []string{u.folder}}
	out, err := u.api.Create(ctx, meta, f, opts...)
	metrics.ObserveStoreOp("drive", "upload_"+mode, start, err)
	if err != nil {
		return adapter.UploadResult{}, wrap("upload", name, err)
	}
	u.log.Info().
		Str("file", name).
		Str("mode", mode).
		Int64("bytes", st.Size()).
		Dur("took", time.Since(start)).
		Msg("clip uploaded to drive")
	return adapter.UploadResult{RemoteID: out.Id, RemoteName: name, SizeBytes: st.Size()}, nil
}

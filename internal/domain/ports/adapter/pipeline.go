package adapter

import "context"

// Collaborators of the pipeline orchestrator. Each one writes its artifact
// to the path it is handed; the orchestrator verifies the artifact exists
// before moving on. Errors that carry captured process output should
// implement `Output() string` so failures can be classified.

type DownloadRequest struct {
	JobID      string
	OutputPath string
}

type DownloadResult struct {
	DurationSeconds float64
	Title           string
}

type Downloader interface {
	Download(ctx context.Context, req DownloadRequest) (DownloadResult, error)
}

type TranscribeRequest struct {
	JobID      string
	VideoPath  string
	OutputPath string
}

type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) error
}

type ProposeRequest struct {
	JobID          string
	VideoPath      string
	TranscriptPath string
	ClipsDir       string
	// MaxClips caps the number of clips kept after merging. 0 means the
	// proposer default.
	MaxClips  int
	Reactions bool
}

type ProposeResult struct {
	ClipCount      int
	CandidatesPath string
}

// ClipProposer turns a transcript into cut clip files clip_NNN.mp4 inside
// ClipsDir, together with their candidate, hook and reaction sidecars.
type ClipProposer interface {
	ProposeClips(ctx context.Context, req ProposeRequest) (ProposeResult, error)
}

type RenderRequest struct {
	JobID       string
	BatchIndex  int
	ClipsDir    string
	ClipIndices []int
	PropsDir    string
	OutputDir   string
}

// RenderResult maps clip index to rendered file path.
type RenderResult struct {
	Outputs map[int]string
}

type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
}

type UploadRequest struct {
	JobID       string
	SourceTitle string
	ClipIndex   int
	Path        string
}

type UploadResult struct {
	RemoteID   string
	RemoteName string
	SizeBytes  int64
}

type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)
}

type CutRequest struct {
	SourcePath string
	OutputPath string
	Start      float64
	End        float64
}

// VideoCutter extracts [Start, End) of a source video into OutputPath.
type VideoCutter interface {
	Cut(ctx context.Context, req CutRequest) error
}

// Locker guards a job against concurrent runs.
type Locker interface {
	TryLock(ctx context.Context, key string) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

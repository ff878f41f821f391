package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"kirinuki-pipeline/internal/domain"
)

type JobStatus string

const (
	JobStatusInProgress JobStatus = "in-progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Resumable reports whether a stored document in this status is picked up
// by a plain (non-forced) run.
func (s JobStatus) Resumable() bool {
	return s == JobStatusInProgress || s == JobStatusFailed
}

type StageName string

const (
	StageDownload       StageName = "download"
	StageTranscribe     StageName = "transcribe"
	StageClipGeneration StageName = "clipGeneration"
)

// Stages lists the single-shot stages in execution order.
var Stages = []StageName{StageDownload, StageTranscribe, StageClipGeneration}

// JobStateSchemaVersion is written into every saved document.
const JobStateSchemaVersion = 2

type StageState struct {
	Done bool `json:"done"`
}

// ClipRecord tracks one clip through render and upload.
type ClipRecord struct {
	Rendered   bool       `json:"rendered"`
	Uploaded   bool       `json:"uploaded"`
	BatchIndex int        `json:"batchIndex"`
	RemoteID   string     `json:"remoteId,omitempty"`
	RemoteName string     `json:"remoteName,omitempty"`
	SizeBytes  int64      `json:"sizeBytes,omitempty"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
}

// JobState is the persisted progress document of a single job.
type JobState struct {
	SchemaVersion         int                      `json:"schemaVersion"`
	JobID                 string                   `json:"jobId"`
	Status                JobStatus                `json:"status"`
	SourceTitle           string                   `json:"sourceTitle,omitempty"`
	DurationSeconds       float64                  `json:"durationSeconds"`
	RequestedBatchCount   int                      `json:"requestedBatchCount"`
	Stages                map[StageName]StageState `json:"stages"`
	ClipBatches           [][]int                  `json:"clipBatches"`
	CompletedBatchIndices []int                    `json:"completedBatchIndices"`
	Clips                 map[string]*ClipRecord   `json:"clips"`
	TotalClips            int                      `json:"totalClips"`
	FailureReason         string                   `json:"failureReason,omitempty"`
	RunID                 string                   `json:"runId,omitempty"`
	LastUpdated           time.Time                `json:"lastUpdated"`
}

// NewJobState returns a fresh in-progress document for jobID.
func NewJobState(jobID string) (*JobState, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: empty job id", domain.ErrInvalidArgument)
	}
	s := &JobState{
		SchemaVersion:       JobStateSchemaVersion,
		JobID:               jobID,
		Status:              JobStatusInProgress,
		RequestedBatchCount: 1,
	}
	s.EnsureDefaults()
	return s, nil
}

// EnsureDefaults fills nil collections and missing stage entries.
func (s *JobState) EnsureDefaults() {
	s.SchemaVersion = JobStateSchemaVersion
	if s.Stages == nil {
		s.Stages = make(map[StageName]StageState, len(Stages))
	}
	for _, name := range Stages {
		if _, ok := s.Stages[name]; !ok {
			s.Stages[name] = StageState{}
		}
	}
	if s.Clips == nil {
		s.Clips = make(map[string]*ClipRecord)
	}
	if s.ClipBatches == nil {
		s.ClipBatches = [][]int{}
	}
	if s.CompletedBatchIndices == nil {
		s.CompletedBatchIndices = []int{}
	}
	if s.RequestedBatchCount < 1 {
		s.RequestedBatchCount = 1
	}
}

func ClipKey(index int) string { return fmt.Sprintf("clip_%03d", index) }

// ParseClipKey is the inverse of ClipKey.
func ParseClipKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "clip_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *JobState) StageDone(name StageName) bool { return s.Stages[name].Done }

func (s *JobState) MarkStageDone(name StageName) {
	s.Stages[name] = StageState{Done: true}
}

// Clip returns the record for index, creating it when absent.
func (s *JobState) Clip(index int) *ClipRecord {
	key := ClipKey(index)
	rec, ok := s.Clips[key]
	if !ok || rec == nil {
		rec = &ClipRecord{}
		s.Clips[key] = rec
	}
	return rec
}

func (s *JobState) ClipUploaded(index int) bool {
	rec, ok := s.Clips[ClipKey(index)]
	return ok && rec != nil && rec.Uploaded
}

// BatchUploaded reports whether every clip of batch has been uploaded.
func (s *JobState) BatchUploaded(batch []int) bool {
	for _, idx := range batch {
		if !s.ClipUploaded(idx) {
			return false
		}
	}
	return true
}

func (s *JobState) IsBatchCompleted(i int) bool {
	j := sort.SearchInts(s.CompletedBatchIndices, i)
	return j < len(s.CompletedBatchIndices) && s.CompletedBatchIndices[j] == i
}

func (s *JobState) MarkBatchCompleted(i int) {
	if s.IsBatchCompleted(i) {
		return
	}
	s.CompletedBatchIndices = append(s.CompletedBatchIndices, i)
	sort.Ints(s.CompletedBatchIndices)
}

// AllUploaded reports whether every clip named by the batch plan is uploaded.
func (s *JobState) AllUploaded() bool {
	for _, b := range s.ClipBatches {
		if !s.BatchUploaded(b) {
			return false
		}
	}
	return true
}

// Validate checks the document invariants.
func (s *JobState) Validate() error {
	if strings.TrimSpace(s.JobID) == "" {
		return fmt.Errorf("%w: missing jobId", domain.ErrInvalidState)
	}
	switch s.Status {
	case JobStatusInProgress, JobStatusCompleted, JobStatusFailed, "":
	default:
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidState, s.Status)
	}
	seen := make(map[int]struct{})
	for bi, b := range s.ClipBatches {
		if len(b) == 0 {
			return fmt.Errorf("%w: batch %d is empty", domain.ErrInvalidState, bi)
		}
		for _, idx := range b {
			if _, dup := seen[idx]; dup {
				return fmt.Errorf("%w: clip %d planned twice", domain.ErrInvalidState, idx)
			}
			seen[idx] = struct{}{}
		}
	}
	for _, i := range s.CompletedBatchIndices {
		if i < 0 || i >= len(s.ClipBatches) {
			return fmt.Errorf("%w: completed batch %d out of range", domain.ErrInvalidState, i)
		}
	}
	for key := range s.Clips {
		if _, ok := ParseClipKey(key); !ok {
			return fmt.Errorf("%w: bad clip key %q", domain.ErrInvalidState, key)
		}
	}
	if s.Status == JobStatusCompleted && !s.AllUploaded() {
		return fmt.Errorf("%w: completed with clips not uploaded", domain.ErrInvalidState)
	}
	return nil
}

// Encode stamps the schema version and serializes the document.
func (s *JobState) Encode() ([]byte, error) {
	s.SchemaVersion = JobStateSchemaVersion
	return json.MarshalIndent(s, "", "  ")
}

// legacyJobState is the version-1 document layout.
type legacyJobState struct {
	VideoID          string                 `json:"videoId"`
	Status           JobStatus              `json:"status"`
	SourceTitle      string                 `json:"sourceTitle"`
	DurationSeconds  float64                `json:"durationSeconds"`
	RequestedBatches int                    `json:"requestedBatches"`
	ClipBatches      [][]int                `json:"clipBatches"`
	CompletedBatches []int                  `json:"completedBatches"`
	TotalClips       int                    `json:"totalClips"`
	Stages           map[string]StageState  `json:"stages"`
	Clips            map[string]*ClipRecord `json:"clips"`
	LastUpdated      string                 `json:"lastUpdated"`
}

// DecodeJobState parses a stored document, upgrading older schema versions,
// and validates the result.
func DecodeJobState(data []byte) (*JobState, error) {
	var probe struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}

	var s *JobState
	switch {
	case probe.SchemaVersion >= JobStateSchemaVersion:
		s = &JobState{}
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
		}
	default:
		var legacy legacyJobState
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
		}
		s = migrateLegacy(&legacy)
	}

	s.EnsureDefaults()
	sort.Ints(s.CompletedBatchIndices)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func migrateLegacy(l *legacyJobState) *JobState {
	s := &JobState{
		JobID:               l.VideoID,
		Status:              l.Status,
		SourceTitle:         l.SourceTitle,
		DurationSeconds:     l.DurationSeconds,
		RequestedBatchCount: l.RequestedBatches,
		ClipBatches:         l.ClipBatches,
		TotalClips:          l.TotalClips,
		Clips:               l.Clips,
		Stages:              make(map[StageName]StageState, len(Stages)),
	}
	for key, st := range l.Stages {
		switch key {
		case "clips":
			s.Stages[StageClipGeneration] = st
		default:
			s.Stages[StageName(key)] = st
		}
	}
	if s.Clips == nil {
		s.Clips = make(map[string]*ClipRecord)
	}
	// v1 counted batches from 1 and finished a batch only after delivering it.
	for _, b := range l.CompletedBatches {
		if b < 1 || b > len(l.ClipBatches) {
			continue
		}
		s.CompletedBatchIndices = append(s.CompletedBatchIndices, b-1)
		for _, idx := range l.ClipBatches[b-1] {
			rec := s.Clip(idx)
			rec.BatchIndex = b - 1
			rec.Rendered = true
			rec.Uploaded = true
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, l.LastUpdated); err == nil {
		s.LastUpdated = ts
	}
	return s
}

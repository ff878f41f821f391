// File: internal/usecase/pipeline_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/domain/ports/repository"
	"kirinuki-pipeline/internal/infra/logging"
	"kirinuki-pipeline/internal/infra/metrics"
)

// Compile-time check
var _ PipelineUseCase = (*pipelineUC)(nil)

// RunOutcome summarizes how a run ended.
type RunOutcome string

const (
	OutcomeCompleted   RunOutcome = "completed"
	OutcomeNoop        RunOutcome = "noop"
	OutcomeFailed      RunOutcome = "failed"
	OutcomeRateLimited RunOutcome = "rate_limited"
	OutcomeLocked      RunOutcome = "locked"
	OutcomeInterrupted RunOutcome = "interrupted"
)

type PipelineUseCase interface {
	// Run drives jobID through every pending stage. resume forces a stored
	// document to be picked up whatever its status.
	Run(ctx context.Context, jobID string, resume bool) (RunOutcome, error)
}

type PipelineOptions struct {
	WorkDir          string
	SourceTitle      string
	MaxClips         int
	MaxClipsPerBatch int
	Reactions        bool
}

// PipelineDeps are the collaborators of the orchestrator. Ledger, Notifier
// and Locker are optional.
type PipelineDeps struct {
	States      repository.JobStateRepository
	Ledger      repository.LedgerRepository
	Downloader  adapter.Downloader
	Transcriber adapter.Transcriber
	Proposer    adapter.ClipProposer
	Renderer    adapter.Renderer
	Uploader    adapter.Uploader
	Notifier    adapter.Notifier
	Locker      adapter.Locker
}

type pipelineUC struct {
	PipelineDeps
	opts PipelineOptions
	log  *zerolog.Logger
}

func NewPipelineUseCase(deps PipelineDeps, opts PipelineOptions, logger *zerolog.Logger) *pipelineUC {
	if opts.MaxClipsPerBatch <= 0 {
		opts.MaxClipsPerBatch = DefaultMaxClipsPerBatch
	}
	l := logger.With().Str("component", "pipeline").Logger()
	return &pipelineUC{PipelineDeps: deps, opts: opts, log: &l}
}

func lockKey(jobID string) string { return "lock:job:" + jobID }

func (p *pipelineUC) Run(ctx context.Context, jobID string, resume bool) (RunOutcome, error) {
	runID := ulid.Make().String()
	ctx = logging.WithRunID(logging.WithJobID(ctx, jobID), runID)
	log := logging.With(ctx, p.log)

	if p.Locker != nil {
		token, err := p.Locker.TryLock(ctx, lockKey(jobID))
		if err != nil {
			if errors.Is(err, domain.ErrJobLocked) {
				log.Warn().Msg("another run holds the job lock")
				metrics.IncJob(string(OutcomeLocked))
				return OutcomeLocked, err
			}
			return OutcomeFailed, fmt.Errorf("acquire job lock: %w", err)
		}
		defer func() {
			if err := p.Locker.Unlock(context.WithoutCancel(ctx), lockKey(jobID), token); err != nil {
				log.Warn().Err(err).Msg("release job lock")
			}
		}()
	}

	state, err := p.load(ctx, log, jobID, resume)
	if err != nil {
		if ClassifyError(err) == FailureRateLimited {
			metrics.IncJob(string(OutcomeRateLimited))
			return OutcomeRateLimited, &RateLimitError{Stage: "load", Err: err}
		}
		metrics.IncJob(string(OutcomeFailed))
		return OutcomeFailed, err
	}
	if state == nil {
		metrics.IncJob(string(OutcomeNoop))
		return OutcomeNoop, nil
	}
	state.RunID = runID

	if err := p.save(ctx, state); err != nil {
		return p.fail(ctx, log, state, &StageError{Stage: "init", Class: ClassifyError(err), Err: err})
	}

	if err := p.execute(ctx, log, state); err != nil {
		return p.fail(ctx, log, state, err)
	}
	return p.complete(ctx, log, state)
}

// load returns the state to work on, or nil when there is nothing to do.
func (p *pipelineUC) load(ctx context.Context, log *zerolog.Logger, jobID string, resume bool) (*model.JobState, error) {
	state, err := p.States.Get(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if p.alreadyProcessed(ctx, log, jobID) {
			log.Info().Msg("job already completed, nothing to do")
			return nil, nil
		}
		state = nil
	case errors.Is(err, domain.ErrInvalidState):
		log.Warn().Err(err).Msg("stored state is unusable, starting fresh")
		state = nil
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	}

	if state != nil {
		if state.Status == model.JobStatusCompleted {
			log.Info().Msg("job state is completed, nothing to do")
			return nil, nil
		}
		if resume || state.Status.Resumable() {
			log.Info().
				Str("status", string(state.Status)).
				Ints("completed_batches", state.CompletedBatchIndices).
				Msg("resuming job")
		} else {
			log.Warn().Str("status", string(state.Status)).Msg("stored state is not resumable, starting fresh")
			state = nil
		}
	}

	if state == nil {
		if state, err = model.NewJobState(jobID); err != nil {
			return nil, err
		}
		log.Info().Msg("starting job")
	}
	state.EnsureDefaults()
	state.Status = model.JobStatusInProgress
	state.FailureReason = ""
	if state.SourceTitle == "" {
		state.SourceTitle = p.opts.SourceTitle
	}
	return state, nil
}

// alreadyProcessed consults the ledger; a missing document plus a completed
// ledger entry means an earlier run finished the job.
func (p *pipelineUC) alreadyProcessed(ctx context.Context, log *zerolog.Logger, jobID string) bool {
	if p.Ledger == nil {
		return false
	}
	entry, err := p.Ledger.FindByJobID(ctx, repository.NoTX, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("ledger lookup failed")
		}
		return false
	}
	return entry.Status == model.LedgerStatusCompleted
}

func (p *pipelineUC) save(ctx context.Context, state *model.JobState) error {
	if err := p.States.Save(ctx, state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// jobPaths is the on-disk layout of one job under the work directory.
type jobPaths struct {
	Root        string
	Source      string
	Transcript  string
	ClipsDir    string
	PropsDir    string
	RenderedDir string
}

func newJobPaths(workDir, jobID string) jobPaths {
	root := filepath.Join(workDir, jobID)
	return jobPaths{
		Root:        root,
		Source:      filepath.Join(root, "source.mp4"),
		Transcript:  filepath.Join(root, "transcript.json"),
		ClipsDir:    filepath.Join(root, "clips"),
		PropsDir:    filepath.Join(root, "props"),
		RenderedDir: filepath.Join(root, "rendered"),
	}
}

func (jp jobPaths) Rendered(index int) string {
	return filepath.Join(jp.RenderedDir, model.ClipFileName(index))
}

func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// listClipIndices returns the sorted indices of clip_NNN.mp4 files in dir.
func listClipIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := model.ParseClipFileName(e.Name())
		if !ok || !fileNonEmpty(filepath.Join(dir, e.Name())) {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

func hasClips(dir string) bool {
	idx, err := listClipIndices(dir)
	return err == nil && len(idx) > 0
}

type stage struct {
	name    model.StageName
	present func() bool
	run     func(ctx context.Context) error
}

func (p *pipelineUC) execute(ctx context.Context, log *zerolog.Logger, state *model.JobState) error {
	jp := newJobPaths(p.opts.WorkDir, state.JobID)
	for _, dir := range []string{jp.Root, jp.ClipsDir, jp.PropsDir, jp.RenderedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StageError{Stage: "init", Class: FailureFatal, Err: err}
		}
	}

	stages := []stage{
		{
			name:    model.StageDownload,
			present: func() bool { return fileNonEmpty(jp.Source) },
			run: func(ctx context.Context) error {
				res, err := p.Downloader.Download(ctx, adapter.DownloadRequest{JobID: state.JobID, OutputPath: jp.Source})
				if err != nil {
					return err
				}
				if res.DurationSeconds > 0 {
					state.DurationSeconds = res.DurationSeconds
					state.RequestedBatchCount = RequestedBatchesForDuration(res.DurationSeconds)
				}
				if state.SourceTitle == "" {
					state.SourceTitle = res.Title
				}
				return nil
			},
		},
		{
			name:    model.StageTranscribe,
			present: func() bool { return fileNonEmpty(jp.Transcript) },
			run: func(ctx context.Context) error {
				req := adapter.TranscribeRequest{JobID: state.JobID, VideoPath: jp.Source, OutputPath: jp.Transcript}
				if err := p.Transcriber.Transcribe(ctx, req); err != nil {
					return err
				}
				data, err := os.ReadFile(jp.Transcript)
				if err != nil {
					return fmt.Errorf("%w: %s", domain.ErrMissingArtifact, jp.Transcript)
				}
				_, err = model.ParseTranscript(data)
				return err
			},
		},
		{
			name:    model.StageClipGeneration,
			present: func() bool { return hasClips(jp.ClipsDir) },
			run: func(ctx context.Context) error {
				maxClips := p.opts.MaxClips
				if state.RequestedBatchCount > 1 {
					maxClips *= state.RequestedBatchCount
				}
				res, err := p.Proposer.ProposeClips(ctx, adapter.ProposeRequest{
					JobID:          state.JobID,
					VideoPath:      jp.Source,
					TranscriptPath: jp.Transcript,
					ClipsDir:       jp.ClipsDir,
					MaxClips:       maxClips,
					Reactions:      p.opts.Reactions,
				})
				if err != nil {
					return err
				}
				log.Info().Int("clips", res.ClipCount).Msg("clips proposed and cut")
				return nil
			},
		},
	}

	for _, st := range stages {
		if err := p.runStage(ctx, state, st); err != nil {
			return err
		}
	}

	indices, err := listClipIndices(jp.ClipsDir)
	if err != nil {
		return &StageError{Stage: string(model.StageClipGeneration), Class: FailureFatal, Err: err}
	}
	if len(indices) == 0 {
		return &StageError{Stage: string(model.StageClipGeneration), Class: FailureFatal, Err: domain.ErrNoClips}
	}

	if len(state.ClipBatches) == 0 {
		state.ClipBatches = PlanBatches(indices, state.RequestedBatchCount, p.opts.MaxClipsPerBatch)
		state.TotalClips = len(indices)
		if err := p.save(ctx, state); err != nil {
			return &StageError{Stage: "plan", Class: ClassifyError(err), Err: err}
		}
		log.Info().
			Int("clips", len(indices)).
			Int("batches", len(state.ClipBatches)).
			Int("requested_batches", state.RequestedBatchCount).
			Msg("batch plan created")
	} else if planned := countPlanned(state.ClipBatches); planned != len(indices) {
		log.Warn().Int("planned", planned).Int("on_disk", len(indices)).Msg("keeping persisted batch plan")
	}

	for bi, batch := range state.ClipBatches {
		if err := p.runBatch(ctx, state, jp, bi, batch); err != nil {
			return err
		}
	}
	return nil
}

func countPlanned(batches [][]int) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}

// runStage executes st unless it is done and its artifact is present. A
// done stage whose artifact vanished is redone and stays done.
func (p *pipelineUC) runStage(ctx context.Context, state *model.JobState, st stage) error {
	ctx = logging.WithStage(ctx, string(st.name))
	log := logging.With(ctx, p.log)

	done, present := state.StageDone(st.name), st.present()
	if done && present {
		log.Info().Msg("stage already done, skipping")
		metrics.ObserveStage(string(st.name), "skipped", 0)
		return nil
	}
	result := "ok"
	if done {
		log.Warn().Msg("stage marked done but artifact is missing, redoing")
		result = "healed"
	}

	start := time.Now()
	log.Info().Msg("stage started")
	err := st.run(ctx)
	if err == nil && !st.present() {
		err = fmt.Errorf("%w: %s produced no output", domain.ErrMissingArtifact, st.name)
	}
	if err != nil {
		metrics.ObserveStage(string(st.name), "failed", time.Since(start))
		return &StageError{Stage: string(st.name), Class: ClassifyError(err), Err: err}
	}
	metrics.ObserveStage(string(st.name), result, time.Since(start))
	log.Info().Dur("duration", time.Since(start)).Msg("stage finished")

	state.MarkStageDone(st.name)
	if err := p.save(ctx, state); err != nil {
		return &StageError{Stage: string(st.name), Class: ClassifyError(err), Err: err}
	}
	return nil
}

// runBatch renders and uploads the clips of batch bi that are not uploaded
// yet. Each upload is persisted before the next one starts, so a crash
// re-uploads at most the clip in flight. A crash between an upload and its
// persist re-uploads that clip on resume (at-least-once delivery).
func (p *pipelineUC) runBatch(ctx context.Context, state *model.JobState, jp jobPaths, bi int, batch []int) error {
	label := fmt.Sprintf("batch-%d", bi)
	ctx = logging.WithStage(ctx, label)
	log := logging.With(ctx, p.log).With().Int("batch", bi).Int("batches", len(state.ClipBatches)).Logger()

	if state.BatchUploaded(batch) {
		if !state.IsBatchCompleted(bi) {
			state.MarkBatchCompleted(bi)
			if err := p.save(ctx, state); err != nil {
				return &StageError{Stage: label, Class: ClassifyError(err), Err: err}
			}
		}
		log.Info().Msg("batch already uploaded, skipping")
		metrics.ObserveStage("batch", "skipped", 0)
		return nil
	}

	start := time.Now()
	var pending, toRender []int
	for _, idx := range batch {
		if state.ClipUploaded(idx) {
			continue
		}
		pending = append(pending, idx)
		rec := state.Clip(idx)
		rec.BatchIndex = bi
		if !rec.Rendered || !fileNonEmpty(jp.Rendered(idx)) {
			toRender = append(toRender, idx)
		}
	}
	log.Info().Ints("pending", pending).Ints("render", toRender).Msg("batch started")

	paths := make(map[int]string, len(pending))
	for _, idx := range pending {
		paths[idx] = jp.Rendered(idx)
	}

	if len(toRender) > 0 {
		renderLabel := "render-" + label
		res, err := p.Renderer.Render(ctx, adapter.RenderRequest{
			JobID:       state.JobID,
			BatchIndex:  bi,
			ClipsDir:    jp.ClipsDir,
			ClipIndices: toRender,
			PropsDir:    jp.PropsDir,
			OutputDir:   jp.RenderedDir,
		})
		if err != nil {
			metrics.ObserveStage("render", "failed", time.Since(start))
			return &StageError{Stage: renderLabel, Class: ClassifyError(err), Err: err}
		}
		for _, idx := range toRender {
			if out, ok := res.Outputs[idx]; ok && out != "" {
				paths[idx] = out
			}
			if !fileNonEmpty(paths[idx]) {
				err := fmt.Errorf("%w: rendered %s", domain.ErrMissingArtifact, model.ClipFileName(idx))
				return &StageError{Stage: renderLabel, Class: FailureFatal, Err: err}
			}
			state.Clip(idx).Rendered = true
		}
		if err := p.save(ctx, state); err != nil {
			return &StageError{Stage: renderLabel, Class: ClassifyError(err), Err: err}
		}
		metrics.ObserveStage("render", "ok", time.Since(start))
		metrics.AddClipsRendered(len(toRender))
	}

	uploadLabel := "upload-" + label
	for _, idx := range pending {
		res, err := p.Uploader.Upload(ctx, adapter.UploadRequest{
			JobID:       state.JobID,
			SourceTitle: state.SourceTitle,
			ClipIndex:   idx,
			Path:        paths[idx],
		})
		if err == nil && res.RemoteID == "" {
			err = fmt.Errorf("uploader returned no remote id for %s", model.ClipFileName(idx))
		}
		if err != nil {
			return &StageError{Stage: uploadLabel, Class: ClassifyError(err), Err: err}
		}

		now := time.Now().UTC()
		rec := state.Clip(idx)
		rec.Uploaded = true
		rec.RemoteID = res.RemoteID
		rec.RemoteName = res.RemoteName
		rec.SizeBytes = res.SizeBytes
		rec.UploadedAt = &now
		if err := p.save(ctx, state); err != nil {
			return &StageError{Stage: uploadLabel, Class: ClassifyError(err), Err: err}
		}
		metrics.IncClipUploaded(res.SizeBytes)
		log.Info().Int("clip", idx).Str("remote_name", res.RemoteName).Int64("bytes", res.SizeBytes).Msg("clip uploaded")
	}

	state.MarkBatchCompleted(bi)
	if err := p.save(ctx, state); err != nil {
		return &StageError{Stage: uploadLabel, Class: ClassifyError(err), Err: err}
	}
	metrics.ObserveStage("batch", "ok", time.Since(start))
	log.Info().Dur("duration", time.Since(start)).Msg("batch finished")
	return nil
}

func (p *pipelineUC) complete(ctx context.Context, log *zerolog.Logger, state *model.JobState) (RunOutcome, error) {
	if !state.AllUploaded() {
		return p.fail(ctx, log, state, &StageError{
			Stage: "complete",
			Class: FailureFatal,
			Err:   fmt.Errorf("%w: batches left with pending clips", domain.ErrInvalidState),
		})
	}
	state.Status = model.JobStatusCompleted
	state.FailureReason = ""
	if err := p.save(ctx, state); err != nil {
		log.Warn().Err(err).Msg("persist completed state")
	}
	if err := p.States.Delete(ctx, state.JobID); err != nil {
		log.Warn().Err(err).Msg("delete completed state")
	}
	p.record(ctx, log, state, model.LedgerStatusCompleted, "")
	p.notify(ctx, log, fmt.Sprintf("Completed %s (%s): %d clips uploaded", titleOf(state), state.JobID, len(state.Clips)))

	metrics.IncJob(string(OutcomeCompleted))
	log.Info().Int("clips", len(state.Clips)).Int("batches", len(state.ClipBatches)).Msg("job completed")
	return OutcomeCompleted, nil
}

// fail is the single exit for errors raised after the state was loaded.
func (p *pipelineUC) fail(ctx context.Context, log *zerolog.Logger, state *model.JobState, err error) (RunOutcome, error) {
	se := &StageError{Stage: "run", Class: ClassifyError(err), Err: err}
	if !errors.As(err, &se) {
		err = se
	}

	if errors.Is(err, context.Canceled) {
		log.Warn().Str("failed_stage", se.Stage).Msg("run interrupted, state left resumable")
		metrics.IncJob(string(OutcomeInterrupted))
		return OutcomeInterrupted, err
	}

	if se.Class == FailureRateLimited {
		log.Warn().Err(se.Err).Str("failed_stage", se.Stage).Msg("rate limited, state left in-progress")
		p.record(ctx, log, state, model.LedgerStatusFailed, string(FailureRateLimited))
		p.notify(ctx, log, fmt.Sprintf("Rate limited at %s for %s (%s); will resume", se.Stage, titleOf(state), state.JobID))
		metrics.IncJob(string(OutcomeRateLimited))
		return OutcomeRateLimited, &RateLimitError{Stage: se.Stage, Err: se.Err}
	}

	state.Status = model.JobStatusFailed
	state.FailureReason = se.Error()
	if perr := p.save(context.WithoutCancel(ctx), state); perr != nil {
		log.Error().Err(perr).Msg("persist failed state")
	}
	log.Error().Err(se.Err).Str("failed_stage", se.Stage).Str("class", string(se.Class)).Msg("job failed")
	p.record(ctx, log, state, model.LedgerStatusFailed, string(se.Class))
	p.notify(ctx, log, fmt.Sprintf("Failed %s (%s) at %s: %v", titleOf(state), state.JobID, se.Stage, se.Err))
	metrics.IncJob(string(OutcomeFailed))
	return OutcomeFailed, err
}

func (p *pipelineUC) record(ctx context.Context, log *zerolog.Logger, state *model.JobState, status model.LedgerStatus, reason string) {
	if p.Ledger == nil {
		return
	}
	entry, err := model.NewLedgerEntry(state.JobID, state.SourceTitle, status, reason)
	if err == nil {
		err = p.Ledger.Record(context.WithoutCancel(ctx), repository.NoTX, entry)
	}
	if err != nil {
		log.Warn().Err(err).Msg("record ledger entry")
	}
}

func (p *pipelineUC) notify(ctx context.Context, log *zerolog.Logger, text string) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Notify(context.WithoutCancel(ctx), text); err != nil {
		log.Warn().Err(err).Msg("send notification")
	}
}

func titleOf(state *model.JobState) string {
	if state.SourceTitle != "" {
		return state.SourceTitle
	}
	return state.JobID
}

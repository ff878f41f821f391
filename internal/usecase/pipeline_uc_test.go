//go:build !integration

package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
)

const testJob = "vid123"

type pipelineFixture struct {
	workDir  string
	states   *memStates
	ledger   *memLedger
	dl       *fakeDownloader
	tr       *fakeTranscriber
	pr       *fakeProposer
	rn       *fakeRenderer
	up       *fakeUploader
	notifier *fakeNotifier
	locker   *fakeLocker
}

func newPipelineFixture(t *testing.T, clips int) *pipelineFixture {
	t.Helper()
	return &pipelineFixture{
		workDir:  t.TempDir(),
		states:   newMemStates(),
		ledger:   &memLedger{},
		dl:       &fakeDownloader{duration: 600, title: "Source Title"},
		tr:       &fakeTranscriber{},
		pr:       &fakeProposer{clips: clips},
		rn:       &fakeRenderer{},
		up:       &fakeUploader{},
		notifier: &fakeNotifier{},
		locker:   &fakeLocker{},
	}
}

func (f *pipelineFixture) pipeline(maxPerBatch int) *pipelineUC {
	return NewPipelineUseCase(PipelineDeps{
		States:      f.states,
		Ledger:      f.ledger,
		Downloader:  f.dl,
		Transcriber: f.tr,
		Proposer:    f.pr,
		Renderer:    f.rn,
		Uploader:    f.up,
		Notifier:    f.notifier,
		Locker:      f.locker,
	}, PipelineOptions{
		WorkDir:          f.workDir,
		MaxClips:         10,
		MaxClipsPerBatch: maxPerBatch,
	}, newTestLogger())
}

// resetCalls forgets collaborator calls of a previous run.
func (f *pipelineFixture) resetCalls() {
	f.dl.calls, f.tr.calls, f.pr.calls = 0, 0, 0
	f.rn.batches = nil
	f.up = &fakeUploader{}
}

func (f *pipelineFixture) stageCalls() int {
	return f.dl.calls + f.tr.calls + f.pr.calls + len(f.rn.batches) + f.up.calls
}

func TestPipeline_FullRun(t *testing.T) {
	f := newPipelineFixture(t, 4)

	outcome, err := f.pipeline(2).Run(context.Background(), testJob, false)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s / %v", outcome, err)
	}
	if !reflect.DeepEqual(f.up.uploaded, []int{1, 2, 3, 4}) {
		t.Errorf("unexpected uploads: %v", f.up.uploaded)
	}
	if !reflect.DeepEqual(f.rn.batches, [][]int{{1, 2}, {3, 4}}) {
		t.Errorf("unexpected render batches: %v", f.rn.batches)
	}
	if f.states.stored(testJob) != nil {
		t.Error("state document should be deleted on completion")
	}
	e, err := f.ledger.FindByJobID(context.Background(), nil, testJob)
	if err != nil || e.Status != model.LedgerStatusCompleted || e.Title != "Source Title" {
		t.Errorf("unexpected ledger entry: %+v, %v", e, err)
	}
	if len(f.notifier.msgs) != 1 || !strings.Contains(f.notifier.msgs[0], "Completed") {
		t.Errorf("unexpected notifications: %v", f.notifier.msgs)
	}
	if f.locker.released != 1 {
		t.Errorf("lock should be released once, got %d", f.locker.released)
	}
}

func TestPipeline_CompletedJobIsNoop(t *testing.T) {
	t.Run("after a finished run", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		p := f.pipeline(15)
		if _, err := p.Run(context.Background(), testJob, false); err != nil {
			t.Fatalf("first run: %v", err)
		}
		f.resetCalls()
		p = f.pipeline(15)

		outcome, err := p.Run(context.Background(), testJob, false)
		if err != nil || outcome != OutcomeNoop {
			t.Fatalf("expected noop, got %s / %v", outcome, err)
		}
		if n := f.stageCalls(); n != 0 {
			t.Fatalf("expected zero stage work, got %d calls", n)
		}
	})

	t.Run("completed document left behind", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		s, _ := model.NewJobState(testJob)
		s.Status = model.JobStatusCompleted
		f.states.put(s)
		saves := f.states.saves

		for _, resume := range []bool{false, true} {
			outcome, err := f.pipeline(15).Run(context.Background(), testJob, resume)
			if err != nil || outcome != OutcomeNoop {
				t.Fatalf("resume=%v: expected noop, got %s / %v", resume, outcome, err)
			}
		}
		if f.stageCalls() != 0 || f.states.saves != saves {
			t.Fatal("a completed job must not be touched")
		}
	})
}

func TestPipeline_CrashSafety(t *testing.T) {
	t.Run("failure after the Nth upload resumes at N+1", func(t *testing.T) {
		f := newPipelineFixture(t, 4)
		f.up.failAt = 3
		f.up.err = errors.New("drive: file too large")

		outcome, err := f.pipeline(15).Run(context.Background(), testJob, false)
		if outcome != OutcomeFailed || err == nil {
			t.Fatalf("expected failure, got %s / %v", outcome, err)
		}
		var se *StageError
		if !errors.As(err, &se) || se.Stage != "upload-batch-0" {
			t.Fatalf("expected upload stage error, got %v", err)
		}
		stored := f.states.stored(testJob)
		if stored.Status != model.JobStatusFailed || !strings.Contains(stored.FailureReason, "upload-batch-0") {
			t.Fatalf("unexpected stored state: %s %q", stored.Status, stored.FailureReason)
		}
		if !stored.ClipUploaded(1) || !stored.ClipUploaded(2) || stored.ClipUploaded(3) {
			t.Fatal("uploads before the failure must be persisted")
		}

		f.resetCalls()
		outcome, err = f.pipeline(15).Run(context.Background(), testJob, false)
		if err != nil || outcome != OutcomeCompleted {
			t.Fatalf("expected completed on resume, got %s / %v", outcome, err)
		}
		if !reflect.DeepEqual(f.up.uploaded, []int{3, 4}) {
			t.Fatalf("resume must only upload pending clips, got %v", f.up.uploaded)
		}
		if f.dl.calls+f.tr.calls+f.pr.calls != 0 || len(f.rn.batches) != 0 {
			t.Fatal("finished stages and rendered clips must not be redone")
		}
	})

	t.Run("crash between upload and persist re-uploads that clip only", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		crashed := false
		f.states.saveHook = func(s *model.JobState) error {
			if crashed || s.ClipUploaded(2) {
				crashed = true
				return errors.New("process killed")
			}
			return nil
		}
		if outcome, _ := f.pipeline(15).Run(context.Background(), testJob, false); outcome != OutcomeFailed {
			t.Fatalf("expected failure, got %s", outcome)
		}
		stored := f.states.stored(testJob)
		if !stored.ClipUploaded(1) || stored.ClipUploaded(2) {
			t.Fatal("persisted state should hold clip 1 only")
		}

		f.states.saveHook = nil
		f.resetCalls()
		if outcome, err := f.pipeline(15).Run(context.Background(), testJob, false); outcome != OutcomeCompleted {
			t.Fatalf("expected completed, got %s / %v", outcome, err)
		}
		if !reflect.DeepEqual(f.up.uploaded, []int{2, 3}) {
			t.Fatalf("expected clip 2 re-uploaded then clip 3, got %v", f.up.uploaded)
		}
	})
}

func TestPipeline_RateLimitLeavesStateInProgress(t *testing.T) {
	f := newPipelineFixture(t, 2)
	f.tr.err = &outputErr{msg: "exit status 1", out: "ERROR: HTTP Error 429: Too Many Requests"}

	outcome, err := f.pipeline(15).Run(context.Background(), testJob, false)
	if outcome != OutcomeRateLimited {
		t.Fatalf("expected rate limited, got %s", outcome)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, domain.ErrRateLimited) || rl.Stage != "transcribe" {
		t.Fatalf("expected RateLimitError at transcribe, got %v", err)
	}
	stored := f.states.stored(testJob)
	if stored.Status != model.JobStatusInProgress || stored.FailureReason != "" {
		t.Fatalf("state must stay in-progress, got %s %q", stored.Status, stored.FailureReason)
	}
	if !stored.StageDone(model.StageDownload) {
		t.Error("download progress should be kept")
	}
	e, _ := f.ledger.FindByJobID(context.Background(), nil, testJob)
	if e == nil || e.Status != model.LedgerStatusFailed || !e.Retryable() {
		t.Fatalf("expected retryable ledger entry, got %+v", e)
	}

	f.tr.err = nil
	f.resetCalls()
	if outcome, err := f.pipeline(15).Run(context.Background(), testJob, false); outcome != OutcomeCompleted {
		t.Fatalf("expected plain resume to complete, got %s / %v", outcome, err)
	}
	if f.dl.calls != 0 {
		t.Error("download should not be repeated")
	}
}

func TestPipeline_StageFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *pipelineFixture)
		stage     string
		class     FailureClass
		sentinel  error
		wantCalls func(f *pipelineFixture) bool
	}{
		{
			name:  "downloader error",
			setup: func(f *pipelineFixture) { f.dl.err = &outputErr{msg: "exit status 1", out: "Video unavailable"} },
			stage: "download",
			class: FailureFatal,
		},
		{
			name:  "transient transcriber error",
			setup: func(f *pipelineFixture) { f.tr.err = errors.New("context deadline exceeded") },
			stage: "transcribe",
			class: FailureTransient,
		},
		{
			name:     "transcriber wrote nothing",
			setup:    func(f *pipelineFixture) { f.tr.noWrite = true },
			stage:    "transcribe",
			class:    FailureFatal,
			sentinel: domain.ErrMissingArtifact,
		},
		{
			name:     "malformed transcript",
			setup:    func(f *pipelineFixture) { f.tr.body = `{"foo":1}` },
			stage:    "transcribe",
			class:    FailureFatal,
			sentinel: domain.ErrMalformedTranscript,
		},
		{
			name:     "no clips",
			setup:    func(f *pipelineFixture) { f.pr.clips = 0 },
			stage:    "clipGeneration",
			class:    FailureFatal,
			sentinel: domain.ErrMissingArtifact,
		},
		{
			name:  "render failure aborts the batch",
			setup: func(f *pipelineFixture) { f.rn.err = errors.New("remotion exited 1") },
			stage: "render-batch-0",
			class: FailureFatal,
		},
		{
			name: "render progress numbers are not status codes",
			setup: func(f *pipelineFixture) {
				f.rn.err = &outputErr{msg: "exit status 1", out: "Rendered 429/900 frames, bitrate=1502.3kbits/s\nError: Composition \"Clip\" not found"}
			},
			stage: "render-batch-0",
			class: FailureFatal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, 2)
			tt.setup(f)

			outcome, err := f.pipeline(15).Run(context.Background(), testJob, false)
			if outcome != OutcomeFailed {
				t.Fatalf("expected failed, got %s / %v", outcome, err)
			}
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("expected StageError, got %T %v", err, err)
			}
			if se.Stage != tt.stage || se.Class != tt.class {
				t.Errorf("got stage %s class %s, want %s %s", se.Stage, se.Class, tt.stage, tt.class)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v in chain, got %v", tt.sentinel, err)
			}
			stored := f.states.stored(testJob)
			if stored == nil || stored.Status != model.JobStatusFailed || stored.FailureReason == "" {
				t.Fatalf("failed state must be persisted, got %+v", stored)
			}
			e, _ := f.ledger.FindByJobID(context.Background(), nil, testJob)
			if e == nil || e.Reason != string(tt.class) {
				t.Errorf("unexpected ledger entry %+v", e)
			}
			if len(f.up.uploaded) != 0 {
				t.Errorf("nothing should be uploaded, got %v", f.up.uploaded)
			}
		})
	}
}

func TestPipeline_SelfHealingResume(t *testing.T) {
	f := newPipelineFixture(t, 2)
	// a previous run on another machine finished the single-shot stages
	s, _ := model.NewJobState(testJob)
	s.Status = model.JobStatusFailed
	for _, st := range model.Stages {
		s.MarkStageDone(st)
	}
	f.states.put(s)

	outcome, err := f.pipeline(15).Run(context.Background(), testJob, false)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s / %v", outcome, err)
	}
	if f.dl.calls != 1 || f.tr.calls != 1 || f.pr.calls != 1 {
		t.Fatalf("stages with missing artifacts must be redone: %d %d %d", f.dl.calls, f.tr.calls, f.pr.calls)
	}
}

func TestPipeline_ReusesPersistedPlan(t *testing.T) {
	f := newPipelineFixture(t, 5)
	s, _ := model.NewJobState(testJob)
	s.ClipBatches = [][]int{{1}, {2, 3}}
	s.Clip(1).Uploaded = true
	s.Clip(1).Rendered = true
	s.MarkBatchCompleted(0)
	f.states.put(s)

	outcome, err := f.pipeline(15).Run(context.Background(), testJob, false)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s / %v", outcome, err)
	}
	if !reflect.DeepEqual(f.rn.batches, [][]int{{2, 3}}) {
		t.Errorf("only the pending batch should render, got %v", f.rn.batches)
	}
	if !reflect.DeepEqual(f.up.uploaded, []int{2, 3}) {
		t.Errorf("plan membership must stay stable, got %v", f.up.uploaded)
	}
}

func TestPipeline_RerendersMissingOutput(t *testing.T) {
	f := newPipelineFixture(t, 2)
	f.up.failAt = 1
	f.up.err = errors.New("boom")
	if outcome, _ := f.pipeline(15).Run(context.Background(), testJob, false); outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %s", outcome)
	}
	// rendered output lost, e.g. resumed on a fresh runner
	if err := os.Remove(filepath.Join(f.workDir, testJob, "rendered", model.ClipFileName(2))); err != nil {
		t.Fatal(err)
	}

	f.resetCalls()
	if outcome, err := f.pipeline(15).Run(context.Background(), testJob, false); outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s / %v", outcome, err)
	}
	if !reflect.DeepEqual(f.rn.rendered(), []int{2}) {
		t.Fatalf("only clip 2 needs rendering, got %v", f.rn.rendered())
	}
}

func TestPipeline_BatchCountFromDuration(t *testing.T) {
	f := newPipelineFixture(t, 6)
	f.dl.duration = 2*3600 + 60

	if _, err := f.pipeline(15).Run(context.Background(), testJob, false); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.pr.lastReq.MaxClips != 30 {
		t.Errorf("expected the clip hint scaled by 3 batches, got %d", f.pr.lastReq.MaxClips)
	}
	if len(f.rn.batches) != 3 {
		t.Errorf("expected 3 batches, got %v", f.rn.batches)
	}
}

func TestPipeline_EntryContract(t *testing.T) {
	t.Run("lock held by another run", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		if _, err := f.locker.TryLock(context.Background(), lockKey(testJob)); err != nil {
			t.Fatal(err)
		}
		outcome, err := f.pipeline(15).Run(context.Background(), testJob, false)
		if outcome != OutcomeLocked || !errors.Is(err, domain.ErrJobLocked) {
			t.Fatalf("expected locked, got %s / %v", outcome, err)
		}
		if f.stageCalls() != 0 || f.states.saves != 0 {
			t.Fatal("a locked job must not be touched")
		}
	})

	t.Run("unusable document starts fresh", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		f.states.getErr = domain.ErrInvalidState
		outcome, err := f.pipeline(15).Run(context.Background(), testJob, false)
		if err != nil || outcome != OutcomeCompleted {
			t.Fatalf("expected completed, got %s / %v", outcome, err)
		}
		if f.dl.calls != 1 {
			t.Fatal("fresh start should download")
		}
	})

	t.Run("document without status only resumes on request", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		s, _ := model.NewJobState(testJob)
		s.Status = ""
		s.MarkStageDone(model.StageDownload)
		if err := writeFile(filepath.Join(f.workDir, testJob, "source.mp4"), "video"); err != nil {
			t.Fatal(err)
		}
		f.states.put(s)

		if _, err := f.pipeline(15).Run(context.Background(), testJob, true); err != nil {
			t.Fatalf("run: %v", err)
		}
		if f.dl.calls != 0 {
			t.Fatal("resume flag should keep the stored progress")
		}
	})

	t.Run("state is persisted in-progress before any work", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		var first *model.JobState
		f.states.saveHook = func(s *model.JobState) error {
			if first == nil {
				cp := *s
				first = &cp
			}
			return nil
		}
		f.dl.err = errors.New("stop here")
		_, _ = f.pipeline(15).Run(context.Background(), testJob, false)
		if first == nil || first.Status != model.JobStatusInProgress || first.RunID == "" {
			t.Fatalf("unexpected first save: %+v", first)
		}
	})

	t.Run("cancelled run stays resumable", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		ctx, cancel := context.WithCancel(context.Background())
		f.dl.err = context.Canceled
		cancel()
		outcome, err := f.pipeline(15).Run(ctx, testJob, false)
		if outcome != OutcomeInterrupted || !errors.Is(err, context.Canceled) {
			t.Fatalf("expected interrupted, got %s / %v", outcome, err)
		}
		if s := f.states.stored(testJob); s.Status != model.JobStatusInProgress {
			t.Fatalf("expected in-progress, got %s", s.Status)
		}
	})
}

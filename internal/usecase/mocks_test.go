//go:build !integration

// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/domain/ports/repository"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func writeFile(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

// outputErr mimics a subprocess failure carrying captured output.
type outputErr struct {
	msg, out string
}

func (e *outputErr) Error() string  { return e.msg }
func (e *outputErr) Output() string { return e.out }

// -----------------------------
// State store / ledger
// -----------------------------

// memStates keeps documents encoded, like a real blob-backed store.
type memStates struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saves   int
	deletes int
	getErr  error
	// saveHook runs before each save; a non-nil error fails the save.
	saveHook func(s *model.JobState) error
}

func newMemStates() *memStates { return &memStates{docs: make(map[string][]byte)} }

func (m *memStates) Get(ctx context.Context, jobID string) (*model.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.docs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return model.DecodeJobState(data)
}

func (m *memStates) Save(ctx context.Context, s *model.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveHook != nil {
		if err := m.saveHook(s); err != nil {
			return err
		}
	}
	s.LastUpdated = time.Now().UTC()
	data, err := s.Encode()
	if err != nil {
		return err
	}
	m.docs[s.JobID] = data
	m.saves++
	return nil
}

func (m *memStates) Delete(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, jobID)
	m.deletes++
	return nil
}

func (m *memStates) put(s *model.JobState) {
	data, err := s.Encode()
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	m.docs[s.JobID] = data
	m.mu.Unlock()
}

func (m *memStates) stored(jobID string) *model.JobState {
	m.mu.Lock()
	data, ok := m.docs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s, err := model.DecodeJobState(data)
	if err != nil {
		panic(err)
	}
	return s
}

type memLedger struct {
	mu      sync.Mutex
	entries []*model.LedgerEntry
}

func (m *memLedger) Record(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = model.UpsertLedger(m.entries, e)
	return nil
}

func (m *memLedger) FindByJobID(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.JobID == jobID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memLedger) List(ctx context.Context, tx repository.Tx) ([]*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.LedgerEntry(nil), m.entries...), nil
}

// -----------------------------
// Pipeline collaborators
// -----------------------------

type fakeDownloader struct {
	calls    int
	err      error
	duration float64
	title    string
}

func (f *fakeDownloader) Download(ctx context.Context, req adapter.DownloadRequest) (adapter.DownloadResult, error) {
	f.calls++
	if f.err != nil {
		return adapter.DownloadResult{}, f.err
	}
	if err := writeFile(req.OutputPath, "video"); err != nil {
		return adapter.DownloadResult{}, err
	}
	return adapter.DownloadResult{DurationSeconds: f.duration, Title: f.title}, nil
}

type fakeTranscriber struct {
	calls   int
	err     error
	body    string
	noWrite bool
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req adapter.TranscribeRequest) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.noWrite {
		return nil
	}
	body := f.body
	if body == "" {
		body = `[{"start":0,"end":5,"text":"hello"},{"start":5,"end":9,"text":"world"}]`
	}
	return writeFile(req.OutputPath, body)
}

type fakeProposer struct {
	calls   int
	clips   int
	err     error
	lastReq adapter.ProposeRequest
}

func (f *fakeProposer) ProposeClips(ctx context.Context, req adapter.ProposeRequest) (adapter.ProposeResult, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return adapter.ProposeResult{}, f.err
	}
	for i := 1; i <= f.clips; i++ {
		if err := writeFile(filepath.Join(req.ClipsDir, model.ClipFileName(i)), "clip"); err != nil {
			return adapter.ProposeResult{}, err
		}
	}
	return adapter.ProposeResult{ClipCount: f.clips}, nil
}

type fakeRenderer struct {
	batches [][]int
	err     error
}

func (f *fakeRenderer) Render(ctx context.Context, req adapter.RenderRequest) (adapter.RenderResult, error) {
	f.batches = append(f.batches, append([]int(nil), req.ClipIndices...))
	if f.err != nil {
		return adapter.RenderResult{}, f.err
	}
	out := make(map[int]string, len(req.ClipIndices))
	for _, idx := range req.ClipIndices {
		path := filepath.Join(req.OutputDir, model.ClipFileName(idx))
		if err := writeFile(path, "rendered"); err != nil {
			return adapter.RenderResult{}, err
		}
		out[idx] = path
	}
	return adapter.RenderResult{Outputs: out}, nil
}

func (f *fakeRenderer) rendered() []int {
	var all []int
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

// fakeUploader fails the failAt-th call (1-based) with err.
type fakeUploader struct {
	calls    int
	uploaded []int
	failAt   int
	err      error
}

func (f *fakeUploader) Upload(ctx context.Context, req adapter.UploadRequest) (adapter.UploadResult, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return adapter.UploadResult{}, f.err
	}
	f.uploaded = append(f.uploaded, req.ClipIndex)
	return adapter.UploadResult{
		RemoteID:   fmt.Sprintf("remote-%03d", req.ClipIndex),
		RemoteName: model.ClipRemoteName(req.SourceTitle, req.ClipIndex),
		SizeBytes:  8,
	}, nil
}

type fakeNotifier struct {
	msgs []string
}

func (f *fakeNotifier) Notify(ctx context.Context, text string) error {
	f.msgs = append(f.msgs, text)
	return nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	released int
}

func (f *fakeLocker) TryLock(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]string)
	}
	if _, ok := f.held[key]; ok {
		return "", domain.ErrJobLocked
	}
	f.held[key] = "token"
	return "token", nil
}

func (f *fakeLocker) Unlock(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
		f.released++
	}
	return nil
}

// -----------------------------
// Clip generation collaborators
// -----------------------------

// stubAI answers every chat with respond.
type stubAI struct {
	mu      sync.Mutex
	calls   []string // system prompts, in call order
	respond func(system, user string) (string, error)
}

func (s *stubAI) ListModels(ctx context.Context) ([]string, error) { return []string{"stub"}, nil }

func (s *stubAI) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{Name: model}, nil
}

func (s *stubAI) CountTokens(ctx context.Context, model string, msgs []adapter.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		n += len(m.Content) / 4
	}
	return n, nil
}

func (s *stubAI) Chat(ctx context.Context, model string, msgs []adapter.Message, opts ...adapter.ChatOption) (string, error) {
	out, _, err := s.ChatWithUsage(ctx, model, msgs, opts...)
	return out, err
}

func (s *stubAI) ChatWithUsage(ctx context.Context, model string, msgs []adapter.Message, opts ...adapter.ChatOption) (string, adapter.Usage, error) {
	var system, user string
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, system)
	s.mu.Unlock()
	out, err := s.respond(system, user)
	return out, adapter.Usage{}, err
}

type fakeCutter struct {
	mu   sync.Mutex
	cuts []adapter.CutRequest
	err  error
}

func (f *fakeCutter) Cut(ctx context.Context, req adapter.CutRequest) error {
	f.mu.Lock()
	f.cuts = append(f.cuts, req)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return writeFile(req.OutputPath, "cut")
}

// charCounter counts one token per four bytes.
type charCounter struct{}

func (charCounter) CountText(text string) int { return (len(text) + 3) / 4 }

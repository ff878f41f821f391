package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/infra/logging"
	"kirinuki-pipeline/internal/infra/worker"
)

// Compile-time check
var _ adapter.ClipProposer = (*clipGenUC)(nil)

const (
	endRefineMargin   = 0.15
	hookGroupSize     = 30
	reactionGroupSize = 10
)

// TokenCounter counts tokens of a text locally, without a provider call.
type TokenCounter interface {
	CountText(text string) int
}

type ClipGenOptions struct {
	Model         string
	Merge         MergeOptions
	MaxClips      int // used when the request leaves MaxClips at 0
	ChunkTokens   int
	ChunkChars    int
	Concurrency   int
	CutWorkers    int
	MaxReactions  int
	CharacterName string
	Concept       string
}

type clipGenUC struct {
	ai     adapter.AIServiceAdapter
	cutter adapter.VideoCutter
	tokens TokenCounter
	opts   ClipGenOptions
	log    *zerolog.Logger
}

// NewClipGenUseCase builds the clip proposer. tokens may be nil, in which
// case transcript chunks are bounded by characters.
func NewClipGenUseCase(ai adapter.AIServiceAdapter, cutter adapter.VideoCutter, tokens TokenCounter, opts ClipGenOptions, logger *zerolog.Logger) *clipGenUC {
	if opts.ChunkChars <= 0 {
		opts.ChunkChars = 12000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.CutWorkers <= 0 {
		opts.CutWorkers = 4
	}
	if opts.MaxReactions <= 0 {
		opts.MaxReactions = DefaultMaxReactions
	}
	if opts.Merge == (MergeOptions{}) {
		opts.Merge = DefaultMergeOptions()
	}
	l := logger.With().Str("component", "clipgen").Logger()
	return &clipGenUC{ai: ai, cutter: cutter, tokens: tokens, opts: opts, log: &l}
}

func (uc *clipGenUC) ProposeClips(ctx context.Context, req adapter.ProposeRequest) (adapter.ProposeResult, error) {
	log := logging.With(ctx, uc.log)
	defer logging.TraceDuration(log, "ClipGenUC.ProposeClips")()

	data, err := os.ReadFile(req.TranscriptPath)
	if err != nil {
		return adapter.ProposeResult{}, fmt.Errorf("%w: %v", domain.ErrMissingArtifact, err)
	}
	segs, err := model.ParseTranscript(data)
	if err != nil {
		return adapter.ProposeResult{}, err
	}

	candidatesPath := filepath.Join(req.ClipsDir, model.CandidatesFileName)
	clips, err := readCandidateFile(candidatesPath)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable clip candidates")
	}
	if len(clips) > 0 {
		log.Info().Int("clips", len(clips)).Msg("resuming from persisted clip candidates")
		if err := removeClipFiles(req.ClipsDir, len(clips)); err != nil {
			return adapter.ProposeResult{}, err
		}
	} else {
		if clips, err = uc.propose(ctx, log, req, segs); err != nil {
			return adapter.ProposeResult{}, err
		}
		if err := os.MkdirAll(req.ClipsDir, 0o755); err != nil {
			return adapter.ProposeResult{}, err
		}
		// cuts of an earlier proposal never match the new spans
		if err := removeClipFiles(req.ClipsDir, 0); err != nil {
			return adapter.ProposeResult{}, err
		}
		if err := writeJSON(candidatesPath, clips); err != nil {
			return adapter.ProposeResult{}, err
		}
	}

	if err := uc.cutClips(ctx, req, clips); err != nil {
		return adapter.ProposeResult{}, err
	}
	if err := uc.writeHooks(ctx, log, req.ClipsDir, clips, segs); err != nil {
		return adapter.ProposeResult{}, err
	}
	if req.Reactions {
		if err := uc.writeReactions(ctx, log, req.ClipsDir, clips, segs); err != nil {
			return adapter.ProposeResult{}, err
		}
	}
	return adapter.ProposeResult{ClipCount: len(clips), CandidatesPath: candidatesPath}, nil
}

// propose asks the model for candidates, merges them and caps the count.
func (uc *clipGenUC) propose(ctx context.Context, log *zerolog.Logger, req adapter.ProposeRequest, segs []model.TranscriptSegment) ([]model.ClipCandidate, error) {
	chunks := uc.chunkTranscript(segs)
	raw, err := uc.proposeChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	clips := MergeCandidates(raw, uc.opts.Merge)
	maxClips := req.MaxClips
	if maxClips <= 0 {
		maxClips = uc.opts.MaxClips
	}
	if maxClips > 0 && len(clips) > maxClips {
		log.Info().Int("proposed", len(clips)).Int("kept", maxClips).Msg("limiting clip proposals")
		clips = clips[:maxClips]
	}
	refineClipEnds(clips, segs, uc.opts.Merge.MaxDuration)
	log.Info().Int("chunks", len(chunks)).Int("raw", len(raw)).Int("clips", len(clips)).Msg("clip proposals merged")
	if len(clips) == 0 {
		return nil, domain.ErrNoClips
	}
	return clips, nil
}

// readCandidateFile returns the persisted candidates, or nil when none were
// written yet.
func readCandidateFile(path string) ([]model.ClipCandidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var clips []model.ClipCandidate
	if err := json.Unmarshal(data, &clips); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return clips, nil
}

// removeClipFiles deletes clip_NNN.mp4 files and their sidecars whose index
// is above keep.
func removeClipFiles(dir string, keep int) error {
	indices, err := listClipIndices(dir)
	if err != nil {
		return err
	}
	for _, idx := range indices {
		if idx <= keep {
			continue
		}
		for _, name := range []string{model.ClipFileName(idx), model.HookFileName(idx), model.ReactionFileName(idx)} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

func formatSegment(s model.TranscriptSegment) string {
	return fmt.Sprintf("[%.2f->%.2f] %s", s.Start, s.End, strings.TrimSpace(s.Text))
}

// chunkTranscript splits formatted transcript lines into prompt-sized
// chunks. A single oversized line becomes a chunk of its own.
func (uc *clipGenUC) chunkTranscript(segs []model.TranscriptSegment) []string {
	size := func(s string) int { return len(s) }
	budget := uc.opts.ChunkChars
	if uc.tokens != nil && uc.opts.ChunkTokens > 0 {
		size = uc.tokens.CountText
		budget = uc.opts.ChunkTokens
	}

	var chunks []string
	var b strings.Builder
	used := 0
	for _, s := range segs {
		line := formatSegment(s)
		n := size(line) + 1
		if used > 0 && used+n > budget {
			chunks = append(chunks, b.String())
			b.Reset()
			used = 0
		}
		b.WriteString(line)
		b.WriteByte('\n')
		used += n
	}
	if used > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

func (uc *clipGenUC) proposalPrompt() string {
	o := uc.opts.Merge
	var b strings.Builder
	b.WriteString("You are an editor cutting short vertical clips from a long video.\n")
	b.WriteString("Each transcript line is formatted as [start->end] text, times in seconds.\n")
	fmt.Fprintf(&b, "Propose self-contained moments between %.0f and %.0f seconds long. ", o.MinDuration, o.MaxDuration)
	b.WriteString("Start and end must be taken from the line timestamps.\n")
	if c := strings.TrimSpace(uc.opts.Concept); c != "" {
		b.WriteString("Concept of the video: ")
		b.WriteString(c)
		b.WriteByte('\n')
	}
	b.WriteString(`Answer with JSON only: {"clips":[{"start":0,"end":0,"title":"","reason":"","confidence":0.0}]}`)
	return b.String()
}

// proposeChunks asks the model for candidates on every chunk concurrently.
// Results keep chunk order.
func (uc *clipGenUC) proposeChunks(ctx context.Context, chunks []string) ([]model.ClipCandidate, error) {
	results := make([][]model.ClipCandidate, len(chunks))
	system := uc.proposalPrompt()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.opts.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			msgs := []adapter.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: chunk},
			}
			out, err := uc.ai.Chat(gctx, uc.opts.Model, msgs, adapter.WithJSON(), adapter.WithTemperature(0.2))
			if err != nil {
				return fmt.Errorf("propose chunk %d: %w", i, err)
			}
			cands, err := parseCandidates(out)
			if err != nil {
				uc.log.Warn().Err(err).Int("chunk", i).Msg("discarding unparsable proposal")
				return nil
			}
			results[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []model.ClipCandidate
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func parseCandidates(text string) ([]model.ClipCandidate, error) {
	text = stripFences(text)
	var list []model.ClipCandidate
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Clips      []model.ClipCandidate `json:"clips"`
		Candidates []model.ClipCandidate `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return nil, fmt.Errorf("parse proposals: %w", err)
	}
	return append(wrapped.Clips, wrapped.Candidates...), nil
}

// refineClipEnds moves each end that coincides with a segment end to just
// before the next segment starts, so trailing words are not cut off. The
// move is skipped when it would exceed maxDuration or reach the next clip.
func refineClipEnds(clips []model.ClipCandidate, segs []model.TranscriptSegment, maxDuration float64) {
	for i := range clips {
		c := &clips[i]
		end := refineClipEnd(*c, segs, maxDuration)
		if i+1 < len(clips) && end > clips[i+1].Start {
			continue
		}
		c.End = end
	}
}

func refineClipEnd(c model.ClipCandidate, segs []model.TranscriptSegment, maxDuration float64) float64 {
	last := -1
	for i, s := range segs {
		if math.Abs(s.End-c.End) < 1e-3 {
			last = i
		}
	}
	if last < 0 {
		return c.End
	}
	if last+1 >= len(segs) {
		return segs[last].End
	}
	end := math.Max(segs[last].End, segs[last+1].Start-endRefineMargin)
	if maxDuration > 0 && end-c.Start > maxDuration {
		return segs[last].End
	}
	return end
}

// cutClips extracts clip_NNN.mp4 (1-based) for every candidate on a bounded
// pool. Existing clip files were cut from the same candidates and are kept.
// Each cut goes to a part file that is
// renamed when complete, so an interrupted cut never looks like a clip.
func (uc *clipGenUC) cutClips(ctx context.Context, req adapter.ProposeRequest, clips []model.ClipCandidate) error {
	pool := worker.NewPool(uc.opts.CutWorkers, uc.log)
	pool.Start(ctx)

	var submitErr error
	for i, c := range clips {
		out := filepath.Join(req.ClipsDir, model.ClipFileName(i+1))
		if fileNonEmpty(out) {
			continue
		}
		err := pool.Submit(ctx, func(ctx context.Context) error {
			part := strings.TrimSuffix(out, ".mp4") + ".part.mp4"
			if err := uc.cutter.Cut(ctx, adapter.CutRequest{SourcePath: req.VideoPath, OutputPath: part, Start: c.Start, End: c.End}); err != nil {
				_ = os.Remove(part)
				return fmt.Errorf("cut %s: %w", filepath.Base(out), err)
			}
			return os.Rename(part, out)
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	if err := pool.Stop(); err != nil {
		return err
	}
	return submitErr
}

func clipTranscript(segs []model.TranscriptSegment, c model.ClipCandidate) string {
	var lines []string
	for _, s := range segs {
		if s.Start >= c.Start && s.End <= c.End {
			lines = append(lines, strings.TrimSpace(s.Text))
		}
	}
	return strings.Join(lines, "\n")
}

// bestEffort reports whether err may be absorbed by a fallback. Rate limits
// and cancellation always propagate.
func bestEffort(err error) bool {
	return !errors.Is(err, context.Canceled) && ClassifyError(err) != FailureRateLimited
}

type hookItem struct {
	Index    int      `json:"index"`
	Upper    string   `json:"upper"`
	Lower    string   `json:"lower"`
	Hashtags []string `json:"hashtags"`
}

// writeHooks generates overlay text for the clips in groups of hookGroupSize
// and writes clip_NNN_hooks.json. Clips the model skipped fall back to
// their title.
func (uc *clipGenUC) writeHooks(ctx context.Context, log *zerolog.Logger, dir string, clips []model.ClipCandidate, segs []model.TranscriptSegment) error {
	hooks := make(map[int]model.HookText, len(clips))

	for lo := 0; lo < len(clips); lo += hookGroupSize {
		hi := min(lo+hookGroupSize, len(clips))
		type input struct {
			Index      int    `json:"index"`
			Title      string `json:"title"`
			Transcript string `json:"transcript"`
		}
		payload := make([]input, 0, hi-lo)
		for i := lo; i < hi; i++ {
			payload = append(payload, input{Index: i + 1, Title: clips[i].Title, Transcript: clipTranscript(segs, clips[i])})
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode hook input: %w", err)
		}

		system := "You are a viral video producer. For each item, write two short punchy hooks: " +
			"upper is a title-like line shown above the video, lower a supplementary line shown below. " +
			"Add up to three hashtags. " +
			`Answer with JSON only: {"hooks":[{"index":1,"upper":"","lower":"","hashtags":[]}]}`
		if c := strings.TrimSpace(uc.opts.Concept); c != "" {
			system += "\nConcept of the video: " + c
		}
		out, err := uc.ai.Chat(ctx, uc.opts.Model, []adapter.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: string(body)},
		}, adapter.WithJSON(), adapter.WithTemperature(0.7))
		if err != nil {
			if !bestEffort(err) {
				return fmt.Errorf("generate hooks: %w", err)
			}
			log.Warn().Err(err).Int("from", lo+1).Int("to", hi).Msg("hook generation failed, using titles")
			continue
		}
		var resp struct {
			Hooks []hookItem `json:"hooks"`
		}
		if err := json.Unmarshal([]byte(stripFences(out)), &resp); err != nil {
			log.Warn().Err(err).Msg("unparsable hooks response, using titles")
			continue
		}
		for _, h := range resp.Hooks {
			if h.Index < lo+1 || h.Index > hi {
				continue
			}
			hooks[h.Index] = model.HookText{Upper: strings.TrimSpace(h.Upper), Lower: strings.TrimSpace(h.Lower), Hashtags: h.Hashtags}
		}
	}

	for i, c := range clips {
		h, ok := hooks[i+1]
		if !ok || h.Upper == "" {
			h.Upper = c.Title
		}
		if h.Hashtags == nil {
			h.Hashtags = []string{}
		}
		if err := writeJSON(filepath.Join(dir, model.HookFileName(i+1)), h); err != nil {
			return err
		}
	}
	return nil
}

type reactionClipInput struct {
	ClipID   string                    `json:"clipId"`
	Title    string                    `json:"title"`
	Duration float64                   `json:"durationSec"`
	Segments []model.TranscriptSegment `json:"segments"`
}

// writeReactions asks for commentary lines per clip, schedules them onto
// the clip timeline and writes clip_NNN_reactions.json.
func (uc *clipGenUC) writeReactions(ctx context.Context, log *zerolog.Logger, dir string, clips []model.ClipCandidate, segs []model.TranscriptSegment) error {
	windows := make([][]model.TranscriptSegment, len(clips))
	for i, c := range clips {
		windows[i] = model.WindowSegments(segs, c.Start, c.End)
	}

	proposed := make(map[string][]ReactionCandidate, len(clips))
	for lo := 0; lo < len(clips); lo += reactionGroupSize {
		hi := min(lo+reactionGroupSize, len(clips))
		inputs := make([]reactionClipInput, 0, hi-lo)
		for i := lo; i < hi; i++ {
			inputs = append(inputs, reactionClipInput{
				ClipID:   model.ClipKey(i + 1),
				Title:    clips[i].Title,
				Duration: math.Round(clips[i].Duration()*100) / 100,
				Segments: windows[i],
			})
		}
		body, err := json.Marshal(map[string]any{"clips": inputs})
		if err != nil {
			return fmt.Errorf("encode reaction input: %w", err)
		}

		system := fmt.Sprintf("You are %s, reacting to short clips. Segment times are relative to the clip start. ", uc.opts.CharacterName) +
			fmt.Sprintf("For each clip write at most %d short reactions placed right after the line that triggers them. ", uc.opts.MaxReactions) +
			`Answer with JSON only: {"clips":[{"clipId":"clip_001","reactions":[{"startTimeSec":0,"durationSec":2,"text":"","emotion":""}]}]}`
		out, err := uc.ai.Chat(ctx, uc.opts.Model, []adapter.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: string(body)},
		}, adapter.WithJSON(), adapter.WithTemperature(0.8))
		if err != nil {
			if !bestEffort(err) {
				return fmt.Errorf("generate reactions: %w", err)
			}
			log.Warn().Err(err).Int("from", lo+1).Int("to", hi).Msg("reaction generation failed, clips get none")
			continue
		}
		var resp struct {
			Clips []struct {
				ClipID    string              `json:"clipId"`
				Reactions []ReactionCandidate `json:"reactions"`
			} `json:"clips"`
		}
		if err := json.Unmarshal([]byte(stripFences(out)), &resp); err != nil {
			log.Warn().Err(err).Msg("unparsable reactions response")
			continue
		}
		for _, c := range resp.Clips {
			proposed[c.ClipID] = c.Reactions
		}
	}

	for i, c := range clips {
		cands := proposed[model.ClipKey(i+1)]
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].Start < cands[b].Start })
		anchors := make([]float64, 0, len(windows[i]))
		for _, s := range windows[i] {
			anchors = append(anchors, s.End)
		}
		sort.Float64s(anchors)
		events := ScheduleReactions(cands, ScheduleOptions{
			TimelineLength: c.Duration(),
			Anchors:        anchors,
			MaxEvents:      uc.opts.MaxReactions,
		})
		if events == nil {
			events = []model.ReactionEvent{}
		}
		if err := writeJSON(filepath.Join(dir, model.ReactionFileName(i+1)), model.ReactionFile{Reactions: events}); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

package subprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/infra/store"
)

var _ adapter.Renderer = (*RemotionRenderer)(nil)

const (
	FrameRate          = 30
	DefaultComposition = "VideoWithBands"
	maxHashtags        = 5
)

type RemotionOptions struct {
	Npx         string
	Dir         string // remotion project root
	Composition string
}

// RemotionRenderer stages a batch's clips into the project's public dir,
// bundles the project, then renders each clip with its props file.
type RemotionRenderer struct {
	runner Runner
	prober *Prober
	opts   RemotionOptions
	log    *zerolog.Logger
}

func NewRemotionRenderer(runner Runner, prober *Prober, opts RemotionOptions, logger *zerolog.Logger) *RemotionRenderer {
	if opts.Npx == "" {
		opts.Npx = "npx"
	}
	if opts.Composition == "" {
		opts.Composition = DefaultComposition
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RemotionRenderer{runner: runner, prober: prober, opts: opts, log: logger}
}

// RenderProps is the input of the composition.
type RenderProps struct {
	VideoFileName    string          `json:"videoFileName"`
	TopText          string          `json:"topText"`
	BottomText       string          `json:"bottomText"`
	Hashtags         []string        `json:"hashtags"`
	DurationInFrames int             `json:"durationInFrames"`
	ReactionTimeline []ReactionFrame `json:"reactionTimeline"`
}

type ReactionFrame struct {
	StartFrame       int    `json:"startFrame"`
	DurationInFrames int    `json:"durationInFrames"`
	Text             string `json:"text"`
	Emotion          string `json:"emotion,omitempty"`
}

func (r *RemotionRenderer) Render(ctx context.Context, req adapter.RenderRequest) (adapter.RenderResult, error) {
	dir, err := filepath.Abs(r.opts.Dir)
	if err != nil {
		return adapter.RenderResult{}, err
	}
	publicSub := filepath.ToSlash(filepath.Join("clips", req.JobID))
	candidates := readCandidates(filepath.Join(req.ClipsDir, model.CandidatesFileName))

	propsPaths := make(map[int]string, len(req.ClipIndices))
	for _, idx := range req.ClipIndices {
		name := model.ClipFileName(idx)
		if _, err := store.CopyFileAtomic(filepath.Join(dir, "public", publicSub, name), filepath.Join(req.ClipsDir, name)); err != nil {
			return adapter.RenderResult{}, fmt.Errorf("stage %s: %w", name, err)
		}
		props, err := r.buildProps(ctx, req.ClipsDir, idx, publicSub+"/"+name, candidates)
		if err != nil {
			return adapter.RenderResult{}, err
		}
		data, err := json.MarshalIndent(props, "", "  ")
		if err != nil {
			return adapter.RenderResult{}, err
		}
		p, err := filepath.Abs(filepath.Join(req.PropsDir, model.PropsFileName(idx)))
		if err != nil {
			return adapter.RenderResult{}, err
		}
		if err := store.WriteFileAtomic(p, data); err != nil {
			return adapter.RenderResult{}, err
		}
		propsPaths[idx] = p
	}

	if _, err := r.runner.Run(ctx, Command{
		Name: r.opts.Npx,
		Args: []string{"remotion", "bundle", "src/index.tsx", "--public-dir", "public", "--overwrite"},
		Dir:  dir,
	}); err != nil {
		return adapter.RenderResult{}, fmt.Errorf("remotion bundle: %w", err)
	}

	outputs := make(map[int]string, len(req.ClipIndices))
	for _, idx := range req.ClipIndices {
		out, err := filepath.Abs(filepath.Join(req.OutputDir, model.ClipFileName(idx)))
		if err != nil {
			return adapter.RenderResult{}, err
		}
		if _, err := r.runner.Run(ctx, Command{
			Name: r.opts.Npx,
			Args: []string{"remotion", "render", "--serve-url", "build", r.opts.Composition, out, "--props", propsPaths[idx]},
			Dir:  dir,
		}); err != nil {
			return adapter.RenderResult{}, fmt.Errorf("render %s: %w", model.ClipFileName(idx), err)
		}
		r.log.Info().Int("clip", idx).Str("out", out).Msg("clip rendered")
		outputs[idx] = out
	}
	return adapter.RenderResult{Outputs: outputs}, nil
}

func (r *RemotionRenderer) buildProps(ctx context.Context, clipsDir string, idx int, videoName string, candidates []model.ClipCandidate) (RenderProps, error) {
	frames := 0
	if r.prober != nil {
		if info, err := r.prober.Probe(ctx, filepath.Join(clipsDir, model.ClipFileName(idx))); err == nil {
			frames = int(info.DurationSeconds * FrameRate)
		} else if errors.Is(err, context.Canceled) {
			return RenderProps{}, err
		}
	}
	if idx >= 1 && idx <= len(candidates) {
		if cf := int(math.Max(1, math.Round(candidates[idx-1].Duration()*FrameRate))); cf > frames {
			frames = cf
		}
	}
	if frames <= 0 {
		return RenderProps{}, fmt.Errorf("%w: no duration for %s", domain.ErrMissingArtifact, model.ClipFileName(idx))
	}

	var hooks model.HookText
	if err := readJSON(filepath.Join(clipsDir, model.HookFileName(idx)), &hooks); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn().Err(err).Int("clip", idx).Msg("unreadable hooks; rendering without overlay text")
	}
	var reactions model.ReactionFile
	if err := readJSON(filepath.Join(clipsDir, model.ReactionFileName(idx)), &reactions); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn().Err(err).Int("clip", idx).Msg("unreadable reactions; rendering without them")
	}

	return RenderProps{
		VideoFileName:    videoName,
		TopText:          plainText(hooks.Upper),
		BottomText:       plainText(hooks.Lower),
		Hashtags:         normalizeHashtags(hooks.Hashtags),
		DurationInFrames: frames,
		ReactionTimeline: reactionFrames(reactions.Reactions),
	}, nil
}

func reactionFrames(events []model.ReactionEvent) []ReactionFrame {
	out := make([]ReactionFrame, 0, len(events))
	for _, e := range events {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		out = append(out, ReactionFrame{
			StartFrame:       int(math.Max(0, math.Round(e.StartTimeSec*FrameRate))),
			DurationInFrames: int(math.Max(1, math.Round(e.DurationSec*FrameRate))),
			Text:             text,
			Emotion:          strings.TrimSpace(e.Emotion),
		})
	}
	return out
}

func normalizeHashtags(raw []string) []string {
	out := make([]string, 0, maxHashtags)
	seen := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(tag), "#"))
		if tag == "" {
			continue
		}
		tag = "#" + tag
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == maxHashtags {
			break
		}
	}
	return out
}

func plainText(s string) string { return strings.Join(strings.Fields(s), " ") }

func readCandidates(path string) []model.ClipCandidate {
	var c []model.ClipCandidate
	_ = readJSON(path, &c)
	return c
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

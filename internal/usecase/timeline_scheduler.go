package usecase

import (
	"math"
	"strings"

	"kirinuki-pipeline/internal/domain/model"
)

const (
	// DefaultMaxReactions caps reactions per clip.
	DefaultMaxReactions = 6

	reactionLeadIn        = 0.35 // pause after the trigger line before reacting
	anchorTolerance       = 0.05
	anchorGap             = 0.2
	reactionTailRoom      = 0.5 // latest start is T - reactionTailRoom
	reactionSeparation    = 0.25
	defaultReactionMinSec = 0.8
)

// ReactionCandidate is an unsanitized reaction as proposed by the model.
type ReactionCandidate struct {
	Start    float64 `json:"startTimeSec"`
	Duration float64 `json:"durationSec"`
	Text     string  `json:"text"`
	Emotion  string  `json:"emotion"`
}

type ScheduleOptions struct {
	TimelineLength float64
	// Anchors are transcript cue end times relative to the clip start, ascending.
	Anchors   []float64
	MaxEvents int
	// MinDuration is the duration floor; 0 means min(0.8, TimelineLength).
	MinDuration float64
}

// ScheduleReactions places candidates on [0, TimelineLength] in a single
// forward pass, in input order. Kept events never overlap and are at least
// reactionSeparation apart; candidates that no longer fit are dropped.
func ScheduleReactions(cands []ReactionCandidate, opts ScheduleOptions) []model.ReactionEvent {
	T := opts.TimelineLength
	if T <= 0 || len(cands) == 0 {
		return nil
	}
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxReactions
	}
	floor := opts.MinDuration
	if floor <= 0 {
		floor = math.Min(defaultReactionMinSec, T)
	}
	latestStart := math.Max(0, T-reactionTailRoom)

	out := make([]model.ReactionEvent, 0, min(len(cands), maxEvents))
	lastEnd := 0.0
	for _, c := range cands {
		text := strings.TrimSpace(c.Text)
		if text == "" || c.Duration <= 0 {
			continue
		}

		desired := math.Max(0, c.Start+reactionLeadIn)
		if anchor, ok := anchorFor(desired, opts.Anchors); ok {
			desired = math.Max(desired, anchor)
		}

		start := round3(math.Max(lastEnd+reactionSeparation, math.Min(desired, latestStart)))
		room := T - start
		if room <= reactionSeparation {
			continue
		}

		dur := math.Min(c.Duration, room)
		if dur < floor {
			if room >= floor {
				dur = floor
			} else {
				dur = room
			}
		}
		dur = math.Min(floor3(dur), room)
		if dur <= reactionSeparation {
			continue
		}

		out = append(out, model.ReactionEvent{
			StartTimeSec: start,
			DurationSec:  dur,
			Text:         text,
			Emotion:      strings.TrimSpace(c.Emotion),
		})
		lastEnd = start + dur
		if len(out) >= maxEvents {
			break
		}
	}
	return out
}

// anchorFor returns the pull-forward target for a desired start: the first
// cue ending at or after it (within tolerance), else the last cue.
func anchorFor(desired float64, anchors []float64) (float64, bool) {
	if len(anchors) == 0 {
		return 0, false
	}
	for _, end := range anchors {
		if desired <= end+anchorTolerance {
			return end + anchorGap, true
		}
	}
	return anchors[len(anchors)-1] + anchorGap, true
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func floor3(v float64) float64 { return math.Floor(v*1000) / 1000 }

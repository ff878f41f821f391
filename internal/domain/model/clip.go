package model

import (
	"encoding/json"
	"fmt"
	"math"

	"kirinuki-pipeline/internal/domain"
)

// ClipCandidate is one proposed clip span.
type ClipCandidate struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Title      string  `json:"title"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

func (c ClipCandidate) Duration() float64 { return c.End - c.Start }

// ReactionEvent is one commentary line on a clip timeline.
type ReactionEvent struct {
	StartTimeSec float64 `json:"startTimeSec"`
	DurationSec  float64 `json:"durationSec"`
	Text         string  `json:"text"`
	Emotion      string  `json:"emotion,omitempty"`
}

func (e ReactionEvent) End() float64 { return e.StartTimeSec + e.DurationSec }

// ReactionFile is the on-disk form of a clip's reaction timeline.
type ReactionFile struct {
	Reactions []ReactionEvent `json:"reactions"`
}

// HookText is the overlay copy shown above and below a clip.
type HookText struct {
	Upper    string   `json:"upper"`
	Lower    string   `json:"lower"`
	Hashtags []string `json:"hashtags"`
}

// TranscriptSegment is a single timed transcript line.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// rawSegment accepts the end/dur/duration spellings produced by different
// transcription providers.
type rawSegment struct {
	Start    *float64 `json:"start"`
	End      *float64 `json:"end"`
	Dur      *float64 `json:"dur"`
	Duration *float64 `json:"duration"`
	Text     string   `json:"text"`
}

// ParseTranscript decodes a JSON array of segments, or an object wrapping
// one under "segments". Segments without a usable end or with end <= start
// are dropped.
func ParseTranscript(data []byte) ([]TranscriptSegment, error) {
	var raws []rawSegment
	if err := json.Unmarshal(data, &raws); err != nil {
		var wrapped struct {
			Segments []rawSegment `json:"segments"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedTranscript, err)
		}
		raws = wrapped.Segments
	}

	out := make([]TranscriptSegment, 0, len(raws))
	for _, r := range raws {
		if r.Start == nil {
			continue
		}
		start := *r.Start
		var end float64
		switch {
		case r.End != nil:
			end = *r.End
		case r.Dur != nil:
			end = start + *r.Dur
		case r.Duration != nil:
			end = start + *r.Duration
		default:
			continue
		}
		if end <= start || math.IsNaN(start) || math.IsNaN(end) {
			continue
		}
		out = append(out, TranscriptSegment{Start: start, End: end, Text: r.Text})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable segments", domain.ErrMalformedTranscript)
	}
	return out, nil
}

// WindowSegments returns the segments overlapping [start, end), clipped to
// the window and shifted so the window starts at zero.
func WindowSegments(segs []TranscriptSegment, start, end float64) []TranscriptSegment {
	var out []TranscriptSegment
	for _, s := range segs {
		if s.End <= start || s.Start >= end {
			continue
		}
		lo := math.Max(s.Start, start)
		hi := math.Min(s.End, end)
		if hi <= lo {
			continue
		}
		out = append(out, TranscriptSegment{Start: lo - start, End: hi - start, Text: s.Text})
	}
	return out
}

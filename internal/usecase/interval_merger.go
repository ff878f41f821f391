package usecase

import (
	"sort"

	"kirinuki-pipeline/internal/domain/model"
)

// MergeOptions bounds clip spans and the spacing between kept spans.
type MergeOptions struct {
	MinGap      float64
	MinDuration float64
	MaxDuration float64
}

func DefaultMergeOptions() MergeOptions {
	return MergeOptions{MinGap: 30, MinDuration: 30, MaxDuration: 120}
}

// MergeCandidates reduces possibly overlapping proposals to a start-ordered
// sequence in which consecutive spans are at least MinGap apart.
//
// Candidates outside the duration bounds are dropped before merging. A
// candidate that conflicts with the last kept span replaces it only when its
// confidence is strictly higher; spans are never unioned, so a later
// candidate can displace an earlier one.
func MergeCandidates(candidates []model.ClipCandidate, opts MergeOptions) []model.ClipCandidate {
	kept := make([]model.ClipCandidate, 0, len(candidates))
	for _, c := range candidates {
		d := c.Duration()
		if c.Start < 0 || c.End <= c.Start {
			continue
		}
		if d < opts.MinDuration || (opts.MaxDuration > 0 && d > opts.MaxDuration) {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })

	merged := make([]model.ClipCandidate, 0, len(kept))
	for _, c := range kept {
		if len(merged) == 0 {
			merged = append(merged, c)
			continue
		}
		last := &merged[len(merged)-1]
		if c.Start >= last.End && c.Start-last.End >= opts.MinGap {
			merged = append(merged, c)
			continue
		}
		if c.Confidence > last.Confidence {
			*last = c
		}
	}
	return merged
}

package usecase

import "time"

// DefaultMaxClipsPerBatch is the hard cap on clips rendered in one batch.
const DefaultMaxClipsPerBatch = 15

// RequestedBatchesForDuration maps a source duration to the minimum number
// of render batches: over 2h gives 3, over 1h gives 2, anything else 1.
func RequestedBatchesForDuration(seconds float64) int {
	d := time.Duration(seconds * float64(time.Second))
	switch {
	case d > 2*time.Hour:
		return 3
	case d > time.Hour:
		return 2
	default:
		return 1
	}
}

// PlanBatches partitions indices into consecutive chunks. The number of
// chunks is at least requested and at least ceil(n/cap), but never more
// than n. The result depends only on its inputs, so callers persist the
// first plan and reuse it on resume.
func PlanBatches(indices []int, requested, maxPerBatch int) [][]int {
	n := len(indices)
	if n == 0 {
		return nil
	}
	if maxPerBatch <= 0 {
		maxPerBatch = DefaultMaxClipsPerBatch
	}

	required := ceilDiv(n, maxPerBatch)
	actual := max(requested, required)
	actual = min(max(actual, 1), n)
	chunk := ceilDiv(n, actual)

	batches := make([][]int, 0, actual)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		b := make([]int, hi-lo)
		copy(b, indices[lo:hi])
		batches = append(batches, b)
	}
	return batches
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

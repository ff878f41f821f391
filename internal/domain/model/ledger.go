package model

import (
	"strings"
	"time"

	"kirinuki-pipeline/internal/domain"
)

type LedgerStatus string

const (
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// LedgerEntry is one row of the processed-jobs ledger.
type LedgerEntry struct {
	JobID       string       `json:"jobId"`
	Title       string       `json:"title"`
	ProcessedAt time.Time    `json:"processedAt"`
	Status      LedgerStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
}

// Retryable reports whether a scheduler may enqueue the job again.
// Failures with a transient or rate-limit reason are retryable.
func (e *LedgerEntry) Retryable() bool {
	if e.Status != LedgerStatusFailed {
		return false
	}
	switch e.Reason {
	case "transient", "rate_limited":
		return true
	}
	return false
}

func NewLedgerEntry(jobID, title string, status LedgerStatus, reason string) (*LedgerEntry, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	switch status {
	case LedgerStatusCompleted, LedgerStatusFailed:
	default:
		return nil, domain.ErrInvalidArgument
	}
	return &LedgerEntry{
		JobID:       jobID,
		Title:       title,
		ProcessedAt: time.Now().UTC(),
		Status:      status,
		Reason:      reason,
	}, nil
}

// UpsertLedger replaces the entry with the same job id or appends e.
func UpsertLedger(entries []*LedgerEntry, e *LedgerEntry) []*LedgerEntry {
	for i, cur := range entries {
		if cur != nil && cur.JobID == e.JobID {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

package usecase

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"kirinuki-pipeline/internal/domain"
)

// FailureClass tells the orchestrator what a failed step means for the job.
type FailureClass string

const (
	FailureFatal       FailureClass = "fatal"
	FailureTransient   FailureClass = "transient"
	FailureRateLimited FailureClass = "rate_limited"
)

// Upstream APIs give no structured signal, so output is matched against
// known phrases. Matching is case-insensitive. Status codes only count next
// to an HTTP word: ffmpeg and Remotion output is full of bare numbers.
var (
	rateLimitStatus = regexp.MustCompile(`(?i)\b(?:http|status|code|error|response)(?: error)?[\s:=]*429\b`)
	transientStatus = regexp.MustCompile(`(?i)\b(?:http|status|code|error|response)(?: error)?[\s:=]*50[0234]\b`)

	rateLimitSignatures = []string{
		"too many requests",
		"resource_exhausted",
		"resource has been exhausted",
		"quota exceeded",
		"exceeded your current quota",
		"rate limit",
		"ratelimit",
	}
	transientSignatures = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"service unavailable",
		"connection reset",
		"connection refused",
		"temporary failure in name resolution",
		"unexpected eof",
		"tls handshake",
	}
)

// ClassifyFailure inspects captured output of a failed step.
func ClassifyFailure(output string) FailureClass {
	s := strings.ToLower(output)
	if rateLimitStatus.MatchString(s) || containsAny(s, rateLimitSignatures) {
		return FailureRateLimited
	}
	if transientStatus.MatchString(s) || containsAny(s, transientSignatures) {
		return FailureTransient
	}
	return FailureFatal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ClassifyError classifies err using its captured output when it carries
// one, falling back to the error text.
func ClassifyError(err error) FailureClass {
	if err == nil {
		return FailureFatal
	}
	var rl *RateLimitError
	if errors.As(err, &rl) || errors.Is(err, domain.ErrRateLimited) {
		return FailureRateLimited
	}
	switch {
	case errors.Is(err, domain.ErrMalformedTranscript),
		errors.Is(err, domain.ErrNoClips),
		errors.Is(err, domain.ErrMissingArtifact),
		errors.Is(err, domain.ErrInvalidState):
		return FailureFatal
	}
	var withOutput interface{ Output() string }
	if errors.As(err, &withOutput) {
		if c := ClassifyFailure(withOutput.Output()); c != FailureFatal {
			return c
		}
	}
	return ClassifyFailure(err.Error())
}

// StageError wraps the error of a failed pipeline step.
type StageError struct {
	Stage string
	Class FailureClass
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// RateLimitError is returned when a step hit an upstream quota. The job
// document is left in-progress so the next run resumes normally.
type RateLimitError struct {
	Stage string
	Err   error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Stage, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is lets callers match any RateLimitError with domain.ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == domain.ErrRateLimited }

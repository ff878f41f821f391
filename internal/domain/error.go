package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidState        = errors.New("invalid job state document")
	ErrMissingArtifact     = errors.New("expected artifact is missing")
	ErrNoClips             = errors.New("no clips were generated")
	ErrMalformedTranscript = errors.New("malformed transcript")
	ErrJobLocked           = errors.New("job is locked by another run")
	ErrRateLimited         = errors.New("upstream rate limit reached")
	ErrInvalidExecContext  = errors.New("invalid database execution context")
	ErrReadDatabaseRow     = errors.New("failed to read database row")
)

package crawler

import "errors"

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrJobTerminal       = errors.New("job is terminal")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrSourceDisabled    = errors.New("source is disabled")
	ErrSourceInUse       = errors.New("source has active jobs")
	ErrJobActive         = errors.New("source already has a queued or running job")
	ErrNoProxy           = errors.New("no active proxy available")
)

package crawler

import "fmt"

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether s counts against the one-job-per-source guard.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// CanTransition encodes queued -> running -> {succeeded|failed|cancelled}.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// CheckTransition returns ErrInvalidTransition or ErrJobTerminal when from -> to is not allowed.
func CheckTransition(jobID string, from, to JobStatus) error {
	if from.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, from, ErrJobTerminal)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, from, to, ErrInvalidTransition)
	}
	return nil
}

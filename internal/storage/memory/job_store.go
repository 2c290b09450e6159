package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrDuplicate)
	}
	if _, ok := s.sources[job.SourceID]; !ok {
		return fmt.Errorf("source %s: %w", job.SourceID, crawler.ErrNotFound)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Job, 0)
	for _, job := range s.jobs {
		if filter.SourceID != "" && job.SourceID != filter.SourceID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransitionJob moves a job along its state machine and stamps start/finish times.
func (s *Store) TransitionJob(_ context.Context, id string, to crawler.JobStatus, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if err := crawler.CheckTransition(id, job.Status, to); err != nil {
		return err
	}
	job.Status = to
	if message != "" {
		job.Message = message
	}
	if to == crawler.JobStatusRunning {
		job.StartedAt = pointerTime(at)
	}
	if to.Terminal() {
		job.FinishedAt = pointerTime(at)
	}
	s.jobs[id] = job
	return nil
}

// UpdateJobCounters replaces counters on a non-terminal job; counters never decrease.
func (s *Store) UpdateJobCounters(_ context.Context, id string, counters crawler.JobCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, crawler.ErrJobTerminal)
	}
	if !counters.Dominates(job.Counters) {
		return fmt.Errorf("job %s: counters must not decrease", id)
	}
	job.Counters = counters
	s.jobs[id] = job
	return nil
}

// RequestCancel flags a queued or running job for cooperative cancellation.
func (s *Store) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, crawler.ErrJobTerminal)
	}
	job.CancelRequested = true
	s.jobs[id] = job
	return nil
}

// HasActiveJob reports whether the source has a queued or running job.
func (s *Store) HasActiveJob(_ context.Context, sourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.SourceID == sourceID && job.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

// CountRecentFailures counts failed jobs created after the source's latest success.
func (s *Store) CountRecentFailures(_ context.Context, sourceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lastSuccess time.Time
	for _, job := range s.jobs {
		if job.SourceID == sourceID && job.Status == crawler.JobStatusSucceeded && job.CreatedAt.After(lastSuccess) {
			lastSuccess = job.CreatedAt
		}
	}
	count := 0
	for _, job := range s.jobs {
		if job.SourceID == sourceID && job.Status == crawler.JobStatusFailed && job.CreatedAt.After(lastSuccess) {
			count++
		}
	}
	return count, nil
}

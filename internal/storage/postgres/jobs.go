package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

const jobColumns = `id, source_id, status, message, trigger, attempt, retry_of, cancel_requested,
	pages_crawled, images_found, images_downloaded, images_skipped, faces_detected, faces_indexed, errors,
	created_at, started_at, finished_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) error {
	c := job.Counters
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.SourceID, string(job.Status), job.Message, string(job.Trigger), job.Attempt, job.RetryOf,
		job.CancelRequested,
		c.PagesCrawled, c.ImagesFound, c.ImagesDownloaded, c.ImagesSkipped, c.FacesDetected, c.FacesIndexed, c.Errors,
		job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	return mapError(err, "insert job "+job.ID)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM crawl_jobs WHERE id = $1", id))
	if err != nil {
		return crawler.Job{}, mapError(err, "job "+id)
	}
	return job, nil
}

// ListJobs returns jobs newest first. A zero Limit means no limit.
func (s *Store) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM crawl_jobs
		WHERE ($1::text = '' OR source_id = $1::text)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($3, 0)`,
		filter.SourceID, statuses, filter.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// TransitionJob moves a job along its state machine and stamps start/finish times.
// The current status is read under a row lock so concurrent transitions serialize.
func (s *Store) TransitionJob(ctx context.Context, id string, to crawler.JobStatus, message string, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var from string
		if err := tx.QueryRow(ctx, "SELECT status FROM crawl_jobs WHERE id = $1 FOR UPDATE", id).Scan(&from); err != nil {
			return mapError(err, "job "+id)
		}
		if err := crawler.CheckTransition(id, crawler.JobStatus(from), to); err != nil {
			return err
		}
		var startedAt, finishedAt *time.Time
		if to == crawler.JobStatusRunning {
			startedAt = &at
		}
		if to.Terminal() {
			finishedAt = &at
		}
		if _, err := tx.Exec(ctx, `
			UPDATE crawl_jobs
			SET status = $2,
				message = CASE WHEN $3::text = '' THEN message ELSE $3::text END,
				started_at = COALESCE($4, started_at),
				finished_at = COALESCE($5, finished_at)
			WHERE id = $1`,
			id, string(to), message, startedAt, finishedAt,
		); err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		return nil
	})
}

// UpdateJobCounters replaces counters on a non-terminal job; counters never decrease.
func (s *Store) UpdateJobCounters(ctx context.Context, id string, counters crawler.JobCounters) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			status string
			prev   crawler.JobCounters
		)
		if err := tx.QueryRow(ctx, `
			SELECT status, pages_crawled, images_found, images_downloaded, images_skipped,
				faces_detected, faces_indexed, errors
			FROM crawl_jobs WHERE id = $1 FOR UPDATE`, id,
		).Scan(
			&status, &prev.PagesCrawled, &prev.ImagesFound, &prev.ImagesDownloaded, &prev.ImagesSkipped,
			&prev.FacesDetected, &prev.FacesIndexed, &prev.Errors,
		); err != nil {
			return mapError(err, "job "+id)
		}
		if crawler.JobStatus(status).Terminal() {
			return fmt.Errorf("job %s is %s: %w", id, status, crawler.ErrJobTerminal)
		}
		if !counters.Dominates(prev) {
			return fmt.Errorf("job %s: counters must not decrease", id)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE crawl_jobs
			SET pages_crawled = $2, images_found = $3, images_downloaded = $4, images_skipped = $5,
				faces_detected = $6, faces_indexed = $7, errors = $8
			WHERE id = $1`,
			id, counters.PagesCrawled, counters.ImagesFound, counters.ImagesDownloaded, counters.ImagesSkipped,
			counters.FacesDetected, counters.FacesIndexed, counters.Errors,
		); err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		return nil
	})
}

// RequestCancel flags a queued or running job for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE crawl_jobs SET cancel_requested = cancel_requested OR status IN ('queued', 'running')
		WHERE id = $1
		RETURNING status`, id,
	).Scan(&status)
	if err != nil {
		return mapError(err, "job "+id)
	}
	if crawler.JobStatus(status).Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, status, crawler.ErrJobTerminal)
	}
	return nil
}

// HasActiveJob reports whether the source has a queued or running job.
func (s *Store) HasActiveJob(ctx context.Context, sourceID string) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM crawl_jobs WHERE source_id = $1 AND status IN ('queued', 'running'))`,
		sourceID,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check active jobs: %w", err)
	}
	return active, nil
}

// CountRecentFailures counts failed jobs created after the source's latest success.
func (s *Store) CountRecentFailures(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM crawl_jobs
		WHERE source_id = $1 AND status = 'failed'
		  AND created_at > COALESCE(
			(SELECT MAX(created_at) FROM crawl_jobs WHERE source_id = $1 AND status = 'succeeded'),
			'-infinity'::timestamptz)`,
		sourceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent failures: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job             crawler.Job
		status, trigger string
		c               = &job.Counters
	)
	if err := row.Scan(
		&job.ID, &job.SourceID, &status, &job.Message, &trigger, &job.Attempt, &job.RetryOf, &job.CancelRequested,
		&c.PagesCrawled, &c.ImagesFound, &c.ImagesDownloaded, &c.ImagesSkipped, &c.FacesDetected, &c.FacesIndexed, &c.Errors,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	); err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	job.Trigger = crawler.JobTrigger(trigger)
	return job, nil
}

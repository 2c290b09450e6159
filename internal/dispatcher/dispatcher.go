// Package dispatcher turns job requests into queued jobs, executes dequeued
// jobs and schedules automatic retries after failures.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/orchestrator"
)

// Runner executes and force-fails jobs.
type Runner interface {
	Run(ctx context.Context, jobID string) (orchestrator.Outcome, error)
	Fail(ctx context.Context, jobID, message string) error
}

// Config tunes retry behavior.
type Config struct {
	// RetryCeiling caps automatic retries per source since its last success. Zero disables them.
	RetryCeiling int
}

// Dispatcher fans job requests out to the queue, or runs them inline when no queue is configured.
type Dispatcher struct {
	sources crawler.SourceStore
	jobs    crawler.JobStore
	queue   crawler.Queue
	runner  Runner
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger
	cfg     Config
}

// New creates a Dispatcher. A nil queue selects inline execution.
func New(
	sources crawler.SourceStore,
	jobs crawler.JobStore,
	queue crawler.Queue,
	runner Runner,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	cfg Config,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sources: sources,
		jobs:    jobs,
		queue:   queue,
		runner:  runner,
		ids:     ids,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
}

// Inline reports whether jobs run synchronously inside Submit.
func (d *Dispatcher) Inline() bool {
	return d.queue == nil
}

// Submit creates a job for sourceID and hands it to the queue. The
// one-active-job guard is a check-then-create and therefore advisory: two
// concurrent submits for the same source can both pass it.
func (d *Dispatcher) Submit(ctx context.Context, sourceID string, trigger crawler.JobTrigger) (crawler.Job, error) {
	job, err := d.createGuarded(ctx, sourceID, trigger)
	if err != nil {
		return crawler.Job{}, err
	}
	return d.dispatch(ctx, job)
}

// RunNow creates a job for sourceID and runs it in the calling goroutine
// whatever the queue configuration. Automatic retries still go through dispatch.
func (d *Dispatcher) RunNow(ctx context.Context, sourceID string, trigger crawler.JobTrigger) (crawler.Job, error) {
	job, err := d.createGuarded(ctx, sourceID, trigger)
	if err != nil {
		return crawler.Job{}, err
	}
	return d.Execute(ctx, queueItem(job))
}

// Execute runs a dequeued job and retries it automatically when it fails.
func (d *Dispatcher) Execute(ctx context.Context, item crawler.QueueItem) (crawler.Job, error) {
	outcome, err := d.runner.Run(ctx, item.JobID)
	if err != nil {
		return outcome.Job, err
	}
	if outcome.Job.Status == crawler.JobStatusFailed && outcome.Retryable && ctx.Err() == nil {
		d.retry(ctx, outcome.Job)
	}
	return outcome.Job, nil
}

func (d *Dispatcher) createGuarded(ctx context.Context, sourceID string, trigger crawler.JobTrigger) (crawler.Job, error) {
	if _, err := d.sources.GetSource(ctx, sourceID); err != nil {
		return crawler.Job{}, fmt.Errorf("load source: %w", err)
	}
	active, err := d.jobs.HasActiveJob(ctx, sourceID)
	if err != nil {
		return crawler.Job{}, err
	}
	if active {
		return crawler.Job{}, fmt.Errorf("source %s: %w", sourceID, crawler.ErrJobActive)
	}
	return d.newJob(ctx, sourceID, trigger, 1, "")
}

func (d *Dispatcher) newJob(ctx context.Context, sourceID string, trigger crawler.JobTrigger, attempt int, retryOf string) (crawler.Job, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{
		ID:        id,
		SourceID:  sourceID,
		Status:    crawler.JobStatusQueued,
		Trigger:   trigger,
		Attempt:   attempt,
		RetryOf:   retryOf,
		CreatedAt: d.clock.Now(),
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// dispatch enqueues job, or runs it inline. A rejected enqueue fails the job
// so the retry path sees it instead of the request vanishing.
func (d *Dispatcher) dispatch(ctx context.Context, job crawler.Job) (crawler.Job, error) {
	item := queueItem(job)
	if d.queue == nil {
		return d.Execute(ctx, item)
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.logger.Error("queue enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		if failErr := d.runner.Fail(ctx, job.ID, fmt.Sprintf("queue dispatch failed: %v", err)); failErr != nil {
			return job, fmt.Errorf("queue enqueue: %w", errors.Join(err, failErr))
		}
		failed, getErr := d.jobs.GetJob(ctx, job.ID)
		if getErr != nil {
			return job, getErr
		}
		d.retry(ctx, failed)
		return failed, nil
	}
	d.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("source_id", job.SourceID))
	return job, nil
}

// retry enqueues a fresh attempt while the source is under the retry ceiling.
func (d *Dispatcher) retry(ctx context.Context, failed crawler.Job) {
	if d.cfg.RetryCeiling <= 0 {
		return
	}
	log := d.logger.With(zap.String("job_id", failed.ID), zap.String("source_id", failed.SourceID))
	failures, err := d.jobs.CountRecentFailures(ctx, failed.SourceID)
	if err != nil {
		log.Warn("count failures failed, not retrying", zap.Error(err))
		return
	}
	if failures > d.cfg.RetryCeiling {
		log.Info("retry ceiling reached", zap.Int("failures", failures), zap.Int("ceiling", d.cfg.RetryCeiling))
		return
	}
	active, err := d.jobs.HasActiveJob(ctx, failed.SourceID)
	if err != nil || active {
		log.Info("retry skipped, source busy or unreadable", zap.Bool("active", active), zap.Error(err))
		return
	}
	job, err := d.newJob(ctx, failed.SourceID, crawler.TriggerRetry, failed.Attempt+1, failed.ID)
	if err != nil {
		log.Warn("create retry job failed", zap.Error(err))
		return
	}
	log.Info("retrying failed job", zap.String("retry_job_id", job.ID), zap.Int("attempt", job.Attempt))
	if _, err := d.dispatch(ctx, job); err != nil {
		log.Warn("dispatch retry failed", zap.String("retry_job_id", job.ID), zap.Error(err))
	}
}

func queueItem(job crawler.Job) crawler.QueueItem {
	return crawler.QueueItem{
		JobID:     job.ID,
		SourceID:  job.SourceID,
		Attempt:   job.Attempt,
		Submitted: job.CreatedAt.Unix(),
	}
}

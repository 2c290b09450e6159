// Package worker drains the job queue with a fixed number of concurrent slots.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/metrics"
	"github.com/JakeFAU/face-harvester/internal/queue"
)

// Executor runs one dequeued job.
type Executor interface {
	Execute(ctx context.Context, item crawler.QueueItem) (crawler.Job, error)
}

// Config controls Pool behavior.
type Config struct {
	Concurrency int
	// DrainTimeout is how long in-flight jobs may keep running after Run's
	// context ends before their own contexts are cancelled.
	DrainTimeout time.Duration
	// ErrorBackoff pauses a slot after a dequeue error.
	ErrorBackoff time.Duration
}

// Pool consumes queue items and executes them, at most Concurrency at a time.
type Pool struct {
	queue  crawler.Queue
	exec   Executor
	jobs   crawler.JobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Pool. jobs may be nil, which disables the pre-run status check.
func New(q crawler.Queue, exec Executor, jobs crawler.JobStore, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Pool{queue: q, exec: exec, jobs: jobs, cfg: cfg, logger: logger}
}

// Run blocks until ctx is done or the queue is closed, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	stopDrain := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopDrain:
			return
		}
		timer := time.NewTimer(p.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.logger.Warn("drain timeout reached, cancelling in-flight jobs")
			cancelJobs()
		case <-stopDrain:
		}
	}()

	var wg sync.WaitGroup
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, jobCtx, slot)
		}(slot)
	}
	wg.Wait()
	close(stopDrain)
}

func (p *Pool) loop(ctx, jobCtx context.Context, slot int) {
	log := p.logger.With(zap.Int("slot", slot))
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || queue.IsClosed(err) {
				return
			}
			log.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		log.Debug("dequeued job", zap.String("job_id", item.JobID))
		p.process(jobCtx, log, item)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, item crawler.QueueItem) {
	if p.skip(ctx, log, item) {
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	job, err := p.exec.Execute(ctx, item)
	if err != nil {
		log.Error("job execution failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	log.Debug("job done", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
}

// skip reports whether the job no longer exists or is already terminal.
func (p *Pool) skip(ctx context.Context, log *zap.Logger, item crawler.QueueItem) bool {
	if p.jobs == nil {
		return false
	}
	job, err := p.jobs.GetJob(ctx, item.JobID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		log.Warn("dequeued unknown job", zap.String("job_id", item.JobID))
		return true
	case err != nil:
		// Let the executor surface the store error.
		return false
	case job.Status.Terminal():
		log.Info("skipping terminal job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return true
	}
	return false
}

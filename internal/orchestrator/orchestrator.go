// Package orchestrator drives one crawl job end-to-end: it walks every address
// of the job's source through the matching strategy, downloads the candidate
// images and hands them to the face pipeline while keeping job counters current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/embedder"
	"github.com/JakeFAU/face-harvester/internal/imaging"
	"github.com/JakeFAU/face-harvester/internal/metrics"
	"github.com/JakeFAU/face-harvester/internal/pipeline"
	"github.com/JakeFAU/face-harvester/internal/strategy"
)

// EventJobFinished is the event name published once a job reaches a terminal status.
const EventJobFinished = "job.finished"

// Registry resolves the crawler for a source kind.
type Registry interface {
	Lookup(kind crawler.SourceKind) (strategy.ProfileCrawler, error)
}

// ImageFetcher downloads candidate images.
type ImageFetcher interface {
	FetchImage(ctx context.Context, req strategy.Request) (crawler.FetchResponse, string, error)
}

// Pipeline stores images and indexes their faces.
type Pipeline interface {
	StoreDownloadedImage(ctx context.Context, d pipeline.Download) (crawler.DownloadedImage, bool, error)
	ProcessImage(ctx context.Context, source crawler.Source, img crawler.DownloadedImage, body []byte) (pipeline.FaceResult, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config supplies crawl defaults and housekeeping intervals.
type Config struct {
	MaxPagesDefault    int
	MaxDepthDefault    int
	RateLimitPerMinute int
	// CancelPollInterval bounds how often the cancel flag is re-read from the store.
	CancelPollInterval time.Duration
}

// Orchestrator runs crawl jobs.
type Orchestrator struct {
	sources   crawler.SourceStore
	jobs      crawler.JobStore
	registry  Registry
	fetcher   ImageFetcher
	pipeline  Pipeline
	embedder  Pinger
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
	cfg       Config
}

// New wires an Orchestrator. embedder and publisher may be nil.
func New(
	sources crawler.SourceStore,
	jobs crawler.JobStore,
	registry Registry,
	fetcher ImageFetcher,
	pipe Pipeline,
	embedder Pinger,
	publisher crawler.Publisher,
	clock crawler.Clock,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	return &Orchestrator{
		sources:   sources,
		jobs:      jobs,
		registry:  registry,
		fetcher:   fetcher,
		pipeline:  pipe,
		embedder:  embedder,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// JobEvent is the payload published for EventJobFinished.
type JobEvent struct {
	JobID      string              `json:"job_id"`
	SourceID   string              `json:"source_id"`
	Status     crawler.JobStatus   `json:"status"`
	Message    string              `json:"message,omitempty"`
	Trigger    crawler.JobTrigger  `json:"trigger"`
	Attempt    int                 `json:"attempt"`
	Counters   crawler.JobCounters `json:"counters"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Outcome is the result of one Run.
type Outcome struct {
	Job crawler.Job
	// Retryable is false for setup failures (missing or disabled source,
	// unknown kind, embedder down) that a fresh attempt would repeat.
	Retryable bool
}

// Run executes jobID and returns the job as persisted afterwards. Jobs that are
// no longer queued are returned untouched. Item-level failures only move
// counters; the returned error is reserved for store failures.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (Outcome, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status != crawler.JobStatusQueued {
		o.logger.Info("job not runnable, skipping",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return Outcome{Job: job}, nil
	}
	if err := o.jobs.TransitionJob(ctx, job.ID, crawler.JobStatusRunning, "", o.clock.Now()); err != nil {
		return Outcome{Job: job}, fmt.Errorf("start job: %w", err)
	}
	o.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("source_id", job.SourceID),
		zap.String("trigger", string(job.Trigger)),
		zap.Int("attempt", job.Attempt),
	)

	run := &jobRun{o: o, job: job, lastPoll: o.clock.Now()}
	run.cancelled.Store(job.CancelRequested)
	status, message := run.execute(ctx)
	final, err := o.finish(ctx, run, status, message)
	return Outcome{Job: final, Retryable: run.retryable}, err
}

// Fail moves a queued job through running to failed with message. The
// dispatcher uses it when a job can never reach a worker.
func (o *Orchestrator) Fail(ctx context.Context, jobID, message string) error {
	now := o.clock.Now()
	if err := o.jobs.TransitionJob(ctx, jobID, crawler.JobStatusRunning, "", now); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if err := o.jobs.TransitionJob(ctx, jobID, crawler.JobStatusFailed, message, now); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	metrics.ObserveJob(string(crawler.JobStatusFailed))
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, run *jobRun, status crawler.JobStatus, message string) (crawler.Job, error) {
	// Final bookkeeping must land even when the caller's context is already done.
	ctx = context.WithoutCancel(ctx)
	counters := run.snapshot()
	if err := o.jobs.UpdateJobCounters(ctx, run.job.ID, counters); err != nil {
		o.logger.Warn("final counter update failed", zap.String("job_id", run.job.ID), zap.Error(err))
	}
	now := o.clock.Now()
	if err := o.jobs.TransitionJob(ctx, run.job.ID, status, message, now); err != nil {
		return run.job, fmt.Errorf("finish job: %w", err)
	}
	metrics.ObserveJob(string(status))

	if run.source.ID != "" {
		if err := o.sources.RecordSourceRun(ctx, run.source.ID, counters, status, now); err != nil {
			o.logger.Warn("record source run failed", zap.String("source_id", run.source.ID), zap.Error(err))
		}
	}

	job, err := o.jobs.GetJob(ctx, run.job.ID)
	if err != nil {
		return run.job, fmt.Errorf("reload job: %w", err)
	}
	o.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.String("message", job.Message),
		zap.Int("pages", counters.PagesCrawled),
		zap.Int("images", counters.ImagesDownloaded),
		zap.Int("faces", counters.FacesIndexed),
		zap.Int("errors", counters.Errors),
	)
	o.publish(ctx, job, now)
	return job, nil
}

func (o *Orchestrator) publish(ctx context.Context, job crawler.Job, at time.Time) {
	if o.publisher == nil {
		return
	}
	event := JobEvent{
		JobID:      job.ID,
		SourceID:   job.SourceID,
		Status:     job.Status,
		Message:    job.Message,
		Trigger:    job.Trigger,
		Attempt:    job.Attempt,
		Counters:   job.Counters,
		FinishedAt: at,
	}
	if _, err := o.publisher.Publish(ctx, EventJobFinished, event); err != nil {
		o.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// jobRun carries the mutable state of one execution.
type jobRun struct {
	o      *Orchestrator
	job    crawler.Job
	source crawler.Source

	mu       sync.Mutex
	counters crawler.JobCounters
	lastPoll time.Time

	cancelled atomic.Bool
	retryable bool
}

func (r *jobRun) execute(ctx context.Context) (crawler.JobStatus, string) {
	o := r.o
	if r.cancelled.Load() {
		return crawler.JobStatusCancelled, "cancelled before start"
	}
	source, err := o.sources.GetSource(ctx, r.job.SourceID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.JobStatusFailed, fmt.Sprintf("source %s not found", r.job.SourceID)
		}
		r.retryable = true
		return crawler.JobStatusFailed, fmt.Sprintf("load source: %v", err)
	}
	r.source = source
	if !source.Enabled {
		return crawler.JobStatusFailed, fmt.Sprintf("source %q is disabled: %v", source.Name, crawler.ErrSourceDisabled)
	}
	profileCrawler, err := o.registry.Lookup(source.Kind)
	if err != nil {
		return crawler.JobStatusFailed, err.Error()
	}
	if o.embedder != nil {
		if err := o.embedder.Ping(ctx); err != nil {
			return crawler.JobStatusFailed, fmt.Sprintf("embedder unavailable: %v", err)
		}
	}

	cfg := r.crawlConfig()
	addresses := source.Addresses()
	var (
		failedAddresses int
		candidatesSeen  int
		lastErr         error
	)
	for _, address := range addresses {
		if r.shouldStop(ctx) {
			break
		}
		candidates, err := profileCrawler.CrawlProfile(ctx, strategy.Target{
			Address: address,
			Config:  cfg,
			Hooks: strategy.Hooks{
				OnPage:     r.onPage,
				OnError:    r.onError,
				ShouldStop: func() bool { return r.shouldStop(ctx) },
			},
		})
		if err != nil {
			failedAddresses++
			lastErr = err
			r.add(func(c *crawler.JobCounters) { c.Errors++ })
			o.logger.Warn("crawl address failed",
				zap.String("job_id", r.job.ID), zap.String("address", address), zap.Error(err))
		}
		candidatesSeen += len(candidates)
		r.add(func(c *crawler.JobCounters) { c.ImagesFound += len(candidates) })
		r.flush(ctx)

		for _, candidate := range candidates {
			if r.shouldStop(ctx) {
				break
			}
			r.processCandidate(ctx, cfg, candidate)
			r.flush(ctx)
		}
	}

	switch {
	case r.cancelled.Load():
		return crawler.JobStatusCancelled, "cancelled on request"
	case ctx.Err() != nil:
		return crawler.JobStatusCancelled, fmt.Sprintf("interrupted: %v", ctx.Err())
	case len(addresses) > 0 && failedAddresses == len(addresses) && candidatesSeen == 0:
		r.retryable = true
		return crawler.JobStatusFailed, fmt.Sprintf("every address failed: %v", lastErr)
	}
	c := r.snapshot()
	return crawler.JobStatusSucceeded, fmt.Sprintf("indexed %d faces from %d new images", c.FacesIndexed, c.ImagesDownloaded)
}

func (r *jobRun) processCandidate(ctx context.Context, cfg crawler.CrawlConfig, candidate crawler.CandidateImage) {
	o := r.o
	log := o.logger.With(zap.String("job_id", r.job.ID), zap.String("image_url", candidate.ImageURL))

	resp, contentType, err := o.fetcher.FetchImage(ctx, strategy.Request{
		URL:       candidate.ImageURL,
		Referer:   candidate.PageURL,
		RateLimit: cfg.RateLimitPerMinute,
	})
	if err != nil {
		if errors.Is(err, strategy.ErrNotImage) {
			r.add(func(c *crawler.JobCounters) { c.ImagesSkipped++ })
			log.Debug("candidate is not an image")
			return
		}
		r.add(func(c *crawler.JobCounters) { c.Errors++ })
		log.Debug("image download failed", zap.Error(err))
		return
	}

	img, created, err := o.pipeline.StoreDownloadedImage(ctx, pipeline.Download{
		Source:      r.source,
		JobID:       r.job.ID,
		Candidate:   candidate,
		Body:        resp.Body,
		ContentType: contentType,
	})
	switch {
	case errors.Is(err, imaging.ErrInvalidImage), errors.Is(err, imaging.ErrTooSmall):
		r.add(func(c *crawler.JobCounters) { c.ImagesSkipped++ })
		log.Debug("image rejected", zap.Error(err))
		return
	case err != nil:
		r.add(func(c *crawler.JobCounters) { c.Errors++ })
		log.Warn("store image failed", zap.Error(err))
		return
	case !created && img.Processed():
		r.add(func(c *crawler.JobCounters) { c.ImagesSkipped++ })
		return
	case !created:
		log.Debug("resuming unprocessed image", zap.String("image_id", img.ID))
	default:
		r.add(func(c *crawler.JobCounters) { c.ImagesDownloaded++ })
	}

	result, err := o.pipeline.ProcessImage(ctx, r.source, img, resp.Body)
	r.add(func(c *crawler.JobCounters) {
		c.FacesDetected += result.Detected
		c.FacesIndexed += result.Indexed
	})
	if err != nil {
		if errors.Is(err, embedder.ErrDecode) || errors.Is(err, imaging.ErrInvalidImage) {
			log.Debug("face detection skipped", zap.Error(err))
			return
		}
		if errors.Is(err, pipeline.ErrImageBusy) || errors.Is(err, pipeline.ErrContentChanged) {
			r.add(func(c *crawler.JobCounters) { c.ImagesSkipped++ })
			log.Debug("image left to its stored copy", zap.Error(err))
			return
		}
		r.add(func(c *crawler.JobCounters) { c.Errors++ })
		log.Warn("process image failed", zap.String("image_id", img.ID), zap.Error(err))
	}
}

func (r *jobRun) crawlConfig() crawler.CrawlConfig {
	cfg := r.source.Config
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = r.o.cfg.MaxPagesDefault
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = r.o.cfg.MaxDepthDefault
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = r.o.cfg.RateLimitPerMinute
	}
	return cfg
}

func (r *jobRun) onPage(string) {
	r.add(func(c *crawler.JobCounters) { c.PagesCrawled++ })
}

func (r *jobRun) onError(pageURL string, err error) {
	r.add(func(c *crawler.JobCounters) { c.Errors++ })
	r.o.logger.Debug("page failed", zap.String("job_id", r.job.ID), zap.String("url", pageURL), zap.Error(err))
}

func (r *jobRun) add(fn func(*crawler.JobCounters)) {
	r.mu.Lock()
	fn(&r.counters)
	r.mu.Unlock()
}

func (r *jobRun) snapshot() crawler.JobCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *jobRun) flush(ctx context.Context) {
	if err := r.o.jobs.UpdateJobCounters(ctx, r.job.ID, r.snapshot()); err != nil && ctx.Err() == nil {
		r.o.logger.Warn("counter update failed", zap.String("job_id", r.job.ID), zap.Error(err))
	}
}

// shouldStop re-reads the cancel flag at most once per CancelPollInterval.
func (r *jobRun) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil || r.cancelled.Load() {
		return true
	}
	r.mu.Lock()
	now := r.o.clock.Now()
	due := now.Sub(r.lastPoll) >= r.o.cfg.CancelPollInterval
	if due {
		r.lastPoll = now
	}
	r.mu.Unlock()
	if !due {
		return false
	}
	job, err := r.o.jobs.GetJob(ctx, r.job.ID)
	if err != nil {
		r.o.logger.Debug("cancel poll failed", zap.String("job_id", r.job.ID), zap.Error(err))
		return false
	}
	if job.CancelRequested {
		r.cancelled.Store(true)
		r.o.logger.Info("cancel requested", zap.String("job_id", r.job.ID))
	}
	return job.CancelRequested
}

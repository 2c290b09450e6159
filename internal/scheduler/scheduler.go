// Package scheduler fires crawl jobs from per-source cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// Submitter creates and dispatches a job for a source.
type Submitter interface {
	Submit(ctx context.Context, sourceID string, trigger crawler.JobTrigger) (crawler.Job, error)
}

// Config tunes the scheduler.
type Config struct {
	// RefreshInterval is how often schedules are re-read from the source store.
	RefreshInterval time.Duration
}

// Parser accepts standard five-field expressions plus descriptors such as @hourly and @every 6h.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a schedule the scheduler accepts.
func Validate(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

type entry struct {
	expr string
	id   cron.EntryID
}

// Scheduler keeps one cron entry per enabled, scheduled source.
type Scheduler struct {
	sources crawler.SourceStore
	submit  Submitter
	logger  *zap.Logger
	cfg     Config
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]entry
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Scheduler; call Start to begin firing.
func New(sources crawler.SourceStore, submit Submitter, logger *zap.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	cronLog := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		sources: sources,
		submit:  submit,
		logger:  logger,
		cfg:     cfg,
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		entries: make(map[string]entry),
		ctx:     context.Background(),
	}
}

// Start loads schedules, starts the cron runner and refreshes periodically until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.Refresh(runCtx); err != nil {
		return err
	}
	s.cron.Start()
	go s.refreshLoop(runCtx)
	return nil
}

// Stop halts firing and waits for running triggers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("schedule refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh reconciles cron entries with the current sources: new or changed
// schedules are (re)registered, removed or disabled ones are dropped.
func (s *Scheduler) Refresh(ctx context.Context) error {
	sources, err := s.sources.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]string, len(sources))
	for _, src := range sources {
		if src.Enabled && src.Schedule != "" {
			want[src.ID] = src.Schedule
		}
	}
	for id, e := range s.entries {
		if expr, ok := want[id]; !ok || expr != e.expr {
			s.cron.Remove(e.id)
			delete(s.entries, id)
		}
	}
	for id, expr := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		sourceID := id
		entryID, err := s.cron.AddFunc(expr, func() { s.fire(sourceID) })
		if err != nil {
			s.logger.Warn("skipping source with invalid schedule",
				zap.String("source_id", id), zap.String("schedule", expr), zap.Error(err))
			continue
		}
		s.entries[id] = entry{expr: expr, id: entryID}
	}
	s.logger.Debug("schedules refreshed", zap.Int("entries", len(s.entries)))
	return nil
}

// NextRuns returns the next fire time per scheduled source ID.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, e := range s.entries {
		out[id] = s.cron.Entry(e.id).Next
	}
	return out
}

// fire submits a scheduled job unless the source already has one queued or
// running. The check lives in Submit and is advisory under concurrent triggers.
func (s *Scheduler) fire(sourceID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	job, err := s.submit.Submit(ctx, sourceID, crawler.TriggerSchedule)
	switch {
	case errors.Is(err, crawler.ErrJobActive):
		s.logger.Info("scheduled run skipped, job already active", zap.String("source_id", sourceID))
	case err != nil:
		s.logger.Error("scheduled submit failed", zap.String("source_id", sourceID), zap.Error(err))
	default:
		s.logger.Info("scheduled job submitted", zap.String("source_id", sourceID), zap.String("job_id", job.ID))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

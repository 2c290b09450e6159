package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/scheduler"
)

// SourceInput is what an operator supplies for a new source.
type SourceInput struct {
	Name     string
	Kind     crawler.SourceKind
	BaseURL  string
	Enabled  bool
	Config   crawler.CrawlConfig
	Schedule string
}

// CreateSource validates and stores a new source.
func (s *Service) CreateSource(ctx context.Context, in SourceInput) (crawler.Source, error) {
	now := s.clock.Now()
	src := crawler.Source{
		Name:      in.Name,
		Kind:      in.Kind,
		BaseURL:   in.BaseURL,
		Enabled:   in.Enabled,
		Config:    in.Config,
		Schedule:  in.Schedule,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := src.Validate(); err != nil {
		return crawler.Source{}, err
	}
	if src.Schedule != "" {
		if err := scheduler.Validate(src.Schedule); err != nil {
			return crawler.Source{}, err
		}
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Source{}, fmt.Errorf("generate source id: %w", err)
	}
	src.ID = id
	if err := s.store.CreateSource(ctx, src); err != nil {
		return crawler.Source{}, err
	}
	s.logger.Info("source created", zap.String("source_id", src.ID), zap.String("name", src.Name))
	return src, nil
}

// GetSource resolves ref as an ID first, then as a name.
func (s *Service) GetSource(ctx context.Context, ref string) (crawler.Source, error) {
	src, err := s.store.GetSource(ctx, ref)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Source{}, err
	}
	return s.store.GetSourceByName(ctx, ref)
}

// ListSources returns every source.
func (s *Service) ListSources(ctx context.Context) ([]crawler.Source, error) {
	return s.store.ListSources(ctx)
}

// SetSourceEnabled toggles a source. Disabled sources keep their history but
// scheduled and queued runs fail fast.
func (s *Service) SetSourceEnabled(ctx context.Context, ref string, enabled bool) (crawler.Source, error) {
	return s.updateSource(ctx, ref, func(src *crawler.Source) error {
		src.Enabled = enabled
		return nil
	})
}

// SetSourceSchedule replaces the cron expression; empty clears it.
func (s *Service) SetSourceSchedule(ctx context.Context, ref, expr string) (crawler.Source, error) {
	return s.updateSource(ctx, ref, func(src *crawler.Source) error {
		if expr != "" {
			if err := scheduler.Validate(expr); err != nil {
				return err
			}
		}
		src.Schedule = expr
		return nil
	})
}

// DeleteSource removes a source and its job history. It is refused with
// crawler.ErrSourceInUse while a job is queued or running.
func (s *Service) DeleteSource(ctx context.Context, ref string) error {
	src, err := s.GetSource(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSource(ctx, src.ID); err != nil {
		return err
	}
	s.logger.Info("source deleted", zap.String("source_id", src.ID), zap.String("name", src.Name))
	return nil
}

func (s *Service) updateSource(ctx context.Context, ref string, mutate func(*crawler.Source) error) (crawler.Source, error) {
	src, err := s.GetSource(ctx, ref)
	if err != nil {
		return crawler.Source{}, err
	}
	if err := mutate(&src); err != nil {
		return crawler.Source{}, err
	}
	src.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateSource(ctx, src); err != nil {
		return crawler.Source{}, err
	}
	return src, nil
}

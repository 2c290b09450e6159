package service

import (
	"context"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// TriggerJob starts a manual run for the source named by ref.
func (s *Service) TriggerJob(ctx context.Context, ref string) (crawler.Job, error) {
	src, err := s.GetSource(ctx, ref)
	if err != nil {
		return crawler.Job{}, err
	}
	return s.submit.Submit(ctx, src.ID, crawler.TriggerManual)
}

// ListJobs returns jobs newest first. filter.SourceID may be a source name.
func (s *Service) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	if filter.SourceID != "" {
		src, err := s.GetSource(ctx, filter.SourceID)
		if err != nil {
			return nil, err
		}
		filter.SourceID = src.ID
	}
	return s.store.ListJobs(ctx, filter)
}

// GetJob fetches one job.
func (s *Service) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	return s.store.GetJob(ctx, id)
}

// CancelJob flags a queued or running job; the worker finishes it as cancelled.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	return s.store.RequestCancel(ctx, id)
}

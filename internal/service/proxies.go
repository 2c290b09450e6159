package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/proxy"
)

// ImportReport summarises a bulk proxy import.
type ImportReport struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
}

// AddProxy parses a single "[scheme://][user:pass@]host:port" entry and stores it.
func (s *Service) AddProxy(ctx context.Context, text string) (crawler.ProxyEndpoint, error) {
	endpoint, err := proxy.ParseLine(text)
	if err != nil {
		return crawler.ProxyEndpoint{}, err
	}
	if err := s.createProxy(ctx, &endpoint); err != nil {
		return crawler.ProxyEndpoint{}, err
	}
	s.invalidateProxies()
	return endpoint, nil
}

// ImportProxies stores every entry of a plain-text or YAML list. Entries that
// already exist are counted and skipped.
func (s *Service) ImportProxies(ctx context.Context, data []byte) (ImportReport, error) {
	endpoints, err := proxy.ParseList(data)
	if err != nil {
		return ImportReport{}, err
	}
	var report ImportReport
	for i := range endpoints {
		err := s.createProxy(ctx, &endpoints[i])
		switch {
		case errors.Is(err, crawler.ErrDuplicate):
			report.Duplicates++
		case err != nil:
			return report, fmt.Errorf("import %s: %w", endpoints[i].Address, err)
		default:
			report.Added++
		}
	}
	if report.Added > 0 {
		s.invalidateProxies()
	}
	s.logger.Info("proxies imported", zap.Int("added", report.Added), zap.Int("duplicates", report.Duplicates))
	return report, nil
}

// ListProxies returns pool entries, optionally only the active ones.
func (s *Service) ListProxies(ctx context.Context, activeOnly bool) ([]crawler.ProxyEndpoint, error) {
	return s.store.ListProxies(ctx, activeOnly)
}

// DeleteProxy removes one entry.
func (s *Service) DeleteProxy(ctx context.Context, id string) error {
	if err := s.store.DeleteProxy(ctx, id); err != nil {
		return err
	}
	s.invalidateProxies()
	return nil
}

// CheckProxies health-checks every active entry and deactivates the dead ones.
func (s *Service) CheckProxies(ctx context.Context) (proxy.HealthReport, error) {
	if s.proxies == nil {
		return proxy.HealthReport{}, errors.New("proxy pool not configured")
	}
	return s.proxies.HealthCheckAll(ctx)
}

// ReactivateProxies flags every inactive entry active and clears failure counts.
func (s *Service) ReactivateProxies(ctx context.Context) (int, error) {
	if s.proxies == nil {
		return s.store.ReactivateAll(ctx)
	}
	return s.proxies.ReactivateAll(ctx)
}

func (s *Service) createProxy(ctx context.Context, endpoint *crawler.ProxyEndpoint) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate proxy id: %w", err)
	}
	endpoint.ID = id
	endpoint.CreatedAt = s.clock.Now()
	return s.store.CreateProxy(ctx, *endpoint)
}

func (s *Service) invalidateProxies() {
	if s.proxies != nil {
		s.proxies.Invalidate()
	}
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// CreateProxy stores a new endpoint; addresses are unique.
func (s *Store) CreateProxy(_ context.Context, p crawler.ProxyEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proxies[p.ID]; exists {
		return fmt.Errorf("proxy %s: %w", p.ID, crawler.ErrDuplicate)
	}
	for _, existing := range s.proxies {
		if existing.Address == p.Address && existing.Protocol == p.Protocol {
			return fmt.Errorf("proxy %s: %w", p.Address, crawler.ErrDuplicate)
		}
	}
	s.proxies[p.ID] = p
	return nil
}

// ListProxies returns endpoints in creation order.
func (s *Store) ListProxies(_ context.Context, activeOnly bool) ([]crawler.ProxyEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ProxyEndpoint, 0, len(s.proxies))
	for _, p := range s.proxies {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteProxy removes an endpoint.
func (s *Store) DeleteProxy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[id]; !ok {
		return fmt.Errorf("proxy %s: %w", id, crawler.ErrNotFound)
	}
	delete(s.proxies, id)
	return nil
}

// RecordProxySuccess bumps the success count and folds latency into the running average.
func (s *Store) RecordProxySuccess(_ context.Context, id string, latency time.Duration, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return fmt.Errorf("proxy %s: %w", id, crawler.ErrNotFound)
	}
	ms := float64(latency) / float64(time.Millisecond)
	p.AvgLatencyMs = (p.AvgLatencyMs*float64(p.SuccessCount) + ms) / float64(p.SuccessCount+1)
	p.SuccessCount++
	p.LastCheckedAt = pointerTime(at)
	s.proxies[id] = p
	return nil
}

// RecordProxyFailure bumps the failure count and returns the new total.
func (s *Store) RecordProxyFailure(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return 0, fmt.Errorf("proxy %s: %w", id, crawler.ErrNotFound)
	}
	p.FailureCount++
	p.LastCheckedAt = pointerTime(at)
	s.proxies[id] = p
	return p.FailureCount, nil
}

// SetProxyActive flips the active flag.
func (s *Store) SetProxyActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return fmt.Errorf("proxy %s: %w", id, crawler.ErrNotFound)
	}
	p.Active = active
	s.proxies[id] = p
	return nil
}

// ReactivateAll activates every endpoint, clears failure counts and returns how
// many were inactive.
func (s *Store) ReactivateAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reactivated := 0
	for id, p := range s.proxies {
		if !p.Active {
			reactivated++
		}
		p.Active = true
		p.FailureCount = 0
		s.proxies[id] = p
	}
	return reactivated, nil
}

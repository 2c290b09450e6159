// Package proxy manages the outbound proxy pool: selection, health tracking and
// automatic deactivation.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/metrics"
)

// Strategy names a proxy selection policy.
type Strategy string

// Supported selection strategies.
const (
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyRandom        Strategy = "random"
	StrategyLeastFailures Strategy = "least_failures"
)

// Config tunes a Pool.
type Config struct {
	Strategy          Strategy
	FailureCeiling    int
	CacheTTL          time.Duration
	HealthConcurrency int
}

// Checker checks that a proxy can carry traffic and reports its latency.
type Checker interface {
	Check(ctx context.Context, endpoint crawler.ProxyEndpoint) (time.Duration, error)
}

// HealthReport summarises a health sweep.
type HealthReport struct {
	Checked     int `json:"checked"`
	Healthy     int `json:"healthy"`
	Deactivated int `json:"deactivated"`
}

// Pool caches active endpoints and rotates through them. The cache is reloaded
// from the store once it is older than CacheTTL or after Invalidate.
type Pool struct {
	store   crawler.ProxyStore
	checker Checker
	clock   crawler.Clock
	logger  *zap.Logger
	cfg     Config

	mu       sync.Mutex
	cached   []crawler.ProxyEndpoint
	loadedAt time.Time
	stale    bool
	cursor   int
}

// NewPool wires a Pool. A nil checker disables HealthCheckAll.
func NewPool(store crawler.ProxyStore, checker Checker, clock crawler.Clock, logger *zap.Logger, cfg Config) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.FailureCeiling <= 0 {
		cfg.FailureCeiling = 5
	}
	if cfg.HealthConcurrency <= 0 {
		cfg.HealthConcurrency = 4
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	return &Pool{
		store:   store,
		checker: checker,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		stale:   true,
	}
}

// Next selects an active endpoint. ok is false when the pool is empty, in which
// case callers fetch directly.
func (p *Pool) Next(ctx context.Context) (crawler.ProxyEndpoint, bool, error) {
	if err := p.refresh(ctx); err != nil {
		return crawler.ProxyEndpoint{}, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cached) == 0 {
		return crawler.ProxyEndpoint{}, false, nil
	}

	var picked crawler.ProxyEndpoint
	switch p.cfg.Strategy {
	case StrategyRandom:
		picked = p.cached[rand.IntN(len(p.cached))]
	case StrategyLeastFailures:
		picked = p.cached[0]
		for _, candidate := range p.cached[1:] {
			if candidate.FailureCount < picked.FailureCount {
				picked = candidate
			}
		}
	default:
		picked = p.cached[p.cursor%len(p.cached)]
		p.cursor++
	}
	return picked, true, nil
}

// ReportSuccess folds latency into the endpoint's running average.
func (p *Pool) ReportSuccess(ctx context.Context, id string, latency time.Duration) error {
	if err := p.store.RecordProxySuccess(ctx, id, latency, p.clock.Now()); err != nil {
		return fmt.Errorf("record proxy success: %w", err)
	}
	metrics.ObserveProxyEvent("success")
	return nil
}

// ReportFailure counts a failure and deactivates the endpoint once its failures
// reach the configured ceiling.
func (p *Pool) ReportFailure(ctx context.Context, id string) error {
	failures, err := p.store.RecordProxyFailure(ctx, id, p.clock.Now())
	if err != nil {
		return fmt.Errorf("record proxy failure: %w", err)
	}
	metrics.ObserveProxyEvent("failure")

	p.mu.Lock()
	for i := range p.cached {
		if p.cached[i].ID == id {
			p.cached[i].FailureCount = failures
		}
	}
	p.mu.Unlock()

	if failures < p.cfg.FailureCeiling {
		return nil
	}
	if err := p.store.SetProxyActive(ctx, id, false); err != nil {
		return fmt.Errorf("deactivate proxy: %w", err)
	}
	metrics.ObserveProxyEvent("deactivated")
	p.logger.Warn("proxy deactivated",
		zap.String("proxy_id", id),
		zap.Int("failures", failures),
		zap.Int("ceiling", p.cfg.FailureCeiling),
	)
	p.Invalidate()
	return nil
}

// ReactivateAll flags every endpoint active and clears failure counts.
func (p *Pool) ReactivateAll(ctx context.Context) (int, error) {
	n, err := p.store.ReactivateAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reactivate proxies: %w", err)
	}
	p.Invalidate()
	p.logger.Info("proxies reactivated", zap.Int("count", n))
	return n, nil
}

// HealthCheckAll checks every active endpoint and records the outcome. Endpoints
// that fail the check are deactivated immediately.
func (p *Pool) HealthCheckAll(ctx context.Context) (HealthReport, error) {
	if p.checker == nil {
		return HealthReport{}, errors.New("proxy checker not configured")
	}
	endpoints, err := p.store.ListProxies(ctx, true)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list proxies: %w", err)
	}

	var (
		mu     sync.Mutex
		report = HealthReport{Checked: len(endpoints)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.HealthConcurrency)
	for _, endpoint := range endpoints {
		g.Go(func() error {
			latency, checkErr := p.checker.Check(gctx, endpoint)
			if checkErr == nil {
				if err := p.store.RecordProxySuccess(gctx, endpoint.ID, latency, p.clock.Now()); err != nil {
					return fmt.Errorf("record proxy success: %w", err)
				}
				mu.Lock()
				report.Healthy++
				mu.Unlock()
				return nil
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			p.logger.Info("proxy failed health check",
				zap.String("proxy_id", endpoint.ID),
				zap.String("address", endpoint.Address),
				zap.Error(checkErr),
			)
			if _, err := p.store.RecordProxyFailure(gctx, endpoint.ID, p.clock.Now()); err != nil {
				return fmt.Errorf("record proxy failure: %w", err)
			}
			if err := p.store.SetProxyActive(gctx, endpoint.ID, false); err != nil {
				return fmt.Errorf("deactivate proxy: %w", err)
			}
			metrics.ObserveProxyEvent("deactivated")
			mu.Lock()
			report.Deactivated++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	p.Invalidate()
	if err != nil {
		return report, fmt.Errorf("health check: %w", err)
	}
	return report, nil
}

// Invalidate forces a reload on the next selection.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
}

func (p *Pool) refresh(ctx context.Context) error {
	p.mu.Lock()
	fresh := !p.stale && p.clock.Now().Sub(p.loadedAt) < p.cfg.CacheTTL
	p.mu.Unlock()
	if fresh {
		return nil
	}

	endpoints, err := p.store.ListProxies(ctx, true)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })

	p.mu.Lock()
	p.cached = endpoints
	p.loadedAt = p.clock.Now()
	p.stale = false
	p.mu.Unlock()
	metrics.SetActiveProxies(len(endpoints))
	return nil
}

// Package ratelimit implements a per-domain sliding-window request pacer.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/face-harvester/internal/metrics"
)

// DefaultWindow is the trailing window a per-minute limit applies to.
const DefaultWindow = time.Minute

// Limiter paces requests per domain. Each domain keeps a log of the times its
// permits were granted; a new permit is granted only while the log holds fewer
// than limit entries inside the trailing window.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainLog
	window  time.Duration
	now     func() time.Time
}

type domainLog struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// Window overrides DefaultWindow (tests use a short one).
	Window time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		domains: make(map[string]*domainLog),
		window:  window,
		now:     time.Now,
	}
}

// Acquire blocks until fewer than limit permits were granted for domain in the
// trailing window, then records a new permit. A non-positive limit never blocks.
func (l *Limiter) Acquire(ctx context.Context, domain string, limit int) error {
	if limit <= 0 {
		return nil
	}
	domain = strings.ToLower(domain)
	log := l.domainLog(domain)

	start := l.now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		wait, ok := log.tryGrant(l.now(), l.window, limit)
		if ok {
			if waited := l.now().Sub(start); waited > time.Millisecond {
				metrics.ObserveRateLimitDelay(domain, waited)
			}
			return nil
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Wait is Acquire keyed by the host of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string, limit int) error {
	return l.Acquire(ctx, hostOf(rawURL), limit)
}

func (l *Limiter) domainLog(domain string) *domainLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	log, ok := l.domains[domain]
	if !ok {
		log = &domainLog{}
		l.domains[domain] = log
	}
	return log
}

// tryGrant prunes expired stamps and either records a permit at now or reports
// how long until the oldest stamp leaves the window.
func (d *domainLog) tryGrant(now time.Time, window time.Duration, limit int) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-window)
	keep := 0
	for keep < len(d.stamps) && !d.stamps[keep].After(cutoff) {
		keep++
	}
	d.stamps = d.stamps[keep:]

	if len(d.stamps) < limit {
		d.stamps = append(d.stamps, now)
		return 0, true
	}
	wait := d.stamps[len(d.stamps)-limit].Add(window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

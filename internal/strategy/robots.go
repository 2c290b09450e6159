package strategy

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// robotsRetryInterval is how long an unreachable robots.txt counts as allow-all
// before the next fetch attempt.
const robotsRetryInterval = time.Minute

// RobotsCache fetches robots.txt once per host and answers Allowed from memory.
// Hosts whose robots.txt cannot be reached are treated as allow-all until
// robotsRetryInterval passes.
type RobotsCache struct {
	base      *Base
	userAgent string
	logger    *zap.Logger
	group     singleflight.Group
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	data *robotstxt.RobotsData
	// retryAt is zero for answers that hold for the life of the process.
	retryAt time.Time
}

// NewRobotsCache builds a cache that fetches through base. A nil base disables
// robots handling entirely.
func NewRobotsCache(base *Base, userAgent string, logger *zap.Logger) *RobotsCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsCache{
		base:      base,
		userAgent: userAgent,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]robotsEntry),
	}
}

// Allowed reports whether rawURL may be fetched.
func (r *RobotsCache) Allowed(ctx context.Context, rawURL string) bool {
	if r == nil || r.base == nil {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data := r.load(ctx, parsed)
	if data == nil {
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

func (r *RobotsCache) load(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	r.mu.Lock()
	entry, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok && (entry.retryAt.IsZero() || r.now().Before(entry.retryAt)) {
		return entry.data
	}

	value, _, _ := r.group.Do(hostKey, func() (any, error) {
		robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
		fetched, reached := r.fetch(ctx, robotsURL.String())
		if !reached && ctx.Err() != nil {
			return fetched, nil
		}
		entry := robotsEntry{data: fetched}
		if !reached {
			entry.retryAt = r.now().Add(robotsRetryInterval)
		}
		r.mu.Lock()
		r.cache[hostKey] = entry
		r.mu.Unlock()
		return fetched, nil
	})
	data, _ := value.(*robotstxt.RobotsData)
	return data
}

// fetch returns the parsed rules and whether the host answered at all.
func (r *RobotsCache) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, bool) {
	resp, err := r.base.Fetch(ctx, Request{URL: robotsURL, Attempts: 1, MaxBytes: 1 << 20})
	status := resp.StatusCode
	var statusErr *StatusError
	if err != nil && !errors.As(err, &statusErr) {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("url", robotsURL), zap.Error(err))
		return nil, false
	}
	data, err := robotstxt.FromStatusAndBytes(status, resp.Body)
	if err != nil {
		r.logger.Warn("robots parse failed; allowing access", zap.String("url", robotsURL), zap.Error(err))
		return nil, true
	}
	return data, true
}

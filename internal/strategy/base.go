// Package strategy implements the ProfileCrawler strategies: a generic website
// BFS and the multi-step social platform scrapers.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/policy/retry"
)

// ProfileCrawler turns one address into an ordered list of candidate images.
type ProfileCrawler interface {
	CrawlProfile(ctx context.Context, target Target) ([]crawler.CandidateImage, error)
}

// Target is one address plus the owning source's crawl settings.
type Target struct {
	Address string
	Config  crawler.CrawlConfig
	Hooks   Hooks
}

// Hooks let the orchestrator observe progress and stop a crawl between pages.
type Hooks struct {
	OnPage     func(pageURL string)
	OnError    func(pageURL string, err error)
	ShouldStop func() bool
}

func (h Hooks) page(pageURL string) {
	if h.OnPage != nil {
		h.OnPage(pageURL)
	}
}

func (h Hooks) fail(pageURL string, err error) {
	if h.OnError != nil {
		h.OnError(pageURL, err)
	}
}

func (h Hooks) stop() bool {
	return h.ShouldStop != nil && h.ShouldStop()
}

// ErrNotImage is returned by FetchImage when the response is not an image.
var ErrNotImage = errors.New("response is not an image")

// StatusError reports a final non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Code)
}

// Limiter paces requests per domain.
type Limiter interface {
	Acquire(ctx context.Context, domain string, limitPerMinute int) error
}

// Promoter flags plain responses that need a rendered refetch.
type Promoter interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// ProxySource hands out proxies and collects feedback about them.
type ProxySource interface {
	Next(ctx context.Context) (crawler.ProxyEndpoint, bool, error)
	ReportSuccess(ctx context.Context, id string, latency time.Duration) error
	ReportFailure(ctx context.Context, id string) error
}

// BaseConfig tunes the shared fetch helper.
type BaseConfig struct {
	UserAgent          string
	Attempts           int
	DefaultRateLimit   int
	MaxPageBytes       int
	MaxImageBytes      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	AcceptLanguage     string
	DisableRetrySleeps bool
}

// Request describes one fetch issued through Base.
type Request struct {
	URL        string
	Referer    string
	Headers    http.Header
	RateLimit  int
	Render     bool
	// AutoRender retries through the renderer when the plain page looks like a script shell.
	AutoRender bool
	MaxBytes   int
	// Attempts overrides the configured attempt count when > 0.
	Attempts   int
}

// Base holds the helpers every strategy shares: browser-like headers, proxied
// fetches with retries and an image-only download.
type Base struct {
	fetcher  crawler.Fetcher
	renderer crawler.Fetcher
	proxies  ProxySource
	limiter  Limiter
	logger   *zap.Logger
	cfg      BaseConfig
	policy   retry.Policy
	promoter Promoter
}

// NewBase wires a Base. renderer and proxies may be nil.
func NewBase(
	fetcher crawler.Fetcher,
	renderer crawler.Fetcher,
	proxies ProxySource,
	limiter Limiter,
	logger *zap.Logger,
	cfg BaseConfig,
) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	policy := retry.NewPolicy(cfg.Attempts)
	if cfg.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		policy.MaxDelay = cfg.RetryMaxDelay
	}
	if cfg.DisableRetrySleeps {
		policy.BaseDelay = 0
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "en-US,en;q=0.9"
	}
	return &Base{
		fetcher:  fetcher,
		renderer: renderer,
		proxies:  proxies,
		limiter:  limiter,
		logger:   logger,
		cfg:      cfg,
		policy:   policy,
	}
}

// WithRenderPromotion enables AutoRender requests. It has no effect without a renderer.
func (b *Base) WithRenderPromotion(p Promoter) *Base {
	b.promoter = p
	return b
}

// Headers mimics a desktop browser navigating from referer.
func (b *Base) Headers(referer string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", b.cfg.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", b.cfg.AcceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	if referer != "" {
		h.Set("Referer", referer)
		h.Set("Sec-Fetch-Site", "same-origin")
	}
	return h
}

// Fetch issues req with rate limiting and proxy rotation. Each attempt draws
// a fresh proxy. A non-200 answer that survives all attempts is returned as
// *StatusError alongside the response.
func (b *Base) Fetch(ctx context.Context, req Request) (crawler.FetchResponse, error) {
	attempts := b.cfg.Attempts
	if req.Attempts > 0 {
		attempts = req.Attempts
	}
	policy := b.policy
	policy.MaxAttempts = attempts

	headers := b.Headers(req.Referer)
	for key, values := range req.Headers {
		headers.Del(key)
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = b.cfg.MaxPageBytes
	}
	limit := req.RateLimit
	if limit <= 0 {
		limit = b.cfg.DefaultRateLimit
	}
	fetcher := b.fetcher
	if req.Render && b.renderer != nil {
		fetcher = b.renderer
	}
	host := crawler.Hostname(req.URL)

	var (
		lastResp crawler.FetchResponse
		lastErr  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if b.limiter != nil {
			if err := b.limiter.Acquire(ctx, host, limit); err != nil {
				return crawler.FetchResponse{}, err
			}
		}
		endpoint, proxied := b.nextProxy(ctx)

		fetchReq := crawler.FetchRequest{URL: req.URL, Headers: headers, MaxBodyBytes: maxBytes}
		if proxied {
			fetchReq.ProxyURL = endpoint.URL()
		}
		resp, err := fetcher.Fetch(ctx, fetchReq)
		switch {
		case err != nil:
			lastResp, lastErr = crawler.FetchResponse{}, err
			if proxied && ctx.Err() == nil {
				b.reportFailure(ctx, endpoint.ID)
			}
		case resp.StatusCode == http.StatusOK:
			if proxied {
				b.reportSuccess(ctx, endpoint.ID, resp.Duration)
			}
			if b.shouldPromote(req, resp) {
				return b.promote(ctx, req, resp), nil
			}
			return resp, nil
		default:
			lastResp, lastErr = resp, &StatusError{URL: req.URL, Code: resp.StatusCode}
			if proxied && blamesProxy(resp.StatusCode) {
				b.reportFailure(ctx, endpoint.ID)
			}
		}

		if !policy.ShouldRetry(err, lastResp.StatusCode, attempt) {
			break
		}
		b.logger.Debug("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if err := policy.Sleep(ctx, attempt); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
	}
	if _, ok := lastErr.(*StatusError); ok {
		return lastResp, lastErr
	}
	return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, lastErr)
}

// FetchImage downloads req.URL and insists on an image content type.
func (b *Base) FetchImage(ctx context.Context, req Request) (crawler.FetchResponse, string, error) {
	if req.MaxBytes <= 0 {
		req.MaxBytes = b.cfg.MaxImageBytes
	}
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	req.Headers.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Headers.Set("Sec-Fetch-Dest", "image")
	req.Headers.Set("Sec-Fetch-Mode", "no-cors")
	req.Render = false

	resp, err := b.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, "", err
	}
	contentType := ImageContentType(resp.Headers.Get("Content-Type"), resp.Body)
	if contentType == "" {
		return crawler.FetchResponse{}, "", fmt.Errorf("fetch %s: %w", req.URL, ErrNotImage)
	}
	return resp, contentType, nil
}

// ImageContentType returns the image media type for a response, sniffing the
// body when the header is missing or generic. It returns "" for non-images.
func ImageContentType(header string, body []byte) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err == nil && strings.HasPrefix(mediaType, "image/") && mediaType != "image/svg+xml" {
		return mediaType
	}
	if err == nil && mediaType != "" && mediaType != "application/octet-stream" && mediaType != "binary/octet-stream" {
		return ""
	}
	sniffed := http.DetectContentType(body)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return ""
}

func (b *Base) shouldPromote(req Request, resp crawler.FetchResponse) bool {
	return req.AutoRender && !req.Render && b.promoter != nil && b.renderer != nil && b.promoter.ShouldPromote(resp)
}

// promote refetches req through the renderer, keeping plain when that fails.
func (b *Base) promote(ctx context.Context, req Request, plain crawler.FetchResponse) crawler.FetchResponse {
	req.Render, req.AutoRender = true, false
	req.Attempts = 1
	rendered, err := b.Fetch(ctx, req)
	if err != nil {
		b.logger.Debug("rendered refetch failed, keeping plain page", zap.String("url", req.URL), zap.Error(err))
		return plain
	}
	b.logger.Debug("page promoted to rendered fetch", zap.String("url", req.URL))
	return rendered
}

func (b *Base) nextProxy(ctx context.Context) (crawler.ProxyEndpoint, bool) {
	if b.proxies == nil {
		return crawler.ProxyEndpoint{}, false
	}
	endpoint, ok, err := b.proxies.Next(ctx)
	if err != nil {
		b.logger.Warn("proxy selection failed; fetching directly", zap.Error(err))
		return crawler.ProxyEndpoint{}, false
	}
	return endpoint, ok
}

func (b *Base) reportSuccess(ctx context.Context, id string, latency time.Duration) {
	if err := b.proxies.ReportSuccess(ctx, id, latency); err != nil {
		b.logger.Warn("proxy success report failed", zap.String("proxy_id", id), zap.Error(err))
	}
}

func (b *Base) reportFailure(ctx context.Context, id string) {
	if err := b.proxies.ReportFailure(ctx, id); err != nil {
		b.logger.Warn("proxy failure report failed", zap.String("proxy_id", id), zap.Error(err))
	}
}

// blamesProxy is true for statuses that point at the exit address rather than the target.
func blamesProxy(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusProxyAuthRequired, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func resolveBase(pageURL string) *url.URL {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	return u
}

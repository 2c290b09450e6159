package strategy

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/metrics"
)

// WebsiteConfig bounds a website crawl when the source leaves limits unset.
type WebsiteConfig struct {
	MaxPages      int
	MaxDepth      int
	MaxImages     int
	RespectRobots bool
}

// WebsiteCrawler walks a site breadth-first from its address, staying on the
// same registrable domain, and collects <img> and og:image references.
type WebsiteCrawler struct {
	base   *Base
	robots *RobotsCache
	filter *ImageFilter
	logger *zap.Logger
	cfg    WebsiteConfig
}

// NewWebsiteCrawler wires a WebsiteCrawler. robots may be nil to skip robots.txt.
func NewWebsiteCrawler(base *Base, robots *RobotsCache, filter *ImageFilter, logger *zap.Logger, cfg WebsiteConfig) *WebsiteCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if filter == nil {
		filter = NewImageFilter(nil, 0)
	}
	return &WebsiteCrawler{base: base, robots: robots, filter: filter, logger: logger, cfg: cfg}
}

type pageVisit struct {
	url   string
	depth int
}

// CrawlProfile implements ProfileCrawler.
func (w *WebsiteCrawler) CrawlProfile(ctx context.Context, target Target) ([]crawler.CandidateImage, error) {
	start, err := crawler.NormalizeURL(target.Address)
	if err != nil {
		return nil, fmt.Errorf("website address: %w", err)
	}
	startURL, err := url.Parse(start)
	if err != nil || startURL.Host == "" {
		return nil, fmt.Errorf("website address %q is not absolute", target.Address)
	}
	site := registrableDomain(startURL.Hostname())

	maxPages := w.cfg.MaxPages
	if target.Config.MaxPages > 0 {
		maxPages = target.Config.MaxPages
	}
	maxDepth := w.cfg.MaxDepth
	if target.Config.MaxDepth > 0 {
		maxDepth = target.Config.MaxDepth
	}

	visited := bloom.NewWithEstimates(uint(maxPages*20+100), 0.0001)
	visited.AddString(start)
	queue := []pageVisit{{url: start}}
	results := newCandidateSet()

	var (
		fetched   int
		succeeded int
		firstErr  error
	)
	for len(queue) > 0 && fetched < maxPages {
		if err := ctx.Err(); err != nil {
			return results.items, err
		}
		if target.Hooks.stop() {
			break
		}
		if w.cfg.MaxImages > 0 && results.len() >= w.cfg.MaxImages {
			break
		}
		current := queue[0]
		queue = queue[1:]

		if w.cfg.RespectRobots && w.robots != nil && !w.robots.Allowed(ctx, current.url) {
			metrics.ObserveRobotsBlocked(current.url)
			w.logger.Debug("robots.txt disallows page", zap.String("url", current.url))
			continue
		}

		fetched++
		resp, err := w.base.Fetch(ctx, Request{
			URL:        current.url,
			Referer:    startURL.String(),
			RateLimit:  target.Config.RateLimitPerMinute,
			Render:     target.Config.RenderJS,
			AutoRender: true,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results.items, ctxErr
			}
			target.Hooks.fail(current.url, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded++
		target.Hooks.page(current.url)

		pageURL := resp.URL
		if pageURL == "" {
			pageURL = current.url
		}
		doc, err := parseDocument(resp.Body)
		if err != nil {
			target.Hooks.fail(current.url, fmt.Errorf("parse html: %w", err))
			continue
		}
		base := documentBase(doc, pageURL)

		for _, c := range extractStructured(resp.Body, pageURL, nil) {
			if w.filter.Keep(c.ImageURL) {
				results.add(c)
			}
		}
		results.addAll(extractImgTags(doc, base, pageURL, w.filter))

		if current.depth >= maxDepth {
			continue
		}
		for _, link := range sameSiteLinks(doc, base, site) {
			if visited.TestAndAddString(link) {
				continue
			}
			queue = append(queue, pageVisit{url: link, depth: current.depth + 1})
		}
	}

	items := results.truncated(w.cfg.MaxImages)
	if len(items) == 0 && succeeded == 0 && firstErr != nil {
		return nil, firstErr
	}
	return items, nil
}

func parseDocument(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

func documentBase(doc *goquery.Document, pageURL string) *url.URL {
	base := resolveBase(pageURL)
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && base != nil {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			return base.ResolveReference(ref)
		}
	}
	return base
}

// sameSiteLinks returns normalized anchors whose registrable domain equals site.
func sameSiteLinks(doc *goquery.Document, base *url.URL, site string) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if strings.HasPrefix(strings.TrimSpace(href), "mailto:") || strings.HasPrefix(strings.TrimSpace(href), "tel:") {
			return
		}
		abs, ok := crawler.Resolve(base, href)
		if !ok {
			return
		}
		u, err := url.Parse(abs)
		if err != nil || registrableDomain(u.Hostname()) != site {
			return
		}
		if _, skip := skippedExtensions[strings.ToLower(pathExt(u.Path))]; skip {
			return
		}
		if isImagePath(u.Path) {
			return
		}
		normalized, err := crawler.NormalizeURL(abs)
		if err != nil {
			return
		}
		links = append(links, normalized)
	})
	return links
}

func registrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}

func pathExt(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 && !strings.Contains(p[i:], "/") {
		return p[i:]
	}
	return ""
}

func isImagePath(p string) bool {
	switch strings.ToLower(pathExt(p)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".avif":
		return true
	default:
		return false
	}
}

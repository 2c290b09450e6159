package strategy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/metrics"
)

// Strategy step names, used as metric labels and log fields.
const (
	stepDirect    = "direct"
	stepOfficial  = "official"
	stepMirror    = "mirror"
	stepFollowers = "followers"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Connection is one account found while enumerating a profile's followers.
// PictureURL may be empty, in which case the connection's own page is fetched.
type Connection struct {
	Username   string
	PictureURL string
}

// Platform describes how to scrape one social network. Optional steps are nil
// when the network has no such source.
type Platform struct {
	Kind crawler.SourceKind
	// Hosts are the hostnames a profile URL may use.
	Hosts []string
	// ProfileURL renders the canonical profile page for a username.
	ProfileURL func(username string) string
	// CDN matches image URLs served from the network's media hosts.
	CDN *regexp.Regexp
	// Classify overrides the context tag of a discovered image.
	Classify func(imageURL string) (crawler.ContextTag, bool)
	// Rewrite upgrades or unwraps an image URL before it is returned.
	Rewrite func(imageURL string) string
	// Official queries a lightweight public data endpoint.
	Official func(ctx context.Context, s *Session, username string) ([]crawler.CandidateImage, error)
	// MirrorPath is appended to mirror bases that carry no {username} placeholder.
	MirrorPath string
	// DefaultMirrors are used when the deployment configures none.
	DefaultMirrors []string
	// Followers lists up to limit connections using an authenticated session cookie.
	Followers func(ctx context.Context, s *Session, username string, limit int) ([]Connection, error)
	// ParseUsername overrides the default address parser.
	ParseUsername func(address string) (string, error)
}

// Username extracts the account name from a URL, "@name" or bare name.
func (p Platform) Username(address string) (string, error) {
	if p.ParseUsername != nil {
		return p.ParseUsername(address)
	}
	return parseUsername(address, p.Hosts)
}

func parseUsername(address string, hosts []string) (string, error) {
	raw := strings.TrimSpace(address)
	if !strings.Contains(raw, "://") && strings.Contains(raw, "/") {
		raw = "https://" + raw
	}
	if u := resolveBase(raw); u != nil && u.Host != "" {
		if !hostMatches(u.Hostname(), hosts) {
			return "", fmt.Errorf("address %q is not on %s", address, strings.Join(hosts, ", "))
		}
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		raw = segments[0]
	}
	raw = strings.TrimPrefix(raw, "@")
	if !usernamePattern.MatchString(raw) {
		return "", fmt.Errorf("invalid username in %q", address)
	}
	return raw, nil
}

func hostMatches(host string, hosts []string) bool {
	host = strings.ToLower(host)
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// SocialConfig tunes one platform's engine.
type SocialConfig struct {
	Mirrors     []string
	Session     string
	FollowerCap int
	FollowerRPS float64
	MinResults  int
	MaxResults  int
}

// Session is what a platform step sees: the shared fetch helpers plus the
// per-target rate limit and credentials.
type Session struct {
	Base      *Base
	RateLimit int
	Cookie    string
	Render    bool
}

// Fetch issues a fetch at the session's rate limit.
func (s *Session) Fetch(ctx context.Context, req Request) (crawler.FetchResponse, error) {
	if req.RateLimit <= 0 {
		req.RateLimit = s.RateLimit
	}
	return s.Base.Fetch(ctx, req)
}

// SocialCrawler runs a platform's steps in order of reliability: the direct
// profile page, the official endpoint, mirrors and finally followers.
type SocialCrawler struct {
	base     *Base
	platform Platform
	filter   *ImageFilter
	logger   *zap.Logger
	cfg      SocialConfig
}

// NewSocialCrawler wires a SocialCrawler for platform.
func NewSocialCrawler(base *Base, platform Platform, filter *ImageFilter, logger *zap.Logger, cfg SocialConfig) *SocialCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if filter == nil {
		filter = NewImageFilter(nil, 0)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 40
	}
	if cfg.MinResults <= 0 {
		cfg.MinResults = 1
	}
	if len(cfg.Mirrors) == 0 {
		cfg.Mirrors = platform.DefaultMirrors
	}
	if cfg.FollowerRPS <= 0 {
		cfg.FollowerRPS = 0.5
	}
	return &SocialCrawler{
		base:     base,
		platform: platform,
		filter:   filter,
		logger:   logger.With(zap.String("platform", string(platform.Kind))),
		cfg:      cfg,
	}
}

// CrawlProfile implements ProfileCrawler.
func (c *SocialCrawler) CrawlProfile(ctx context.Context, target Target) ([]crawler.CandidateImage, error) {
	username, err := c.platform.Username(target.Address)
	if err != nil {
		return nil, err
	}
	session := &Session{
		Base:      c.base,
		RateLimit: target.Config.RateLimitPerMinute,
		Cookie:    c.cfg.Session,
		Render:    target.Config.RenderJS,
	}
	results := newCandidateSet()
	var errs []error

	record := func(step string, found []crawler.CandidateImage, stepErr error) {
		if stepErr != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", c.platform.Kind, step, stepErr))
			target.Hooks.fail(target.Address, stepErr)
			c.logger.Debug("strategy step failed", zap.String("step", step), zap.String("username", username), zap.Error(stepErr))
		}
		added := results.addAll(c.clean(found))
		metrics.ObserveStrategyResults(string(c.platform.Kind), step, added)
	}

	found, stepErr := c.direct(ctx, session, username)
	record(stepDirect, found, stepErr)

	if results.len() < c.cfg.MinResults && c.platform.Official != nil && ctx.Err() == nil && !target.Hooks.stop() {
		found, stepErr = c.platform.Official(ctx, session, username)
		if stepErr == nil {
			target.Hooks.page(target.Address)
		}
		record(stepOfficial, found, stepErr)
	}

	if results.len() < c.cfg.MinResults {
		for _, mirror := range c.cfg.Mirrors {
			if ctx.Err() != nil || target.Hooks.stop() {
				break
			}
			found, stepErr = c.mirror(ctx, session, mirror, username)
			if stepErr == nil {
				target.Hooks.page(mirror)
			}
			before := results.len()
			record(stepMirror, found, stepErr)
			if results.len() > before {
				break
			}
		}
	}

	if target.Config.FollowConnections && c.platform.Followers != nil && c.cfg.Session != "" && ctx.Err() == nil && !target.Hooks.stop() {
		found, stepErr = c.followers(ctx, session, username, c.followerCap(target.Config))
		record(stepFollowers, found, stepErr)
	}

	if err := ctx.Err(); err != nil {
		return results.truncated(c.cfg.MaxResults), err
	}
	if results.len() == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return results.truncated(c.cfg.MaxResults), nil
}

func (c *SocialCrawler) direct(ctx context.Context, s *Session, username string) ([]crawler.CandidateImage, error) {
	pageURL := c.platform.ProfileURL(username)
	resp, err := s.Fetch(ctx, Request{URL: pageURL, Render: s.Render})
	if err != nil {
		return nil, err
	}
	return extractStructured(resp.Body, pageURL, c.platform.CDN), nil
}

func (c *SocialCrawler) mirror(ctx context.Context, s *Session, mirror, username string) ([]crawler.CandidateImage, error) {
	pageURL := mirrorURL(mirror, c.platform.MirrorPath, username)
	resp, err := s.Fetch(ctx, Request{URL: pageURL, Attempts: 1})
	if err != nil {
		return nil, err
	}
	found := extractStructured(resp.Body, pageURL, c.platform.CDN)
	if doc, err := parseDocument(resp.Body); err == nil {
		found = append(found, extractImgTags(doc, documentBase(doc, pageURL), pageURL, c.filter)...)
	}
	return found, nil
}

// followers enumerates connections and takes one profile picture from each,
// pacing page fetches with a token bucket.
func (c *SocialCrawler) followers(ctx context.Context, s *Session, username string, limit int) ([]crawler.CandidateImage, error) {
	if limit <= 0 {
		return nil, nil
	}
	connections, err := c.platform.Followers(ctx, s, username, limit)
	if err != nil {
		return nil, err
	}
	if len(connections) > limit {
		connections = connections[:limit]
	}
	pacer := rate.NewLimiter(rate.Limit(c.cfg.FollowerRPS), 1)
	var out []crawler.CandidateImage
	for _, conn := range connections {
		if conn.PictureURL != "" {
			out = append(out, crawler.CandidateImage{
				ImageURL:   conn.PictureURL,
				PageURL:    c.platform.ProfileURL(conn.Username),
				ContextTag: crawler.ContextProfile,
			})
			continue
		}
		if err := pacer.Wait(ctx); err != nil {
			return out, err
		}
		found, err := c.direct(ctx, s, conn.Username)
		if err != nil {
			c.logger.Debug("follower profile fetch failed", zap.String("username", conn.Username), zap.Error(err))
			continue
		}
		for _, candidate := range c.clean(found) {
			if candidate.ContextTag == crawler.ContextProfile {
				out = append(out, candidate)
				break
			}
		}
	}
	return out, nil
}

func (c *SocialCrawler) followerCap(cfg crawler.CrawlConfig) int {
	limit := c.cfg.FollowerCap
	if cfg.MaxConnections > 0 && (limit <= 0 || cfg.MaxConnections < limit) {
		limit = cfg.MaxConnections
	}
	return limit
}

// clean rewrites, tags, filters and dedups one step's output, truncated to MaxResults.
func (c *SocialCrawler) clean(found []crawler.CandidateImage) []crawler.CandidateImage {
	set := newCandidateSet()
	for _, candidate := range found {
		if c.platform.Rewrite != nil {
			candidate.ImageURL = c.platform.Rewrite(candidate.ImageURL)
		}
		if c.platform.Classify != nil {
			if tag, ok := c.platform.Classify(candidate.ImageURL); ok {
				candidate.ContextTag = tag
			}
		}
		if !c.filter.Keep(candidate.ImageURL) {
			continue
		}
		set.add(candidate)
	}
	return set.truncated(c.cfg.MaxResults)
}

func mirrorURL(mirror, defaultPath, username string) string {
	if strings.Contains(mirror, "{username}") {
		return strings.ReplaceAll(mirror, "{username}", username)
	}
	if defaultPath == "" {
		defaultPath = "/{username}"
	}
	return strings.TrimRight(mirror, "/") + strings.ReplaceAll(defaultPath, "{username}", username)
}

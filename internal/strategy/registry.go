package strategy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// RegistryConfig carries deployment settings for every strategy.
type RegistryConfig struct {
	Website     WebsiteConfig
	Mirrors     map[string][]string
	Sessions    map[string]string
	FollowerCap int
	FollowerRPS float64
	MinResults  int
	MaxResults  int
}

// Registry maps source kinds to their crawlers.
type Registry struct {
	crawlers map[crawler.SourceKind]ProfileCrawler
}

// NewRegistry builds the website crawler and one social crawler per built-in platform.
func NewRegistry(base *Base, robots *RobotsCache, filter *ImageFilter, logger *zap.Logger, cfg RegistryConfig) *Registry {
	r := &Registry{crawlers: make(map[crawler.SourceKind]ProfileCrawler)}
	r.crawlers[crawler.SourceKindWebsite] = NewWebsiteCrawler(base, robots, filter, logger, cfg.Website)
	for kind, platform := range Platforms() {
		r.crawlers[kind] = NewSocialCrawler(base, platform, filter, logger, SocialConfig{
			Mirrors:     cfg.Mirrors[string(kind)],
			Session:     cfg.Sessions[string(kind)],
			FollowerCap: cfg.FollowerCap,
			FollowerRPS: cfg.FollowerRPS,
			MinResults:  cfg.MinResults,
			MaxResults:  cfg.MaxResults,
		})
	}
	return r
}

// Register replaces the crawler for kind.
func (r *Registry) Register(kind crawler.SourceKind, c ProfileCrawler) {
	r.crawlers[kind] = c
}

// Lookup returns the crawler for kind.
func (r *Registry) Lookup(kind crawler.SourceKind) (ProfileCrawler, error) {
	c, ok := r.crawlers[kind]
	if !ok {
		return nil, fmt.Errorf("no crawler registered for kind %q", kind)
	}
	return c, nil
}

// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Social    SocialConfig    `mapstructure:"social"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Face      FaceConfig      `mapstructure:"face"`
	Index     IndexConfig     `mapstructure:"index"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the ops HTTP listener (health + metrics).
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig selects where raw images and face crops are written.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	DataDir   string `mapstructure:"data_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DatabaseConfig controls access to the relational database. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Provider string       `mapstructure:"provider"`
	Capacity int          `mapstructure:"capacity"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig names the Pub/Sub resources used as a durable queue.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// CrawlerConfig governs fetching and crawl bounds.
type CrawlerConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	FetchRetries       int           `mapstructure:"fetch_retries"`
	MaxPagesDefault    int           `mapstructure:"max_pages_default"`
	MaxDepthDefault    int           `mapstructure:"max_depth_default"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
	MaxImageBytes      int           `mapstructure:"max_image_bytes"`
	MaxPageBytes       int           `mapstructure:"max_page_bytes"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	MaxWebsiteImages   int           `mapstructure:"max_website_images"`
	MinSocialResults   int           `mapstructure:"min_social_results"`
	MaxSocialResults   int           `mapstructure:"max_social_results"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	// AutoPromote re-renders website pages whose static markup looks like a script shell.
	AutoPromote bool          `mapstructure:"auto_promote"`
}

// SocialConfig tunes the social-platform strategies.
type SocialConfig struct {
	Mirrors     map[string][]string `mapstructure:"mirrors"`
	Sessions    map[string]string   `mapstructure:"sessions"`
	FollowerCap int                 `mapstructure:"follower_cap"`
	FollowerRPS float64             `mapstructure:"follower_rps"`
}

// ProxyConfig tunes the proxy pool manager.
type ProxyConfig struct {
	Strategy          string        `mapstructure:"strategy"`
	FailureCeiling    int           `mapstructure:"failure_ceiling"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	HealthCheckURL    string        `mapstructure:"health_check_url"`
	HealthTimeout     time.Duration `mapstructure:"health_timeout"`
	HealthConcurrency int           `mapstructure:"health_concurrency"`
}

// FaceConfig tunes detection and cropping.
type FaceConfig struct {
	EmbedderURL       string        `mapstructure:"embedder_url"`
	EmbedderTimeout   time.Duration `mapstructure:"embedder_timeout"`
	ModelTag          string        `mapstructure:"model_tag"`
	MinConfidence     float64       `mapstructure:"min_confidence"`
	MaxFacesPerImage  int           `mapstructure:"max_faces_per_image"`
	CropPadding       float64       `mapstructure:"crop_padding"`
	ThumbnailSize     int           `mapstructure:"thumbnail_size"`
	MinImageDimension int           `mapstructure:"min_image_dimension"`
	EmbedConcurrency  int           `mapstructure:"embed_concurrency"`
}

// IndexConfig locates and tunes the vector index.
type IndexConfig struct {
	Dir             string  `mapstructure:"dir"`
	Dimension       int     `mapstructure:"dimension"`
	FlushThreshold  int     `mapstructure:"flush_threshold"`
	RebuildBatch    int     `mapstructure:"rebuild_batch"`
	SearchTopK      int     `mapstructure:"search_top_k"`
	SearchThreshold float64 `mapstructure:"search_threshold"`
}

// WorkerConfig tunes the worker pool and auto-retry.
type WorkerConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	RetryCeiling       int           `mapstructure:"retry_ceiling"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

// SchedulerConfig toggles cron triggers.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// EventsConfig selects where job-finished events are published. An empty provider disables them.
type EventsConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FACEHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.port", 9090)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.data_dir", "data/sources")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("crawler.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("crawler.request_timeout", "20s")
	v.SetDefault("crawler.fetch_retries", 3)
	v.SetDefault("crawler.max_pages_default", 50)
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.rate_limit_per_minute", 30)
	v.SetDefault("crawler.rate_window", "60s")
	v.SetDefault("crawler.max_image_bytes", 15*1024*1024)
	v.SetDefault("crawler.max_page_bytes", 5*1024*1024)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_website_images", 200)
	v.SetDefault("crawler.min_social_results", 3)
	v.SetDefault("crawler.max_social_results", 40)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "30s")
	v.SetDefault("headless.auto_promote", true)
	v.SetDefault("social.follower_cap", 25)
	v.SetDefault("social.follower_rps", 0.2)
	v.SetDefault("proxy.strategy", "round_robin")
	v.SetDefault("proxy.failure_ceiling", 5)
	v.SetDefault("proxy.cache_ttl", "60s")
	v.SetDefault("proxy.health_check_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy.health_timeout", "10s")
	v.SetDefault("proxy.health_concurrency", 8)
	v.SetDefault("face.embedder_url", "http://localhost:8000")
	v.SetDefault("face.embedder_timeout", "60s")
	v.SetDefault("face.model_tag", "buffalo_l")
	v.SetDefault("face.min_confidence", 0.5)
	v.SetDefault("face.max_faces_per_image", 10)
	v.SetDefault("face.crop_padding", 0.1)
	v.SetDefault("face.thumbnail_size", 256)
	v.SetDefault("face.min_image_dimension", 64)
	v.SetDefault("face.embed_concurrency", 2)
	v.SetDefault("index.dir", "data/index")
	v.SetDefault("index.dimension", 512)
	v.SetDefault("index.flush_threshold", 64)
	v.SetDefault("index.rebuild_batch", 256)
	v.SetDefault("index.search_top_k", 10)
	v.SetDefault("index.search_threshold", 0.35)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.retry_ceiling", 3)
	v.SetDefault("worker.cancel_poll_interval", "2s")
	v.SetDefault("worker.drain_timeout", "30s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.refresh_interval", "5m")
	v.SetDefault("events.provider", "")
	v.SetDefault("events.topic", "face-harvester-jobs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.Queue.Provider {
	case "inline", "memory":
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" || c.Queue.PubSub.Subscription == "" {
			return fmt.Errorf("queue.pubsub project_id, topic and subscription are required")
		}
	default:
		return fmt.Errorf("unknown queue.provider %q", c.Queue.Provider)
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.FetchRetries <= 0 {
		return fmt.Errorf("crawler.fetch_retries must be > 0")
	}
	if c.Crawler.RateLimitPerMinute <= 0 {
		return fmt.Errorf("crawler.rate_limit_per_minute must be > 0")
	}
	if c.Crawler.MaxSocialResults <= 0 || c.Crawler.MaxWebsiteImages <= 0 {
		return fmt.Errorf("crawler result caps must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Proxy.Strategy {
	case "round_robin", "random", "least_failures":
	default:
		return fmt.Errorf("unknown proxy.strategy %q", c.Proxy.Strategy)
	}
	if c.Proxy.FailureCeiling <= 0 {
		return fmt.Errorf("proxy.failure_ceiling must be > 0")
	}
	if c.Face.EmbedderURL == "" {
		return fmt.Errorf("face.embedder_url is required")
	}
	if c.Face.MinConfidence < 0 || c.Face.MinConfidence > 1 {
		return fmt.Errorf("face.min_confidence must be within [0,1]")
	}
	if c.Face.MaxFacesPerImage <= 0 {
		return fmt.Errorf("face.max_faces_per_image must be > 0")
	}
	if c.Face.CropPadding < 0 || c.Face.CropPadding > 1 {
		return fmt.Errorf("face.crop_padding must be within [0,1]")
	}
	if c.Index.Dir == "" || c.Index.Dimension <= 0 {
		return fmt.Errorf("index.dir and index.dimension are required")
	}
	if c.Index.SearchThreshold < -1 || c.Index.SearchThreshold > 1 {
		return fmt.Errorf("index.search_threshold must be within [-1,1]")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	switch c.Events.Provider {
	case "", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("unknown events.provider %q", c.Events.Provider)
	}
	if c.Worker.RetryCeiling < 0 {
		return fmt.Errorf("worker.retry_ceiling must be >= 0")
	}
	return nil
}

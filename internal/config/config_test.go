package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9191
storage:
  provider: local
  data_dir: /tmp/faces
crawler:
  user_agent: real-agent
  fetch_retries: 5
  rate_limit_per_minute: 12
  max_social_results: 30
proxy:
  strategy: least_failures
  failure_ceiling: 3
face:
  min_confidence: 0.7
  max_faces_per_image: 4
social:
  mirrors:
    instagram: ["https://picuki.example"]
  sessions:
    instagram: abc123
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Fatalf("expected port 9191, got %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/faces" {
		t.Fatalf("expected data dir override, got %q", cfg.Storage.DataDir)
	}
	if cfg.Crawler.FetchRetries != 5 || cfg.Crawler.RateLimitPerMinute != 12 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Proxy.Strategy != "least_failures" || cfg.Proxy.FailureCeiling != 3 {
		t.Fatalf("expected proxy overrides to apply: %+v", cfg.Proxy)
	}
	if cfg.Face.MinConfidence != 0.7 || cfg.Face.MaxFacesPerImage != 4 {
		t.Fatalf("expected face overrides to apply: %+v", cfg.Face)
	}
	if got := cfg.Social.Mirrors["instagram"]; len(got) != 1 || got[0] != "https://picuki.example" {
		t.Fatalf("expected instagram mirror, got %v", got)
	}
	if cfg.Social.Sessions["instagram"] != "abc123" {
		t.Fatalf("expected instagram session to load")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging to be disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.CacheTTL != 60*time.Second {
		t.Fatalf("expected 60s proxy cache ttl, got %v", cfg.Proxy.CacheTTL)
	}
	if cfg.Crawler.RateWindow != time.Minute {
		t.Fatalf("expected 60s rate window, got %v", cfg.Crawler.RateWindow)
	}
	if cfg.Face.CropPadding != 0.1 {
		t.Fatalf("expected 10%% crop padding, got %v", cfg.Face.CropPadding)
	}
	if cfg.Worker.Concurrency != 10 {
		t.Fatalf("expected 10 workers, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Index.SearchTopK != 10 || cfg.Index.RebuildBatch != 256 {
		t.Fatalf("unexpected index defaults: top_k=%d rebuild_batch=%d", cfg.Index.SearchTopK, cfg.Index.RebuildBatch)
	}
	if cfg.Worker.DrainTimeout != 30*time.Second {
		t.Fatalf("expected 30s drain timeout, got %v", cfg.Worker.DrainTimeout)
	}
	if cfg.Queue.Provider != "memory" || cfg.Storage.Provider != "local" {
		t.Fatalf("unexpected providers: queue=%s storage=%s", cfg.Queue.Provider, cfg.Storage.Provider)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"storage", func(c *Config) { c.Storage.Provider = "s3" }, "storage.provider"},
		{"gcs bucket", func(c *Config) { c.Storage.Provider = "gcs" }, "gcs_bucket"},
		{"pubsub", func(c *Config) { c.Queue.Provider = "pubsub" }, "queue.pubsub"},
		{"strategy", func(c *Config) { c.Proxy.Strategy = "fastest" }, "proxy.strategy"},
		{"confidence", func(c *Config) { c.Face.MinConfidence = 1.5 }, "face.min_confidence"},
		{"padding", func(c *Config) { c.Face.CropPadding = -0.1 }, "face.crop_padding"},
		{"workers", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"dimension", func(c *Config) { c.Index.Dimension = 0 }, "index.dir"},
		{"events", func(c *Config) { c.Events.Provider = "kafka" }, "events.provider"},
		{"events topic", func(c *Config) { c.Events.Provider = "pubsub" }, "events.project_id"},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
}

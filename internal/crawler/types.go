package crawler

import (
	"fmt"
	"net/url"
	"time"
)

// SourceKind tags which ProfileCrawler handles a source.
type SourceKind string

// Supported source kinds.
const (
	SourceKindWebsite   SourceKind = "website"
	SourceKindInstagram SourceKind = "instagram"
	SourceKindTwitter   SourceKind = "twitter"
	SourceKindTikTok    SourceKind = "tiktok"
	SourceKindFacebook  SourceKind = "facebook"
)

// Valid reports whether k is a known kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindWebsite, SourceKindInstagram, SourceKindTwitter, SourceKindTikTok, SourceKindFacebook:
		return true
	default:
		return false
	}
}

// IsSocial reports whether k is one of the social-platform kinds.
func (k SourceKind) IsSocial() bool {
	return k.Valid() && k != SourceKindWebsite
}

// CrawlConfig holds per-source crawl limits. Zero values fall back to deployment defaults.
type CrawlConfig struct {
	MaxPages           int      `json:"max_pages" yaml:"max_pages"`
	MaxDepth           int      `json:"max_depth" yaml:"max_depth"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	Profiles           []string `json:"profiles,omitempty" yaml:"profiles"`
	FollowConnections  bool     `json:"follow_connections" yaml:"follow_connections"`
	MaxConnections     int      `json:"max_connections" yaml:"max_connections"`
	RenderJS           bool     `json:"render_js" yaml:"render_js"`
}

// Source is a configured crawl target.
type Source struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Kind          SourceKind  `json:"kind"`
	BaseURL       string      `json:"base_url"`
	Enabled       bool        `json:"enabled"`
	Config        CrawlConfig `json:"config"`
	Schedule      string      `json:"schedule,omitempty"`
	ImagesFound   int64       `json:"images_found"`
	FacesIndexed  int64       `json:"faces_indexed"`
	LastStatus    JobStatus   `json:"last_status,omitempty"`
	LastCrawledAt *time.Time  `json:"last_crawled_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Addresses lists every profile or entry address a crawl should visit, base first.
func (s Source) Addresses() []string {
	seen := make(map[string]struct{}, len(s.Config.Profiles)+1)
	out := make([]string, 0, len(s.Config.Profiles)+1)
	for _, raw := range append([]string{s.BaseURL}, s.Config.Profiles...) {
		if raw == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	return out
}

// Validate checks operator-supplied fields.
func (s Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if s.BaseURL == "" && len(s.Config.Profiles) == 0 {
		return fmt.Errorf("source %q needs a base url or at least one profile", s.Name)
	}
	if s.Kind == SourceKindWebsite {
		u, err := url.Parse(s.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("website source %q needs an absolute http(s) base url", s.Name)
		}
	}
	return nil
}

// JobTrigger records what created a job.
type JobTrigger string

// Job trigger values.
const (
	TriggerManual   JobTrigger = "manual"
	TriggerSchedule JobTrigger = "schedule"
	TriggerRetry    JobTrigger = "retry"
)

// Job is one execution attempt against a Source.
type Job struct {
	ID              string      `json:"id"`
	SourceID        string      `json:"source_id"`
	Status          JobStatus   `json:"status"`
	Message         string      `json:"message,omitempty"`
	Trigger         JobTrigger  `json:"trigger"`
	Attempt         int         `json:"attempt"`
	RetryOf         string      `json:"retry_of,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`
	Counters        JobCounters `json:"counters"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// JobCounters only ever grow while a job runs.
type JobCounters struct {
	PagesCrawled     int `json:"pages_crawled"`
	ImagesFound      int `json:"images_found"`
	ImagesDownloaded int `json:"images_downloaded"`
	ImagesSkipped    int `json:"images_skipped"`
	FacesDetected    int `json:"faces_detected"`
	FacesIndexed     int `json:"faces_indexed"`
	Errors           int `json:"errors"`
}

// Dominates reports whether every counter in c is >= the matching counter in prev.
func (c JobCounters) Dominates(prev JobCounters) bool {
	return c.PagesCrawled >= prev.PagesCrawled &&
		c.ImagesFound >= prev.ImagesFound &&
		c.ImagesDownloaded >= prev.ImagesDownloaded &&
		c.ImagesSkipped >= prev.ImagesSkipped &&
		c.FacesDetected >= prev.FacesDetected &&
		c.FacesIndexed >= prev.FacesIndexed &&
		c.Errors >= prev.Errors
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	SourceID string
	Statuses []JobStatus
	Limit    int
}

// ContextTag classifies the role an image plays on its page.
type ContextTag string

// Context tags.
const (
	ContextProfile ContextTag = "profile"
	ContextCover   ContextTag = "cover"
	ContextPost    ContextTag = "post"
)

// CandidateImage is a discovered image reference not yet downloaded.
type CandidateImage struct {
	ImageURL   string     `json:"image_url"`
	PageURL    string     `json:"page_url"`
	ContextTag ContextTag `json:"context_tag"`
}

// DownloadedImage is a deduplicated raw image.
type DownloadedImage struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	JobID       string     `json:"job_id"`
	SourceURL   string     `json:"source_url"`
	PageURL     string     `json:"page_url"`
	ContextTag  ContextTag `json:"context_tag"`
	URLHash     string     `json:"url_hash"`
	ContentHash string     `json:"content_hash"`
	StoragePath string     `json:"storage_path"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	ByteSize    int64      `json:"byte_size"`
	ContentType string     `json:"content_type"`
	FaceCount   int        `json:"face_count"`
	// ProcessedAt is set once face detection finished for the image; nil
	// images are picked up again by the next job that meets them.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Processed reports whether face detection has completed for the image.
func (i DownloadedImage) Processed() bool { return i.ProcessedAt != nil }

// BoundingBox is a pixel rectangle, (X1,Y1) top-left and (X2,Y2) bottom-right.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width of the box.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height of the box.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Demographics are optional embedder estimates.
type Demographics struct {
	Age    *int   `json:"age,omitempty"`
	Gender string `json:"gender,omitempty"`
}

// Unindexed is the VectorIdx of a face whose vector is not in the index, either
// because the index was reset or because the add never completed.
const Unindexed int64 = -1

// IndexedFace is one detected face within a DownloadedImage.
// VectorIdx is assigned by the vector index and never reused until the index is
// reset; ID (face_id) is the external handle.
type IndexedFace struct {
	ID            string       `json:"face_id"`
	ImageID       string       `json:"image_id"`
	SourceID      string       `json:"source_id"`
	VectorIdx     int64        `json:"vector_idx"`
	BBox          BoundingBox  `json:"bbox"`
	Confidence    float64      `json:"confidence"`
	Demographics  Demographics `json:"demographics"`
	ModelTag      string       `json:"model_tag"`
	ThumbnailPath string       `json:"thumbnail_path"`
	Embedding     []float32    `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Indexed reports whether the face currently holds a vector position.
func (f IndexedFace) Indexed() bool { return f.VectorIdx >= 0 }

// ProxyEndpoint is a pool entry.
type ProxyEndpoint struct {
	ID            string     `json:"id" yaml:"id"`
	Address       string     `json:"address" yaml:"address"`
	Protocol      string     `json:"protocol" yaml:"protocol"`
	Username      string     `json:"username,omitempty" yaml:"username"`
	Password      string     `json:"-" yaml:"password"`
	Active        bool       `json:"active" yaml:"active"`
	SuccessCount  int64      `json:"success_count" yaml:"-"`
	FailureCount  int        `json:"failure_count" yaml:"-"`
	AvgLatencyMs  float64    `json:"avg_latency_ms" yaml:"-"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty" yaml:"-"`
	CreatedAt     time.Time  `json:"created_at" yaml:"-"`
}

// URL renders the endpoint as a proxy URL usable by http.Transport.
func (p ProxyEndpoint) URL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: p.Address}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// SourceStore persists crawl targets.
type SourceStore interface {
	CreateSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	GetSourceByName(ctx context.Context, name string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	UpdateSource(ctx context.Context, src Source) error
	// RecordSourceRun adds job totals to the rolling counters.
	RecordSourceRun(ctx context.Context, id string, counters JobCounters, status JobStatus, at time.Time) error
	DeleteSource(ctx context.Context, id string) error
}

// JobStore persists jobs. Status changes go through CheckTransition and
// counter updates are rejected once a job is terminal.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	TransitionJob(ctx context.Context, id string, to JobStatus, message string, at time.Time) error
	UpdateJobCounters(ctx context.Context, id string, counters JobCounters) error
	RequestCancel(ctx context.Context, id string) error
	HasActiveJob(ctx context.Context, sourceID string) (bool, error)
	// CountRecentFailures counts failed jobs for the source since its last success.
	CountRecentFailures(ctx context.Context, sourceID string) (int, error)
}

// ImageStore persists deduplicated images. CreateImage returns ErrDuplicate when
// either hash already exists.
type ImageStore interface {
	FindImageByHashes(ctx context.Context, urlHash, contentHash string) (DownloadedImage, bool, error)
	CreateImage(ctx context.Context, img DownloadedImage) error
	// MarkImageProcessed records the face count and stamps ProcessedAt.
	MarkImageProcessed(ctx context.Context, id string, faceCount int, at time.Time) error
	GetImage(ctx context.Context, id string) (DownloadedImage, error)
}

// FaceStore persists indexed faces.
type FaceStore interface {
	CreateFace(ctx context.Context, face IndexedFace) error
	GetFace(ctx context.Context, id string) (IndexedFace, error)
	ListFacesByImage(ctx context.Context, imageID string) ([]IndexedFace, error)
	CountFaces(ctx context.Context) (int64, error)
	// ScanFaces visits every face with its embedding: indexed faces in
	// vector_idx order, then unindexed faces by ID.
	ScanFaces(ctx context.Context, fn func(IndexedFace) error) error
	// SetFaceVectorIdx assigns a position; Unindexed clears it.
	SetFaceVectorIdx(ctx context.Context, id string, idx int64) error
	// ClearFaceVectorIdx marks every face unindexed and returns how many were.
	ClearFaceVectorIdx(ctx context.Context) (int64, error)
}

// ProxyStore persists outbound proxy endpoints.
type ProxyStore interface {
	CreateProxy(ctx context.Context, p ProxyEndpoint) error
	ListProxies(ctx context.Context, activeOnly bool) ([]ProxyEndpoint, error)
	DeleteProxy(ctx context.Context, id string) error
	// RecordProxySuccess folds latency into the running average and bumps the success count.
	RecordProxySuccess(ctx context.Context, id string, latency time.Duration, at time.Time) error
	// RecordProxyFailure bumps the failure count and returns the new total.
	RecordProxyFailure(ctx context.Context, id string, at time.Time) (int, error)
	SetProxyActive(ctx context.Context, id string, active bool) error
	// ReactivateAll flags every inactive endpoint active and clears failure counts.
	ReactivateAll(ctx context.Context) (int, error)
}

// Store groups every relational capability.
type Store interface {
	SourceStore
	JobStore
	ImageStore
	FaceStore
	ProxyStore
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue provides FIFO handoff of runnable jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Publisher emits events (job completions) to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string `json:"job_id"`
	SourceID  string `json:"source_id"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL          string
	Headers      http.Header
	ProxyURL     string
	MaxBodyBytes int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

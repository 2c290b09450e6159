// Package service exposes the operator-facing operations: source CRUD, job
// trigger/list/cancel, proxy management and vector index maintenance/search.
// The CLI calls it directly; an API layer would do the same.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/pipeline"
	"github.com/JakeFAU/face-harvester/internal/proxy"
	"github.com/JakeFAU/face-harvester/internal/vectorindex"
)

// Submitter creates and dispatches jobs.
type Submitter interface {
	Submit(ctx context.Context, sourceID string, trigger crawler.JobTrigger) (crawler.Job, error)
}

// ProxyPool is the slice of proxy.Pool the service drives.
type ProxyPool interface {
	ReactivateAll(ctx context.Context) (int, error)
	HealthCheckAll(ctx context.Context) (proxy.HealthReport, error)
	Invalidate()
}

// VectorIndex is the slice of vectorindex.Index the service drives.
type VectorIndex interface {
	AddBatch(faceIDs []string, vecs [][]float32) (int64, error)
	Search(query []float32, topK int, threshold float64) ([]vectorindex.Match, error)
	Flush() error
	Reset() error
	Dimension() int
	Status() vectorindex.Status
}

// Config tunes search and rebuild.
type Config struct {
	MinConfidence    float64
	DefaultTopK      int
	DefaultThreshold float64
	RebuildBatch     int
}

// ErrNoFace is returned by SearchImage when the query photo has no usable face.
var ErrNoFace = errors.New("no face found in query image")

// Service implements the exposed operations.
type Service struct {
	store    crawler.Store
	submit   Submitter
	proxies  ProxyPool
	index    VectorIndex
	embedder pipeline.Embedder
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger
	cfg      Config
}

// New wires a Service. proxies, index and embedder may be nil when the caller
// never uses the matching operations.
func New(
	store crawler.Store,
	submit Submitter,
	proxies ProxyPool,
	index VectorIndex,
	embedder pipeline.Embedder,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.RebuildBatch <= 0 {
		cfg.RebuildBatch = 256
	}
	return &Service{
		store:    store,
		submit:   submit,
		proxies:  proxies,
		index:    index,
		embedder: embedder,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

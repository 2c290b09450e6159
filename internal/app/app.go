// Package app builds and holds the long-lived services, acting as the
// dependency injection container for every command.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/api"
	"github.com/JakeFAU/face-harvester/internal/clock/system"
	"github.com/JakeFAU/face-harvester/internal/config"
	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/dispatcher"
	"github.com/JakeFAU/face-harvester/internal/embedder"
	collyfetcher "github.com/JakeFAU/face-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/face-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/face-harvester/internal/hash/sha256"
	"github.com/JakeFAU/face-harvester/internal/id/uuid"
	"github.com/JakeFAU/face-harvester/internal/logging"
	"github.com/JakeFAU/face-harvester/internal/metrics"
	"github.com/JakeFAU/face-harvester/internal/orchestrator"
	"github.com/JakeFAU/face-harvester/internal/pipeline"
	"github.com/JakeFAU/face-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/face-harvester/internal/proxy"
	memorypublisher "github.com/JakeFAU/face-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/face-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/face-harvester/internal/queue"
	pubsubqueue "github.com/JakeFAU/face-harvester/internal/queue/pubsub"
	"github.com/JakeFAU/face-harvester/internal/scheduler"
	"github.com/JakeFAU/face-harvester/internal/service"
	gcsstorage "github.com/JakeFAU/face-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/face-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/face-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/face-harvester/internal/storage/postgres"
	"github.com/JakeFAU/face-harvester/internal/strategy"
	"github.com/JakeFAU/face-harvester/internal/vectorindex"
	"github.com/JakeFAU/face-harvester/internal/worker"
)

// memoryEventCapacity bounds the job events kept by the in-process publisher.
const memoryEventCapacity = 1000

// App holds the shared, long-lived services. It is built once per process
// and closed by the command that built it.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     crawler.Store
	blobs     crawler.BlobStore
	queue     queue.Queue
	index     *vectorindex.Index
	embedder  *embedder.Client
	proxies   *proxy.Pool
	publisher crawler.Publisher
	renderer  *headlessfetcher.Fetcher

	orchestrator *orchestrator.Orchestrator
	dispatcher   *dispatcher.Dispatcher
	workers      *worker.Pool
	scheduler    *scheduler.Scheduler
	service      *service.Service

	closers []func() error
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Service exposes the operator operations.
func (a *App) Service() *service.Service { return a.service }

// Orchestrator runs single jobs; the crawl command uses it directly.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Dispatcher submits and executes jobs.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Workers returns the queue-draining pool, or nil when jobs run inline.
func (a *App) Workers() *worker.Pool { return a.workers }

// Scheduler returns the cron scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Index returns the vector index.
func (a *App) Index() *vectorindex.Index { return a.index }

// Build creates every dependency from cfg. A failure part way through
// releases what was already opened.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.String("storage", a.cfg.Storage.Provider),
		zap.String("queue", a.cfg.Queue.Provider),
		zap.Bool("postgres", a.cfg.Database.DSN != ""),
	)
	if err := a.setupStore(ctx); err != nil {
		return err
	}
	if err := a.setupBlobs(ctx); err != nil {
		return err
	}
	if err := a.setupQueue(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupIndex(); err != nil {
		return err
	}
	return a.setupRuntime()
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using the in-memory store")
		a.store = memorystorage.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	}, a.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.store = pg
	if a.cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	a.logger.Info("postgres store initialized", zap.Bool("migrated", a.cfg.Database.Migrate))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "gcs":
		blobs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.closers = append(a.closers, blobs.Close)
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.DataDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.DataDir))
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	q, err := queue.New(ctx, queue.Config{
		Provider: a.cfg.Queue.Provider,
		Capacity: a.cfg.Queue.Capacity,
		PubSub: pubsubqueue.Config{
			ProjectID:    a.cfg.Queue.PubSub.ProjectID,
			Topic:        a.cfg.Queue.PubSub.Topic,
			Subscription: a.cfg.Queue.PubSub.Subscription,
		},
	}, a.logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("queue init failed: %w", err)
	}
	if q == nil {
		a.logger.Warn("no queue configured, jobs run inline")
		return nil
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Events.Provider {
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, a.cfg.Events.ProjectID, a.cfg.Events.Topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		a.logger.Info("Pub/Sub event publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New(memoryEventCapacity)
	default:
		a.logger.Debug("job events disabled")
	}
	return nil
}

func (a *App) setupIndex() error {
	idx, err := vectorindex.Open(vectorindex.Config{
		Dir:            a.cfg.Index.Dir,
		Dimension:      a.cfg.Index.Dimension,
		FlushThreshold: a.cfg.Index.FlushThreshold,
	}, a.logger.Named("vectorindex"))
	if err != nil {
		return fmt.Errorf("vector index init failed: %w", err)
	}
	a.index = idx
	a.closers = append(a.closers, idx.Close)
	return nil
}

func (a *App) setupRuntime() error {
	cfg := a.cfg
	clock := system.New()
	ids := uuid.New()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.RequestTimeout,
	})
	var renderer crawler.Fetcher
	if cfg.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.renderer = chrome
		renderer = chrome
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	} else {
		renderer = headlessfetcher.NewNoop()
	}

	a.proxies = proxy.NewPool(a.store, proxy.FetchChecker{
		Fetcher:   fetcher,
		TargetURL: cfg.Proxy.HealthCheckURL,
		Timeout:   cfg.Proxy.HealthTimeout,
	}, clock, a.logger.Named("proxy"), proxy.Config{
		Strategy:          proxy.Strategy(cfg.Proxy.Strategy),
		FailureCeiling:    cfg.Proxy.FailureCeiling,
		CacheTTL:          cfg.Proxy.CacheTTL,
		HealthConcurrency: cfg.Proxy.HealthConcurrency,
	})

	limiter := ratelimit.New(ratelimit.Config{Window: cfg.Crawler.RateWindow})
	base := strategy.NewBase(fetcher, renderer, a.proxies, limiter, a.logger.Named("fetch"), strategy.BaseConfig{
		UserAgent:        cfg.Crawler.UserAgent,
		Attempts:         cfg.Crawler.FetchRetries,
		DefaultRateLimit: cfg.Crawler.RateLimitPerMinute,
		MaxPageBytes:     cfg.Crawler.MaxPageBytes,
		MaxImageBytes:    cfg.Crawler.MaxImageBytes,
	})
	if cfg.Headless.Enabled && cfg.Headless.AutoPromote {
		base.WithRenderPromotion(headlessfetcher.NewShellDetector(0, 0))
	}
	var robots *strategy.RobotsCache
	if cfg.Crawler.RespectRobots {
		robots = strategy.NewRobotsCache(base, cfg.Crawler.UserAgent, a.logger.Named("robots"))
	}
	filter := strategy.NewImageFilter(nil, cfg.Face.MinImageDimension)
	registry := strategy.NewRegistry(base, robots, filter, a.logger.Named("strategy"), strategy.RegistryConfig{
		Website: strategy.WebsiteConfig{
			MaxPages:      cfg.Crawler.MaxPagesDefault,
			MaxDepth:      cfg.Crawler.MaxDepthDefault,
			MaxImages:     cfg.Crawler.MaxWebsiteImages,
			RespectRobots: cfg.Crawler.RespectRobots,
		},
		Mirrors:     cfg.Social.Mirrors,
		Sessions:    cfg.Social.Sessions,
		FollowerCap: cfg.Social.FollowerCap,
		FollowerRPS: cfg.Social.FollowerRPS,
		MinResults:  cfg.Crawler.MinSocialResults,
		MaxResults:  cfg.Crawler.MaxSocialResults,
	})

	a.embedder = embedder.New(embedder.Config{
		BaseURL:  cfg.Face.EmbedderURL,
		Timeout:  cfg.Face.EmbedderTimeout,
		ModelTag: cfg.Face.ModelTag,
	})
	pipe := pipeline.New(a.store, a.store, a.blobs, a.embedder, a.index, sha256.New(), ids, clock,
		a.logger.Named("pipeline"), pipeline.Config{
			MinConfidence:     cfg.Face.MinConfidence,
			MaxFacesPerImage:  cfg.Face.MaxFacesPerImage,
			CropPadding:       cfg.Face.CropPadding,
			ThumbnailSize:     cfg.Face.ThumbnailSize,
			MinImageDimension: cfg.Face.MinImageDimension,
			EmbedConcurrency:  cfg.Face.EmbedConcurrency,
		})

	a.orchestrator = orchestrator.New(a.store, a.store, registry, base, pipe, a.embedder, a.publisher, clock,
		a.logger.Named("orchestrator"), orchestrator.Config{
			MaxPagesDefault:    cfg.Crawler.MaxPagesDefault,
			MaxDepthDefault:    cfg.Crawler.MaxDepthDefault,
			RateLimitPerMinute: cfg.Crawler.RateLimitPerMinute,
			CancelPollInterval: cfg.Worker.CancelPollInterval,
		})

	var jobQueue crawler.Queue
	if a.queue != nil {
		jobQueue = a.queue
	}
	a.dispatcher = dispatcher.New(a.store, a.store, jobQueue, a.orchestrator, ids, clock,
		a.logger.Named("dispatcher"), dispatcher.Config{RetryCeiling: cfg.Worker.RetryCeiling})
	if jobQueue != nil {
		a.workers = worker.New(jobQueue, a.dispatcher, a.store, worker.Config{
			Concurrency:  cfg.Worker.Concurrency,
			DrainTimeout: cfg.Worker.DrainTimeout,
		}, a.logger.Named("worker"))
	}
	a.scheduler = scheduler.New(a.store, a.dispatcher, a.logger.Named("scheduler"), scheduler.Config{
		RefreshInterval: cfg.Scheduler.RefreshInterval,
	})
	a.service = service.New(a.store, a.dispatcher, a.proxies, a.index, a.embedder, ids, clock,
		a.logger.Named("service"), service.Config{
			MinConfidence:    cfg.Face.MinConfidence,
			DefaultTopK:      cfg.Index.SearchTopK,
			DefaultThreshold: cfg.Index.SearchThreshold,
			RebuildBatch:     cfg.Index.RebuildBatch,
		})
	return nil
}

// ReadinessChecks returns the checks served on /readyz.
func (a *App) ReadinessChecks() []api.Check {
	return []api.Check{
		{Name: "store", Fn: func(ctx context.Context) error {
			_, err := a.store.ListProxies(ctx, true)
			return err
		}},
		{Name: "embedder", Fn: a.embedder.Ping},
	}
}

// Close releases every resource in reverse order of acquisition. The vector
// index flushes its pending rows on close.
func (a *App) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.store != nil {
		a.store.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

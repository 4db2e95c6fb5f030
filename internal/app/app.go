// Package app assembles the long-lived services of the crawler from
// configuration: stores, queues, fetchers, worker pools, the progress hub,
// and the HTTP server. It is the single composition root; main stays thin.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crawlkit/linkwalk/internal/api"
	"github.com/crawlkit/linkwalk/internal/clock/system"
	"github.com/crawlkit/linkwalk/internal/config"
	"github.com/crawlkit/linkwalk/internal/crawl"
	"github.com/crawlkit/linkwalk/internal/dispatcher"
	autofetcher "github.com/crawlkit/linkwalk/internal/fetcher/auto"
	collyfetcher "github.com/crawlkit/linkwalk/internal/fetcher/colly"
	headlessfetcher "github.com/crawlkit/linkwalk/internal/fetcher/headless"
	"github.com/crawlkit/linkwalk/internal/hash/sha256"
	"github.com/crawlkit/linkwalk/internal/headless/detector"
	"github.com/crawlkit/linkwalk/internal/httpget"
	"github.com/crawlkit/linkwalk/internal/id/uuid"
	"github.com/crawlkit/linkwalk/internal/metrics"
	"github.com/crawlkit/linkwalk/internal/progress"
	"github.com/crawlkit/linkwalk/internal/progress/sinks"
	memorypublisher "github.com/crawlkit/linkwalk/internal/publisher/memory"
	pubsubpublisher "github.com/crawlkit/linkwalk/internal/publisher/pubsub"
	queuememory "github.com/crawlkit/linkwalk/internal/queue/memory"
	gcsstorage "github.com/crawlkit/linkwalk/internal/storage/gcs"
	localstorage "github.com/crawlkit/linkwalk/internal/storage/local"
	storagememory "github.com/crawlkit/linkwalk/internal/storage/memory"
	"github.com/crawlkit/linkwalk/internal/storage/postgres"
	"github.com/crawlkit/linkwalk/internal/store"
	"github.com/crawlkit/linkwalk/internal/telemetry"
	"github.com/crawlkit/linkwalk/internal/worker"
)

// App holds every wired service for the crawler process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	runs       *storagememory.RunStore
	hub        *progress.Hub
	crawlQueue *queuememory.Queue
	fetchQueue *queuememory.Queue

	crawlDispatch *dispatcher.Dispatcher
	fetchDispatch *dispatcher.Dispatcher
	server        *http.Server

	gcsClient     *gcpstorage.Client
	archiveStore  *postgres.ArchiveStore
	progressStore *postgres.ProgressStore
	pubsubClient  *gcppubsub.Client
	pubsubTopic   *gcppubsub.Topic
	headless      *headlessfetcher.Fetcher

	telemetryShutdown func(context.Context) error
}

// New builds every service from cfg. It fails fast when a configured backend
// cannot be initialized; optional backends that are disabled stay nil and
// their finalize steps are skipped by the workers.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	a.telemetryShutdown = shutdown

	a.runs = storagememory.NewRunStore()
	reports, err := a.buildReportStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var archive crawl.Archive
	if cfg.Archive.Enabled {
		archiveStore, err := postgres.NewArchiveStore(ctx, postgres.ArchiveStoreConfig{
			DSN:   cfg.Archive.DSN,
			Table: cfg.Archive.Table,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init archive store: %w", err)
		}
		a.archiveStore = archiveStore
		archive = archiveStore
	}

	var progressRepo store.ProgressRepository
	if cfg.ProgressStoreEnabled() {
		progressStore, err := postgres.NewProgressStore(ctx, cfg.Archive.DSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init progress store: %w", err)
		}
		a.progressStore = progressStore
		progressRepo = progressStore
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	fetcher, err := a.buildFetcher()
	if err != nil {
		a.Close()
		return nil, err
	}
	getter := httpget.New(httpget.Config{
		Timeout:   cfg.HTTPGetTimeout(),
		UserAgent: cfg.Crawler.UserAgent,
	})

	progressLogger := logger.Named("progress")
	sinkList := []progress.Sink{sinks.NewLogSink(progressLogger)}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if progressRepo != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(progressRepo, progressLogger))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.ProgressMaxBatchWait(),
		Logger:         progressLogger,
	}, sinkList...)

	a.crawlQueue = queuememory.NewQueue(cfg.Crawler.QueueDepth)
	a.fetchQueue = queuememory.NewQueue(cfg.HTTPGet.QueueDepth)

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()

	workerCfg := worker.Config{
		FanoutLimit:  cfg.Crawler.FanoutLimit,
		ReportPrefix: cfg.Storage.Prefix,
		Topic:        cfg.PubSub.Topic,
	}
	newWorker := func(queue crawl.Queue, pool string, index int) *worker.Worker {
		return worker.New(
			queue,
			a.runs,
			reports,
			archive,
			publisher,
			hasher,
			clock,
			fetcher,
			getter,
			a.hub,
			workerCfg,
			logger.Named("worker").With(zap.String("pool", pool), zap.Int("index", index)),
		)
	}
	var crawlWorkers []*worker.Worker
	for i := 0; i < cfg.Crawler.Workers; i++ {
		crawlWorkers = append(crawlWorkers, newWorker(a.crawlQueue, "crawl", i))
	}
	var fetchWorkers []*worker.Worker
	for i := 0; i < cfg.HTTPGet.Workers; i++ {
		fetchWorkers = append(fetchWorkers, newWorker(a.fetchQueue, "fetch", i))
	}
	a.crawlDispatch = dispatcher.New(a.crawlQueue, crawlWorkers)
	a.fetchDispatch = dispatcher.New(a.fetchQueue, fetchWorkers)

	apiLogger := logger.Named("api")
	progressHandler := api.NewProgressHandler(progressRepo, apiLogger)
	apiServer := api.NewServer(
		a.runs,
		a.crawlDispatch,
		a.fetchDispatch,
		idGen,
		clock,
		progressHandler,
		cfg,
		apiLogger,
	)
	a.server = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

func (a *App) buildReportStore(ctx context.Context) (crawl.ReportStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageBackendMemory:
		a.logger.Info("using in-memory report store")
		return storagememory.NewBlobStore(), nil
	case config.StorageBackendLocal:
		a.logger.Info("using local report store", zap.String("base_dir", a.cfg.Storage.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local report store: %w", err)
		}
		return blobStore, nil
	case config.StorageBackendGCS:
		a.logger.Info("using gcs report store", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs report store: %w", err)
		}
		return blobStore, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawl.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return memorypublisher.New(), nil
	}
	client, err := gcppubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.pubsubTopic = client.Topic(a.cfg.PubSub.Topic)
	a.logger.Info("publishing completions to pubsub", zap.String("topic", a.cfg.PubSub.Topic))
	return pubsubpublisher.New(a.pubsubTopic), nil
}

func (a *App) buildFetcher() (crawl.LinkFetcher, error) {
	probe, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:      a.cfg.Crawler.UserAgent,
		Timeout:        a.cfg.FetchTimeout(),
		MaxParallelism: a.cfg.Fetcher.MaxParallelism,
	})
	if err != nil {
		return nil, fmt.Errorf("init colly fetcher: %w", err)
	}
	switch a.cfg.Fetcher.Mode {
	case config.FetcherModeHeadless:
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Fetcher.HeadlessMaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.HeadlessNavTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.headless = headless
		return headless, nil
	case config.FetcherModeAuto:
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Fetcher.HeadlessMaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.HeadlessNavTimeout(),
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, render promotion disabled", zap.Error(err))
			return probe, nil
		}
		a.headless = headless
		det := detector.NewHeuristic(a.cfg.Fetcher.PromotionThresholdBytes)
		return autofetcher.New(probe, headless, det, a.logger.Named("fetcher")), nil
	default:
		return probe, nil
	}
}

// Handler exposes the HTTP routing tree, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run starts the dispatchers and the HTTP server and blocks until ctx is
// canceled or the server fails, then performs the ordered shutdown: stop
// accepting requests, close the queues, wait for in-flight runs, drain the
// progress hub.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var dispatchers sync.WaitGroup
	dispatchers.Add(2)
	go func() {
		defer dispatchers.Done()
		a.crawlDispatch.Run(runCtx)
	}()
	go func() {
		defer dispatchers.Done()
		a.fetchDispatch.Run(runCtx)
	}()
	a.logger.Info("dispatchers started",
		zap.Int("crawl_workers", a.cfg.Crawler.Workers),
		zap.Int("fetch_workers", a.cfg.HTTPGet.Workers),
	)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	<-runCtx.Done()
	a.logger.Info("shutdown initiated")

	shutdownTimeout := a.cfg.ShutdownTimeout()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.crawlQueue.Close()
	a.fetchQueue.Close()
	dispatchers.Wait()

	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Warn("progress hub close error", zap.Error(err))
	}
	a.logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// Close releases backend connections. Call after Run returns; it is safe on
// a partially built App.
func (a *App) Close() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.archiveStore != nil {
		a.archiveStore.Close()
	}
	if a.progressStore != nil {
		a.progressStore.Close()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close error", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close error", zap.Error(err))
		}
	}
	if a.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetryShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
}

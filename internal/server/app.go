// Package server is the composition root: it selects backends from
// configuration and wires the scrape worker, cache, snapshot writer,
// progress hub, orchestrator, scheduler and HTTP API together.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/api"
	"github.com/JakeFAU/emblem-rarity/internal/cache"
	"github.com/JakeFAU/emblem-rarity/internal/catalog"
	"github.com/JakeFAU/emblem-rarity/internal/clock/system"
	"github.com/JakeFAU/emblem-rarity/internal/config"
	collyfetcher "github.com/JakeFAU/emblem-rarity/internal/fetcher/colly"
	"github.com/JakeFAU/emblem-rarity/internal/fetcher/headless"
	"github.com/JakeFAU/emblem-rarity/internal/headless/detector"
	idgen "github.com/JakeFAU/emblem-rarity/internal/id/uuid"
	"github.com/JakeFAU/emblem-rarity/internal/logging"
	"github.com/JakeFAU/emblem-rarity/internal/metrics"
	"github.com/JakeFAU/emblem-rarity/internal/policy/cooldown"
	"github.com/JakeFAU/emblem-rarity/internal/policy/ratelimit"
	"github.com/JakeFAU/emblem-rarity/internal/progress"
	progresssinks "github.com/JakeFAU/emblem-rarity/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/emblem-rarity/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/emblem-rarity/internal/publisher/pubsub"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
	"github.com/JakeFAU/emblem-rarity/internal/schedule"
	"github.com/JakeFAU/emblem-rarity/internal/scrape"
	"github.com/JakeFAU/emblem-rarity/internal/snapshot"
	gcsstorage "github.com/JakeFAU/emblem-rarity/internal/storage/gcs"
	localstorage "github.com/JakeFAU/emblem-rarity/internal/storage/local"
	memorystorage "github.com/JakeFAU/emblem-rarity/internal/storage/memory"
	pgstore "github.com/JakeFAU/emblem-rarity/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/emblem-rarity/internal/storage/sqlite"
	"github.com/JakeFAU/emblem-rarity/internal/store"
	"github.com/JakeFAU/emblem-rarity/internal/syncer"
	"github.com/JakeFAU/emblem-rarity/internal/telemetry"
)

// Backend is one store that holds records, the catalog and the sync status.
type Backend interface {
	rarity.Store
	rarity.Catalog
	rarity.StatusStore
}

// Option customizes Build.
type Option func(*options)

type options struct {
	auth     rarity.AuthProvider
	profiles rarity.ProfileReader
	logger   *zap.Logger
	session  syncer.Readier
	source   scrape.Source
}

// WithProfileSource enables the owned-emblems route.
func WithProfileSource(auth rarity.AuthProvider, profiles rarity.ProfileReader) Option {
	return func(o *options) {
		o.auth, o.profiles = auth, profiles
	}
}

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSource replaces the scrape source chain and the session readiness
// check. Both must be non-nil. It is used when no browser is available.
func WithSource(source scrape.Source, session syncer.Readier) Option {
	return func(o *options) { o.source, o.session = source, session }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	backend Backend
	runs    store.RunRepository
	closers []func(context.Context) error

	session  *headless.Session
	worker   *scrape.Worker
	stopWork context.CancelFunc
	workDone chan struct{}

	cache     *cache.Cache
	snapshot  *snapshot.Writer
	hub       *progress.Hub
	sync      *syncer.Orchestrator
	scheduler *schedule.Scheduler
	apiServer *api.Server
	importer  *catalog.Importer
}

// Build creates the application's dependencies. The scrape worker starts
// immediately; the browser launches lazily on the first job.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	app := &App{cfg: cfg, logger: logger}
	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.closers = append(app.closers, shutdown)
	}
	logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("blob_storage", cfg.Storage.BlobBackend),
		zap.Int("port", cfg.Server.Port))

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	if err := app.setupBackend(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	app.snapshot = snapshot.NewWriter(app.backend, blobs, snapshot.Config{
		Prefix:   cfg.Storage.Prefix,
		Name:     cfg.Storage.SnapshotName,
		Debounce: time.Duration(cfg.Snapshot.DebounceMs) * time.Millisecond,
	}, logger)
	app.closers = append(app.closers, app.snapshot.Close)

	source, session := o.source, o.session
	if source == nil {
		source, session = app.setupSources()
	}
	app.setupWorker(source)

	cacheCfg := cache.Config{
		Policy:       rarity.Policy{PositiveTTL: cfg.PositiveTTL(), NullTTL: cfg.NullTTL()},
		DedupeWindow: cfg.DedupeWindow(),
		DedupeSize:   cfg.Cache.DedupeSize,
		MaxPending:   cfg.Cache.MaxPending,
	}
	if cfg.Cache.CatalogOnly {
		cacheCfg.Catalog = app.backend
	}
	app.cache = cache.New(app.backend, app.worker, clock, app.snapshot, cacheCfg, logger)

	app.sync = syncer.New(syncer.Deps{
		Catalog:   app.backend,
		Records:   app.backend,
		Status:    app.backend,
		Refresher: app.cache,
		Session:   session,
		Snapshot:  app.snapshot,
		Emitter:   emitter,
		Clock:     clock,
		IDs:       idgen.New(),
	}, syncer.Config{
		BatchSize:     cfg.Sync.BatchSize,
		BatchTimeout:  cfg.BatchTimeout(),
		BatchPause:    time.Duration(cfg.Sync.BatchPauseMs) * time.Millisecond,
		ProgressEvery: cfg.Sync.ProgressEvery,
		Location:      cfg.Location(),
	}, logger)

	if cfg.Sync.Enabled {
		app.scheduler, err = schedule.New(schedule.Config{
			Spec:       cfg.Sync.Schedule,
			Location:   cfg.Location(),
			RunOnStart: cfg.Sync.RunOnStart,
		}, app.sync, logger)
		if err != nil {
			return nil, err
		}
	}

	app.importer = catalog.NewImporter(app.backend, logger)

	deps := api.Deps{
		Rarity:   app.cache,
		Sync:     app.sync,
		Snapshot: snapshot.NewReader(blobs, snapshot.Config{Prefix: cfg.Storage.Prefix, Name: cfg.Storage.SnapshotName}),
		Records:  app.backend,
		Notifier: app.snapshot,
		Runs:     app.runs,
		Ready: func(ctx context.Context) error {
			_, err := app.backend.Count(ctx)
			return err
		},
	}
	if o.auth != nil && o.profiles != nil {
		deps.Lookup = catalog.NewLookup(app.backend, o.auth, o.profiles, logger)
	}
	app.apiServer = api.NewServer(deps, cfg, logger)

	ok = true
	return app, nil
}

func (a *App) setupBackend(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("postgres pool init failed: %w", err)
		}
		st, err := pgstore.NewStore(pool)
		if err != nil {
			pool.Close()
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { st.Close(); return nil })
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		runs, err := pgstore.NewRunStore(pool)
		if err != nil {
			return fmt.Errorf("postgres run store init failed: %w", err)
		}
		a.backend, a.runs = st, runs
		a.logger.Info("using postgres storage backend")
	case "sqlite":
		st, err := sqlitestore.Open(ctx, a.cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
		a.backend, a.runs = st, st.Runs()
		a.logger.Info("using sqlite storage backend", zap.String("path", a.cfg.Storage.SQLitePath))
	default:
		a.backend, a.runs = memorystorage.NewRecordStore(), memorystorage.NewRunStore()
		a.logger.Warn("using in-memory storage backend; records are lost on restart")
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (snapshot.BlobStore, error) {
	switch a.cfg.Storage.BlobBackend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			CacheControl: fmt.Sprintf("public, max-age=%d", a.cfg.Snapshot.MaxAgeSeconds),
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub := gcppublisher.New(client, a.cfg.PubSub.TopicName)
	a.closers = append(a.closers, func(context.Context) error {
		pub.Stop()
		return client.Close()
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
		progresssinks.NewPublishSink(pub, a.cfg.PubSub.TopicName),
	}
	if a.cfg.Metrics.Enabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchSize,
		MaxBatchWait:   time.Duration(a.cfg.Progress.FlushIntervalMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.closers = append(a.closers, a.hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait))
	return a.hub, nil
}

func (a *App) setupSources() (scrape.Source, syncer.Readier) {
	cfg := a.cfg
	detect := detector.NewHeuristic()
	a.session = headless.NewSession(headless.Config{
		HomeURL:            cfg.Scraper.HomeURL,
		ItemURLTemplate:    cfg.Scraper.ItemURLTemplate,
		UserAgent:          cfg.Scraper.UserAgent,
		ExecPath:           cfg.Scraper.ExecPath,
		Headless:           cfg.Scraper.Headless,
		NavigationTimeout:  cfg.NavTimeout(),
		ChallengeDelay:     time.Duration(cfg.Scraper.ChallengeDelayMs) * time.Millisecond,
		PollInterval:       time.Duration(cfg.Scraper.PollIntervalMs) * time.Millisecond,
		PollTimeout:        time.Duration(cfg.Scraper.PollTimeoutMs) * time.Millisecond,
		BlockResources:     cfg.Scraper.BlockResources,
		RetryWithResources: cfg.Scraper.RetryWithResources,
	}, detect, a.logger)
	a.closers = append(a.closers, func(context.Context) error { a.session.Close(); return nil })

	if !cfg.Fallback.Enabled {
		return scrape.NewChain(a.logger, a.session), a.session
	}
	fallback := collyfetcher.New(collyfetcher.Config{
		ItemURLTemplate: cfg.Fallback.ItemURLTemplate,
		UserAgent:       cfg.Scraper.UserAgent,
		Timeout:         time.Duration(cfg.Fallback.TimeoutSeconds) * time.Second,
	}, detect, a.logger)
	a.logger.Info("fallback source enabled",
		zap.String("template", cfg.Fallback.ItemURLTemplate),
		zap.Bool("first", cfg.Fallback.First))
	if cfg.Fallback.First {
		return scrape.NewChain(a.logger, fallback, a.session), a.session
	}
	return scrape.NewChain(a.logger, a.session, fallback), a.session
}

func (a *App) setupWorker(source scrape.Source) {
	cfg := a.cfg
	gap := ratelimit.New(ratelimit.Config{
		MinGap:        cfg.MinGap(),
		BatchSize:     cfg.Scraper.BatchSize,
		BatchInterval: cfg.BatchInterval(),
	})
	breaker := cooldown.New(cooldown.Config{
		Threshold: cfg.Cooldown.Threshold,
		Duration:  cfg.CooldownDuration(),
	}, a.logger)
	a.worker = scrape.New(source, gap, breaker, scrape.Config{
		MaxConcurrency: cfg.Scraper.MaxConcurrency,
		JobTimeout:     cfg.JobBudget(),
	}, a.logger)

	workCtx, cancel := context.WithCancel(context.Background())
	a.stopWork = cancel
	a.workDone = make(chan struct{})
	go func() {
		defer close(a.workDone)
		a.worker.Run(workCtx)
	}()
	a.logger.Info("scrape worker started",
		zap.Int("max_concurrency", cfg.Scraper.MaxConcurrency),
		zap.Duration("min_gap", cfg.MinGap()),
		zap.Duration("job_budget", cfg.JobBudget()))
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Serve runs the HTTP server and the scheduler until ctx is canceled or a
// termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// SyncOnce runs one synchronization in the foreground.
func (a *App) SyncOnce(ctx context.Context, force bool) (syncer.TriggerResult, rarity.SyncStatus, error) {
	res, st, err := a.sync.RunNow(ctx, force)
	if err != nil {
		return res, st, fmt.Errorf("run sync: %w", err)
	}
	return res, st, nil
}

// ImportCatalog loads an item definition manifest into the catalog.
func (a *App) ImportCatalog(ctx context.Context, r io.Reader) (int, error) {
	n, err := a.importer.Import(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("import catalog: %w", err)
	}
	return n, nil
}

// Close stops background work in dependency order: the orchestrator, then
// the worker and pending write-backs, then the snapshot, hub and stores.
func (a *App) Close(ctx context.Context) error {
	if a.sync != nil {
		a.sync.Close()
	}
	if a.stopWork != nil {
		a.worker.Close()
		a.stopWork()
		<-a.workDone
	}
	if a.cache != nil {
		a.cache.Wait()
	}
	err := a.closeAll(ctx)
	if serr := a.logger.Sync(); serr != nil {
		a.logger.Debug("logger sync failed", zap.Error(serr))
	}
	a.logger.Info("shutdown complete")
	return err
}

// closeAll runs the registered closers newest first.
func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

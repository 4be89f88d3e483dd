// Package server builds the link checker's dependencies and runs the API
// alongside the scheduled worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/api"
	"github.com/JakeFAU/linkcheck/internal/checker"
	"github.com/JakeFAU/linkcheck/internal/clock/system"
	"github.com/JakeFAU/linkcheck/internal/config"
	"github.com/JakeFAU/linkcheck/internal/extract"
	"github.com/JakeFAU/linkcheck/internal/id/uuid"
	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/links"
	"github.com/JakeFAU/linkcheck/internal/loadavg"
	"github.com/JakeFAU/linkcheck/internal/lock"
	"github.com/JakeFAU/linkcheck/internal/logging"
	"github.com/JakeFAU/linkcheck/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/linkcheck/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/linkcheck/internal/publisher/pubsub"
	"github.com/JakeFAU/linkcheck/internal/report"
	gcsstorage "github.com/JakeFAU/linkcheck/internal/storage/gcs"
	localstorage "github.com/JakeFAU/linkcheck/internal/storage/local"
	memorystorage "github.com/JakeFAU/linkcheck/internal/storage/memory"
	pgstore "github.com/JakeFAU/linkcheck/internal/storage/postgres"
	"github.com/JakeFAU/linkcheck/internal/synch"
	"github.com/JakeFAU/linkcheck/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool            *pgxpool.Pool
	pgLock          *lock.Postgres
	redisClient     *redis.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client

	store     linkcheck.LinkStore
	content   linkcheck.ContentStore
	tracker   *synch.Tracker
	pipeline  *extract.Pipeline
	worker    *worker.Worker
	links     *links.Service
	reports   *report.Exporter
	runs      *runRecorder
	apiServer *api.Server

	closeOnce sync.Once
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// LastRun reports the most recent worker run.
func (a *App) LastRun() (worker.Result, bool) {
	return a.runs.LastRun()
}

// Run serves the API and runs the worker on its schedule until ctx is
// canceled or the process is signaled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := a.newScheduler(ctx)
	if err != nil {
		return err
	}
	sched.Start()
	a.logger.Info("worker scheduled", zap.String("schedule", a.cfg.Worker.Schedule))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		a.logger.Warn("worker run still in progress at shutdown")
	}
	return a.Close(shutdownCtx)
}

// newScheduler registers the worker on the configured cron schedule. Runs
// never overlap within a process; the distributed lock covers other
// processes.
func (a *App) newScheduler(ctx context.Context) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(a.logger.Named("cron")))
	sched := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := sched.AddFunc(a.cfg.Worker.Schedule, func() { a.RunWorker(ctx) }); err != nil {
		return nil, fmt.Errorf("parse worker.schedule %q: %w", a.cfg.Worker.Schedule, err)
	}
	return sched, nil
}

// RunWorker performs one worker run and records its result.
func (a *App) RunWorker(ctx context.Context) worker.Result {
	res := a.worker.RunOnce(ctx)
	a.runs.record(res)
	return res
}

// Resync runs a full synchronization pass.
func (a *App) Resync(ctx context.Context, force bool) (synch.Stats, error) {
	stats, err := a.tracker.Resync(ctx, force)
	if err != nil {
		return synch.Stats{}, fmt.Errorf("resync: %w", err)
	}
	return stats, nil
}

// ExportReport writes a broken-link report and returns its URI.
func (a *App) ExportReport(ctx context.Context) (string, report.Report, error) {
	return a.reports.Export(ctx)
}

// MigrateSchema applies the Postgres schema. It needs db.dsn.
func (a *App) MigrateSchema(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("db.dsn must be set to migrate the schema")
	}
	if err := pgstore.Migrate(ctx, a.pool); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	a.logger.Info("schema applied")
	return nil
}

// Close releases clients and flushes the logger. Later calls do nothing.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		// stderr sync fails on some terminals; nothing to do about it
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgLock != nil {
		if err := a.pgLock.Close(ctx); err != nil {
			a.logger.Warn("lock connection close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		runs:   &runRecorder{},
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("container_types", cfg.ContainerTypes()),
		zap.String("lock_backend", cfg.Lock.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
		zap.String("report_backend", cfg.Report.Backend),
	)

	if err = setupStores(ctx, app); err != nil {
		return nil, err
	}
	distLock, err := setupLock(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupReportStore(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	check := checker.New(checkerConfig(cfg), app.logger)
	limiter := ratelimit.New(ratelimit.Config{
		Capacity:    cfg.RateLimit.Capacity,
		FillTime:    time.Duration(cfg.RateLimit.FillTimeSeconds) * time.Second,
		MinInterval: time.Duration(cfg.RateLimit.MinIntervalMs) * time.Millisecond,
		MaxBuckets:  cfg.RateLimit.MaxBuckets,
	}, app.logger)

	names := cfg.ContainerTypes()
	enabled := make([]synch.EnabledType, 0, len(names))
	types := make([]extract.ContainerType, 0, len(names))
	for _, name := range names {
		ct := cfg.Content.Types[name]
		enabled = append(enabled, synch.EnabledType{Name: name, Statuses: ct.Statuses})
		types = append(types, extract.ContainerType{Name: name, Fields: ct.Fields, Statuses: ct.Statuses})
	}
	app.tracker = synch.New(app.store, app.content, enabled, cfg.Worker.SyncBatchSize, clock, app.logger)
	app.pipeline = extract.NewPipeline(types, extract.DefaultRegistry(), app.content, app.store, cfg.Content.BaseURL, clock, app.logger)

	topic := ""
	if publisher != nil {
		topic = cfg.Publisher.Topic
	}
	app.worker = worker.New(worker.Config{
		LockName:            cfg.Lock.Name,
		MaxExecution:        cfg.MaxExecution(),
		TargetResourceUsage: cfg.Worker.TargetResourceUsage,
		ServerLoadLimit:     cfg.Worker.ServerLoadLimit,
		SyncBatchSize:       cfg.Worker.SyncBatchSize,
		CheckBatchSize:      cfg.Worker.CheckBatchSize,
		CheckThreshold:      cfg.CheckThreshold(),
		RecheckThreshold:    cfg.RecheckThreshold(),
		RecheckCount:        cfg.Checker.RecheckCount,
		Topic:               topic,
	}, worker.Deps{
		Store:      app.store,
		Tracker:    app.tracker,
		Extractor:  app.pipeline,
		Checker:    check,
		Limiter:    limiter,
		Lock:       distLock,
		Load:       loadavg.New(app.logger),
		Publisher:  publisher,
		Exclusions: linkcheck.NewExclusionList(cfg.Checker.Exclusions),
		Clock:      clock,
		IDs:        ids,
	}, app.logger)

	app.links = links.NewService(links.Deps{
		Store:    app.store,
		Rewriter: app.pipeline,
		Checker:  check,
		Limiter:  limiter,
		Clock:    clock,
	}, cfg.Content.BaseURL, app.logger)
	app.reports = report.NewExporter(app.store, blobs, clock, app.logger)
	app.apiServer = api.NewServer(app.links, app.tracker, app.runs, cfg.Auth, app.logger)
	return app, nil
}

func checkerConfig(cfg config.Config) checker.Config {
	sigs := make([]checker.Signature, 0, len(cfg.Checker.Signatures))
	for _, s := range cfg.Checker.Signatures {
		sigs = append(sigs, checker.Signature{
			Host:           s.Host,
			UserAgent:      s.UserAgent,
			AcceptLanguage: s.AcceptLanguage,
			Headers:        s.Headers,
		})
	}
	return checker.Config{
		Timeout:            cfg.RequestTimeout(),
		MaxRedirects:       cfg.Checker.MaxRedirects,
		FollowRedirects:    cfg.Checker.FollowRedirects,
		RedirectRetryCount: cfg.Checker.RedirectRetryCount,
		UserAgent:          cfg.Checker.UserAgent,
		AcceptLanguage:     cfg.Checker.AcceptLanguage,
		Signatures:         sigs,
		MaxLogBodyBytes:    cfg.Checker.MaxLogBodyBytes,
	}
}

func setupStores(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no database DSN configured, using in-memory stores")
		app.store = memorystorage.NewLinkStore()
		app.content = memorystorage.NewContentStore()
		return nil
	}
	var err error
	app.pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      app.cfg.DB.DSN,
		MaxConns: app.cfg.DB.MaxConns,
		MinConns: app.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	if app.store, err = pgstore.NewLinkStore(app.pool); err != nil {
		return fmt.Errorf("link store init failed: %w", err)
	}
	if app.content, err = pgstore.NewContentStore(app.pool); err != nil {
		return fmt.Errorf("content store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized")
	return nil
}

func setupLock(ctx context.Context, app *App) (linkcheck.DistributedLock, error) {
	switch app.cfg.Lock.Backend {
	case "postgres":
		pgLock, err := lock.NewPostgres(ctx, app.cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres lock init failed: %w", err)
		}
		app.pgLock = pgLock
		app.logger.Info("using postgres advisory lock")
		return pgLock, nil
	case "redis":
		app.redisClient = redis.NewClient(&redis.Options{Addr: app.cfg.Lock.RedisAddr})
		if err := app.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		ttl := time.Duration(app.cfg.Lock.TTLSeconds) * time.Second
		app.logger.Info("using redis lock",
			zap.String("addr", app.cfg.Lock.RedisAddr),
			zap.Duration("ttl", ttl),
		)
		return lock.NewRedis(app.redisClient, ttl, uuid.New()), nil
	default:
		if app.cfg.DB.DSN != "" {
			app.logger.Warn("in-process lock with a shared database, runs in other processes are not excluded")
		} else {
			app.logger.Info("using in-process lock")
		}
		return lock.NewMemory(), nil
	}
}

// setupPublisher returns nil when notifications are disabled.
func setupPublisher(ctx context.Context, app *App) (linkcheck.Publisher, error) {
	switch app.cfg.Publisher.Backend {
	case "pubsub":
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher, err = gcppublisher.New(app.pubsubClient, app.logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.Publisher.ProjectID),
			zap.String("topic", app.cfg.Publisher.Topic),
		)
		return app.pubsubPublisher, nil
	case "memory":
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("link status notifications disabled")
		return nil, nil
	}
}

func setupReportStore(ctx context.Context, app *App) (linkcheck.BlobStore, error) {
	switch app.cfg.Report.Backend {
	case "gcs":
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Report.Bucket,
			Prefix: app.cfg.Report.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS report backend", zap.String("bucket", app.cfg.Report.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Report.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local report backend", zap.String("path", app.cfg.Report.Dir))
		return blobs, nil
	default:
		app.logger.Info("using in-memory report backend")
		return memorystorage.NewBlobStore(), nil
	}
}

// runRecorder keeps the result of the latest worker run.
type runRecorder struct {
	mu   sync.RWMutex
	last worker.Result
	ok   bool
}

func (r *runRecorder) record(res worker.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = res
	r.ok = true
}

func (r *runRecorder) LastRun() (worker.Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.ok
}

// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/api"
	memorycache "github.com/vnenv/envcrawler/internal/cache/memory"
	rediscache "github.com/vnenv/envcrawler/internal/cache/redis"
	"github.com/vnenv/envcrawler/internal/clock/system"
	"github.com/vnenv/envcrawler/internal/config"
	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/dispatcher"
	"github.com/vnenv/envcrawler/internal/emitter"
	"github.com/vnenv/envcrawler/internal/hash/sha256"
	"github.com/vnenv/envcrawler/internal/id/uuid"
	"github.com/vnenv/envcrawler/internal/logging"
	"github.com/vnenv/envcrawler/internal/policy/ratelimit"
	"github.com/vnenv/envcrawler/internal/provider"
	kafkapublisher "github.com/vnenv/envcrawler/internal/publisher/kafka"
	memorypublisher "github.com/vnenv/envcrawler/internal/publisher/memory"
	gcppublisher "github.com/vnenv/envcrawler/internal/publisher/pubsub"
	"github.com/vnenv/envcrawler/internal/registry"
	gcsstorage "github.com/vnenv/envcrawler/internal/storage/gcs"
	localstorage "github.com/vnenv/envcrawler/internal/storage/local"
	memorystorage "github.com/vnenv/envcrawler/internal/storage/memory"
	pgstore "github.com/vnenv/envcrawler/internal/storage/postgres"
	"github.com/vnenv/envcrawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	registry  *registry.Registry
	providers *provider.Set
	dispatch  *dispatcher.Dispatcher
	handoff   *emitter.Handoff
	apiServer *api.Server

	memCache        *memorycache.Cache
	redisCache      *rediscache.Cache
	storage         *storage.Client
	pgJobStore      *pgstore.JobStore
	pubsubPublisher *gcppublisher.Publisher
	kafkaPublisher  *kafkapublisher.Publisher
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Registry returns the location catalog.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Providers returns the enabled adapters.
func (a *App) Providers() *provider.Set {
	return a.providers
}

// Handoff returns the artifact handoff and status board.
func (a *App) Handoff() *emitter.Handoff {
	return a.handoff
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Crawl runs one job and hands its batch off. A job in which every item
// failed is still handed off; its record is returned with ErrJobFailed.
func (a *App) Crawl(ctx context.Context, req dispatcher.Request) (crawler.JobRecord, error) {
	job, runErr := a.dispatch.Run(ctx, req)
	if job == nil {
		return crawler.JobRecord{}, runErr
	}
	record, err := a.handoff.Deliver(context.WithoutCancel(ctx), job)
	if err != nil {
		return record, err
	}
	return record, runErr
}

const purgeInterval = 10 * time.Minute

// purgeCache reclaims expired in-memory entries until ctx ends.
func (a *App) purgeCache(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.memCache.Purge(); n > 0 {
				a.logger.Debug("purged expired cache entries", zap.Int("count", n))
			}
		}
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.memCache != nil {
		go a.purgeCache(ctx, purgeInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

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

// Close releases every external client the app opened.
func (a *App) Close(_ context.Context) error {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.kafkaPublisher != nil {
		if err := a.kafkaPublisher.Close(); err != nil {
			a.logger.Warn("kafka writer close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.logger.Warn("redis cache close failed", zap.Error(err))
		}
	}
	if a.pgJobStore != nil {
		a.pgJobStore.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.NewWithOptions(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.String("jobstore", cfg.JobStore.Backend),
	)

	var err error
	app.registry, err = registry.Load(cfg.Registry.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}
	logger.Info("location catalog loaded", zap.Int("locations", app.registry.Len()))

	limiter := ratelimit.New(ratelimit.Config{})
	app.providers, err = provider.Build(cfg, limiter, app.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("provider init failed: %w", err)
	}
	logger.Info("providers enabled", zap.Int("count", app.providers.Len()))
	for _, spec := range app.providers.Specs() {
		logger.Debug("provider",
			zap.String("id", spec.ID),
			zap.Stringer("domain", spec.Domain),
			zap.Int("max_requests", spec.MaxRequests),
			zap.Duration("window", spec.Window),
			zap.Duration("timeout", spec.Timeout))
	}

	cache, err := setupCache(app)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	jobStore, err := setupJobStore(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.dispatch = setupDispatcher(app, cache)
	app.handoff = emitter.NewHandoff(
		blobStore,
		jobStore,
		publisher,
		sha256.New(),
		emitter.NewStatusBoard(),
		emitter.Config{Prefix: cfg.Storage.Prefix, Topic: cfg.Publisher.Topic},
		logger,
	)
	app.apiServer = api.NewServer(app.dispatch, app.handoff, app.registry, cfg, logger.Named("api"))
	return app, nil
}

func setupCache(app *App) (crawler.Cache, error) {
	switch app.cfg.Cache.Backend {
	case "redis":
		c, err := rediscache.New(rediscache.Config{
			Addr:     app.cfg.Cache.Redis.Addr,
			Password: app.cfg.Cache.Redis.Password,
			DB:       app.cfg.Cache.Redis.DB,
			Prefix:   app.cfg.Cache.Redis.Prefix,
		}, app.clock)
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		app.redisCache = c
		app.logger.Info("using redis cache", zap.String("addr", app.cfg.Cache.Redis.Addr))
		return c, nil
	default:
		app.logger.Info("using in-memory cache", zap.Int("shards", app.cfg.Cache.Shards))
		app.memCache = memorycache.New(app.cfg.Cache.Shards, app.clock)
		return app.memCache, nil
	}
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupJobStore(ctx context.Context, app *App) (crawler.JobStore, error) {
	if app.cfg.JobStore.Backend != "postgres" {
		app.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
		DSN:   app.cfg.JobStore.DSN,
		Table: app.cfg.JobStore.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	app.pgJobStore = store
	app.logger.Info("postgres job store initialized", zap.String("table", app.cfg.JobStore.Table))
	return store, nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	topic := app.cfg.Publisher.Topic
	switch app.cfg.Publisher.Backend {
	case "none":
		app.logger.Warn("publishing disabled")
		return nil, nil
	case "pubsub":
		p, err := gcppublisher.Dial(ctx, app.cfg.Publisher.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher = p
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.Publisher.PubSubProject),
			zap.String("topic", topic),
		)
		return p, nil
	case "kafka":
		p := kafkapublisher.New(app.cfg.Publisher.KafkaBrokers)
		app.kafkaPublisher = p
		app.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", app.cfg.Publisher.KafkaBrokers),
			zap.String("topic", topic),
		)
		return p, nil
	default:
		app.logger.Info("using in-memory publisher", zap.String("topic", topic))
		return memorypublisher.New(), nil
	}
}

func setupDispatcher(app *App, cache crawler.Cache) *dispatcher.Dispatcher {
	retry := crawler.NewRetryPolicy(app.cfg.RetryPolicy(), app.clock.Base())
	w := worker.New(cache, retry, app.clock, worker.Config{TTL: app.cfg.CacheTTL}, app.logger)
	app.logger.Info("dispatcher config",
		zap.Int("concurrency", app.cfg.Crawler.Concurrency),
		zap.Duration("job_deadline", app.cfg.Crawler.JobDeadline),
		zap.Int("max_attempts", retry.MaxAttempts()),
	)
	return dispatcher.New(
		app.registry,
		app.providers,
		w,
		uuid.NewUUIDGenerator(),
		app.clock,
		dispatcher.Config{
			Concurrency: app.cfg.Crawler.Concurrency,
			JobDeadline: app.cfg.Crawler.JobDeadline,
		},
		app.logger,
	)
}

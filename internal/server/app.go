// Package server builds the application's dependencies and runs its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/analysis"
	"github.com/JakeFAU/sitesearch/internal/api"
	"github.com/JakeFAU/sitesearch/internal/clock/system"
	"github.com/JakeFAU/sitesearch/internal/config"
	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sitesearch/internal/fetcher/colly"
	"github.com/JakeFAU/sitesearch/internal/hash/sha256"
	"github.com/JakeFAU/sitesearch/internal/id/uuid"
	"github.com/JakeFAU/sitesearch/internal/indexing"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	"github.com/JakeFAU/sitesearch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/sitesearch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitesearch/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/sitesearch/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/sitesearch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitesearch/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitesearch/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitesearch/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// Store is the combined site and page persistence used by the app.
type Store interface {
	crawler.SiteStore
	crawler.PageStore
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      Store
	apiServer  *api.Server
	controller *indexing.Controller
	dispatch   *dispatcher.Dispatcher

	pgStore      *pgstore.Store
	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("sites", len(cfg.Sites)),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.setupDatabase(ctx); err != nil {
		app.Close()
		return nil, err
	}
	blobStore, err := app.setupStorage(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	clock := system.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		Referrer:      cfg.Crawler.Referrer,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
	})
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Crawler.RateLimitRPS,
		Burst: cfg.Crawler.RateLimitBurst,
	})
	engine := crawler.NewEngine(
		crawler.EngineConfig{Parallelism: cfg.Crawler.Parallelism},
		fetcher,
		app.store,
		limiter,
		clock,
		logger,
	)
	forwarder := analysis.New(
		blobStore,
		publisher,
		sha256.New(),
		clock,
		analysis.Config{
			ContentType: cfg.Storage.ContentType,
			BlobPrefix:  cfg.Storage.Prefix,
			Topic:       cfg.PubSub.TopicName,
		},
		logger,
	)
	app.controller = indexing.New(
		app.store,
		app.store,
		engine,
		forwarder,
		clock,
		uuid.New(),
		indexing.Config{
			GracePeriod: cfg.GracePeriod(),
			Handoff: queuememory.Config{
				Capacity:   cfg.Handoff.Capacity,
				LowWater:   cfg.Handoff.LowWater,
				MaxBackoff: cfg.MaxBackoff(),
			},
		},
		logger,
	)
	app.dispatch, err = dispatcher.New(cfg.SiteConfigs(), app.store, app.controller, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	if n, err := app.dispatch.RecoverInterrupted(ctx, clock.Now()); err != nil {
		logger.Warn("recover interrupted sites failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("interrupted sites marked failed", zap.Int("sites", n))
	}
	app.apiServer = api.NewServer(app.dispatch, app.store, app.store, cfg, logger)
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Dispatcher exposes the site launcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Serve runs the HTTP server until ctx is cancelled or SIGINT/SIGTERM arrives,
// then stops active runs and drains them.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.drain()

	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Index launches every configured site and blocks until all runs finish.
// SIGINT/SIGTERM stops the runs.
func (a *App) Index(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.dispatch.RunAll(ctx); err != nil {
		return fmt.Errorf("index sites: %w", err)
	}
	sites, err := a.store.ListSites(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	for _, site := range sites {
		a.logger.Info("site finished",
			zap.String("site", site.URL),
			zap.String("status", string(site.Status)),
			zap.String("error", site.LastError),
		)
	}
	return nil
}

func (a *App) drain() {
	if a.controller == nil {
		return
	}
	if active := a.controller.Active(); len(active) > 0 {
		a.logger.Info("draining indexing runs", zap.Int64s("site_ids", active))
	}
	if err := a.controller.Stop(); err != nil && !errors.Is(err, indexing.ErrNotRunning) {
		a.logger.Warn("stop indexing failed", zap.Error(err))
	}
	a.controller.Wait()
}

// Close releases infrastructure clients.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
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
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory site store")
		a.store = memorystorage.NewStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema init failed: %w", err)
	}
	a.store = store
	a.logger.Info("postgres store initialized")
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher, err = gcppublisher.New(client, map[string]string{"source": "sitesearch"})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

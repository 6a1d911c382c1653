// Package app wires the till daemon's components together from a Config.
package app

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/posync/internal/api"
	"github.com/kimhsiao/posync/internal/broadcast"
	"github.com/kimhsiao/posync/internal/catalog"
	"github.com/kimhsiao/posync/internal/config"
	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/logging"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
	"github.com/kimhsiao/posync/internal/sync/delivery"
	"github.com/kimhsiao/posync/internal/sync/queue"
	"github.com/kimhsiao/posync/internal/sync/scheduler"
	"github.com/kimhsiao/posync/internal/telemetry"
)

// App holds every long-lived component of the daemon.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	DB        *db.DB
	Repo      *db.Repository
	Queue     *queue.Queue
	Client    *delivery.Client
	Hub       *broadcast.Hub
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Checkout  *syncpkg.Checkout
	Catalog   *catalog.Cache
	Telemetry *telemetry.Collector
}

// New opens the store, applies migrations and builds the components. The
// scheduler is created but not started.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Get()
	}

	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	repo := db.NewRepository(store.DB)
	stats := telemetry.New()

	client := delivery.New(delivery.Config{
		BaseURL:      cfg.OrderService.BaseURL,
		Timeout:      cfg.OrderService.Timeout.Std(),
		SessionToken: cfg.OrderService.SessionToken,
		HealthPath:   cfg.OrderService.HealthPath,
		Logger:       logger,
	})

	q := queue.New(repo,
		queue.WithLogger(logger),
		queue.WithTelemetry(stats),
		queue.WithDeferredTag(cfg.Sync.DeferredTag),
	)
	hub := broadcast.NewHub(logger)
	engine := syncpkg.NewEngine(q, client, hub, syncpkg.Config{
		PermanentFailureLimit: cfg.Sync.PermanentFailureLimit,
		Logger:                logger,
		Telemetry:             stats,
	})
	sched := scheduler.New(engine, repo, client, &scheduler.Config{
		ProbeInterval:    cfg.Sync.ProbeInterval.Std(),
		FallbackInterval: cfg.Sync.FallbackInterval.Std(),
		ProbeTimeout:     cfg.OrderService.Timeout.Std(),
		Logger:           logger,
	})
	q.BindDeferred(sched, sched.IsOnline)

	cache := catalog.New(client.Resty(), repo, catalog.Config{
		Timeout:    cfg.Catalog.Timeout.Std(),
		MaxAge:     cfg.Catalog.MaxAge.Std(),
		MaxEntries: cfg.Catalog.MaxEntries,
		Prefixes:   cfg.Catalog.Prefixes,
		Logger:     logger,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		DB:        store,
		Repo:      repo,
		Queue:     q,
		Client:    client,
		Hub:       hub,
		Engine:    engine,
		Scheduler: sched,
		Checkout:  syncpkg.NewCheckout(q, client, sched.IsOnline, logger),
		Catalog:   cache,
		Telemetry: stats,
	}, nil
}

// Router returns the HTTP surface, websocket included.
func (a *App) Router(version string) *gin.Engine {
	return api.NewRouter(api.Deps{
		Queue:     a.Queue,
		Checkout:  a.Checkout,
		Sync:      a.Scheduler,
		Engine:    a.Engine,
		Catalog:   a.Catalog,
		Telemetry: a.Telemetry,
		WebSocket: broadcast.NewHandler(a.Hub, a.Scheduler, a.Config.AllowedOrigins, a.Logger),
		Logger:    a.Logger,
		Version:   version,
	})
}

// Close stops the scheduler and releases every resource.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Hub.Close()

	var errs []error
	if err := a.Client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close delivery client: %w", err))
	}
	if err := a.Repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close statements: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// Package app wires together the Addepar client, snapshot store, restriction
// loader, checker, scheduler, and HTTP server into a single orchestrator.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
	"github.com/compliance-checker/compliance-checker/internal/checker"
	"github.com/compliance-checker/compliance-checker/internal/config"
	"github.com/compliance-checker/compliance-checker/internal/restrictions"
	"github.com/compliance-checker/compliance-checker/internal/scheduler"
	"github.com/compliance-checker/compliance-checker/internal/server"
	"github.com/compliance-checker/compliance-checker/internal/store"
)

// App is the main application orchestrator.
type App struct {
	config       *config.Config
	client       *addepar.Client
	checker      *checker.Checker
	restrictions *restrictions.Loader
	scheduler    *scheduler.Scheduler
	queue        *scheduler.TaskQueue
	server       *server.Server
	store        store.Store
	logger       *logrus.Entry
}

// New creates and initialises the application:
//  1. Creates the Addepar client.
//  2. Creates the snapshot store (Redis if configured, otherwise file-backed).
//  3. Creates the restriction workbook loader.
//  4. Creates the checker.
//  5. Registers the background tasks.
//  6. Creates the HTTP server.
func New(cfg *config.Config, logger *logrus.Entry) (*App, error) {
	log := logger.WithField("component", "app")

	// --- 1. Addepar client ---
	client, err := addepar.New(addepar.Options{
		BaseURL:           cfg.Addepar.URL,
		Auth:              cfg.Addepar.Auth,
		FirmID:            cfg.Addepar.FirmID,
		ViewID:            cfg.Addepar.ViewID,
		PortfolioType:     cfg.Addepar.PortfolioType,
		PortfolioID:       cfg.Addepar.PortfolioID,
		StartDate:         cfg.Addepar.StartDate,
		PollInterval:      cfg.Addepar.PollInterval(),
		MaxWait:           cfg.Addepar.MaxWait(),
		CacheTTL:          cfg.Cache.TTL(),
		SubmitAttempts:    cfg.Addepar.SubmitRetries,
		StatusAttempts:    cfg.Addepar.StatusRetries,
		RequestsPerSecond: cfg.Addepar.MaxRequestsPerSecond,
		Burst:             cfg.Addepar.BurstRequestsPerSecond,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating addepar client: %w", err)
	}

	// --- 2. Store ---
	var st store.Store
	if cfg.Redis.URL != "" {
		rs, err := store.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("creating redis store: %w", err)
		}
		st = rs
		log.Info("using Redis snapshot store")
	} else {
		fs, err := store.NewFileStore(cfg.Cache.Dir, cfg.Cache.File)
		if err != nil {
			return nil, fmt.Errorf("creating file store: %w", err)
		}
		st = fs
		log.WithField("path", fs.Path()).Info("using file snapshot store")
	}

	// --- 3. Restriction loader ---
	loader := restrictions.NewLoader(
		cfg.Restrictions.WorkbookPath,
		cfg.Restrictions.Sheet,
		cfg.Restrictions.AccountColumn,
		log,
	)

	// --- 4. Checker ---
	chk := checker.New(client, st, loader, cfg.Checker.AccountColumns, cfg.Cache.TTL(), log)

	// --- 5. Background tasks ---
	sched := scheduler.NewScheduler(log)
	queue := scheduler.NewTaskQueue(64, log)

	// Bootstrap performs the initial loads; the periodic tasks only keep the
	// sources fresh afterwards.
	reloadTask := scheduler.NewTask("workbook-reload", cfg.Restrictions.ReloadInterval(), func(ctx context.Context) error {
		return loader.Reload()
	}, log)
	reloadTask.Immediate = false
	sched.AddTask(reloadTask)

	refreshTask := scheduler.NewTask("refresh-check", cfg.Cache.RefreshCheckInterval(), func(ctx context.Context) error {
		return chk.Refresh(ctx, false)
	}, log)
	refreshTask.Immediate = false
	sched.AddTask(refreshTask)

	// --- 6. HTTP server ---
	srv := server.NewServer(cfg, chk, loader, queue, log)

	return &App{
		config:       cfg,
		client:       client,
		checker:      chk,
		restrictions: loader,
		scheduler:    sched,
		queue:        queue,
		server:       srv,
		store:        st,
		logger:       log,
	}, nil
}

// Checker exposes the checker for the check subcommand.
func (a *App) Checker() *checker.Checker {
	return a.checker
}

// Client exposes the Addepar client for the fetch subcommand.
func (a *App) Client() *addepar.Client {
	return a.client
}

// Restrictions exposes the workbook loader.
func (a *App) Restrictions() *restrictions.Loader {
	return a.restrictions
}

// Bootstrap loads both data sources once: the restriction workbook and the
// client-list snapshot. A failed client-list load is tolerated when a
// previous snapshot or store entry keeps checks answerable.
func (a *App) Bootstrap(ctx context.Context) error {
	if err := a.restrictions.Reload(); err != nil {
		a.logger.WithError(err).Warn("restriction workbook load failed; restriction state will be unknown")
	}
	if err := a.checker.Refresh(ctx, false); err != nil {
		a.logger.WithError(err).Warn("initial client-list load failed")
	}
	return nil
}

// Run starts the background tasks and HTTP server, then blocks until ctx is
// cancelled. On cancellation it performs a graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.Bootstrap(ctx); err != nil {
		return err
	}

	a.scheduler.Start(ctx)

	queueCtx, cancelQueue := context.WithCancel(ctx)
	defer cancelQueue()
	go a.queue.Start(queueCtx)

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	a.server.SetReady(true)
	a.logger.Info("compliance checker is ready")

	<-ctx.Done()

	a.logger.Info("shutting down")

	a.server.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("error during server shutdown")
	}

	a.scheduler.Stop()
	cancelQueue()

	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Error("error closing store")
	}

	return nil
}

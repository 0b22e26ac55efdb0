package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/pds/internal/api"
	"github.com/kiranshivaraju/pds/internal/api/handler"
	mw "github.com/kiranshivaraju/pds/internal/api/middleware"
	"github.com/kiranshivaraju/pds/internal/artifact"
	"github.com/kiranshivaraju/pds/internal/cache"
	"github.com/kiranshivaraju/pds/internal/cancel"
	"github.com/kiranshivaraju/pds/internal/config"
	"github.com/kiranshivaraju/pds/internal/encryption"
	"github.com/kiranshivaraju/pds/internal/execution"
	"github.com/kiranshivaraju/pds/internal/job"
	"github.com/kiranshivaraju/pds/internal/product"
	"github.com/kiranshivaraju/pds/internal/store"
	"github.com/kiranshivaraju/pds/internal/stream"
	"github.com/kiranshivaraju/pds/internal/workspace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// services is everything the HTTP API and the background loops share.
type services struct {
	store     store.Store
	cache     cache.Cache
	jobs      *job.Service
	cancel    *cancel.Service
	streams   *stream.FetchService
	artifacts artifact.Store
	scheduler *execution.Scheduler
	sweeper   *cancel.Sweeper
}

func serve(ctx context.Context, cfg *config.Config) error {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.InfoContext(ctx, "database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.InfoContext(ctx, "database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.InfoContext(ctx, "redis connected")

	artifacts, err := artifact.NewFileSystemStore(cfg.Workspace.StorageRoot)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}
	defer artifacts.Close()

	svc, err := buildServices(cfg, store.NewPostgresStore(pool), redisCache, artifacts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(cfg, svc),
		ReadHeaderTimeout: 15 * time.Second,
		// Stream reads may wait for a worker refresh; uploads may be large.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(gctx, "server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutdown signal received, draining connections")
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error { return svc.scheduler.Run(gctx) })
	g.Go(func() error { return svc.sweeper.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "server stopped gracefully")
	return nil
}

// buildServices wires every service from cfg. No I/O happens here besides
// reading the product catalogue.
func buildServices(cfg *config.Config, st store.Store, c cache.Cache, artifacts artifact.Store) (*services, error) {
	catalogue, err := product.LoadFile(cfg.Products.File)
	if err != nil {
		return nil, fmt.Errorf("load product catalogue: %w", err)
	}
	slog.Info("product catalogue loaded", "products", catalogue.IDs())

	crypto, err := encryption.New(cfg.Encryption.Secret)
	if err != nil {
		return nil, fmt.Errorf("create encryption service: %w", err)
	}

	tx := job.NewTransactionService(st, job.NewRetryExecutor(cfg.Retry.MaxRetries, cfg.Retry.Delay), cfg.Server.ServerID)
	jobs := job.NewService(st, tx, crypto, job.NewCatalogueValidator(catalogue))
	registry := execution.NewRegistry()

	preparer := workspace.NewPreparer(cfg.Workspace.Root, artifacts, catalogue,
		workspace.WithConstraints(workspace.Constraints{
			MaxBytes:   cfg.Workspace.ArchiveMaxBytes,
			MaxEntries: cfg.Workspace.ArchiveMaxEntries,
			MaxDepth:   cfg.Workspace.ArchiveMaxDepth,
			Timeout:    cfg.Workspace.ArchiveTimeout,
		}),
		workspace.WithReadRetry(workspace.NewReadRetryExecutor(cfg.Workspace.StorageReadRetries, cfg.Workspace.StorageReadDelay)),
	)
	runner := execution.NewRunner(jobs, tx, stream.NewUpdateService(jobs, tx), preparer, catalogue, artifacts, registry,
		execution.WithJobTimeout(cfg.Execution.JobTimeout),
		execution.WithWatchInterval(cfg.Stream.RefreshInterval),
	)

	return &services{
		store:     st,
		cache:     c,
		jobs:      jobs,
		cancel:    cancel.NewService(tx),
		artifacts: artifacts,
		streams: stream.NewFetchService(jobs, tx,
			stream.WithCacheWindow(cfg.Stream.CacheWindow),
			stream.WithRefreshPolling(cfg.Stream.RefreshInterval, cfg.Stream.RefreshRetries),
		),
		scheduler: execution.NewScheduler(tx, runner,
			execution.WithMaxConcurrentJobs(cfg.Execution.MaxConcurrentJobs),
			execution.WithPollInterval(cfg.Execution.PollInterval),
		),
		sweeper: cancel.NewSweeper(st, registry, tx,
			cancel.WithOrphanThreshold(cfg.Cancel.OrphanThreshold),
			cancel.WithSchedule(cfg.Cancel.SweepInterval, cfg.Cancel.SweepMaxInitialDelay),
			cancel.WithRetention(cfg.Execution.JobRetention),
		),
	}, nil
}

func newRouter(cfg *config.Config, svc *services) http.Handler {
	jobs := handler.NewJobs(svc.jobs, svc.cancel, svc.streams, svc.artifacts, cfg.Workspace.ArchiveMaxBytes)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(credentials(cfg.Auth)...),
		RateLimit: mw.NewRateLimit(svc.cache, cfg.Redis.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": svc.store,
			"redis":    svc.cache,
		}),

		CreateJob:        jobs.Create,
		UploadArtifact:   jobs.Upload,
		MarkReadyToStart: jobs.MarkReadyToStart,
		CancelJob:        jobs.Cancel,
		JobStatus:        jobs.Status,
		JobResult:        jobs.Result,
		JobMessages:      jobs.Messages,

		AdminJobResult:  jobs.ResultOrFailure,
		AdminOutput:     jobs.OutputStream,
		AdminError:      jobs.ErrorStream,
		AdminMetaData:   jobs.MetaData,
		AdminForceState: jobs.ForceState,
	})
}

func credentials(a config.AuthConfig) []mw.Credential {
	return []mw.Credential{
		{ID: a.UserID, Role: mw.RoleUser, TokenHash: a.UserTokenHash},
		{ID: a.AdminID, Role: mw.RoleAdmin, TokenHash: a.AdminTokenHash},
	}
}

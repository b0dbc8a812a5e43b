// Package server wires the sync server together: metadata store, cloud
// storage backend, lock backend, services and the two periodic jobs that
// apply deferred uploads and sweep stale versions.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/logging"
	"github.com/dmitrijs2005/syncserver/internal/observability"
	"github.com/dmitrijs2005/syncserver/internal/server/accounts"
	"github.com/dmitrijs2005/syncserver/internal/server/cloudstorage"
	"github.com/dmitrijs2005/syncserver/internal/server/config"
	"github.com/dmitrijs2005/syncserver/internal/server/locks"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/users"
	"github.com/dmitrijs2005/syncserver/internal/server/resolvers"
	"github.com/dmitrijs2005/syncserver/internal/server/services"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	redis     *redis.Client
	telemetry *observability.Telemetry

	Sharing      *services.SharingService
	Intake       *services.IntakeService
	Orchestrator *services.OrchestratorService
	Sweeper      *services.SweeperService

	schedulers []*services.Scheduler
}

// NewApp opens the metadata store, migrates it and builds every service.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, err := logging.New(c.Log.Format, c.Log.Level, logging.NewWriter(logging.FileOptions{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}))
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	app, err := newApp(ctx, c, db, m, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return app, nil
}

func newApp(ctx context.Context, c *config.Config, db *sql.DB, m repomanager.RepositoryManager, logger logging.Logger) (*App, error) {
	app := &App{config: c, logger: logger, db: db}

	telemetry, err := observability.Initialize(ctx, observability.Config{
		ServiceName:  c.Telemetry.ServiceName,
		Environment:  c.Telemetry.Environment,
		OTLPEndpoint: c.Telemetry.Endpoint,
		Enabled:      c.Telemetry.Enabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init error: %w", err)
	}
	app.telemetry = telemetry

	metrics, err := observability.NewSyncMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics init error: %w", err)
	}

	credentials, err := newCredentials(ctx, c, m.Users(db), newStorage)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	locker, err := app.newLocker(m)
	if err != nil {
		return nil, fmt.Errorf("locker init error: %w", err)
	}

	registry := resolvers.DefaultRegistry()

	app.Sharing = services.NewSharingService(db, m, c, logger)
	app.Intake = services.NewIntakeService(db, m, app.Sharing, registry, credentials, logger)
	app.Orchestrator = services.NewOrchestratorService(db, m, c, registry, credentials, locker, metrics, logger)
	app.Sweeper = services.NewSweeperService(db, m, c, credentials, metrics, logger)

	app.schedulers = []*services.Scheduler{
		services.NewScheduler("deferred-uploads", c.DeferredUploadInterval, func(ctx context.Context) error {
			_, err := app.Orchestrator.ApplyPending(ctx, c.DeferredUploadBatchLimit)
			return err
		}, logger),
		services.NewScheduler("stale-versions", c.StaleVersionSweepInterval, func(ctx context.Context) error {
			_, err := app.Sweeper.Sweep(ctx)
			return err
		}, logger),
	}

	return app, nil
}

type storageFactory func(ctx context.Context, c *config.Config, backend string) (cloudstorage.CloudStorage, error)

// newCredentials builds the server-wide backend plus one per extra backend
// named in AccountStorage, and routes account types to them.
func newCredentials(ctx context.Context, c *config.Config, users users.Repository, build storageFactory) (*accounts.Resolver, error) {
	built := make(map[string]cloudstorage.CloudStorage)
	get := func(backend string) (cloudstorage.CloudStorage, error) {
		if s, ok := built[backend]; ok {
			return s, nil
		}
		s, err := build(ctx, c, backend)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", backend, err)
		}
		built[backend] = s
		return s, nil
	}

	fallback, err := get(c.StorageBackend)
	if err != nil {
		return nil, err
	}
	credentials := accounts.NewResolver(users, fallback, c.CloudFolderName)

	for accountType, backend := range c.AccountStorage {
		s, err := get(backend)
		if err != nil {
			return nil, err
		}
		credentials.Register(accountType, s)
	}
	return credentials, nil
}

func newStorage(ctx context.Context, c *config.Config, backend string) (cloudstorage.CloudStorage, error) {
	switch backend {
	case config.StorageS3:
		return cloudstorage.NewS3Storage(ctx, c.S3)
	case config.StorageMinIO:
		s, err := cloudstorage.NewMinioStorage(c.MinIO)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageMemory:
		return cloudstorage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func (app *App) newLocker(m repomanager.RepositoryManager) (locks.Locker, error) {
	switch app.config.LockBackend {
	case config.LockDB:
		return locks.NewDBLocker(m.Locks(app.db)), nil
	case config.LockRedis:
		app.redis = locks.NewRedisClient(app.config.Redis)
		return locks.NewRedisLocker(app.redis), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", app.config.LockBackend)
	}
}

// Schedulers exposes the periodic jobs for status reporting.
func (app *App) Schedulers() []*services.Scheduler {
	return app.schedulers
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the periodic jobs and blocks until ctx is cancelled or a
// termination signal arrives, then stops the jobs and releases resources.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.initSignalHandler(cancelFunc)
	app.logger.Info(ctx, "starting sync server",
		"storage_backend", app.config.StorageBackend, "lock_backend", app.config.LockBackend)

	for _, s := range app.schedulers {
		if err := s.Start(ctx); err != nil {
			app.stop()
			return fmt.Errorf("start %s: %w", s.Status().Name, err)
		}
	}

	<-ctx.Done()
	app.logger.Info(context.Background(), "shutting down")
	return app.stop()
}

func (app *App) stop() error {
	for _, s := range app.schedulers {
		s.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, app.telemetry.Shutdown(ctx))
	if app.redis != nil {
		errs = append(errs, app.redis.Close())
	}
	if app.db != nil {
		errs = append(errs, app.db.Close())
	}
	return errors.Join(errs...)
}

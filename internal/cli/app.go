// Package cli implements the statsync command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimhsiao/statsync/internal/cache"
	"github.com/kimhsiao/statsync/internal/config"
	"github.com/kimhsiao/statsync/internal/db"
	"github.com/kimhsiao/statsync/internal/export"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/services"
	syncpkg "github.com/kimhsiao/statsync/internal/sync"
	"github.com/kimhsiao/statsync/internal/sync/conflict"
	"github.com/kimhsiao/statsync/internal/sync/queue"
	"github.com/kimhsiao/statsync/internal/sync/remote"
	"github.com/kimhsiao/statsync/internal/sync/remote/document"
	"github.com/kimhsiao/statsync/internal/sync/remote/relational"
	"github.com/kimhsiao/statsync/internal/sync/scheduler"
	"github.com/kimhsiao/statsync/internal/telemetry"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

var flags globalFlags

// app is one wired instance: local store, sync engine and services.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	monitor *telemetry.Monitor
	manager *syncpkg.Manager
	sched   *scheduler.Scheduler
	svc     *services.DatabaseService
	export  *export.ExportService

	shutdownTracing func(context.Context) error
}

// loadConfig applies the persistent flags on top of the loaded file and
// environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		if cfg.Backup.Dir == filepath.Join(cfg.DataDir, "backups") {
			cfg.Backup.Dir = filepath.Join(flags.dataDir, "backups")
		}
		cfg.DataDir = flags.dataDir
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Commands other than serve log to
// stderr so their output stays parseable.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewWithOptions(logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Output:     os.Stderr,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
}

// buildBackends creates every configured remote backend in priority
// order: relational first, then document.
func buildBackends(cfg *config.Config, logger *logging.Logger) ([]remote.Backend, error) {
	var backends []remote.Backend
	if cfg.RelationalEnabled() {
		c, err := relational.New(relational.Options{
			Name:        "relational",
			URL:         cfg.Relational.URL,
			APIKey:      cfg.Relational.APIKey,
			Schema:      cfg.Relational.Schema,
			RealtimeURL: cfg.Relational.RealtimeURL,
			Timeout:     cfg.Sync.RequestTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("relational backend: %w", err)
		}
		backends = append(backends, c)
	}
	if cfg.DocumentEnabled() {
		c, err := document.New(document.Options{
			Name:      "document",
			URL:       cfg.Document.URL,
			ProjectID: cfg.Document.ProjectID,
			APIKey:    cfg.Document.APIKey,
			FeedURL:   cfg.Document.FeedURL,
			Timeout:   cfg.Sync.RequestTimeout,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("document backend: %w", err)
		}
		backends = append(backends, c)
	}
	return backends, nil
}

// openApp wires the full stack from configuration. Nothing is started.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("Tracing disabled", map[string]interface{}{"error": err.Error()})
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return nil, err
	}
	backends, err := buildBackends(cfg, logger)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	repo := db.NewRepository(database, db.WithQueueLimit(cfg.Sync.OfflineQueueLimit))
	monitor := telemetry.NewMonitor(cfg.Telemetry.MaxMetrics, logger)
	entityCache := cache.New[*models.Entity](cache.Options{
		MaxSize:         cfg.Cache.MaxSize,
		DefaultTTL:      cfg.Cache.TTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		EncryptionKey:   cfg.Cache.EncryptionKey,
		Recorder:        monitor,
		Logger:          logger,
	})

	q := queue.NewSyncQueue(repo, queue.Options{
		MaxRetries: cfg.Sync.RetryAttempts,
		Retention:  cfg.Sync.CompletedRetention,
	}, logger)
	resolver := conflict.NewResolver(strategy, repo, logger, conflict.WithRecorder(monitor))

	var tables []string
	if cfg.Sync.Realtime {
		tables = cfg.Sync.Tables
	}
	manager := syncpkg.NewManager(repo, q, resolver, backends, syncpkg.Options{
		Tables:         tables,
		RequestTimeout: cfg.Sync.RequestTimeout,
		Cache:          entityCache,
		Monitor:        monitor,
		Logger:         logger,
	})
	sched := scheduler.NewScheduler(manager, q.NotEmpty(), &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval,
	}, logger)

	svc, err := services.NewDatabaseService(services.Deps{
		DB:        database,
		Repo:      repo,
		Manager:   manager,
		Cache:     entityCache,
		Monitor:   monitor,
		Scheduler: sched,
		Logger:    logger,
		CacheTTL:  cfg.Cache.TTL,
	})
	if err != nil {
		repo.Close()
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		monitor:         monitor,
		manager:         manager,
		sched:           sched,
		svc:             svc,
		shutdownTracing: shutdown,
	}
	a.export = export.NewExportService(svc, export.Config{
		Dir:        cfg.Backup.Dir,
		Password:   cfg.Backup.Password,
		MaxBackups: cfg.Backup.MaxBackups,
	}, logger)
	return a, nil
}

// Close stops everything openApp created.
func (a *app) Close() error {
	err := a.svc.Close()
	if a.shutdownTracing != nil {
		a.shutdownTracing(context.Background())
	}
	a.logger.Close()
	return err
}

// withApp opens the stack, runs fn and closes it again.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

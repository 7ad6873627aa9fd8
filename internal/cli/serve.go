package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/statsync/internal/config"
	backupscheduler "github.com/kimhsiao/statsync/internal/export/scheduler"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/statushub"
	"github.com/kimhsiao/statsync/internal/sync/conflict"
)

// ServeCmd returns the serve command.
func ServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with the local status server",
		Long: `Run realtime reconciliation, the periodic queue drain, automatic backups
and the status server until interrupted. When --config is given, changes to
the conflict strategy, log level and backup interval apply without restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, func(a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				return serve(ctx, a, addr)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "status server listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, a *app, addr string) error {
	hub := statushub.NewHub(a.logger)
	a.manager.SetEventHandler(hub)
	server := statushub.NewServer(addr, a.svc, hub, a.logger)

	backups := backupscheduler.NewScheduler(a.export, backupConfig(a.cfg), a.logger)

	if err := a.svc.Start(ctx); err != nil {
		return err
	}
	backups.Start(ctx)
	defer backups.Stop()

	a.logger.Info("statsync daemon running", map[string]interface{}{
		"data_dir": a.cfg.DataDir,
		"backends": a.manager.Targets(),
		"addr":     addr,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if flags.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, flags.configPath,
				func(cfg *config.Config) { applyReload(gctx, a, backups, cfg) },
				func(err error) { a.logger.Warn("Config reload failed", map[string]interface{}{"error": err.Error()}) },
			)
		})
	}
	return g.Wait()
}

func backupConfig(cfg *config.Config) backupscheduler.SchedulerConfig {
	if !cfg.Backup.Enabled {
		return backupscheduler.SchedulerConfig{}
	}
	return backupscheduler.SchedulerConfig{Interval: cfg.Backup.Interval}
}

// applyReload applies the settings that can change at runtime. Anything
// else in the file needs a restart.
func applyReload(ctx context.Context, a *app, backups *backupscheduler.Scheduler, cfg *config.Config) {
	if cfg.Sync.ConflictStrategy != a.cfg.Sync.ConflictStrategy {
		if strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy); err == nil {
			a.svc.SetConflictStrategy(strategy)
			a.cfg.Sync.ConflictStrategy = cfg.Sync.ConflictStrategy
		}
	}
	if cfg.Log.Level != a.cfg.Log.Level && flags.logLevel == "" {
		a.logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
		a.cfg.Log.Level = cfg.Log.Level
	}
	if cfg.Backup != a.cfg.Backup {
		a.cfg.Backup.Enabled = cfg.Backup.Enabled
		a.cfg.Backup.Interval = cfg.Backup.Interval
		backups.UpdateConfig(ctx, backupConfig(a.cfg))
	}
	a.logger.Info("Configuration reloaded", map[string]interface{}{
		"conflict_strategy": a.cfg.Sync.ConflictStrategy,
		"log_level":         a.cfg.Log.Level,
	})
}

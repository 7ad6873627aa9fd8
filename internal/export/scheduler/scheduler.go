// Package scheduler provides automatic backup scheduling.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/statsync/internal/export"
	"github.com/kimhsiao/statsync/internal/logging"
)

// Backupper is the part of the export service the scheduler drives.
// CreateBackup applies the retention policy itself.
type Backupper interface {
	CreateBackup(ctx context.Context, description string) (*export.BackupManifest, error)
}

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval      time.Duration // Zero or negative disables automatic backups
	BackupOnStart bool          // Take a backup as soon as the scheduler starts
}

// Scheduler manages automatic backups.
type Scheduler struct {
	service Backupper
	logger  *logging.Logger

	mu       sync.Mutex
	config   SchedulerConfig
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	last     *export.BackupManifest
	lastErr  error
	lastTime time.Time
}

// NewScheduler creates a new backup scheduler.
func NewScheduler(service Backupper, config SchedulerConfig, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		service: service,
		config:  config,
		logger:  logger.With("backup-scheduler"),
	}
}

// Start begins automatic backups. It is a no-op in manual mode or when
// already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	cfg := s.config
	if cfg.Interval <= 0 {
		s.mu.Unlock()
		s.logger.Info("Backup scheduler in manual mode, automatic backups disabled", nil)
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, cfg, stopCh)

	s.logger.Info("Backup scheduler started", map[string]interface{}{
		"interval": cfg.Interval.String(),
		"on_start": cfg.BackupOnStart,
	})
}

func (s *Scheduler) loop(ctx context.Context, cfg SchedulerConfig, stopCh <-chan struct{}) {
	defer s.wg.Done()

	if cfg.BackupOnStart {
		s.RunOnce(ctx)
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts down the scheduler and waits for a running backup.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Backup scheduler stopped", nil)
}

// RunOnce takes one backup and records the outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (*export.BackupManifest, error) {
	m, err := s.service.CreateBackup(ctx, "")

	s.mu.Lock()
	s.lastTime = time.Now()
	s.lastErr = err
	if err == nil {
		s.last = m
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled backup failed", err)
		return nil, err
	}
	return m, nil
}

// UpdateConfig replaces the configuration, restarting the loop when it was
// running.
func (s *Scheduler) UpdateConfig(ctx context.Context, config SchedulerConfig) {
	s.mu.Lock()
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning {
		s.Stop()
	}
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
	if wasRunning {
		s.Start(ctx)
	}
}

// GetConfig returns the current scheduler configuration.
func (s *Scheduler) GetConfig() SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running    bool
	LastBackup *export.BackupManifest
	LastRun    *time.Time
	LastError  error
}

// GetStatus returns the current status.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, LastBackup: s.last, LastError: s.lastErr}
	if !s.lastTime.IsZero() {
		t := s.lastTime
		st.LastRun = &t
	}
	return st
}

// Package scheduler drives queue drains in the background: on a fixed
// interval and shortly after new work is enqueued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/statsync/internal/logging"
	syncpkg "github.com/kimhsiao/statsync/internal/sync"
)

// Drainer is the part of the sync manager the scheduler drives.
type Drainer interface {
	SyncToRemote(ctx context.Context) (*syncpkg.SyncResult, error)
	Online(ctx context.Context) bool
}

// Scheduler manages background drains.
type Scheduler struct {
	drainer      Drainer
	signal       <-chan struct{}
	syncInterval time.Duration
	debounce     time.Duration
	drainTimeout time.Duration
	logger       *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastSyncTime    time.Time
	lastResult      *syncpkg.SyncResult
	drainInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // Periodic drain interval (default: 30 seconds)
	Debounce     time.Duration // Delay after an enqueue signal, coalescing bursts (default: 200ms)
	DrainTimeout time.Duration // Upper bound for one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
		Debounce:     200 * time.Millisecond,
		DrainTimeout: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. signal is typically the queue's
// NotEmpty channel and may be nil.
func NewScheduler(drainer Drainer, signal <-chan struct{}, config *SchedulerConfig, logger *logging.Logger) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Scheduler{
		drainer:      drainer,
		signal:       signal,
		syncInterval: config.SyncInterval,
		debounce:     config.Debounce,
		drainTimeout: config.DrainTimeout,
		logger:       logger.With("scheduler"),
		stopCh:       make(chan struct{}),
		isOnline:     true, // Assume online initially
	}
}

// Start starts the background loops. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stopCh)
	go s.queueSignalLoop(ctx, stopCh)

	s.logger.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.syncInterval.String(),
	})
}

// Stop stops the background loops and waits for a running drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runDrain(ctx, "interval")
		}
	}
}

// queueSignalLoop drains shortly after work is enqueued. Signals that
// arrive during the debounce window are folded into one drain.
func (s *Scheduler) queueSignalLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	if s.signal == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.signal:
		}

		if s.debounce > 0 {
			timer := time.NewTimer(s.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		s.runDrain(ctx, "enqueue")
	}
}

// runDrain checks the backends and drains when any is reachable. Drains
// while every backend is down would only burn retry budget.
func (s *Scheduler) runDrain(ctx context.Context, trigger string) {
	online := s.drainer.Online(ctx)
	s.setOnline(online)
	if !online {
		s.logger.Debug("Skipping drain - no backend reachable", map[string]interface{}{"trigger": trigger})
		return
	}
	if _, err := s.drain(ctx, trigger); err != nil {
		s.logger.Error("Background drain failed", err, map[string]interface{}{"trigger": trigger})
	}
}

func (s *Scheduler) drain(ctx context.Context, trigger string) (*syncpkg.SyncResult, error) {
	s.mu.Lock()
	s.drainInProgress = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.drainInProgress = false
		s.mu.Unlock()
	}()

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drainer.SyncToRemote(drainCtx)
	if err != nil {
		return result, err
	}
	if result.Skipped {
		return result, nil
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	if result.Processed > 0 {
		s.logger.Debug("Background drain completed", map[string]interface{}{
			"trigger":   trigger,
			"completed": result.Completed,
			"failed":    result.Failed,
			"deferred":  result.Deferred,
		})
	}
	return result, nil
}

func (s *Scheduler) setOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = online
	s.mu.Unlock()

	if wasOnline != online {
		s.logger.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  online,
		})
	}
}

// TriggerSync starts a drain in the background. It returns false when a
// drain is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	busy := s.drainInProgress
	s.mu.RUnlock()
	if busy {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDrain(ctx, "manual")
	}()
	return true
}

// SyncNow drains immediately and waits for completion, regardless of the
// last reachability check.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return s.drain(ctx, "manual")
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool
	IsOnline        bool
	LastSyncTime    *time.Time
	LastResult      *syncpkg.SyncResult
	DrainInProgress bool
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		LastResult:      s.lastResult,
		DrainInProgress: s.drainInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline reports the result of the last reachability check.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

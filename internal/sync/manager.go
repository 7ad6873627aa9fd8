// Package sync propagates local changes to the remote backends and
// reconciles the changes they push back.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/statsync/internal/cache"
	"github.com/kimhsiao/statsync/internal/db"
	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/keylock"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/sync/conflict"
	"github.com/kimhsiao/statsync/internal/sync/queue"
	"github.com/kimhsiao/statsync/internal/sync/remote"
	"github.com/kimhsiao/statsync/internal/telemetry"
)

// SyncStatus is the state of the outbound drain.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultPingTimeout    = 3 * time.Second
	inboundBuffer         = 128
)

// SyncResult summarises one drain. Skipped is set when another drain was
// already running.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Skipped   bool          `json:"skipped"`
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Exhausted int           `json:"exhausted"`
	Deferred  int           `json:"deferred"`
	Purged    int64         `json:"purged"`
	Error     string        `json:"error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Tables are subscribed to on Start.
	Tables         []string
	RequestTimeout time.Duration
	PingTimeout    time.Duration
	Cache          *cache.Cache[*models.Entity]
	Locker         *keylock.Locker
	Monitor        *telemetry.Monitor
	Logger         *logging.Logger
}

// Manager owns the outbound drain and the inbound reconciliation loops.
type Manager struct {
	repo     *db.Repository
	queue    *queue.SyncQueue
	resolver *conflict.Resolver
	backends map[string]remote.Backend
	order    []remote.Backend

	tables         []string
	requestTimeout time.Duration
	pingTimeout    time.Duration
	cache          *cache.Cache[*models.Entity]
	locker         *keylock.Locker
	monitor        *telemetry.Monitor
	logger         *logging.Logger

	inFlight atomic.Bool

	mu       sync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	handler  SyncEventHandler

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager over the local store, the durable queue,
// the resolver and the configured backends.
func NewManager(repo *db.Repository, q *queue.SyncQueue, resolver *conflict.Resolver, backends []remote.Backend, opts Options) *Manager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.Locker == nil {
		opts.Locker = keylock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	m := &Manager{
		repo:           repo,
		queue:          q,
		resolver:       resolver,
		backends:       make(map[string]remote.Backend, len(backends)),
		order:          backends,
		tables:         opts.Tables,
		requestTimeout: opts.RequestTimeout,
		pingTimeout:    opts.PingTimeout,
		cache:          opts.Cache,
		locker:         opts.Locker,
		monitor:        opts.Monitor,
		logger:         opts.Logger.With("sync"),
		status:         SyncStatusIdle,
	}
	for _, b := range backends {
		m.backends[b.Name()] = b
	}
	return m
}

// Targets returns the names of all configured backends, the target list
// of every new operation.
func (m *Manager) Targets() []string {
	return remote.Names(m.order)
}

// Queue returns the durable queue.
func (m *Manager) Queue() *queue.SyncQueue {
	return m.queue
}

// Resolver returns the conflict resolver.
func (m *Manager) Resolver() *conflict.Resolver {
	return m.resolver
}

// Locker returns the per-entity lock shared with local writers.
func (m *Manager) Locker() *keylock.Locker {
	return m.locker
}

// Status returns the drain state.
func (m *Manager) Status() SyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastSync returns when the last drain finished without a local error.
func (m *Manager) LastSync() *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

// LastError returns the error of the last drain, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// SetEventHandler registers the receiver of sync notifications. A nil
// handler disables them.
func (m *Manager) SetEventHandler(handler SyncEventHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *Manager) emit(typ EventType, data map[string]interface{}) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Sync event handler panicked", fmt.Errorf("%v", r), map[string]interface{}{"event": typ})
		}
	}()
	h.OnSyncEvent(SyncEvent{Type: typ, Timestamp: time.Now(), Data: data})
}

// Online reports whether any backend is reachable.
func (m *Manager) Online(ctx context.Context) bool {
	return remote.AnyReachable(ctx, m.order, m.pingTimeout)
}

// QueueStatus counts queued operations by state.
func (m *Manager) QueueStatus(ctx context.Context) (models.QueueStatus, error) {
	return m.queue.Status(ctx)
}

// FailedOperations lists failed operations, oldest first.
func (m *Manager) FailedOperations(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	return m.queue.Failed(ctx, limit)
}

// RetryFailed gives every failed operation a fresh retry budget.
func (m *Manager) RetryFailed(ctx context.Context) (int64, error) {
	return m.queue.RetryAll(ctx)
}

// FetchRemote returns the record from the first backend that has it.
func (m *Manager) FetchRemote(ctx context.Context, table, id string) (*models.Entity, error) {
	var errs []error
	for _, b := range m.order {
		fctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
		e, err := b.Fetch(fctx, table, id)
		cancel()
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	if len(errs) > 0 {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("fetch %s/%s", table, id), errors.Join(errs...))
	}
	return nil, models.ErrNotFound
}

func (m *Manager) invalidate(table, id string) {
	if _, err := m.cache.InvalidatePattern(cache.EntityPattern(table, id)); err != nil {
		m.logger.Warn("Cache invalidation failed", map[string]interface{}{"table": table, "id": id, "error": err.Error()})
	}
}

// Package services provides the DatabaseService, the single entry point
// CRUD callers use. It hides the local store, cache and sync manager
// behind one offline-first API.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kimhsiao/statsync/internal/cache"
	"github.com/kimhsiao/statsync/internal/db"
	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/keylock"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
	syncpkg "github.com/kimhsiao/statsync/internal/sync"
	"github.com/kimhsiao/statsync/internal/sync/conflict"
	"github.com/kimhsiao/statsync/internal/sync/scheduler"
	"github.com/kimhsiao/statsync/internal/telemetry"
	"github.com/kimhsiao/statsync/internal/uuid"
)

// failedOperationsLimit bounds the failures listed in a status report.
const failedOperationsLimit = 20

// Deps are the components a DatabaseService coordinates. Repo and Manager
// are required; the rest is optional. DB, when set, is closed by Close.
type Deps struct {
	DB        *db.DB
	Repo      *db.Repository
	Manager   *syncpkg.Manager
	Cache     *cache.Cache[*models.Entity]
	Monitor   *telemetry.Monitor
	Scheduler *scheduler.Scheduler
	Logger    *logging.Logger
	// CacheTTL overrides the cache default for entity entries.
	CacheTTL time.Duration
}

// DatabaseService coordinates the local store, cache and sync manager.
type DatabaseService struct {
	database  *db.DB
	repo      *db.Repository
	manager   *syncpkg.Manager
	cache     *cache.Cache[*models.Entity]
	monitor   *telemetry.Monitor
	scheduler *scheduler.Scheduler
	locker    *keylock.Locker
	logger    *logging.Logger
	cacheTTL  time.Duration
	now       func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// SyncStatusReport is the operator view of replication health.
type SyncStatusReport struct {
	Status           syncpkg.SyncStatus      `json:"status"`
	Online           bool                    `json:"online"`
	Backends         []string                `json:"backends"`
	LastSync         *time.Time              `json:"last_sync,omitempty"`
	LastError        string                  `json:"last_error,omitempty"`
	Queue            models.QueueStatus      `json:"queue"`
	PendingConflicts int                     `json:"pending_conflicts"`
	FailedOperations []*models.SyncOperation `json:"failed_operations,omitempty"`
}

// NewDatabaseService creates a DatabaseService.
func NewDatabaseService(deps Deps) (*DatabaseService, error) {
	if deps.Repo == nil || deps.Manager == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "database service requires a repository and a sync manager")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &DatabaseService{
		database:  deps.DB,
		repo:      deps.Repo,
		manager:   deps.Manager,
		cache:     deps.Cache,
		monitor:   deps.Monitor,
		scheduler: deps.Scheduler,
		locker:    deps.Manager.Locker(),
		logger:    deps.Logger.With("database_service"),
		cacheTTL:  deps.CacheTTL,
		now:       time.Now,
	}, nil
}

// Start runs the background parts: the realtime subscriptions, the
// periodic drain and the cache sweep.
func (s *DatabaseService) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}
	s.cache.Start(ctx)
	s.logger.Info("Database service started", map[string]interface{}{"backends": s.manager.Targets()})
	return nil
}

// instrument wraps one operation in a span and a latency measurement.
func (s *DatabaseService) instrument(ctx context.Context, name, table string, fn func(ctx context.Context) error) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "db."+name, attribute.String("table", table))
	defer func() { telemetry.EndSpan(span, err) }()

	metric := name
	if table != "" {
		metric = name + "_" + table
	}
	return s.monitor.Measure(metric, func() error { return fn(ctx) })
}

func (s *DatabaseService) cacheEntity(table string, e *models.Entity) {
	s.cache.Set(cache.EntityKey(table, e.ID), e.Clone(), s.cacheTTL)
}

func (s *DatabaseService) cachedEntity(table, id string) (*models.Entity, bool) {
	e, ok := s.cache.Get(cache.EntityKey(table, id))
	if !ok || e == nil {
		return nil, false
	}
	return e.Clone(), true
}

// domainFields drops reserved keys from caller data.
func domainFields(data map[string]any) models.Fields {
	out := make(models.Fields, len(data))
	for k, v := range data {
		if models.IsMetadataField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (s *DatabaseService) newOperation(table string, op models.OperationType, e *models.Entity) *models.SyncOperation {
	return &models.SyncOperation{
		EntityType:      table,
		EntityID:        e.ID,
		Operation:       op,
		Data:            e.Clone(),
		TargetDatabases: s.manager.Targets(),
	}
}

// Create stores a new entity and queues it for every backend. It needs no
// connectivity.
func (s *DatabaseService) Create(ctx context.Context, table string, data map[string]any) (*models.Entity, error) {
	var created *models.Entity
	err := s.instrument(ctx, "create", table, func(ctx context.Context) error {
		if err := db.ValidateTableName(table); err != nil {
			return err
		}
		now := models.Timestamp(s.now())
		e := &models.Entity{
			ID:         uuid.New(),
			CreatedAt:  now,
			UpdatedAt:  now,
			Version:    1,
			SyncStatus: models.SyncStatusPending,
			Fields:     domainFields(data),
		}
		e.Touch()

		unlock := s.locker.Lock(keylock.Key(table, e.ID))
		defer unlock()

		if err := s.repo.WithTx(ctx, func(tx *db.Tx) error {
			if err := tx.Insert(ctx, table, e); err != nil {
				return err
			}
			return tx.AddToSyncQueue(ctx, s.newOperation(table, models.OperationCreate, e))
		}); err != nil {
			return err
		}
		s.manager.Queue().Signal()
		s.cacheEntity(table, e)
		created = e
		return nil
	})
	if err != nil {
		s.logger.Error("Create failed", err, map[string]interface{}{"table": table})
		return nil, err
	}
	s.logger.Debug("Entity created", map[string]interface{}{"table": table, "id": created.ID})
	return created, nil
}

// FindByID looks the entity up in the cache, then the local store, then,
// when a backend is reachable, the remotes. A remote hit is stored locally
// as synced.
func (s *DatabaseService) FindByID(ctx context.Context, table, id string) (*models.Entity, error) {
	var found *models.Entity
	err := s.instrument(ctx, "findById", table, func(ctx context.Context) error {
		if e, ok := s.cachedEntity(table, id); ok {
			found = e
			return nil
		}

		e, err := s.repo.FindByID(ctx, table, id)
		if err == nil {
			s.cacheEntity(table, e)
			found = e
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		localErr := err

		if !s.manager.Online(ctx) {
			return localErr
		}
		remote, err := s.manager.FetchRemote(ctx, table, id)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				s.logger.Warn("Remote lookup failed", map[string]interface{}{"table": table, "id": id, "error": err.Error()})
			}
			return localErr
		}
		adopted, err := s.adoptRemote(ctx, table, remote)
		if err != nil {
			return err
		}
		s.cacheEntity(table, adopted)
		found = adopted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// adoptRemote stores a fetched record unless a local copy appeared
// meanwhile, in which case the local copy wins.
func (s *DatabaseService) adoptRemote(ctx context.Context, table string, remote *models.Entity) (*models.Entity, error) {
	unlock := s.locker.Lock(keylock.Key(table, remote.ID))
	defer unlock()

	if local, err := s.repo.FindByID(ctx, table, remote.ID); err == nil {
		return local, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	e := remote.Clone()
	e.SyncStatus = models.SyncStatusSynced
	e.Touch()
	if err := s.repo.Save(ctx, table, e); err != nil {
		return nil, err
	}
	s.logger.Debug("Adopted remote entity", map[string]interface{}{"table": table, "id": e.ID})
	return e, nil
}

// FindAll lists local entities matching every condition by equality.
func (s *DatabaseService) FindAll(ctx context.Context, table string, conditions map[string]any) ([]*models.Entity, error) {
	var out []*models.Entity
	err := s.instrument(ctx, "findAll", table, func(ctx context.Context) error {
		var err error
		out, err = s.repo.FindAll(ctx, table, conditions)
		return err
	})
	return out, err
}

// Update applies partial to an existing entity, advancing its version by
// one, and queues the new snapshot.
func (s *DatabaseService) Update(ctx context.Context, table, id string, partial map[string]any) (*models.Entity, error) {
	var updated *models.Entity
	err := s.instrument(ctx, "update", table, func(ctx context.Context) error {
		unlock := s.locker.Lock(keylock.Key(table, id))
		defer unlock()

		fields := domainFields(partial)
		err := s.repo.WithTx(ctx, func(tx *db.Tx) error {
			e, err := tx.FindByID(ctx, table, id)
			if err != nil {
				return err
			}
			for k, v := range fields {
				e.Set(k, v)
			}
			now := models.Timestamp(s.now())
			if !now.After(e.UpdatedAt) {
				now = e.UpdatedAt.Add(time.Millisecond)
			}
			e.UpdatedAt = now
			e.Version++
			e.SyncStatus = models.SyncStatusPending
			e.Touch()

			if err := tx.Save(ctx, table, e); err != nil {
				return err
			}
			if err := tx.AddToSyncQueue(ctx, s.newOperation(table, models.OperationUpdate, e)); err != nil {
				return err
			}
			updated = e
			return nil
		})
		if err != nil {
			return err
		}
		s.manager.Queue().Signal()
		s.cacheEntity(table, updated)
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("Update failed", err, map[string]interface{}{"table": table, "id": id})
		}
		return nil, err
	}
	return updated, nil
}

// Delete queues a delete carrying the last snapshot and then removes the
// local row, both in one transaction.
func (s *DatabaseService) Delete(ctx context.Context, table, id string) error {
	err := s.instrument(ctx, "delete", table, func(ctx context.Context) error {
		unlock := s.locker.Lock(keylock.Key(table, id))
		defer unlock()

		err := s.repo.WithTx(ctx, func(tx *db.Tx) error {
			e, err := tx.FindByID(ctx, table, id)
			if err != nil {
				return err
			}
			if err := tx.AddToSyncQueue(ctx, s.newOperation(table, models.OperationDelete, e)); err != nil {
				return err
			}
			return tx.Delete(ctx, table, id)
		})
		if err != nil {
			return err
		}
		s.manager.Queue().Signal()
		s.cache.Delete(cache.EntityKey(table, id))
		return nil
	})
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("Delete failed", err, map[string]interface{}{"table": table, "id": id})
	}
	return err
}

// ForceSync drains the queue now.
func (s *DatabaseService) ForceSync(ctx context.Context) (*syncpkg.SyncResult, error) {
	var res *syncpkg.SyncResult
	err := s.instrument(ctx, "forceSync", "", func(ctx context.Context) error {
		var err error
		if s.scheduler != nil {
			res, err = s.scheduler.SyncNow(ctx)
		} else {
			res, err = s.manager.SyncToRemote(ctx)
		}
		return err
	})
	return res, err
}

// GetSyncStatus reports the drain state, queue counters and failures
// awaiting an operator.
func (s *DatabaseService) GetSyncStatus(ctx context.Context) (*SyncStatusReport, error) {
	qs, err := s.manager.QueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.manager.Resolver().PendingConflicts(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := s.manager.FailedOperations(ctx, failedOperationsLimit)
	if err != nil {
		return nil, err
	}

	report := &SyncStatusReport{
		Status:           s.manager.Status(),
		Online:           s.manager.Online(ctx),
		Backends:         s.manager.Targets(),
		LastSync:         s.manager.LastSync(),
		Queue:            qs,
		PendingConflicts: len(pending),
		FailedOperations: failed,
	}
	if lastErr := s.manager.LastError(); lastErr != nil {
		report.LastError = lastErr.Error()
	}
	return report, nil
}

// RetryFailedSync resets every failed operation to pending with a fresh
// retry budget and returns how many were reset.
func (s *DatabaseService) RetryFailedSync(ctx context.Context) (int64, error) {
	var n int64
	err := s.instrument(ctx, "retryFailedSync", "", func(ctx context.Context) error {
		var err error
		n, err = s.manager.RetryFailed(ctx)
		return err
	})
	return n, err
}

// GetPendingConflicts lists conflicts awaiting a manual decision.
func (s *DatabaseService) GetPendingConflicts(ctx context.Context) ([]*models.ConflictResolution, error) {
	return s.manager.Resolver().PendingConflicts(ctx)
}

// ResolveConflict applies an operator decision: the chosen data replaces
// the local copy with a version past both sides and is queued for every
// backend, or the entity is deleted when the chosen side is absent.
func (s *DatabaseService) ResolveConflict(ctx context.Context, id string, choice conflict.Choice, custom map[string]any) (*models.ConflictResolution, error) {
	var res *models.ConflictResolution
	err := s.instrument(ctx, "resolveConflict", "", func(ctx context.Context) error {
		var customEntity *models.Entity
		if custom != nil {
			customEntity = &models.Entity{Fields: domainFields(custom)}
		}
		var err error
		res, err = s.manager.ResolveConflict(ctx, id, choice, customEntity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ConflictStatistics aggregates the conflict history.
func (s *DatabaseService) ConflictStatistics(ctx context.Context) (models.ConflictStats, error) {
	return s.manager.Resolver().Statistics(ctx)
}

// SetConflictStrategy switches the resolver strategy at runtime.
func (s *DatabaseService) SetConflictStrategy(strategy conflict.Strategy) {
	s.manager.Resolver().SetStrategy(strategy)
}

// GetPerformanceMetrics returns the monitor report.
func (s *DatabaseService) GetPerformanceMetrics() telemetry.Report {
	if s.monitor == nil {
		return telemetry.Report{Trends: map[string][]float64{}, Alerts: []string{}}
	}
	return s.monitor.Report()
}

// GetCacheStats returns the cache counters.
func (s *DatabaseService) GetCacheStats() cache.Stats {
	return s.cache.Stats()
}

// GetStorageInfo reports record counts and the on-disk footprint.
func (s *DatabaseService) GetStorageInfo(ctx context.Context) (*db.StorageInfo, error) {
	return s.repo.GetStorageInfo(ctx)
}

// Tables lists the entity tables present in the local store.
func (s *DatabaseService) Tables(ctx context.Context) ([]string, error) {
	return s.repo.Tables(ctx)
}

// Vacuum compacts the local store.
func (s *DatabaseService) Vacuum(ctx context.Context) error {
	return s.instrument(ctx, "vacuum", "", s.repo.Vacuum)
}

// ClearCache drops every cached entry.
func (s *DatabaseService) ClearCache() {
	s.cache.Clear()
	s.logger.Info("Cache cleared")
}

// Close stops the background parts and closes the local store. Calls
// after the first return the first result.
func (s *DatabaseService) Close() error {
	s.closeOnce.Do(func() {
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		s.manager.Stop()
		s.cache.Close()
		if err := s.repo.Close(); err != nil {
			s.closeErr = fmt.Errorf("close prepared statements: %w", err)
			return
		}
		if s.database != nil {
			if err := s.database.Close(); err != nil {
				s.closeErr = fmt.Errorf("close local store: %w", err)
				return
			}
		}
		s.logger.Info("Database service closed")
	})
	return s.closeErr
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/keylock"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/telemetry"
)

// SyncToRemote drains the queue once. Only one drain runs at a time; a
// call made while another is running returns a skipped result. Backend
// failures stay in the queue and are reported in the result; only local
// store failures are returned as errors.
func (m *Manager) SyncToRemote(ctx context.Context) (*SyncResult, error) {
	if len(m.order) == 0 {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote backends configured")
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("Drain already in progress, skipping")
		return &SyncResult{Skipped: true}, nil
	}
	defer m.inFlight.Store(false)

	ctx, span := telemetry.StartSpan(ctx, "sync.drain")
	result := &SyncResult{StartTime: time.Now()}
	m.setStatus(SyncStatusSyncing)
	m.emit(EventSyncStarted, nil)

	err := m.drain(ctx, result)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	m.monitor.RecordSyncDuration(result.Duration)
	if qs, qerr := m.queue.Status(ctx); qerr == nil {
		m.monitor.RecordOfflineQueueSize(qs.Pending + qs.Processing + qs.Failed)
	}

	data := map[string]interface{}{
		"processed":   result.Processed,
		"completed":   result.Completed,
		"failed":      result.Failed,
		"exhausted":   result.Exhausted,
		"deferred":    result.Deferred,
		"duration_ms": result.Duration.Milliseconds(),
	}

	m.mu.Lock()
	switch {
	case err != nil:
		m.status = SyncStatusFailed
		m.lastErr = err
		result.Error = err.Error()
	case result.Failed > 0:
		m.status = SyncStatusIdle
		m.lastErr = apperrors.Newf(apperrors.ErrSyncFailed, "%d of %d operations failed", result.Failed, result.Processed)
		end := result.EndTime
		m.lastSync = &end
	default:
		m.status = SyncStatusIdle
		m.lastErr = nil
		end := result.EndTime
		m.lastSync = &end
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Drain failed", err, data)
		m.emit(EventSyncFailed, data)
	} else {
		if result.Processed > 0 {
			m.logger.Info("Drain finished", data)
		}
		m.emit(EventSyncCompleted, data)
	}
	telemetry.EndSpan(span, err)
	return result, err
}

func (m *Manager) setStatus(s SyncStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) drain(ctx context.Context, result *SyncResult) error {
	if err := m.queue.Prepare(ctx); err != nil {
		return err
	}
	ops, err := m.queue.Pending(ctx)
	if err != nil {
		return err
	}

	// An entity whose operation failed keeps its later operations queued
	// so they never overtake it. Operations past the retry bound stay
	// failed across drains and hold their entity until an operator
	// retries them.
	held, err := m.exhaustedEntities(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := keylock.Key(op.EntityType, op.EntityID)
		if seq, ok := held[key]; ok && op.Seq > seq {
			result.Deferred++
			continue
		}
		result.Processed++

		ok, exhausted, err := m.process(ctx, op)
		if err != nil {
			return err
		}
		if ok {
			result.Completed++
			continue
		}
		result.Failed++
		if _, ok := held[key]; !ok {
			held[key] = op.Seq
		}
		if exhausted {
			result.Exhausted++
		}
	}

	purged, err := m.queue.Purge(ctx)
	if err != nil {
		return err
	}
	result.Purged = purged
	return nil
}

// exhaustedEntities maps every entity with a failed operation left after
// Prepare to the enqueue sequence of its oldest such operation.
func (m *Manager) exhaustedEntities(ctx context.Context) (map[string]int64, error) {
	failed, err := m.queue.Failed(ctx, 0)
	if err != nil {
		return nil, err
	}
	held := make(map[string]int64, len(failed))
	for _, op := range failed {
		key := keylock.Key(op.EntityType, op.EntityID)
		if seq, ok := held[key]; !ok || op.Seq < seq {
			held[key] = op.Seq
		}
	}
	return held, nil
}

// process delivers op to every target concurrently. The operation
// completes only when all targets acknowledge; targets that did
// acknowledge are dropped from the retry.
func (m *Manager) process(ctx context.Context, op *models.SyncOperation) (ok, exhausted bool, err error) {
	if err := m.queue.Begin(ctx, op); err != nil {
		return false, false, err
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)
	for _, name := range op.TargetDatabases {
		g.Go(func() error {
			if err := m.push(ctx, name, op); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		if err := m.queue.Complete(ctx, op); err != nil {
			return false, false, err
		}
		m.afterDelivery(ctx, op)
		return true, false, nil
	}

	remaining := make([]string, 0, len(failed))
	errs := make([]error, 0, len(failed))
	for _, name := range op.TargetDatabases {
		if ferr, ok := failed[name]; ok {
			remaining = append(remaining, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, ferr))
		}
	}
	cause := errors.Join(errs...)
	exhausted, err = m.queue.Fail(ctx, op, remaining, cause)
	if err != nil {
		return false, false, err
	}
	if exhausted {
		m.markEntity(ctx, op, models.SyncStatusError)
	}
	m.emit(EventOperationFailed, map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"targets":      remaining,
		"retry_count":  op.RetryCount,
		"exhausted":    exhausted,
		"error":        cause.Error(),
	})
	return false, exhausted, nil
}

// push sends op to one backend. Create and update are upserts and delete
// is by id, so a replay after a lost acknowledgement is harmless.
func (m *Manager) push(ctx context.Context, name string, op *models.SyncOperation) (err error) {
	b, ok := m.backends[name]
	if !ok {
		return apperrors.Newf(apperrors.ErrSyncNotConfigured, "unknown backend %q", name)
	}
	ctx, span := telemetry.StartSpan(ctx, "sync.push",
		attribute.String("backend", name),
		attribute.String("operation", string(op.Operation)),
		attribute.String("entity_type", op.EntityType),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	switch op.Operation {
	case models.OperationCreate, models.OperationUpdate:
		if op.Data == nil {
			return apperrors.Newf(apperrors.ErrInvalid, "operation %s has no snapshot", op.ID)
		}
		return b.Upsert(ctx, op.EntityType, op.Data)
	case models.OperationDelete:
		return b.Delete(ctx, op.EntityType, op.EntityID)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op.Operation)
	}
}

// afterDelivery marks the entity synced when the delivered snapshot is
// still its current content.
func (m *Manager) afterDelivery(ctx context.Context, op *models.SyncOperation) {
	if op.Operation == models.OperationDelete {
		return
	}
	m.markEntity(ctx, op, models.SyncStatusSynced)
}

// markEntity sets the sync status of the entity op was built from, as
// long as the local copy still carries that snapshot.
func (m *Manager) markEntity(ctx context.Context, op *models.SyncOperation, status models.SyncStatus) {
	if op.Data == nil || op.Operation == models.OperationDelete {
		return
	}
	unlock := m.locker.Lock(keylock.Key(op.EntityType, op.EntityID))
	defer unlock()

	local, err := m.repo.FindByID(ctx, op.EntityType, op.EntityID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			m.logger.Error("Failed to load entity after delivery", err, map[string]interface{}{
				"entity_type": op.EntityType,
				"entity_id":   op.EntityID,
			})
		}
		return
	}
	if local.SyncStatus == status || local.SyncStatus == models.SyncStatusConflict {
		return
	}
	if models.ComputeChecksum(local) != models.ComputeChecksum(op.Data) {
		return
	}
	local.SyncStatus = status
	if err := m.repo.Save(ctx, op.EntityType, local); err != nil {
		m.logger.Error("Failed to update entity sync status", err, map[string]interface{}{
			"entity_type": op.EntityType,
			"entity_id":   op.EntityID,
			"status":      status,
		})
		return
	}
	m.invalidate(op.EntityType, op.EntityID)
}

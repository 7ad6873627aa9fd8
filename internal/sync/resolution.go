package sync

import (
	"context"
	"errors"

	"github.com/kimhsiao/statsync/internal/db"
	"github.com/kimhsiao/statsync/internal/keylock"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/sync/conflict"
)

func conflictInput(table string, local, incoming *models.Entity, typ models.ConflictType) conflict.Input {
	return conflict.Input{
		EntityType: table,
		EntityID:   local.ID,
		Local:      local,
		Remote:     incoming,
		Type:       typ,
	}
}

// applyResolved stores a resolved copy. When it differs from what the
// remote sent (or the remote sent nothing) an update is queued in the
// same transaction so every backend converges on it. A nil resolved copy
// deletes the entity. A non-nil record runs first in that transaction.
func (m *Manager) applyResolved(ctx context.Context, table string, resolved, incoming, local *models.Entity, record func(tx *db.Tx) error) error {
	if resolved == nil {
		return m.applyDeletion(ctx, table, local, record)
	}

	needsPush := incoming == nil || models.ComputeChecksum(resolved) != models.ComputeChecksum(incoming)
	e := resolved.Clone()
	if needsPush {
		e.SyncStatus = models.SyncStatusPending
	} else {
		e.SyncStatus = models.SyncStatusSynced
	}

	err := m.repo.WithTx(ctx, func(tx *db.Tx) error {
		if record != nil {
			if err := record(tx); err != nil {
				return err
			}
		}
		if err := tx.Save(ctx, table, e); err != nil {
			return err
		}
		if !needsPush {
			return nil
		}
		return tx.AddToSyncQueue(ctx, &models.SyncOperation{
			EntityType:      table,
			EntityID:        e.ID,
			Operation:       models.OperationUpdate,
			Data:            e.Clone(),
			TargetDatabases: m.Targets(),
		})
	})
	if err != nil {
		return err
	}
	if needsPush {
		m.queue.Signal()
	}
	m.invalidate(table, e.ID)
	return nil
}

// applyDeletion removes the local copy and queues the delete with its
// last snapshot. A non-nil record runs first in the same transaction.
func (m *Manager) applyDeletion(ctx context.Context, table string, snapshot *models.Entity, record func(tx *db.Tx) error) error {
	if snapshot == nil {
		return nil
	}
	id := snapshot.ID
	err := m.repo.WithTx(ctx, func(tx *db.Tx) error {
		if record != nil {
			if err := record(tx); err != nil {
				return err
			}
		}
		current, err := tx.FindByID(ctx, table, id)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.AddToSyncQueue(ctx, &models.SyncOperation{
			EntityType:      table,
			EntityID:        id,
			Operation:       models.OperationDelete,
			Data:            current,
			TargetDatabases: m.Targets(),
		}); err != nil {
			return err
		}
		return tx.Delete(ctx, table, id)
	})
	if err != nil {
		return err
	}
	m.queue.Signal()
	m.invalidate(table, id)
	return nil
}

// ResolveConflict applies an operator decision for a pending conflict:
// the chosen copy replaces the local one and is queued for every
// backend, or the entity is deleted when the chosen side is absent. The
// decision, the local write and the queue entry commit together.
func (m *Manager) ResolveConflict(ctx context.Context, id string, choice conflict.Choice, custom *models.Entity) (*models.ConflictResolution, error) {
	pending, err := m.repo.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.locker.Lock(keylock.Key(pending.EntityType, pending.EntityID))
	defer unlock()

	res, err := m.resolver.Decide(ctx, id, choice, custom)
	if err != nil {
		return nil, err
	}
	record := func(tx *db.Tx) error {
		return tx.MarkConflictResolved(ctx, id, res.ResolutionStrategy, res.ResolvedData, res.ResolvedBy, *res.ResolvedAt)
	}

	snapshot := res.LocalData
	if snapshot == nil {
		snapshot = &models.Entity{ID: res.EntityID}
	}
	if err := m.applyResolved(ctx, res.EntityType, res.ResolvedData, nil, snapshot, record); err != nil {
		m.logger.Error("Failed to apply conflict resolution", err, map[string]interface{}{
			"conflict_id": id,
			"entity_type": res.EntityType,
			"entity_id":   res.EntityID,
		})
		return nil, err
	}
	m.resolver.Resolved(res, choice)

	m.emit(EventConflictResolved, map[string]interface{}{
		"conflict_id": id,
		"table":       res.EntityType,
		"id":          res.EntityID,
		"choice":      choice,
		"deleted":     res.ResolvedData == nil,
	})
	return res, nil
}

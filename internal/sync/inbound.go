package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/keylock"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/sync/remote"
	"github.com/kimhsiao/statsync/internal/telemetry"
)

// Start subscribes to every configured table on every backend. Events of
// one table are reconciled sequentially, in delivery order per backend.
// Start returns once the subscriptions are established; Stop ends them.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return apperrors.New(apperrors.ErrInvalid, "sync manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, table := range m.tables {
		events := make(chan remote.ChangeEvent, inboundBuffer)
		var forwarders sync.WaitGroup

		for _, b := range m.order {
			feed, err := b.Subscribe(runCtx, table)
			if err != nil {
				cancel()
				m.wg.Wait()
				return apperrors.Wrap(apperrors.ErrSyncFailed, "subscribe "+b.Name()+"/"+table, err)
			}
			forwarders.Add(1)
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				defer forwarders.Done()
				for ev := range feed {
					select {
					case events <- ev:
					case <-runCtx.Done():
						return
					}
				}
			}()
		}

		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			forwarders.Wait()
			close(events)
		}()
		go func() {
			defer m.wg.Done()
			m.reconcileLoop(runCtx, table, events)
		}()
	}

	m.cancel = cancel
	m.logger.Info("Realtime reconciliation started", map[string]interface{}{
		"tables":   m.tables,
		"backends": m.Targets(),
	})
	return nil
}

// Stop ends the subscriptions and waits for the reconcile loops.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Manager) reconcileLoop(ctx context.Context, table string, events <-chan remote.ChangeEvent) {
	for ev := range events {
		if ctx.Err() != nil {
			continue
		}
		if err := m.HandleChange(ctx, ev); err != nil {
			m.logger.Error("Failed to reconcile remote change", err, map[string]interface{}{
				"table":   table,
				"backend": ev.Backend,
				"type":    ev.Type,
			})
		}
	}
}

// HandleChange reconciles one pushed change with the local store.
//
// An insert is adopted when there is no local copy and is a data
// conflict otherwise. An update is adopted when there is no local copy,
// applied when it is exactly one version ahead and is a version conflict
// otherwise. A delete is ignored without a local copy, is a delete
// conflict when the local copy has unsent changes and is applied
// otherwise. Changes identical to the local copy, or to a snapshot this
// client sent itself, are echoes and ignored.
//
// A local copy awaiting a conflict decision counts as unsent: updates
// and deletes against it always open a new conflict, which supersedes
// the pending one.
func (m *Manager) HandleChange(ctx context.Context, ev remote.ChangeEvent) (err error) {
	if ev.Record == nil || ev.Record.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "change without record id")
	}
	table, id := ev.Table, ev.Record.ID

	unlock := m.locker.Lock(keylock.Key(table, id))
	defer unlock()

	ctx, span := telemetry.StartSpan(ctx, "sync.inbound",
		attribute.String("backend", ev.Backend),
		attribute.String("table", table),
		attribute.String("change", string(ev.Type)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	local, err := m.repo.FindByID(ctx, table, id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		local = nil
	case err != nil:
		return err
	}
	incoming := ev.Record

	switch ev.Type {
	case remote.ChangeInsert, remote.ChangeUpdate:
		if local == nil {
			return m.adopt(ctx, ev)
		}
		echo, err := m.isEcho(ctx, table, local, incoming)
		if err != nil || echo {
			return err
		}
		if ev.Type == remote.ChangeInsert {
			return m.reconcile(ctx, table, local, incoming, models.ConflictTypeData)
		}
		if incoming.Version == local.Version+1 && local.SyncStatus != models.SyncStatusConflict {
			return m.adopt(ctx, ev)
		}
		return m.reconcile(ctx, table, local, incoming, models.ConflictTypeVersion)

	case remote.ChangeDelete:
		if local == nil {
			return nil
		}
		unsent, err := m.hasUnsentChanges(ctx, table, local)
		if err != nil {
			return err
		}
		if unsent {
			return m.reconcile(ctx, table, local, nil, models.ConflictTypeDelete)
		}
		if err := m.repo.Delete(ctx, table, id); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		m.invalidate(table, id)
		m.logger.Debug("Applied remote delete", map[string]interface{}{"table": table, "id": id, "backend": ev.Backend})
		m.emit(EventRemoteChange, map[string]interface{}{"table": table, "id": id, "type": ev.Type, "backend": ev.Backend})
		return nil

	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown change type %q", ev.Type)
	}
}

// hasUnsentChanges reports whether the local copy holds work the
// backends have not acknowledged.
func (m *Manager) hasUnsentChanges(ctx context.Context, table string, e *models.Entity) (bool, error) {
	switch e.SyncStatus {
	case models.SyncStatusPending, models.SyncStatusError, models.SyncStatusConflict:
		return true, nil
	}
	return m.repo.HasUnfinishedOperations(ctx, table, e.ID)
}

// isEcho reports whether incoming carries content this client already
// has: the current local copy, or a snapshot it queued earlier.
func (m *Manager) isEcho(ctx context.Context, table string, local, incoming *models.Entity) (bool, error) {
	sum := models.ComputeChecksum(incoming)
	if sum == models.ComputeChecksum(local) {
		return true, nil
	}
	if incoming.Version > local.Version {
		return false, nil
	}
	ops, err := m.repo.ListOperationsForEntity(ctx, table, local.ID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Data != nil && models.ComputeChecksum(op.Data) == sum {
			return true, nil
		}
	}
	return false, nil
}

// adopt stores the pushed record as the synced local copy.
func (m *Manager) adopt(ctx context.Context, ev remote.ChangeEvent) error {
	e := ev.Record.Clone()
	e.SyncStatus = models.SyncStatusSynced
	e.Touch()
	if err := m.repo.Save(ctx, ev.Table, e); err != nil {
		return err
	}
	m.invalidate(ev.Table, e.ID)
	m.logger.Debug("Applied remote change", map[string]interface{}{
		"table":   ev.Table,
		"id":      e.ID,
		"type":    ev.Type,
		"version": e.Version,
		"backend": ev.Backend,
	})
	m.emit(EventRemoteChange, map[string]interface{}{
		"table":   ev.Table,
		"id":      e.ID,
		"type":    ev.Type,
		"backend": ev.Backend,
	})
	return nil
}

// reconcile records a conflict and applies its resolution. The caller
// holds the entity lock.
func (m *Manager) reconcile(ctx context.Context, table string, local, incoming *models.Entity, typ models.ConflictType) error {
	res, err := m.resolver.Resolve(ctx, conflictInput(table, local, incoming, typ))
	if err != nil {
		return err
	}
	if local.SyncStatus == models.SyncStatusConflict {
		n, err := m.repo.SupersedeConflicts(ctx, table, local.ID, res.ID, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			m.logger.Info("Superseded pending conflicts", map[string]interface{}{
				"table":       table,
				"id":          local.ID,
				"conflict_id": res.ID,
				"superseded":  n,
			})
		}
	}
	m.emit(EventConflictDetected, map[string]interface{}{
		"conflict_id":   res.ID,
		"table":         table,
		"id":            local.ID,
		"conflict_type": typ,
		"strategy":      res.ResolutionStrategy,
		"resolved":      res.IsResolved(),
	})
	if !res.IsResolved() {
		return m.markConflict(ctx, table, local)
	}
	return m.applyResolved(ctx, table, res.ResolvedData, incoming, local, nil)
}

func (m *Manager) markConflict(ctx context.Context, table string, local *models.Entity) error {
	e := local.Clone()
	e.SyncStatus = models.SyncStatusConflict
	if err := m.repo.Save(ctx, table, e); err != nil {
		return err
	}
	m.invalidate(table, e.ID)
	return nil
}

// Package queue manages the durable sync queue: drain preparation, state
// transitions, the retry bound and retention.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
)

// Defaults applied to zero Options fields.
const (
	DefaultMaxRetries = 3
	DefaultRetention  = 24 * time.Hour
)

// Store is the durable backing of the queue. *db.Repository implements it.
type Store interface {
	AddToSyncQueue(ctx context.Context, op *models.SyncOperation) error
	GetPendingOperations(ctx context.Context) ([]*models.SyncOperation, error)
	ListOperations(ctx context.Context, status models.OperationStatus, limit int) ([]*models.SyncOperation, error)
	GetOperation(ctx context.Context, id string) (*models.SyncOperation, error)
	UpdateOperationStatus(ctx context.Context, id string, status models.OperationStatus, errMsg string) error
	UpdateOperationTargets(ctx context.Context, id string, targets []string) error
	RequeueFailed(ctx context.Context, maxRetries int) (int64, error)
	ResetFailed(ctx context.Context) (int64, error)
	ResetProcessing(ctx context.Context) (int64, error)
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStatus(ctx context.Context, maxRetries int) (models.QueueStatus, error)
}

// Options configures a SyncQueue.
type Options struct {
	MaxRetries int
	Retention  time.Duration
}

// SyncQueue applies the retry policy on top of a Store.
type SyncQueue struct {
	store      Store
	maxRetries int
	retention  time.Duration
	logger     *logging.Logger
	now        func() time.Time
	notEmpty   chan struct{}
}

// NewSyncQueue creates a SyncQueue.
func NewSyncQueue(store Store, opts Options, logger *logging.Logger) *SyncQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &SyncQueue{
		store:      store,
		maxRetries: opts.MaxRetries,
		retention:  opts.Retention,
		logger:     logger.With("sync_queue"),
		now:        time.Now,
		notEmpty:   make(chan struct{}, 1),
	}
}

// MaxRetries returns the retry bound.
func (q *SyncQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends op and signals waiters.
func (q *SyncQueue) Enqueue(ctx context.Context, op *models.SyncOperation) error {
	if err := q.store.AddToSyncQueue(ctx, op); err != nil {
		return err
	}
	q.logger.Debug("Enqueued operation", map[string]interface{}{
		"operation_id": op.ID,
		"operation":    op.Operation,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
	})
	q.Signal()
	return nil
}

// Signal notes that new work was written, for example by a transaction
// that appended to the queue directly.
func (q *SyncQueue) Signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// NotEmpty delivers a value after work has been enqueued. Signals
// coalesce while nobody is receiving.
func (q *SyncQueue) NotEmpty() <-chan struct{} {
	return q.notEmpty
}

// Prepare readies the queue for a drain: operations left in processing
// by an interrupted drain and failures under the retry bound go back to
// pending.
func (q *SyncQueue) Prepare(ctx context.Context) error {
	stale, err := q.store.ResetProcessing(ctx)
	if err != nil {
		return err
	}
	requeued, err := q.store.RequeueFailed(ctx, q.maxRetries)
	if err != nil {
		return err
	}
	if stale > 0 || requeued > 0 {
		q.logger.Info("Queue prepared for drain", map[string]interface{}{
			"stale_processing": stale,
			"requeued_failed":  requeued,
		})
	}
	return nil
}

// Pending returns pending operations in enqueue order.
func (q *SyncQueue) Pending(ctx context.Context) ([]*models.SyncOperation, error) {
	return q.store.GetPendingOperations(ctx)
}

// Begin marks op as processing.
func (q *SyncQueue) Begin(ctx context.Context, op *models.SyncOperation) error {
	if err := q.store.UpdateOperationStatus(ctx, op.ID, models.OperationStatusProcessing, ""); err != nil {
		return err
	}
	op.Status = models.OperationStatusProcessing
	return nil
}

// Complete marks op as completed.
func (q *SyncQueue) Complete(ctx context.Context, op *models.SyncOperation) error {
	if err := q.store.UpdateOperationStatus(ctx, op.ID, models.OperationStatusCompleted, ""); err != nil {
		return err
	}
	op.Status = models.OperationStatusCompleted
	q.logger.Debug("Completed operation", map[string]interface{}{"operation_id": op.ID})
	return nil
}

// Fail marks op as failed, keeping only the targets that did not
// acknowledge. It reports whether op has reached the retry bound.
func (q *SyncQueue) Fail(ctx context.Context, op *models.SyncOperation, remaining []string, cause error) (exhausted bool, err error) {
	if len(remaining) > 0 && len(remaining) < len(op.TargetDatabases) {
		if err := q.store.UpdateOperationTargets(ctx, op.ID, remaining); err != nil {
			return false, err
		}
		op.TargetDatabases = remaining
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.UpdateOperationStatus(ctx, op.ID, models.OperationStatusFailed, msg); err != nil {
		return false, err
	}
	op.Status = models.OperationStatusFailed
	op.RetryCount++
	op.ErrorMessage = msg

	exhausted = op.RetryCount >= q.maxRetries
	ctxFields := map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"retry":        fmt.Sprintf("%d/%d", op.RetryCount, q.maxRetries),
		"targets":      op.TargetDatabases,
	}
	if exhausted {
		q.logger.Error("Operation failed permanently", cause, ctxFields)
	} else {
		q.logger.Warn("Operation failed, will retry on next drain", ctxFields)
	}
	return exhausted, nil
}

// RetryAll resets every failed operation to pending with a fresh retry
// budget and returns how many were reset.
func (q *SyncQueue) RetryAll(ctx context.Context) (int64, error) {
	n, err := q.store.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("Reset failed operations for retry", map[string]interface{}{"count": n})
		q.Signal()
	}
	return n, nil
}

// Purge deletes completed operations older than the retention window.
func (q *SyncQueue) Purge(ctx context.Context) (int64, error) {
	n, err := q.store.PurgeCompleted(ctx, q.now().Add(-q.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Debug("Purged completed operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Status counts operations by state.
func (q *SyncQueue) Status(ctx context.Context) (models.QueueStatus, error) {
	return q.store.QueueStatus(ctx, q.maxRetries)
}

// Failed lists failed operations, oldest first.
func (q *SyncQueue) Failed(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	return q.store.ListOperations(ctx, models.OperationStatusFailed, limit)
}

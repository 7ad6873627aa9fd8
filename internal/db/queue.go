package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/uuid"
)

const operationColumns = "seq, id, entity_type, entity_id, operation, data, timestamp, status, retry_count, error_message, target_databases, updated_at"

func scanOperation(s rowScanner) (*models.SyncOperation, error) {
	var (
		op                   models.SyncOperation
		operation, status    string
		data                 sql.NullString
		timestamp, updatedAt int64
		targets              string
	)
	if err := s.Scan(&op.Seq, &op.ID, &op.EntityType, &op.EntityID, &operation, &data, &timestamp,
		&status, &op.RetryCount, &op.ErrorMessage, &targets, &updatedAt); err != nil {
		return nil, err
	}
	op.Operation = models.OperationType(operation)
	op.Status = models.OperationStatus(status)
	op.Timestamp = fromNanos(timestamp)
	op.UpdatedAt = fromNanos(updatedAt)
	if data.Valid && data.String != "" && data.String != "null" {
		var e models.Entity
		if err := json.Unmarshal([]byte(data.String), &e); err != nil {
			return nil, fmt.Errorf("corrupt snapshot in operation %s: %w", op.ID, err)
		}
		op.Data = &e
	}
	if err := json.Unmarshal([]byte(targets), &op.TargetDatabases); err != nil {
		return nil, fmt.Errorf("corrupt targets in operation %s: %w", op.ID, err)
	}
	return &op, nil
}

func (r *Repository) addToSyncQueue(ctx context.Context, run *runner, op *models.SyncOperation) error {
	if op == nil || op.EntityType == "" || op.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation requires entity type and id")
	}
	switch op.Operation {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op.Operation)
	}

	if r.queueLimit > 0 {
		var open int
		err := run.queryRow(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status != 'completed'`).Scan(&open)
		if err != nil {
			return dbErr("count queue", err)
		}
		if open >= r.queueLimit {
			return apperrors.Newf(apperrors.ErrQueueFull, "sync queue holds %d unfinished operations (limit %d)", open, r.queueLimit)
		}
	}

	now := r.now()
	if op.ID == "" {
		op.ID = uuid.NewOrdered()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}
	if op.Status == "" {
		op.Status = models.OperationStatusPending
	}
	if op.TargetDatabases == nil {
		op.TargetDatabases = []string{}
	}
	op.UpdatedAt = now

	var data any
	if op.Data != nil {
		encoded, err := json.Marshal(op.Data)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "snapshot is not JSON encodable", err)
		}
		data = string(encoded)
	}
	targets, err := json.Marshal(op.TargetDatabases)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "targets are not JSON encodable", err)
	}

	res, err := run.exec(ctx, `INSERT INTO sync_queue
		(id, entity_type, entity_id, operation, data, timestamp, status, retry_count, error_message, target_databases, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EntityType, op.EntityID, string(op.Operation), data, toNanos(op.Timestamp),
		string(op.Status), op.RetryCount, op.ErrorMessage, string(targets), toNanos(now))
	if err != nil {
		return dbErr("enqueue operation", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		op.Seq = seq
	}
	return nil
}

// AddToSyncQueue appends an operation to the durable queue.
func (r *Repository) AddToSyncQueue(ctx context.Context, op *models.SyncOperation) error {
	return r.addToSyncQueue(ctx, r.direct(), op)
}

// GetPendingOperations returns all pending operations in enqueue order.
func (r *Repository) GetPendingOperations(ctx context.Context) ([]*models.SyncOperation, error) {
	return r.ListOperations(ctx, models.OperationStatusPending, 0)
}

// ListOperations returns operations with the given status (all when
// status is empty) in enqueue order. A positive limit caps the result.
func (r *Repository) ListOperations(ctx context.Context, status models.OperationStatus, limit int) ([]*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.direct().query(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list operations", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, dbErr("scan operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate operations", err)
	}
	return ops, nil
}

// ListOperationsForEntity returns the queue history of one entity.
func (r *Repository) ListOperationsForEntity(ctx context.Context, table, id string) ([]*models.SyncOperation, error) {
	rows, err := r.direct().query(ctx,
		`SELECT `+operationColumns+` FROM sync_queue WHERE entity_type = ? AND entity_id = ? ORDER BY seq`, table, id)
	if err != nil {
		return nil, dbErr("list entity operations", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, dbErr("scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetOperation returns one queued operation.
func (r *Repository) GetOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := scanOperation(r.direct().queryRow(ctx, `SELECT `+operationColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sync_queue", id)
	}
	if err != nil {
		return nil, dbErr("get operation", err)
	}
	return op, nil
}

// UpdateOperationStatus transitions an operation. Moving to failed
// increments retry_count and records errMsg.
func (r *Repository) UpdateOperationStatus(ctx context.Context, id string, status models.OperationStatus, errMsg string) error {
	query := `UPDATE sync_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`
	if status == models.OperationStatusFailed {
		query = `UPDATE sync_queue SET status = ?, error_message = ?, updated_at = ?, retry_count = retry_count + 1 WHERE id = ?`
	}
	res, err := r.direct().exec(ctx, query, string(status), errMsg, toNanos(r.now()), id)
	if err != nil {
		return dbErr("update operation status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("sync_queue", id)
	}
	return nil
}

// UpdateOperationTargets replaces the set of backends still to reach.
func (r *Repository) UpdateOperationTargets(ctx context.Context, id string, targets []string) error {
	if targets == nil {
		targets = []string{}
	}
	encoded, err := json.Marshal(targets)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "targets are not JSON encodable", err)
	}
	res, err := r.direct().exec(ctx, `UPDATE sync_queue SET target_databases = ?, updated_at = ? WHERE id = ?`,
		string(encoded), toNanos(r.now()), id)
	if err != nil {
		return dbErr("update operation targets", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("sync_queue", id)
	}
	return nil
}

// RequeueFailed moves failed operations below the retry bound back to
// pending and returns how many were moved.
func (r *Repository) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	res, err := r.direct().exec(ctx,
		`UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'failed' AND retry_count < ?`,
		toNanos(r.now()), maxRetries)
	if err != nil {
		return 0, dbErr("requeue failed operations", err)
	}
	return res.RowsAffected()
}

// ResetFailed moves every failed operation back to pending with a fresh
// retry budget.
func (r *Repository) ResetFailed(ctx context.Context) (int64, error) {
	res, err := r.direct().exec(ctx,
		`UPDATE sync_queue SET status = 'pending', retry_count = 0, error_message = '', updated_at = ? WHERE status = 'failed'`,
		toNanos(r.now()))
	if err != nil {
		return 0, dbErr("reset failed operations", err)
	}
	return res.RowsAffected()
}

// ResetProcessing returns operations left in processing by an
// interrupted drain to pending.
func (r *Repository) ResetProcessing(ctx context.Context) (int64, error) {
	res, err := r.direct().exec(ctx,
		`UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'processing'`, toNanos(r.now()))
	if err != nil {
		return 0, dbErr("reset processing operations", err)
	}
	return res.RowsAffected()
}

// PurgeCompleted deletes completed operations last touched before cutoff.
func (r *Repository) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.direct().exec(ctx,
		`DELETE FROM sync_queue WHERE status = 'completed' AND updated_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, dbErr("purge completed operations", err)
	}
	return res.RowsAffected()
}

// QueueStatus counts operations by state. Failed operations at or above
// maxRetries are reported as exhausted.
func (r *Repository) QueueStatus(ctx context.Context, maxRetries int) (models.QueueStatus, error) {
	var qs models.QueueStatus
	now := r.now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	err := r.direct().queryRow(ctx, `SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' AND retry_count >= ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' AND updated_at >= ? THEN 1 ELSE 0 END), 0)
		FROM sync_queue`, maxRetries, toNanos(startOfDay)).
		Scan(&qs.Pending, &qs.Processing, &qs.Failed, &qs.Exhausted, &qs.CompletedToday)
	if err != nil {
		return qs, dbErr("queue status", err)
	}
	return qs, nil
}

// HasUnfinishedOperations reports whether an entity has queued work that
// has not completed.
func (r *Repository) HasUnfinishedOperations(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := r.direct().queryRow(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ? AND status != 'completed'`, table, id).Scan(&n)
	if err != nil {
		return false, dbErr("check entity operations", err)
	}
	return n > 0, nil
}

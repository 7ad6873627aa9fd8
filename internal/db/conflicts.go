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

const conflictColumns = "id, entity_type, entity_id, conflict_type, local_data, remote_data, resolution_strategy, resolved_data, resolved_at, resolved_by, created_at"

func encodeSnapshot(e *models.Entity) (any, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeSnapshot(s sql.NullString) (*models.Entity, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var e models.Entity
	if err := json.Unmarshal([]byte(s.String), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanConflict(s rowScanner) (*models.ConflictResolution, error) {
	var (
		c                       models.ConflictResolution
		conflictType, strategy  string
		local, remote, resolved sql.NullString
		resolvedAt              sql.NullInt64
		createdAt               int64
	)
	if err := s.Scan(&c.ID, &c.EntityType, &c.EntityID, &conflictType, &local, &remote, &strategy,
		&resolved, &resolvedAt, &c.ResolvedBy, &createdAt); err != nil {
		return nil, err
	}
	c.ConflictType = models.ConflictType(conflictType)
	c.ResolutionStrategy = models.ResolutionStrategy(strategy)
	c.CreatedAt = fromNanos(createdAt)
	if resolvedAt.Valid {
		t := fromNanos(resolvedAt.Int64)
		c.ResolvedAt = &t
	}

	var err error
	if c.LocalData, err = decodeSnapshot(local); err != nil {
		return nil, fmt.Errorf("corrupt local snapshot in conflict %s: %w", c.ID, err)
	}
	if c.RemoteData, err = decodeSnapshot(remote); err != nil {
		return nil, fmt.Errorf("corrupt remote snapshot in conflict %s: %w", c.ID, err)
	}
	if c.ResolvedData, err = decodeSnapshot(resolved); err != nil {
		return nil, fmt.Errorf("corrupt resolved snapshot in conflict %s: %w", c.ID, err)
	}
	return &c, nil
}

// SaveConflict inserts or replaces a conflict record.
func (r *Repository) SaveConflict(ctx context.Context, c *models.ConflictResolution) error {
	if c.ID == "" {
		c.ID = uuid.NewOrdered()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}

	local, err := encodeSnapshot(c.LocalData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "local snapshot is not JSON encodable", err)
	}
	remote, err := encodeSnapshot(c.RemoteData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "remote snapshot is not JSON encodable", err)
	}
	resolved, err := encodeSnapshot(c.ResolvedData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "resolved snapshot is not JSON encodable", err)
	}
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = toNanos(*c.ResolvedAt)
	}

	_, err = r.direct().exec(ctx, `INSERT OR REPLACE INTO conflict_resolutions (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityType, c.EntityID, string(c.ConflictType), local, remote,
		string(c.ResolutionStrategy), resolved, resolvedAt, c.ResolvedBy, toNanos(c.CreatedAt))
	if err != nil {
		return dbErr("save conflict", err)
	}
	return nil
}

// GetConflict returns one conflict record.
func (r *Repository) GetConflict(ctx context.Context, id string) (*models.ConflictResolution, error) {
	c, err := scanConflict(r.direct().queryRow(ctx, `SELECT `+conflictColumns+` FROM conflict_resolutions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrConflictNotFound, "conflict "+id, models.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get conflict", err)
	}
	return c, nil
}

// ListPendingConflicts returns unresolved conflicts, oldest first.
func (r *Repository) ListPendingConflicts(ctx context.Context) ([]*models.ConflictResolution, error) {
	return r.listConflicts(ctx, `SELECT `+conflictColumns+` FROM conflict_resolutions
		WHERE resolved_at IS NULL ORDER BY created_at, id`)
}

// ListConflicts returns conflict history, newest first.
func (r *Repository) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictResolution, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listConflicts(ctx, `SELECT `+conflictColumns+` FROM conflict_resolutions
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (r *Repository) listConflicts(ctx context.Context, query string, args ...any) ([]*models.ConflictResolution, error) {
	rows, err := r.direct().query(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictResolution
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, dbErr("scan conflict", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate conflicts", err)
	}
	return out, nil
}

// MarkConflictResolved records a decision for a pending conflict. The
// update only applies while the conflict is still pending, so two
// concurrent resolutions cannot both succeed.
func (r *Repository) MarkConflictResolved(ctx context.Context, id string, strategy models.ResolutionStrategy,
	resolved *models.Entity, resolvedBy string, at time.Time) error {
	return r.markConflictResolved(ctx, r.direct(), id, strategy, resolved, resolvedBy, at)
}

func (r *Repository) markConflictResolved(ctx context.Context, run *runner, id string, strategy models.ResolutionStrategy,
	resolved *models.Entity, resolvedBy string, at time.Time) error {
	data, err := encodeSnapshot(resolved)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "resolved snapshot is not JSON encodable", err)
	}
	res, err := run.exec(ctx, `UPDATE conflict_resolutions
		SET resolution_strategy = ?, resolved_data = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`,
		string(strategy), data, toNanos(at), resolvedBy, id)
	if err != nil {
		return dbErr("resolve conflict", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		if err := run.queryRow(ctx, `SELECT COUNT(*) FROM conflict_resolutions WHERE id = ?`, id).Scan(&exists); err != nil {
			return dbErr("resolve conflict", err)
		}
		if exists == 0 {
			return apperrors.Wrap(apperrors.ErrConflictNotFound, "conflict "+id, models.ErrNotFound)
		}
		return apperrors.Newf(apperrors.ErrInvalid, "conflict %s is already resolved", id)
	}
	return nil
}

// SupersedeConflicts closes the pending conflicts of one entity other
// than keepID. A newer conflict for the entity replaces them.
func (r *Repository) SupersedeConflicts(ctx context.Context, table, id, keepID string, at time.Time) (int64, error) {
	res, err := r.direct().exec(ctx, `UPDATE conflict_resolutions
		SET resolved_at = ?, resolved_by = ?
		WHERE entity_type = ? AND entity_id = ? AND id != ? AND resolved_at IS NULL`,
		toNanos(at), models.ResolvedBySuperseded, table, id, keepID)
	if err != nil {
		return 0, dbErr("supersede conflicts", err)
	}
	return res.RowsAffected()
}

// ConflictStats aggregates the conflict history.
func (r *Repository) ConflictStats(ctx context.Context) (models.ConflictStats, error) {
	stats := models.ConflictStats{
		ByType:     map[models.ConflictType]int{},
		ByStrategy: map[models.ResolutionStrategy]int{},
	}

	rows, err := r.direct().query(ctx, `SELECT conflict_type, resolution_strategy,
		resolved_at IS NULL, resolved_by, COUNT(*)
		FROM conflict_resolutions GROUP BY 1, 2, 3, 4`)
	if err != nil {
		return stats, dbErr("conflict stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			conflictType, strategy, resolvedBy string
			pending                            bool
			n                                  int
		)
		if err := rows.Scan(&conflictType, &strategy, &pending, &resolvedBy, &n); err != nil {
			return stats, dbErr("scan conflict stats", err)
		}
		stats.Total += n
		stats.ByType[models.ConflictType(conflictType)] += n
		switch {
		case pending:
			stats.Pending += n
		case resolvedBy == models.ResolvedBySuperseded:
		case resolvedBy == models.ResolvedBySystem:
			stats.AutoResolved += n
			stats.ByStrategy[models.ResolutionStrategy(strategy)] += n
		default:
			stats.ManualResolved += n
			stats.ByStrategy[models.ResolutionStrategy(strategy)] += n
		}
	}
	return stats, rows.Err()
}

package db

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/models"
)

func saveConflict(t *testing.T, repo *Repository, ct models.ConflictType, resolved bool) *models.ConflictResolution {
	t.Helper()
	c := &models.ConflictResolution{
		EntityType:         "teams",
		EntityID:           "t1",
		ConflictType:       ct,
		LocalData:          newEntity("t1", models.Fields{"goals": float64(3)}),
		RemoteData:         newEntity("t1", models.Fields{"goals": float64(5)}),
		ResolutionStrategy: models.ResolutionManual,
	}
	if resolved {
		at := testClock
		c.ResolutionStrategy = models.ResolutionRemote
		c.ResolvedData = c.RemoteData
		c.ResolvedAt = &at
		c.ResolvedBy = models.ResolvedBySystem
	}
	if err := repo.SaveConflict(context.Background(), c); err != nil {
		t.Fatalf("SaveConflict failed: %v", err)
	}
	return c
}

// TestPendingConflictsLifecycle verifies persistence and resolution.
func TestPendingConflictsLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	pending := saveConflict(t, repo, models.ConflictTypeVersion, false)
	saveConflict(t, repo, models.ConflictTypeData, true)

	list, err := repo.ListPendingConflicts(ctx)
	if err != nil {
		t.Fatalf("ListPendingConflicts failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != pending.ID {
		t.Fatalf("Expected only the pending conflict, got %+v", list)
	}
	if list[0].LocalData.Fields["goals"] != float64(3) || list[0].RemoteData.Fields["goals"] != float64(5) {
		t.Errorf("Snapshots not preserved: %+v", list[0])
	}

	resolved := list[0].LocalData
	if err := repo.MarkConflictResolved(ctx, pending.ID, models.ResolutionLocal, resolved, "operator", testClock); err != nil {
		t.Fatalf("MarkConflictResolved failed: %v", err)
	}
	if list, _ := repo.ListPendingConflicts(ctx); len(list) != 0 {
		t.Errorf("Expected no pending conflicts, got %d", len(list))
	}

	got, _ := repo.GetConflict(ctx, pending.ID)
	if !got.IsResolved() || got.ResolvedBy != "operator" || got.ResolutionStrategy != models.ResolutionLocal {
		t.Errorf("Unexpected resolved record: %+v", got)
	}

	// A second resolution of the same conflict is rejected.
	if err := repo.MarkConflictResolved(ctx, pending.ID, models.ResolutionRemote, nil, "operator", testClock); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT for double resolution, got %v", err)
	}
	if err := repo.MarkConflictResolved(ctx, "missing", models.ResolutionRemote, nil, "operator", testClock); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestConflictStats verifies aggregation over history.
func TestConflictStats(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	saveConflict(t, repo, models.ConflictTypeVersion, true)
	saveConflict(t, repo, models.ConflictTypeVersion, true)
	manual := saveConflict(t, repo, models.ConflictTypeDelete, false)
	saveConflict(t, repo, models.ConflictTypeData, false)
	repo.MarkConflictResolved(ctx, manual.ID, models.ResolutionLocal, manual.LocalData, "operator", testClock)

	stats, err := repo.ConflictStats(ctx)
	if err != nil {
		t.Fatalf("ConflictStats failed: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.AutoResolved != 2 || stats.ManualResolved != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.ByType[models.ConflictTypeVersion] != 2 || stats.ByType[models.ConflictTypeDelete] != 1 {
		t.Errorf("Unexpected ByType: %v", stats.ByType)
	}
	if stats.ByStrategy[models.ResolutionRemote] != 2 || stats.ByStrategy[models.ResolutionLocal] != 1 {
		t.Errorf("Unexpected ByStrategy: %v", stats.ByStrategy)
	}

	history, _ := repo.ListConflicts(ctx, 10)
	if len(history) != 4 {
		t.Errorf("ListConflicts returned %d, want 4", len(history))
	}
}

// TestSupersedeConflicts verifies that older pending conflicts of an
// entity are closed and kept out of the resolution counts.
func TestSupersedeConflicts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	older := saveConflict(t, repo, models.ConflictTypeVersion, false)
	newer := saveConflict(t, repo, models.ConflictTypeDelete, false)

	n, err := repo.SupersedeConflicts(ctx, "teams", "t1", newer.ID, testClock)
	if err != nil || n != 1 {
		t.Fatalf("SupersedeConflicts = %d, %v, want 1", n, err)
	}
	list, _ := repo.ListPendingConflicts(ctx)
	if len(list) != 1 || list[0].ID != newer.ID {
		t.Errorf("Expected only the newer conflict pending, got %+v", list)
	}
	got, _ := repo.GetConflict(ctx, older.ID)
	if !got.IsResolved() || got.ResolvedBy != models.ResolvedBySuperseded {
		t.Errorf("Unexpected superseded record: %+v", got)
	}

	stats, _ := repo.ConflictStats(ctx)
	if stats.Total != 2 || stats.Pending != 1 || stats.AutoResolved != 0 || stats.ManualResolved != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

// TestMarkConflictResolvedInTx verifies a decision rolls back with the
// transaction it was recorded in.
func TestMarkConflictResolvedInTx(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	pending := saveConflict(t, repo, models.ConflictTypeVersion, false)

	failure := errors.New("later write failed")
	err := repo.WithTx(ctx, func(tx *Tx) error {
		if err := tx.MarkConflictResolved(ctx, pending.ID, models.ResolutionLocal, pending.LocalData, "operator", testClock); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("WithTx error = %v", err)
	}
	if list, _ := repo.ListPendingConflicts(ctx); len(list) != 1 {
		t.Errorf("Expected the conflict to stay pending, got %d", len(list))
	}

	err = repo.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkConflictResolved(ctx, "missing", models.ResolutionLocal, nil, "operator", testClock)
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound inside a transaction, got %v", err)
	}
}

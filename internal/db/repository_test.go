package db

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/models"
)

var testClock = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testClock })}, opts...)
	repo := NewRepository(newTestDB(t), opts...)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newEntity(id string, fields models.Fields) *models.Entity {
	e := &models.Entity{
		ID:         id,
		CreatedAt:  testClock,
		UpdatedAt:  testClock,
		Version:    1,
		SyncStatus: models.SyncStatusPending,
		Fields:     fields,
	}
	e.Touch()
	return e
}

// TestInsertAndFindByID verifies a round trip through an entity table.
func TestInsertAndFindByID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	e := newEntity("t1", models.Fields{"name": "Team A", "roster": []any{map[string]any{"id": "p1"}}})
	if err := repo.Insert(ctx, "teams", e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := repo.FindByID(ctx, "teams", "t1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Fields["name"] != "Team A" {
		t.Errorf("name = %v", got.Fields["name"])
	}
	if !got.UpdatedAt.Equal(e.UpdatedAt) || got.Version != 1 || got.SyncStatus != models.SyncStatusPending {
		t.Errorf("Metadata mismatch: %+v", got)
	}
	if got.Checksum != e.Checksum || models.ComputeChecksum(got) != e.Checksum {
		t.Error("Checksum not preserved through storage")
	}

	if err := repo.Insert(ctx, "teams", e); !apperrors.Is(err, apperrors.ErrDuplicate) {
		t.Errorf("Expected DUPLICATE on second insert, got %v", err)
	}
}

// TestFindByIDNotFound verifies missing rows are distinct from failures.
func TestFindByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.FindByID(context.Background(), "teams", "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND code, got %v", err)
	}
	if apperrors.Is(err, apperrors.ErrDatabase) {
		t.Error("Not found must not be reported as a database error")
	}
}

// TestInvalidTableName verifies table name validation.
func TestInvalidTableName(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, name := range []string{"", "Teams", "drop table;", "sync_queue", "sqlite_master", "1teams"} {
		if err := repo.Insert(ctx, name, newEntity("x", nil)); !apperrors.Is(err, apperrors.ErrInvalid) {
			t.Errorf("Insert into %q: expected INVALID_INPUT, got %v", name, err)
		}
	}
}

// TestUpdateMergesPartial verifies partial updates.
func TestUpdateMergesPartial(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	if err := repo.Insert(ctx, "players", newEntity("p1", models.Fields{"name": "Ana", "goals": float64(1)})); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	later := testClock.Add(time.Minute)
	got, err := repo.Update(ctx, "players", "p1", map[string]any{
		"goals":      float64(2),
		"version":    int64(2),
		"updated_at": later,
		"id":         "ignored",
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.ID != "p1" || got.Version != 2 || !got.UpdatedAt.Equal(later) {
		t.Errorf("Unexpected metadata after update: %+v", got)
	}
	if got.Fields["name"] != "Ana" || got.Fields["goals"] != float64(2) {
		t.Errorf("Unexpected fields after update: %v", got.Fields)
	}

	stored, _ := repo.FindByID(ctx, "players", "p1")
	if stored.Fields["goals"] != float64(2) || stored.Version != 2 {
		t.Errorf("Update not persisted: %+v", stored)
	}

	if _, err := repo.Update(ctx, "players", "nope", map[string]any{"x": 1}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating missing row, got %v", err)
	}
}

// TestSaveUpserts verifies Save inserts then replaces.
func TestSaveUpserts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	e := newEntity("m1", models.Fields{"score": "0-0"})
	if err := repo.Save(ctx, "matches", e); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	e.Fields["score"] = "1-0"
	e.Version = 2
	if err := repo.Save(ctx, "matches", e); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, _ := repo.FindByID(ctx, "matches", "m1")
	if got.Fields["score"] != "1-0" || got.Version != 2 {
		t.Errorf("Save did not replace: %+v", got)
	}
	if n, _ := repo.Count(ctx, "matches"); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

// TestDelete verifies deletion and not-found reporting.
func TestDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	repo.Insert(ctx, "teams", newEntity("t1", nil))
	if err := repo.Delete(ctx, "teams", "t1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.FindByID(ctx, "teams", "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected row to be gone, got %v", err)
	}
	if err := repo.Delete(ctx, "teams", "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

// TestFindAllConditions verifies equality filters on columns and payload.
func TestFindAllConditions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a := newEntity("a", models.Fields{"league": "north", "active": true, "rank": float64(1)})
	b := newEntity("b", models.Fields{"league": "south", "active": false, "rank": float64(2)})
	c := newEntity("c", models.Fields{"league": "north", "active": false, "rank": float64(3)})
	c.SyncStatus = models.SyncStatusSynced
	for _, e := range []*models.Entity{a, b, c} {
		if err := repo.Insert(ctx, "teams", e); err != nil {
			t.Fatalf("Insert %s failed: %v", e.ID, err)
		}
	}

	tests := []struct {
		name  string
		conds map[string]any
		want  []string
	}{
		{"all", nil, []string{"a", "b", "c"}},
		{"payload string", map[string]any{"league": "north"}, []string{"a", "c"}},
		{"payload bool", map[string]any{"active": true}, []string{"a"}},
		{"payload number", map[string]any{"rank": 2}, []string{"b"}},
		{"metadata column", map[string]any{"sync_status": models.SyncStatusSynced}, []string{"c"}},
		{"combined", map[string]any{"league": "north", "active": false}, []string{"c"}},
		{"no match", map[string]any{"league": "east"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.FindAll(ctx, "teams", tt.conds)
			if err != nil {
				t.Fatalf("FindAll failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("FindAll returned %d rows, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Errorf("row %d = %s, want %s", i, e.ID, tt.want[i])
				}
			}
		})
	}

	if _, err := repo.FindAll(ctx, "teams", map[string]any{"bad key": 1}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT for bad field name, got %v", err)
	}
	if _, err := repo.FindAll(ctx, "teams", map[string]any{"roster": []any{}}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT for non-scalar condition, got %v", err)
	}
}

// TestWithTxRollsBack verifies that a failing unit of work leaves no trace.
func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Insert(ctx, "teams", newEntity("t1", nil)); err != nil {
			return err
		}
		if err := tx.AddToSyncQueue(ctx, &models.SyncOperation{
			EntityType: "teams", EntityID: "t1", Operation: models.OperationCreate,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	if _, err := repo.FindByID(ctx, "teams", "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Entity should have been rolled back, got %v", err)
	}
	ops, _ := repo.GetPendingOperations(ctx)
	if len(ops) != 0 {
		t.Errorf("Queue entry should have been rolled back, got %d", len(ops))
	}
}

// TestWithTxCommits verifies entity and queue entry commit together.
func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	e := newEntity("t1", models.Fields{"name": "Team A"})
	err := repo.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Insert(ctx, "teams", e); err != nil {
			return err
		}
		return tx.AddToSyncQueue(ctx, &models.SyncOperation{
			EntityType: "teams", EntityID: "t1", Operation: models.OperationCreate,
			Data: e, TargetDatabases: []string{"relational", "document"},
		})
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	if _, err := repo.FindByID(ctx, "teams", "t1"); err != nil {
		t.Errorf("Entity missing after commit: %v", err)
	}
	ops, _ := repo.GetPendingOperations(ctx)
	if len(ops) != 1 || ops[0].Data == nil || ops[0].Data.Fields["name"] != "Team A" {
		t.Fatalf("Expected one queued create with snapshot, got %+v", ops)
	}
	tables, _ := repo.Tables(ctx)
	if len(tables) != 1 || tables[0] != "teams" {
		t.Errorf("Tables = %v", tables)
	}
}

// TestGetStorageInfo verifies record and size accounting.
func TestGetStorageInfo(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	repo.Insert(ctx, "teams", newEntity("t1", nil))
	repo.Insert(ctx, "teams", newEntity("t2", nil))
	repo.Insert(ctx, "players", newEntity("p1", nil))

	info, err := repo.GetStorageInfo(ctx)
	if err != nil {
		t.Fatalf("GetStorageInfo failed: %v", err)
	}
	if info.TotalRecords != 3 || info.Tables["teams"] != 2 || info.Tables["players"] != 1 {
		t.Errorf("Unexpected counts: %+v", info)
	}
	if info.SizeBytes <= 0 {
		t.Errorf("Expected positive size, got %d", info.SizeBytes)
	}

	if err := repo.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum failed: %v", err)
	}
}

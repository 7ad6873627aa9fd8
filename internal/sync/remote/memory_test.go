package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/statsync/internal/models"
)

func testEntity(id string, version int64) *models.Entity {
	e := &models.Entity{
		ID:         id,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Version:    version,
		SyncStatus: models.SyncStatusSynced,
		Fields:     models.Fields{"name": "Team A"},
	}
	e.Touch()
	return e
}

func receive(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("feed closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return ChangeEvent{}
}

// TestMemoryUpsertFetchDelete tests the basic record lifecycle.
func TestMemoryUpsertFetchDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("primary")

	if _, err := m.Fetch(ctx, "teams", "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Fetch() on empty backend error = %v, want ErrNotFound", err)
	}
	if err := m.Upsert(ctx, "teams", testEntity("t1", 1)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	// Replaying the same upsert must leave the same state.
	if err := m.Upsert(ctx, "teams", testEntity("t1", 1)); err != nil {
		t.Fatalf("Upsert() replay error = %v", err)
	}
	if got := len(m.Records("teams")); got != 1 {
		t.Fatalf("Records() = %d, want 1", got)
	}

	got, err := m.Fetch(ctx, "teams", "t1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Fields["name"] != "Team A" {
		t.Errorf("Fetch() name = %v", got.Fields["name"])
	}

	if err := m.Delete(ctx, "teams", "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, "teams", "t1"); err != nil {
		t.Errorf("Delete() of missing record error = %v, want nil", err)
	}
	upserts, deletes := m.Calls()
	if upserts != 2 || deletes != 2 {
		t.Errorf("Calls() = %d, %d, want 2, 2", upserts, deletes)
	}
}

// TestMemoryFailureInjection tests FailNext and SetOffline.
func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("primary")
	boom := errors.New("boom")

	m.FailNext(2, boom)
	for i := 0; i < 2; i++ {
		if err := m.Upsert(ctx, "teams", testEntity("t1", 1)); !errors.Is(err, boom) {
			t.Fatalf("Upsert() #%d error = %v, want boom", i, err)
		}
	}
	if err := m.Upsert(ctx, "teams", testEntity("t1", 1)); err != nil {
		t.Fatalf("Upsert() after injected failures error = %v", err)
	}

	m.SetOffline(true)
	if err := m.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping() offline error = %v, want ErrUnavailable", err)
	}
	if err := m.Delete(ctx, "teams", "t1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Delete() offline error = %v, want ErrUnavailable", err)
	}
	if AnyReachable(ctx, []Backend{m}, time.Second) {
		t.Error("AnyReachable() = true with the only backend offline")
	}

	m.SetOffline(false)
	if !AnyReachable(ctx, []Backend{m}, time.Second) {
		t.Error("AnyReachable() = false with the backend back online")
	}
}

// TestMemorySubscribe tests that writes and pushes reach subscribers in
// order and that cancelling the context closes the feed.
func TestMemorySubscribe(t *testing.T) {
	m := NewMemory("primary")
	ctx, cancel := context.WithCancel(context.Background())

	feed, err := m.Subscribe(ctx, "teams")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := m.Upsert(context.Background(), "teams", testEntity("t1", 1)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	m.Push("teams", ChangeUpdate, testEntity("t1", 2))
	m.Push("teams", ChangeDelete, testEntity("t1", 2))

	tests := []struct {
		typ     ChangeType
		version int64
	}{
		{ChangeInsert, 1},
		{ChangeUpdate, 2},
		{ChangeDelete, 2},
	}
	for _, tt := range tests {
		ev := receive(t, feed)
		if ev.Type != tt.typ || ev.Record.Version != tt.version {
			t.Errorf("event = %s v%d, want %s v%d", ev.Type, ev.Record.Version, tt.typ, tt.version)
		}
		if ev.Backend != "primary" || ev.Table != "teams" {
			t.Errorf("event source = %s/%s", ev.Backend, ev.Table)
		}
	}
	if _, ok := m.Get("teams", "t1"); ok {
		t.Error("pushed delete did not remove the record")
	}

	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			t.Error("feed delivered an event after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed not closed after cancel")
	}
}

// TestMemoryEchoDisabled tests that SetEcho(false) suppresses own writes.
func TestMemoryEchoDisabled(t *testing.T) {
	m := NewMemory("primary")
	m.SetEcho(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := m.Subscribe(ctx, "teams")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := m.Upsert(context.Background(), "teams", testEntity("t1", 1)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	m.Push("teams", ChangeUpdate, testEntity("t1", 2))

	if ev := receive(t, feed); ev.Type != ChangeUpdate {
		t.Errorf("first event = %s, want the pushed update", ev.Type)
	}
}

// TestNames tests the backend name listing.
func TestNames(t *testing.T) {
	got := Names([]Backend{NewMemory("a"), NewMemory("b")})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v", got)
	}
}

package models

import (
	"encoding/json"
	"testing"
	"time"
)

func sampleEntity() *Entity {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Entity{
		ID:         "team-1",
		CreatedAt:  ts,
		UpdatedAt:  ts,
		Version:    1,
		SyncStatus: SyncStatusPending,
		Fields: Fields{
			"name":  "Team A",
			"goals": float64(3),
			"tags":  []any{"a", "b"},
		},
	}
}

// TestEntityJSONFlattensMetadata tests that metadata and payload share one object.
func TestEntityJSONFlattensMetadata(t *testing.T) {
	e := sampleEntity()
	e.Touch()

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if flat["name"] != "Team A" {
		t.Errorf("Expected name field at top level, got %v", flat["name"])
	}
	if flat["version"] != float64(1) {
		t.Errorf("Expected version 1, got %v", flat["version"])
	}

	var back Entity
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal entity failed: %v", err)
	}
	if back.ID != e.ID || back.Version != e.Version || !back.UpdatedAt.Equal(e.UpdatedAt) {
		t.Errorf("Metadata mismatch after decode: %+v", back)
	}
	if _, ok := back.Fields["id"]; ok {
		t.Error("Metadata key leaked into payload fields")
	}
	if back.Checksum != e.Checksum {
		t.Errorf("Checksum changed across encoding: %s != %s", back.Checksum, e.Checksum)
	}
	if ComputeChecksum(&back) != e.Checksum {
		t.Error("Recomputed checksum differs after decode")
	}
}

// TestChecksumIgnoresIdentityAndStatus tests checksum coverage.
func TestChecksumIgnoresIdentityAndStatus(t *testing.T) {
	a := sampleEntity()
	b := a.Clone()
	b.ID = "other"
	b.SyncStatus = SyncStatusSynced
	b.Checksum = "stale"

	if ComputeChecksum(a) != ComputeChecksum(b) {
		t.Error("Expected id, status and checksum to be excluded")
	}

	b.Fields["goals"] = float64(4)
	if ComputeChecksum(a) == ComputeChecksum(b) {
		t.Error("Expected payload change to alter checksum")
	}

	c := a.Clone()
	c.Version = 2
	if ComputeChecksum(a) == ComputeChecksum(c) {
		t.Error("Expected version change to alter checksum")
	}
}

// TestTouchNormalisesTimestamps tests that timestamps are kept at the
// precision the backends store, so a copy rounded by a backend keeps the
// same checksum.
func TestTouchNormalisesTimestamps(t *testing.T) {
	a := sampleEntity()
	a.CreatedAt = a.CreatedAt.Add(123456789 * time.Nanosecond)
	a.UpdatedAt = a.CreatedAt.In(time.FixedZone("CEST", 2*60*60))
	raw := ComputeChecksum(a)
	a.Touch()

	if a.UpdatedAt.Nanosecond()%1000 != 0 || a.UpdatedAt.Location() != time.UTC {
		t.Errorf("UpdatedAt = %v, want UTC microseconds", a.UpdatedAt)
	}
	if a.Checksum != raw {
		t.Error("Expected Touch to keep the checksum of the unrounded copy")
	}

	rounded := a.Clone()
	rounded.UpdatedAt = a.UpdatedAt.Truncate(time.Microsecond)
	rounded.CreatedAt = a.CreatedAt.Truncate(time.Microsecond)
	if !SameContent(a, rounded) {
		t.Error("Expected a microsecond copy to be the same content")
	}

	later := a.Clone()
	later.UpdatedAt = a.UpdatedAt.Add(time.Microsecond)
	if SameContent(a, later) {
		t.Error("Expected a microsecond change to alter checksum")
	}
}

// TestCloneIsDeep tests that nested payload is not shared.
func TestCloneIsDeep(t *testing.T) {
	a := sampleEntity()
	a.Fields["stats"] = map[string]any{"wins": float64(1)}
	b := a.Clone()

	b.Fields["stats"].(map[string]any)["wins"] = float64(9)
	b.Fields["tags"].([]any)[0] = "z"

	if a.Fields["stats"].(map[string]any)["wins"] != float64(1) {
		t.Error("Nested map shared between clones")
	}
	if a.Fields["tags"].([]any)[0] != "a" {
		t.Error("Nested slice shared between clones")
	}
}

// TestSetIgnoresMetadata tests that reserved keys cannot be set as payload.
func TestSetIgnoresMetadata(t *testing.T) {
	e := &Entity{}
	e.Set("version", 10)
	e.Set("score", 2)
	if _, ok := e.Fields["version"]; ok {
		t.Error("Expected reserved key to be ignored")
	}
	if v, ok := e.Get("score"); !ok || v != 2 {
		t.Errorf("Expected score 2, got %v", v)
	}
}

// TestEntityFromMapRejectsBadTypes tests metadata type validation.
func TestEntityFromMapRejectsBadTypes(t *testing.T) {
	if _, err := EntityFromMap(map[string]any{"version": "x"}); err == nil {
		t.Error("Expected error for non-numeric version")
	}
	if _, err := EntityFromMap(map[string]any{"updated_at": "yesterday"}); err == nil {
		t.Error("Expected error for malformed timestamp")
	}
}

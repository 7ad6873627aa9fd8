package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

// TestLoggerWritesStructuredEntries verifies the JSON shape of an entry.
func TestLoggerWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug).With("sync")

	logger.Info("drain finished", map[string]interface{}{"completed": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != "INFO" {
		t.Errorf("Level = %s, want INFO", e.Level)
	}
	if e.Message != "drain finished" {
		t.Errorf("Message = %s", e.Message)
	}
	if e.Component != "sync" {
		t.Errorf("Component = %s, want sync", e.Component)
	}
	if e.Context["completed"] != float64(3) {
		t.Errorf("Context completed = %v", e.Context["completed"])
	}
	if e.Timestamp == "" {
		t.Error("Expected timestamp")
	}
}

// TestLoggerErrorField verifies errors are lifted out of context.
func TestLoggerErrorField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("upsert failed", "SYNC_FAILED", errors.New("timeout"), map[string]interface{}{"backend": "relational"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Error != "timeout" {
		t.Errorf("Error = %q, want timeout", entries[0].Error)
	}
	if entries[0].Context["error_code"] != "SYNC_FAILED" {
		t.Errorf("Expected error_code in context, got %v", entries[0].Context)
	}
	if entries[0].Level != "ERROR" {
		t.Errorf("Level = %s, want ERROR", entries[0].Level)
	}
}

// TestLoggerLevelFiltering verifies the minimum level is honoured.
func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0].Level != "WARN" {
		t.Fatalf("Expected only the WARN entry, got %+v", entries)
	}

	buf.Reset()
	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")
	if len(decodeLines(t, &buf)) != 1 {
		t.Error("Expected debug entry after SetLevel")
	}
	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %s", logger.Level())
	}
}

// TestLoggerMergesContexts verifies multiple context maps are merged.
func TestLoggerMergesContexts(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	entries := decodeLines(t, &buf)
	if entries[0].Context["a"] != float64(1) || entries[0].Context["b"] != float64(2) {
		t.Errorf("Expected merged context, got %v", entries[0].Context)
	}
}

// TestLoggerFileRotation verifies file output through the rotator.
func TestLoggerFileRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statsync.log")
	logger := NewWithOptions(Options{Level: LevelInfo, File: path, MaxSizeMB: 1})

	logger.Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("Expected message in file, got %s", data)
	}
}

// TestParseLevel verifies level parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

package telemetry

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestMonitor(max int) (*Monitor, *time.Time) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	m := NewMonitor(max, nil)
	m.now = func() time.Time { return now }
	return m, &now
}

// TestMonitorRingIsBounded tests that the oldest samples are dropped.
func TestMonitorRingIsBounded(t *testing.T) {
	m, _ := newTestMonitor(3)
	for i := 1; i <= 5; i++ {
		m.RecordMetric("x", float64(i), nil)
	}

	got := m.Metrics("x", time.Time{})
	if len(got) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(got))
	}
	if got[0].Value != 3 || got[2].Value != 5 {
		t.Errorf("Expected samples 3..5, got %v..%v", got[0].Value, got[2].Value)
	}
}

// TestMonitorAggregates tests averages and percentiles.
func TestMonitorAggregates(t *testing.T) {
	m, _ := newTestMonitor(0)
	for i := 1; i <= 10; i++ {
		m.RecordMetric(MetricQueryTime, float64(i*10), nil)
	}

	if avg := m.Average(MetricQueryTime, time.Time{}); avg != 55 {
		t.Errorf("Average = %v, want 55", avg)
	}
	tests := []struct {
		p    float64
		want float64
	}{
		{50, 50},
		{95, 100},
		{0, 10},
		{100, 100},
	}
	for _, tt := range tests {
		if got := m.Percentile(MetricQueryTime, tt.p, time.Time{}); got != tt.want {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if m.Average("missing", time.Time{}) != 0 || m.Percentile("missing", 50, time.Time{}) != 0 {
		t.Error("Expected zero for unknown metrics")
	}
}

// TestMonitorSinceFilter tests the time window.
func TestMonitorSinceFilter(t *testing.T) {
	m, now := newTestMonitor(0)
	m.RecordMetric("x", 1, nil)
	*now = now.Add(time.Hour)
	m.RecordMetric("x", 3, nil)

	if got := m.Average("x", now.Add(-time.Minute)); got != 3 {
		t.Errorf("Windowed average = %v, want 3", got)
	}
}

// TestCacheHitRateAndAlerts tests the report summary.
func TestCacheHitRateAndAlerts(t *testing.T) {
	m, _ := newTestMonitor(0)
	m.RecordCacheHit(true)
	m.RecordCacheHit(false)
	m.RecordCacheHit(false)
	m.RecordCacheHit(false)
	m.RecordOfflineQueueSize(250)

	report := m.Report()
	if report.Summary.CacheHitRate != 25 {
		t.Errorf("CacheHitRate = %v, want 25", report.Summary.CacheHitRate)
	}
	joined := strings.Join(report.Alerts, "|")
	if !strings.Contains(joined, "Low cache hit rate") || !strings.Contains(joined, "Large offline queue") {
		t.Errorf("Missing alerts: %v", report.Alerts)
	}
	if len(report.Trends[MetricCacheHit]) != 24 {
		t.Errorf("Expected 24 hourly buckets, got %d", len(report.Trends[MetricCacheHit]))
	}
}

// TestMeasure tests that Measure records and passes errors through.
func TestMeasure(t *testing.T) {
	m, _ := newTestMonitor(0)
	boom := errors.New("boom")

	if err := m.Measure("op", func() error { return nil }); err != nil {
		t.Fatalf("Measure returned %v", err)
	}
	if err := m.Measure("op", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Measure must return fn error, got %v", err)
	}

	samples := m.Metrics("op", time.Time{})
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(samples))
	}
	if samples[1].Metadata["error"] != true {
		t.Errorf("Expected error metadata on failed sample")
	}
}

// TestNilMonitorIsSafe tests that a nil monitor ignores samples.
func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	m.RecordMetric("x", 1, nil)
	m.RecordCacheHit(true)
}

// TestExport tests JSON export.
func TestExport(t *testing.T) {
	m, _ := newTestMonitor(0)
	m.RecordSyncDuration(2 * time.Second)
	data, err := m.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !strings.Contains(string(data), `"sync_duration"`) {
		t.Errorf("Export missing metric: %s", data)
	}
	m.Clear()
	if len(m.Metrics("", time.Time{})) != 0 {
		t.Error("Clear did not drop samples")
	}
}

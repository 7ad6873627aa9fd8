// Package telemetry records operation latencies and cache behaviour in a
// bounded in-process ring and exports traces over OTLP when configured.
package telemetry

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/statsync/internal/logging"
)

// Well-known metric names.
const (
	MetricQueryTime          = "query_time"
	MetricSyncDuration       = "sync_duration"
	MetricCacheHit           = "cache_hit"
	MetricOfflineQueueSize   = "offline_queue_size"
	MetricConflictResolution = "conflict_resolution_time"
)

// DefaultMaxMetrics bounds the ring when no size is given.
const DefaultMaxMetrics = 1000

// Alert thresholds applied by Report.
const (
	alertQueryTimeMs    = 1000
	alertSyncDurationMs = 30000
	alertCacheHitRate   = 70
	alertQueueSize      = 100
	alertConflictTimeMs = 5000
	reportWindow        = 24 * time.Hour
)

// Metric is one recorded sample.
type Metric struct {
	Name      string                 `json:"name"`
	Value     float64                `json:"value"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// DatabaseMetrics summarises the sync layer over a window. Durations are
// milliseconds and CacheHitRate is a percentage.
type DatabaseMetrics struct {
	QueryTime              float64 `json:"query_time"`
	SyncDuration           float64 `json:"sync_duration"`
	CacheHitRate           float64 `json:"cache_hit_rate"`
	OfflineQueueSize       float64 `json:"offline_queue_size"`
	ConflictResolutionTime float64 `json:"conflict_resolution_time"`
}

// Report is the operator view of recent performance.
type Report struct {
	Summary DatabaseMetrics      `json:"summary"`
	Trends  map[string][]float64 `json:"trends"`
	Alerts  []string             `json:"alerts"`
}

// Monitor keeps the most recent samples in memory. It is safe for
// concurrent use.
type Monitor struct {
	mu      sync.Mutex
	metrics []Metric
	max     int
	now     func() time.Time
	logger  *logging.Logger
}

// NewMonitor creates a monitor holding at most max samples.
func NewMonitor(max int, logger *logging.Logger) *Monitor {
	if max <= 0 {
		max = DefaultMaxMetrics
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Monitor{
		max:    max,
		now:    time.Now,
		logger: logger.With("performance_monitor"),
	}
}

// RecordMetric appends a sample, dropping the oldest once full.
func (m *Monitor) RecordMetric(name string, value float64, metadata map[string]interface{}) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.metrics = append(m.metrics, Metric{Name: name, Value: value, Timestamp: m.now(), Metadata: metadata})
	if over := len(m.metrics) - m.max; over > 0 {
		m.metrics = append(m.metrics[:0], m.metrics[over:]...)
	}
	m.mu.Unlock()
}

// RecordQueryTime records a local store or remote query latency.
func (m *Monitor) RecordQueryTime(d time.Duration, query, database string) {
	m.RecordMetric(MetricQueryTime, millis(d), map[string]interface{}{"query": query, "database": database})
}

// RecordSyncDuration records one drain pass.
func (m *Monitor) RecordSyncDuration(d time.Duration) {
	m.RecordMetric(MetricSyncDuration, millis(d), nil)
}

// RecordCacheHit records a cache lookup outcome.
func (m *Monitor) RecordCacheHit(hit bool) {
	v := 0.0
	if hit {
		v = 1
	}
	m.RecordMetric(MetricCacheHit, v, nil)
}

// RecordOfflineQueueSize records the number of unsent operations.
func (m *Monitor) RecordOfflineQueueSize(n int) {
	m.RecordMetric(MetricOfflineQueueSize, float64(n), nil)
}

// RecordConflictResolutionTime records the time spent reconciling one entity.
func (m *Monitor) RecordConflictResolutionTime(d time.Duration) {
	m.RecordMetric(MetricConflictResolution, millis(d), nil)
}

// Measure runs fn and records its latency under name. A failing fn is
// recorded with error metadata and its error returned unchanged. Recording
// never panics into the caller.
func (m *Monitor) Measure(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.safeRecord(name, time.Since(start), err)
	return err
}

func (m *Monitor) safeRecord(name string, d time.Duration, opErr error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Failed to record metric", map[string]interface{}{"metric": name, "panic": r})
		}
	}()
	var meta map[string]interface{}
	if opErr != nil {
		meta = map[string]interface{}{"error": true}
	}
	m.RecordMetric(name, millis(d), meta)
}

// Metrics returns samples named name (all when empty) recorded at or
// after since (all when zero).
func (m *Monitor) Metrics(name string, since time.Time) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Metric
	for _, s := range m.metrics {
		if name != "" && s.Name != name {
			continue
		}
		if !since.IsZero() && s.Timestamp.Before(since) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Average returns the mean value of matching samples, or 0.
func (m *Monitor) Average(name string, since time.Time) float64 {
	samples := m.Metrics(name, since)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

// Percentile returns the nearest-rank percentile p (0-100) of matching
// samples, or 0.
func (m *Monitor) Percentile(name string, p float64, since time.Time) float64 {
	samples := m.Metrics(name, since)
	if len(samples) == 0 {
		return 0
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)
	idx := int(math.Ceil(p/100*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// CacheHitRate returns the percentage of cache lookups that hit.
func (m *Monitor) CacheHitRate(since time.Time) float64 {
	samples := m.Metrics(MetricCacheHit, since)
	if len(samples) == 0 {
		return 0
	}
	hits := 0
	for _, s := range samples {
		if s.Value == 1 {
			hits++
		}
	}
	return float64(hits) / float64(len(samples)) * 100
}

// DatabaseMetrics summarises samples recorded since the given time; a zero
// time means the last 24 hours.
func (m *Monitor) DatabaseMetrics(since time.Time) DatabaseMetrics {
	if since.IsZero() {
		since = m.now().Add(-reportWindow)
	}
	return DatabaseMetrics{
		QueryTime:              m.Average(MetricQueryTime, since),
		SyncDuration:           m.Average(MetricSyncDuration, since),
		CacheHitRate:           m.CacheHitRate(since),
		OfflineQueueSize:       m.Average(MetricOfflineQueueSize, since),
		ConflictResolutionTime: m.Average(MetricConflictResolution, since),
	}
}

// Report builds the summary, hourly trends for the last day and alerts.
func (m *Monitor) Report() Report {
	summary := m.DatabaseMetrics(time.Time{})
	return Report{
		Summary: summary,
		Trends:  m.trends(),
		Alerts:  alerts(summary),
	}
}

func (m *Monitor) trends() map[string][]float64 {
	start := m.now().Add(-reportWindow)
	trends := make(map[string][]float64, 3)
	for _, name := range []string{MetricQueryTime, MetricSyncDuration, MetricCacheHit} {
		sums := make([]float64, 24)
		counts := make([]int, 24)
		for _, s := range m.Metrics(name, start) {
			hour := int(s.Timestamp.Sub(start) / time.Hour)
			if hour < 0 || hour >= 24 {
				continue
			}
			sums[hour] += s.Value
			counts[hour]++
		}
		for i := range sums {
			if counts[i] > 0 {
				sums[i] /= float64(counts[i])
			}
		}
		trends[name] = sums
	}
	return trends
}

func alerts(s DatabaseMetrics) []string {
	out := []string{}
	if s.QueryTime > alertQueryTimeMs {
		out = append(out, "High query response time detected")
	}
	if s.SyncDuration > alertSyncDurationMs {
		out = append(out, "Sync operations taking longer than expected")
	}
	if s.CacheHitRate < alertCacheHitRate {
		out = append(out, "Low cache hit rate - consider optimizing cache strategy")
	}
	if s.OfflineQueueSize > alertQueueSize {
		out = append(out, "Large offline queue - sync may be failing")
	}
	if s.ConflictResolutionTime > alertConflictTimeMs {
		out = append(out, "Conflict resolution taking too long")
	}
	return out
}

// Clear drops every sample.
func (m *Monitor) Clear() {
	m.mu.Lock()
	m.metrics = nil
	m.mu.Unlock()
	m.logger.Info("Performance metrics cleared")
}

// Export renders all samples plus the report as indented JSON.
func (m *Monitor) Export() ([]byte, error) {
	return json.MarshalIndent(struct {
		Metrics []Metric `json:"metrics"`
		Report  Report   `json:"report"`
	}{m.Metrics("", time.Time{}), m.Report()}, "", "  ")
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

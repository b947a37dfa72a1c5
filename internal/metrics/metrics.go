// Package metrics provides Prometheus metrics collection for the leaderboard
// service, plus a rolling percentile sample for the health-threshold checks
// of spec §2 item 10 (percentiles a Prometheus summary cannot answer without
// a scrape round trip).
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	// ServiceName is the "service" label value every vector below expects
	// as its first WithLabelValues argument.
	ServiceName string

	// Event stream (spec §4.1)
	EventsPublishedTotal *prometheus.CounterVec
	EventsRejectedTotal  *prometheus.CounterVec
	BatchesProcessedTotal *prometheus.CounterVec
	BatchDuration        prometheus.Histogram
	DLQDepth             prometheus.Gauge

	// Cache layer (spec §4.3)
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec
	CacheBytesInUse  prometheus.Gauge

	// WebSocket service (spec §4.6/§4.7)
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     *prometheus.CounterVec
	MessagesSentTotal    *prometheus.CounterVec
	MessagesDroppedTotal *prometheus.CounterVec
	QueueDepth           prometheus.Histogram

	// Race coordinator (spec §4.8) and job queue (spec §4.9)
	RacesActive      prometheus.Gauge
	JobsProcessedTotal *prometheus.CounterVec
	JobsFailedTotal    *prometheus.CounterVec

	// Generic
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered on the default Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered on a custom registry,
// used by tests that need isolated collectors.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ServiceName: serviceName,
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_events_published_total", Help: "Total score events published to the stream"},
			[]string{"service", "mode", "language"},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_events_rejected_total", Help: "Total score events rejected at ingest"},
			[]string{"service", "reason"},
		),
		BatchesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_batches_processed_total", Help: "Total batches processed"},
			[]string{"service", "outcome"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "leaderboard_batch_duration_seconds", Help: "Batch processing duration", Buckets: prometheus.DefBuckets},
		),
		DLQDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "leaderboard_dlq_depth", Help: "Current dead-letter queue depth"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_cache_hits_total", Help: "Cache hits"},
			[]string{"service", "tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_cache_misses_total", Help: "Cache misses"},
			[]string{"service", "tier"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_cache_evictions_total", Help: "LRU evictions"},
			[]string{"service", "reason"},
		),
		CacheBytesInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "leaderboard_cache_bytes_in_use", Help: "Local LRU cache bytes in use"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "leaderboard_ws_connections_active", Help: "Active WebSocket connections on this server"},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_ws_connections_total", Help: "Total WebSocket connection attempts"},
			[]string{"service", "outcome"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_ws_messages_sent_total", Help: "Total WebSocket messages sent"},
			[]string{"service", "priority"},
		),
		MessagesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_ws_messages_dropped_total", Help: "Total WebSocket messages dropped"},
			[]string{"service", "priority"},
		),
		QueueDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "leaderboard_ws_queue_depth", Help: "Per-client queue depth at enqueue time", Buckets: []float64{0, 5, 10, 20, 30, 40, 50}},
		),
		RacesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "leaderboard_races_active", Help: "Active races"},
		),
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_jobs_processed_total", Help: "Total jobs processed"},
			[]string{"service", "queue", "outcome"},
		),
		JobsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_jobs_failed_total", Help: "Total jobs moved to DLQ"},
			[]string{"service", "queue"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "leaderboard_errors_total", Help: "Total errors by class"},
			[]string{"service", "class"},
		),
	}

	collectors := []prometheus.Collector{
		m.EventsPublishedTotal, m.EventsRejectedTotal, m.BatchesProcessedTotal, m.BatchDuration, m.DLQDepth,
		m.CacheHitsTotal, m.CacheMissesTotal, m.CacheEvictionsTotal, m.CacheBytesInUse,
		m.ConnectionsActive, m.ConnectionsTotal, m.MessagesSentTotal, m.MessagesDroppedTotal, m.QueueDepth,
		m.RacesActive, m.JobsProcessedTotal, m.JobsFailedTotal, m.ErrorsTotal,
	}
	for _, c := range collectors {
		_ = registerer.Register(c)
	}

	return m
}

// RollingSample is a fixed-capacity ring buffer of durations used to answer
// p50/p95/p99 health-threshold queries without a Prometheus scrape round
// trip (spec §2 item 10).
type RollingSample struct {
	mu       sync.Mutex
	capacity int
	values   []time.Duration
	next     int
	filled   bool
}

// NewRollingSample creates a sample with the given ring capacity.
func NewRollingSample(capacity int) *RollingSample {
	if capacity <= 0 {
		capacity = 256
	}
	return &RollingSample{capacity: capacity, values: make([]time.Duration, capacity)}
}

// Observe records a new duration, overwriting the oldest entry once full.
func (s *RollingSample) Observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[s.next] = d
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.filled = true
	}
}

// Percentile returns the p-th percentile (0-100) of the sampled durations,
// or zero if no samples have been observed.
func (s *RollingSample) Percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.filled {
		n = s.capacity
	}
	if n == 0 {
		return 0
	}

	sorted := make([]time.Duration, n)
	copy(sorted, s.values[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p / 100 * float64(n))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Count returns the number of samples currently held.
func (s *RollingSample) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filled {
		return s.capacity
	}
	return s.next
}

// HealthThresholds are the percentile-based thresholds the health endpoint
// compares rolling samples against.
type HealthThresholds struct {
	P99WarnMs  int64
	P99CritMs  int64
}

// Status reports "ok", "degraded", or "critical" based on the sample's p99
// against the configured thresholds.
func (s *RollingSample) Status(t HealthThresholds) string {
	p99 := s.Percentile(99).Milliseconds()
	switch {
	case t.P99CritMs > 0 && p99 >= t.P99CritMs:
		return "critical"
	case t.P99WarnMs > 0 && p99 >= t.P99WarnMs:
		return "degraded"
	default:
		return "ok"
	}
}

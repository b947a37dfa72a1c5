package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test", reg)

	m.EventsPublishedTotal.WithLabelValues("test", "practice", "en").Inc()
	m.ConnectionsActive.Set(5)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestRollingSample_Percentile(t *testing.T) {
	s := NewRollingSample(10)
	for i := 1; i <= 10; i++ {
		s.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := s.Count(); got != 10 {
		t.Errorf("expected count 10, got %d", got)
	}

	p50 := s.Percentile(50)
	if p50 < 4*time.Millisecond || p50 > 6*time.Millisecond {
		t.Errorf("expected p50 near 5ms, got %v", p50)
	}

	p99 := s.Percentile(99)
	if p99 != 10*time.Millisecond {
		t.Errorf("expected p99 at max sample 10ms, got %v", p99)
	}
}

func TestRollingSample_EmptyIsZero(t *testing.T) {
	s := NewRollingSample(4)
	if got := s.Percentile(99); got != 0 {
		t.Errorf("expected 0 for empty sample, got %v", got)
	}
	if got := s.Count(); got != 0 {
		t.Errorf("expected count 0, got %d", got)
	}
}

func TestRollingSample_WrapsAtCapacity(t *testing.T) {
	s := NewRollingSample(3)
	s.Observe(100 * time.Millisecond)
	s.Observe(200 * time.Millisecond)
	s.Observe(300 * time.Millisecond)
	// Overwrites the 100ms sample.
	s.Observe(1 * time.Millisecond)

	if got := s.Count(); got != 3 {
		t.Errorf("expected count capped at 3, got %d", got)
	}
	if got := s.Percentile(0); got != 1*time.Millisecond {
		t.Errorf("expected min sample 1ms after wraparound, got %v", got)
	}
}

func TestRollingSample_Status(t *testing.T) {
	s := NewRollingSample(4)
	for i := 0; i < 4; i++ {
		s.Observe(50 * time.Millisecond)
	}

	thresholds := HealthThresholds{P99WarnMs: 100, P99CritMs: 200}
	if got := s.Status(thresholds); got != "ok" {
		t.Errorf("expected ok status, got %s", got)
	}

	s2 := NewRollingSample(4)
	for i := 0; i < 4; i++ {
		s2.Observe(250 * time.Millisecond)
	}
	if got := s2.Status(thresholds); got != "critical" {
		t.Errorf("expected critical status, got %s", got)
	}
}

package eventstream

import (
	"sync"
	"testing"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
)

func TestDedupe_KeepsMaxWPMPerUser(t *testing.T) {
	events := []model.ScoreEvent{
		{UserID: "u1", WPM: 80, Timestamp: 1},
		{UserID: "u1", WPM: 95, Timestamp: 2},
		{UserID: "u2", WPM: 70, Timestamp: 1},
		{UserID: "u1", WPM: 90, Timestamp: 3},
	}
	result := Dedupe(events)
	if len(result) != 2 {
		t.Fatalf("expected 2 deduped events, got %d", len(result))
	}
	for _, e := range result {
		if e.UserID == "u1" && e.WPM != 95 {
			t.Errorf("expected u1's best WPM of 95, got %v", e.WPM)
		}
	}
}

func TestDedupe_TiebreaksByLaterTimestamp(t *testing.T) {
	events := []model.ScoreEvent{
		{UserID: "u1", WPM: 80, Timestamp: 5},
		{UserID: "u1", WPM: 80, Timestamp: 10},
	}
	result := Dedupe(events)
	if len(result) != 1 || result[0].Timestamp != 10 {
		t.Fatalf("expected tie broken by later timestamp, got %+v", result)
	}
}

func TestBatcher_FlushesOnMaxSize(t *testing.T) {
	var mu sync.Mutex
	var got model.Batch
	flushed := make(chan struct{}, 1)

	b := NewBatcher(BatcherConfig{Window: time.Hour, MaxSize: 2}, func(batch model.Batch) {
		mu.Lock()
		got = batch
		mu.Unlock()
		flushed <- struct{}{}
	})

	b.Add(model.ScoreEvent{UserID: "u1", WPM: 80, Timestamp: 1})
	b.Add(model.ScoreEvent{UserID: "u2", WPM: 70, Timestamp: 1})

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("expected flush on max size")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got.Events) != 2 {
		t.Errorf("expected 2 events in flushed batch, got %d", len(got.Events))
	}
}

func TestBatcher_FlushesOnWindow(t *testing.T) {
	flushed := make(chan struct{}, 1)
	b := NewBatcher(BatcherConfig{Window: 20 * time.Millisecond, MaxSize: 100}, func(batch model.Batch) {
		flushed <- struct{}{}
	})

	b.Add(model.ScoreEvent{UserID: "u1", WPM: 80, Timestamp: 1})

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("expected flush on window expiry")
	}
}

package wsqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
)

type fakeSender struct {
	mu            sync.Mutex
	sent          []model.OutboundMessage
	buffered      int
	rejectSend    bool
}

func (f *fakeSender) SendImmediate(msg model.OutboundMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectSend {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeSender) BufferedBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestEnqueue_SendsImmediatelyWhenEmptyAndNotBackpressured(t *testing.T) {
	sender := &fakeSender{}
	q := New(DefaultConfig(), sender)

	q.Enqueue(model.OutboundMessage{Priority: model.PriorityHigh, Payload: []byte("a")})

	if sender.sentCount() != 1 {
		t.Fatalf("expected immediate send, got %d sent", sender.sentCount())
	}
	if q.Len() != 0 {
		t.Errorf("expected queue to stay empty after immediate send, got %d", q.Len())
	}
}

func TestEnqueue_BuffersWhenBackpressured(t *testing.T) {
	sender := &fakeSender{buffered: 20 * 1024}
	q := New(DefaultConfig(), sender)

	q.Enqueue(model.OutboundMessage{Priority: model.PriorityLow, Payload: []byte("a")})

	if sender.sentCount() != 0 {
		t.Fatalf("expected no immediate send while backpressured, got %d sent", sender.sentCount())
	}
	if q.Len() != 1 {
		t.Errorf("expected message buffered, got len %d", q.Len())
	}
}

func TestEnqueue_HighDisplacesOldestLow(t *testing.T) {
	sender := &fakeSender{buffered: 20 * 1024}
	cfg := Config{MaxQueuePerClient: 2, DrainInterval: time.Hour, DrainBatchSize: 5}
	q := New(cfg, sender)

	q.Enqueue(model.OutboundMessage{Priority: model.PriorityLow, Payload: []byte("low1")})
	q.Enqueue(model.OutboundMessage{Priority: model.PriorityLow, Payload: []byte("low2")})
	if q.Len() != 2 {
		t.Fatalf("expected queue full at 2, got %d", q.Len())
	}

	q.Enqueue(model.OutboundMessage{Priority: model.PriorityHigh, Payload: []byte("high1")})

	if q.Len() != 2 {
		t.Fatalf("expected queue to stay at capacity 2, got %d", q.Len())
	}
	if q.DroppedCount("low") != 0 {
		t.Errorf("displacement should not count as a drop, got %d", q.DroppedCount("low"))
	}
}

func TestEnqueue_DropsMediumAndLowWhenFullAndNoLowToDisplace(t *testing.T) {
	sender := &fakeSender{buffered: 20 * 1024}
	cfg := Config{MaxQueuePerClient: 1, DrainInterval: time.Hour, DrainBatchSize: 5}
	q := New(cfg, sender)

	q.Enqueue(model.OutboundMessage{Priority: model.PriorityHigh, Payload: []byte("h1")})
	q.Enqueue(model.OutboundMessage{Priority: model.PriorityMedium, Payload: []byte("m1")})
	q.Enqueue(model.OutboundMessage{Priority: model.PriorityLow, Payload: []byte("l1")})

	if q.Len() != 1 {
		t.Fatalf("expected queue to stay at capacity 1, got %d", q.Len())
	}
	if q.DroppedCount("medium") != 1 {
		t.Errorf("expected 1 medium message dropped, got %d", q.DroppedCount("medium"))
	}
	if q.DroppedCount("low") != 1 {
		t.Errorf("expected 1 low message dropped, got %d", q.DroppedCount("low"))
	}
}

func TestDrainTick_SendsBufferedMessagesWhenNotBackpressured(t *testing.T) {
	sender := &fakeSender{buffered: 20 * 1024}
	cfg := Config{MaxQueuePerClient: 50, DrainInterval: 10 * time.Millisecond, DrainBatchSize: 5}
	q := New(cfg, sender)

	q.Enqueue(model.OutboundMessage{Priority: model.PriorityLow, Payload: []byte("a")})
	q.Enqueue(model.OutboundMessage{Priority: model.PriorityHigh, Payload: []byte("b")})

	sender.mu.Lock()
	sender.buffered = 0
	sender.mu.Unlock()

	time.Sleep(40 * time.Millisecond)

	if sender.sentCount() != 2 {
		t.Fatalf("expected drain to deliver both buffered messages, got %d", sender.sentCount())
	}
	if q.Len() != 0 {
		t.Errorf("expected queue drained, got len %d", q.Len())
	}
}

func TestClose_CancelsDrainAndFreesQueue(t *testing.T) {
	sender := &fakeSender{buffered: 20 * 1024}
	q := New(DefaultConfig(), sender)
	q.Enqueue(model.OutboundMessage{Priority: model.PriorityLow, Payload: []byte("a")})

	q.Close()

	if q.Len() != 0 {
		t.Errorf("expected queue cleared on close, got %d", q.Len())
	}
	q.Enqueue(model.OutboundMessage{Priority: model.PriorityHigh, Payload: []byte("b")})
	if q.Len() != 0 {
		t.Error("expected enqueue after close to be a no-op")
	}
}

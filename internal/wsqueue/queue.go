// Package wsqueue implements the bounded per-client message queue of spec
// §4.7: three priorities (HIGH/MEDIUM/LOW), displacement when full, and a
// drain timer that sends a bounded batch per tick while the connection
// remains non-backpressured.
package wsqueue

import (
	"sync"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
)

// Config bounds the queue's capacity and drain behavior.
type Config struct {
	MaxQueuePerClient int
	DrainInterval     time.Duration
	DrainBatchSize    int
}

// DefaultConfig matches the spec §4.7 defaults.
func DefaultConfig() Config {
	return Config{MaxQueuePerClient: 50, DrainInterval: 50 * time.Millisecond, DrainBatchSize: 5}
}

// Sender delivers one message to the underlying connection. It returns
// false if the connection is currently backpressured and the message was
// not sent.
type Sender interface {
	SendImmediate(msg model.OutboundMessage) bool
	BufferedBytes() int
}

const backpressureThresholdBytes = 16 * 1024

// Queue is a single connection's bounded, priority-ordered outbound queue.
// It is single-owner: exactly one drain goroutine per Queue.
type Queue struct {
	cfg    Config
	sender Sender

	mu      sync.Mutex
	buckets [3][]model.OutboundMessage // indexed by model.Priority

	dropped  map[string]int
	timer    *time.Timer
	closed   bool
	closeCh  chan struct{}
}

// New creates a Queue bound to sender.
func New(cfg Config, sender Sender) *Queue {
	return &Queue{
		cfg:     cfg,
		sender:  sender,
		dropped: make(map[string]int),
		closeCh: make(chan struct{}),
	}
}

// Enqueue attempts to send msg immediately if the queue is empty and the
// connection is not backpressured; otherwise it buffers the message,
// displacing a lower-priority message if the queue is full, per spec §4.7.
func (q *Queue) Enqueue(msg model.OutboundMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if q.isEmptyLocked() && q.sender.BufferedBytes() < backpressureThresholdBytes {
		if q.sender.SendImmediate(msg) {
			return
		}
	}

	q.enqueueLocked(msg)
	q.startDrainLocked()
}

func (q *Queue) isEmptyLocked() bool {
	for _, b := range q.buckets {
		if len(b) > 0 {
			return false
		}
	}
	return true
}

func (q *Queue) size() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

func (q *Queue) enqueueLocked(msg model.OutboundMessage) {
	if q.size() < q.cfg.MaxQueuePerClient {
		q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
		return
	}

	switch msg.Priority {
	case model.PriorityHigh:
		if q.evictOldest(model.PriorityLow) || q.evictOldest(model.PriorityMedium) || q.evictOldest(model.PriorityHigh) {
			q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
			return
		}
		q.dropped["high"]++
	default:
		q.dropped[priorityLabel(msg.Priority)]++
	}
}

func (q *Queue) evictOldest(priority model.Priority) bool {
	b := q.buckets[priority]
	if len(b) == 0 {
		return false
	}
	q.buckets[priority] = b[1:]
	return true
}

func priorityLabel(p model.Priority) string {
	switch p {
	case model.PriorityHigh:
		return "high"
	case model.PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// DroppedCount returns how many messages of the given priority label
// ("high", "medium", "low") have been dropped since creation.
func (q *Queue) DroppedCount(label string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped[label]
}

// Len returns the total number of buffered (not-yet-sent) messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

func (q *Queue) startDrainLocked() {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.cfg.DrainInterval, q.drainTick)
}

// drainTick sends up to DrainBatchSize messages, highest priority first,
// while the connection remains non-backpressured, then reschedules itself
// if messages remain.
func (q *Queue) drainTick() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.timer = nil

	sent := 0
	for sent < q.cfg.DrainBatchSize {
		if q.sender.BufferedBytes() >= backpressureThresholdBytes {
			break
		}
		msg, ok := q.popHighestLocked()
		if !ok {
			break
		}
		q.mu.Unlock()
		delivered := q.sender.SendImmediate(msg)
		q.mu.Lock()
		if !delivered {
			// Could not deliver (connection closed mid-drain); requeue at
			// the front of its bucket and stop.
			q.buckets[msg.Priority] = append([]model.OutboundMessage{msg}, q.buckets[msg.Priority]...)
			break
		}
		sent++
	}

	if !q.isEmptyLocked() {
		q.startDrainLocked()
	}
	q.mu.Unlock()
}

func (q *Queue) popHighestLocked() (model.OutboundMessage, bool) {
	for p := model.PriorityHigh; p >= model.PriorityLow; p-- {
		b := q.buckets[p]
		if len(b) > 0 {
			msg := b[0]
			q.buckets[p] = b[1:]
			return msg, true
		}
	}
	return model.OutboundMessage{}, false
}

// Close cancels the drain timer and frees queued memory immediately, per
// spec §4.7 "Cancellation".
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.buckets = [3][]model.OutboundMessage{}
	close(q.closeCh)
}

// Package memstream provides an in-process fallback implementation of
// eventstream.Stream for when no distributed log is available. It offers
// the same publish/onBatch/shutdown contract but at-most-once semantics
// across process restarts, an explicit degradation per spec §4.1.
package memstream

import (
	"context"
	"sync"

	"github.com/google/uuid"

	leaderrors "github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/eventstream"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/resilience"
)

// Stream is an in-memory, single-process eventstream.Stream.
type Stream struct {
	mu       sync.RWMutex
	handlers []eventstream.BatchHandler
	batcher  *eventstream.Batcher
	retryCfg resilience.RetryConfig

	closed chan struct{}
	once   sync.Once
}

// New creates an in-process Stream.
func New(cfg eventstream.BatcherConfig, retryCfg resilience.RetryConfig) *Stream {
	if retryCfg.MaxAttempts == 0 {
		retryCfg = resilience.DefaultRetryConfig()
	}
	s := &Stream{retryCfg: retryCfg, closed: make(chan struct{})}
	s.batcher = eventstream.NewBatcher(cfg, s.dispatch)
	return s
}

// Publish validates and buffers event for the next batch flush. There is
// no durable log backing this stream: a process crash before flush loses
// unflushed events.
func (s *Stream) Publish(ctx context.Context, event model.ScoreEvent) (string, error) {
	if !event.Valid() {
		return "", leaderrors.InvalidScoreEvent("required fields missing or out of range")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	s.batcher.Add(event)
	return event.EventID, nil
}

// OnBatch registers a batch consumer.
func (s *Stream) OnBatch(handler eventstream.BatchHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *Stream) dispatch(batch model.Batch) {
	ctx := context.Background()

	s.mu.RLock()
	handlers := append([]eventstream.BatchHandler(nil), s.handlers...)
	s.mu.RUnlock()

	for _, h := range handlers {
		handler := h
		_ = resilience.Retry(ctx, s.retryCfg, func() error {
			return handler(ctx, batch)
		})
		// At-most-once: a handler that keeps failing simply drops the
		// batch after retry exhaustion rather than being redelivered.
	}
}

// Shutdown flushes any buffered batch.
func (s *Stream) Shutdown(ctx context.Context) error {
	s.batcher.Flush()
	s.once.Do(func() { close(s.closed) })
	return nil
}

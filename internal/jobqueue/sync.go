package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/resilience"
)

// Sync is the synchronous job-queue fallback of spec §4.9: "when the
// distributed queue is unavailable, callers may fall back to synchronous
// processing; this is an explicit, logged degradation." It runs the
// handler in the calling goroutine with the same per-type retry policy
// Redis would have applied, so callers see the same retry semantics either
// way — only the durability and out-of-process execution are lost.
type Sync struct {
	log *logging.Logger

	mu       sync.RWMutex
	handlers map[JobType]Handler
}

// NewSync creates a Sync fallback queue.
func NewSync(log *logging.Logger) *Sync {
	return &Sync{log: log, handlers: make(map[JobType]Handler)}
}

// Register installs the handler invoked for jobType.
func (s *Sync) Register(jobType JobType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

// Submit runs jobType's handler in-process, immediately, with retry.
func (s *Sync) Submit(ctx context.Context, jobType JobType, payload interface{}) error {
	s.mu.RLock()
	handler, ok := s.handlers[jobType]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("jobqueue: no handler registered for %s", jobType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	return resilience.Retry(ctx, policyFor(jobType), func() error {
		return handler(ctx, raw)
	})
}

var _ Queue = (*Sync)(nil)

// Fallback wraps a primary (distributed) queue and a Sync fallback.
// Submit tries primary first; if it fails, it logs the degradation and
// retries synchronously, per spec §4.9.
type Fallback struct {
	primary Queue
	sync    *Sync
	log     *logging.Logger
}

// NewFallback creates a Fallback over primary, falling back to a fresh Sync
// queue sharing the same handler registrations.
func NewFallback(primary Queue, log *logging.Logger) *Fallback {
	return &Fallback{primary: primary, sync: NewSync(log), log: log}
}

// Register installs h on both the primary queue and the synchronous
// fallback, so either path can serve it.
func (f *Fallback) Register(jobType JobType, h Handler) {
	f.primary.Register(jobType, h)
	f.sync.Register(jobType, h)
}

// Submit tries the primary queue; on failure it logs the degradation and
// processes the job synchronously instead.
func (f *Fallback) Submit(ctx context.Context, jobType JobType, payload interface{}) error {
	if err := f.primary.Submit(ctx, jobType, payload); err != nil {
		f.log.WithFields(map[string]interface{}{"queue": jobType}).WithError(err).
			Warn("jobqueue: distributed queue unavailable, falling back to synchronous processing")
		return f.sync.Submit(ctx, jobType, payload)
	}
	return nil
}

var _ Queue = (*Fallback)(nil)

// Package jobqueue implements the durable background job system of spec
// §4.9: three logical queues (race completion, leaderboard update,
// achievement check), each with its own retry policy, retained-job
// diagnostics via the storage contract, and a synchronous fallback for
// explicit, logged degradation when the distributed queue is unavailable.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	leaderrors "github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/metrics"
	"github.com/typemaster/leaderboard/internal/resilience"
	"github.com/typemaster/leaderboard/internal/storage"
)

// JobType names one of the three logical queues of spec §4.9.
type JobType string

const (
	QueueRaceCompletion    JobType = "race-completion"
	QueueLeaderboardUpdate JobType = "leaderboard-update"
	QueueAchievementCheck  JobType = "achievement-check"
)

const (
	retainedCompletedLimit = 50
	retainedFailedLimit    = 20
	blockTimeout           = 2 * time.Second
)

// policyFor returns the per-type retry policy of spec §4.9: "race-completion
// 3 attempts, exponential backoff starting 1s; leaderboard-update 3
// attempts, 0.5s; achievement-check 2 attempts, fixed 2s."
func policyFor(t JobType) resilience.RetryConfig {
	switch t {
	case QueueRaceCompletion:
		return resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second, Jitter: 0.2}
	case QueueLeaderboardUpdate:
		return resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second, Jitter: 0.2}
	case QueueAchievementCheck:
		return resilience.RetryConfig{MaxAttempts: 2, InitialDelay: 2 * time.Second, Multiplier: 1.0, MaxDelay: 2 * time.Second, Jitter: 0}
	default:
		return resilience.DefaultRetryConfig()
	}
}

// Handler processes one job's payload.
type Handler func(ctx context.Context, payload []byte) error

// Queue is implemented by both Redis (the durable, distributed queue) and
// Sync (the synchronous fallback), so callers depend on neither directly.
type Queue interface {
	Register(jobType JobType, h Handler)
	Submit(ctx context.Context, jobType JobType, payload interface{}) error
}

func queueKey(t JobType) string { return fmt.Sprintf("jobqueue:%s", t) }

// Redis is the durable, distributed job queue backed by Redis lists, with
// per-job retry and diagnostics persisted through storage.JobStore.
type Redis struct {
	client  *redis.Client
	store   storage.JobStore
	metrics *metrics.Metrics
	log     *logging.Logger

	mu       sync.RWMutex
	handlers map[JobType]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Redis job queue and starts one consumer goroutine per job
// type.
func New(client *redis.Client, store storage.JobStore, m *metrics.Metrics, log *logging.Logger) *Redis {
	r := &Redis{
		client:   client,
		store:    store,
		metrics:  m,
		log:      log,
		handlers: make(map[JobType]Handler),
		done:     make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for _, t := range []JobType{QueueRaceCompletion, QueueLeaderboardUpdate, QueueAchievementCheck} {
		go r.consumeLoop(ctx, t)
	}
	return r
}

// Register installs the handler invoked for jobs submitted to jobType.
func (r *Redis) Register(jobType JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Redis) handlerFor(jobType JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Submit enqueues payload onto jobType's queue and records it in storage
// with status "queued".
func (r *Redis) Submit(ctx context.Context, jobType JobType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	id := uuid.NewString()
	if _, err := r.store.CreateJob(ctx, storage.JobRecord{
		ID: id, Queue: string(jobType), Payload: raw, Status: "queued", CreatedAt: time.Now(),
	}); err != nil {
		r.log.WithError(err).Warn("persist queued job record failed")
	}

	entry, err := json.Marshal(queueEntry{ID: id, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := r.client.LPush(ctx, queueKey(jobType), entry).Err(); err != nil {
		return leaderrors.StoreUnavailable(err)
	}
	return nil
}

type queueEntry struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (r *Redis) consumeLoop(ctx context.Context, jobType JobType) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := r.client.BRPop(ctx, blockTimeout, queueKey(jobType)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("jobqueue: BRPOP failed")
			time.Sleep(time.Second)
			continue
		}
		// res[0] is the key name, res[1] the popped value.
		if len(res) != 2 {
			continue
		}
		var entry queueEntry
		if err := json.Unmarshal([]byte(res[1]), &entry); err != nil {
			r.log.WithError(err).Error("jobqueue: malformed queue entry")
			continue
		}
		r.process(ctx, jobType, entry)
	}
}

func (r *Redis) process(ctx context.Context, jobType JobType, entry queueEntry) {
	handler, ok := r.handlerFor(jobType)
	if !ok {
		r.log.WithFields(map[string]interface{}{"queue": jobType}).Warn("jobqueue: no handler registered, dropping job")
		return
	}

	attempts := 0
	policy := policyFor(jobType)
	runErr := resilience.Retry(ctx, policy, func() error {
		attempts++
		return handler(ctx, entry.Payload)
	})

	rec := storage.JobRecord{
		ID: entry.ID, Queue: string(jobType), Payload: entry.Payload,
		Attempts: attempts, FinishedAt: time.Now(),
	}
	if runErr != nil {
		rec.Status = "failed"
		rec.Error = runErr.Error()
		if r.metrics != nil {
			r.metrics.JobsFailedTotal.WithLabelValues(r.metrics.ServiceName, string(jobType)).Inc()
		}
		r.log.WithFields(map[string]interface{}{"queue": jobType, "job_id": entry.ID, "attempts": attempts}).
			WithError(runErr).Error("job failed after exhausting retries")
	} else {
		rec.Status = "completed"
		if r.metrics != nil {
			r.metrics.JobsProcessedTotal.WithLabelValues(r.metrics.ServiceName, string(jobType), rec.Status).Inc()
		}
	}
	if _, err := r.store.UpdateJob(ctx, rec); err != nil {
		r.log.WithError(err).Warn("persist job completion record failed")
	}
}

// Diagnostics returns the last completed and failed jobs retained for
// jobType, per spec §4.9's "retained jobs: last N completed (bounded) +
// last M failed for diagnostics."
func (r *Redis) Diagnostics(ctx context.Context, jobType JobType) (completed, failed []storage.JobRecord, err error) {
	completed, err = r.store.ListRetained(ctx, string(jobType), "completed", retainedCompletedLimit)
	if err != nil {
		return nil, nil, err
	}
	failed, err = r.store.ListRetained(ctx, string(jobType), "failed", retainedFailedLimit)
	if err != nil {
		return nil, nil, err
	}
	return completed, failed, nil
}

// Shutdown stops every consumer loop.
func (r *Redis) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
}

var _ Queue = (*Redis)(nil)

// Package redisstream implements eventstream.Stream on Redis Streams with
// consumer groups, batched dispatch, and a capped dead-letter queue
// (spec §4.1).
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	leaderrors "github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/eventstream"
	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/resilience"
)

const (
	streamKey      = "leaderboard:events"
	dlqKey         = "leaderboard:events:dlq"
	dlqMaxLen      = 10000
	consumerGroup  = "leaderboard-processors"
	readBlockDelay = 2 * time.Second
)

// Stream implements eventstream.Stream against a Redis Streams instance.
type Stream struct {
	client   *redis.Client
	consumer string
	batcher  *eventstream.Batcher
	retryCfg resilience.RetryConfig
	log      *logging.Logger

	mu       sync.RWMutex
	handlers []eventstream.BatchHandler

	ackMu   sync.Mutex
	pending []string // stream entry IDs belonging to the in-flight batch

	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures a redisstream.Stream.
type Config struct {
	ConsumerName string
	Batcher      eventstream.BatcherConfig
	Retry        resilience.RetryConfig
}

// New creates a redisstream.Stream, ensures the consumer group exists, and
// starts the background consume loop.
func New(client *redis.Client, cfg Config, log *logging.Logger) (*Stream, error) {
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = uuid.NewString()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	ctx := context.Background()
	err := client.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	s := &Stream{
		client:   client,
		consumer: cfg.ConsumerName,
		retryCfg: cfg.Retry,
		log:      log,
		done:     make(chan struct{}),
	}
	s.batcher = eventstream.NewBatcher(cfg.Batcher, s.dispatch)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.consumeLoop(runCtx)

	return s, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Publish appends event to the Redis stream after validation.
func (s *Stream) Publish(ctx context.Context, event model.ScoreEvent) (string, error) {
	if !event.Valid() {
		return "", leaderrors.InvalidScoreEvent("required fields missing or out of range")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal score event: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"event": payload},
	}).Result()
	if err != nil {
		return "", leaderrors.StoreUnavailable(err)
	}
	_ = id
	return event.EventID, nil
}

// OnBatch registers a batch consumer.
func (s *Stream) OnBatch(handler eventstream.BatchHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *Stream) consumeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: s.consumer,
			Streams:  []string{streamKey, ">"},
			Count:    int64(s.batcher.CapacityHint()),
			Block:    readBlockDelay,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			s.log.WithError(err).Warn("redisstream: XReadGroup failed")
			time.Sleep(time.Second)
			continue
		}

		for _, str := range streams {
			for _, msg := range str.Messages {
				s.handleMessage(ctx, msg)
			}
		}
	}
}

func (s *Stream) handleMessage(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values["event"]
	if !ok {
		s.ackAndDLQ(ctx, msg.ID, nil, "missing event field")
		return
	}
	payload, ok := raw.(string)
	if !ok {
		s.ackAndDLQ(ctx, msg.ID, nil, "event field not a string")
		return
	}

	var event model.ScoreEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.ackAndDLQ(ctx, msg.ID, []byte(payload), "unmarshal failure: "+err.Error())
		return
	}
	if !event.Valid() {
		s.ackAndDLQ(ctx, msg.ID, []byte(payload), "schema validation failure")
		return
	}

	s.ackMu.Lock()
	s.pending = append(s.pending, msg.ID)
	s.ackMu.Unlock()

	s.batcher.Add(event)
}

// dispatch is invoked by the batcher when a window/size flush fires. It
// delivers the batch to every registered handler with jittered retry, then
// acknowledges the underlying stream entries consumed since the last flush.
// A batch that still fails after its retries is copied to the DLQ first.
func (s *Stream) dispatch(batch model.Batch) {
	ctx := context.Background()

	s.mu.RLock()
	handlers := append([]eventstream.BatchHandler(nil), s.handlers...)
	s.mu.RUnlock()

	var lastErr error
	for _, h := range handlers {
		handler := h
		err := resilience.Retry(ctx, s.retryCfg, func() error {
			return handler(ctx, batch)
		})
		if err != nil {
			lastErr = err
		}
	}

	s.ackMu.Lock()
	ids := s.pending
	s.pending = nil
	s.ackMu.Unlock()

	if lastErr != nil {
		s.moveToDLQ(ctx, batch, lastErr)
	}
	if len(ids) > 0 {
		if err := s.client.XAck(ctx, streamKey, consumerGroup, ids...).Err(); err != nil {
			s.log.WithError(err).Warn("redisstream: ack failed")
		}
	}
}

func (s *Stream) moveToDLQ(ctx context.Context, batch model.Batch, cause error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		s.log.WithError(err).Error("redisstream: failed to marshal DLQ batch")
		return
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey,
		MaxLen: dlqMaxLen,
		Approx: true,
		Values: map[string]interface{}{"batch": payload, "error": cause.Error()},
	}).Err(); err != nil {
		s.log.WithError(err).Error("redisstream: failed to write DLQ entry")
	}
}

func (s *Stream) ackAndDLQ(ctx context.Context, id string, payload []byte, reason string) {
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey,
		MaxLen: dlqMaxLen,
		Approx: true,
		Values: map[string]interface{}{"original_id": id, "payload": string(payload), "error": reason},
	}).Err(); err != nil {
		s.log.WithError(err).Error("redisstream: failed to write DLQ entry")
	}
	if err := s.client.XAck(ctx, streamKey, consumerGroup, id).Err(); err != nil {
		s.log.WithError(err).Warn("redisstream: ack of DLQ'd entry failed")
	}
}

// Shutdown flushes any buffered batch and stops the consume loop.
func (s *Stream) Shutdown(ctx context.Context) error {
	s.batcher.Flush()
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

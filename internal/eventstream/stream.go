// Package eventstream defines the durable, append-only score-event stream
// contract (spec §4.1): publish with validation, at-least-once batch
// delivery to registered consumers, and graceful shutdown. Concrete
// implementations live in the redisstream and memstream subpackages.
package eventstream

import (
	"context"

	"github.com/typemaster/leaderboard/internal/model"
)

// BatchHandler processes one deduplicated batch of score events. A
// non-nil error causes the stream to retry delivery of the batch.
type BatchHandler func(ctx context.Context, batch model.Batch) error

// Stream is the durable, append-only score-event log described in spec §4.1.
type Stream interface {
	// Publish appends event to the log, returning its assigned eventId, or
	// an INGEST_INVALID error (an invariant-class ServiceError) if the
	// event fails validation.
	Publish(ctx context.Context, event model.ScoreEvent) (string, error)

	// OnBatch registers a batch consumer. Each batch is delivered to every
	// registered handler at-least-once.
	OnBatch(handler BatchHandler)

	// Shutdown flushes buffered batches and stops consumption.
	Shutdown(ctx context.Context) error
}

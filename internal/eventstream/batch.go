package eventstream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/typemaster/leaderboard/internal/model"
)

// BatcherConfig configures the shared windowing/dedup logic used by both
// stream implementations (spec §4.1).
type BatcherConfig struct {
	Window  time.Duration
	MaxSize int
}

// DefaultBatcherConfig matches the spec §4.1 defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{Window: 2000 * time.Millisecond, MaxSize: 100}
}

// Batcher accumulates raw events and flushes a deduplicated Batch either
// when the window elapses or MaxSize is reached, whichever comes first.
type Batcher struct {
	cfg     BatcherConfig
	mu      sync.Mutex
	pending []model.ScoreEvent
	timer   *time.Timer
	onFlush func(model.Batch)
}

// NewBatcher creates a Batcher that invokes onFlush for each completed batch.
func NewBatcher(cfg BatcherConfig, onFlush func(model.Batch)) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = 2000 * time.Millisecond
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	return &Batcher{cfg: cfg, onFlush: onFlush}
}

// CapacityHint returns the configured MaxSize, used by stream
// implementations to size their underlying read batches.
func (b *Batcher) CapacityHint() int {
	return b.cfg.MaxSize
}

// Add appends an event to the pending batch, flushing immediately if
// MaxSize is reached, and otherwise starting the window timer when the
// event is the first one pending.
func (b *Batcher) Add(event model.ScoreEvent) {
	b.mu.Lock()
	start := len(b.pending) == 0
	b.pending = append(b.pending, event)
	full := len(b.pending) >= b.cfg.MaxSize
	b.mu.Unlock()

	if full {
		b.Flush()
		return
	}
	if start {
		b.resetTimer()
	}
}

func (b *Batcher) resetTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.Window, b.Flush)
}

// Flush drains the pending buffer and invokes onFlush with the deduplicated
// batch. A no-op if nothing is pending.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	events := b.pending
	b.pending = nil
	b.mu.Unlock()

	start := events[0].Timestamp
	end := events[0].Timestamp
	for _, e := range events {
		if e.Timestamp < start {
			start = e.Timestamp
		}
		if e.Timestamp > end {
			end = e.Timestamp
		}
	}

	deduped := Dedupe(events)
	b.onFlush(model.Batch{
		BatchID:            uuid.NewString(),
		Events:             deduped,
		StartTime:          time.UnixMilli(start).UTC(),
		EndTime:            time.UnixMilli(end).UTC(),
		AffectedLanguages:  affectedLanguages(deduped),
		AffectedTimeframes: []model.Timeframe{model.TimeframeDaily, model.TimeframeWeekly, model.TimeframeMonthly, model.TimeframeAll},
	})
}

// Dedupe keeps, for each userId, only the highest-wpm event, breaking ties
// by the later timestamp (spec §3/§4.1).
func Dedupe(events []model.ScoreEvent) []model.ScoreEvent {
	best := make(map[string]model.ScoreEvent, len(events))
	order := make([]string, 0, len(events))
	for _, e := range events {
		cur, ok := best[e.UserID]
		if !ok {
			best[e.UserID] = e
			order = append(order, e.UserID)
			continue
		}
		if e.WPM > cur.WPM || (e.WPM == cur.WPM && e.Timestamp > cur.Timestamp) {
			best[e.UserID] = e
		}
	}
	result := make([]model.ScoreEvent, 0, len(order))
	for _, uid := range order {
		result = append(result, best[uid])
	}
	return result
}

func affectedLanguages(events []model.ScoreEvent) []string {
	seen := make(map[string]bool)
	var langs []string
	for _, e := range events {
		if !seen[e.Language] {
			seen[e.Language] = true
			langs = append(langs, e.Language)
		}
	}
	return langs
}

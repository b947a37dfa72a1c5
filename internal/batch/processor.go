// Package batch implements the Batch Processor of spec §4.2: it turns
// deduplicated score-event batches into leaderboard deltas, keeps the
// cache layer coherent, requests targeted view refreshes, and queries each
// event user's around-me window from the store.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/typemaster/leaderboard/internal/cache"
	"github.com/typemaster/leaderboard/internal/metrics"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/storage"
)

// Publisher delivers a Delta to the pub/sub channel for one leaderboard
// partition. Implemented by internal/pubsub.
type Publisher interface {
	PublishDelta(ctx context.Context, delta model.Delta) error
}

// Refresher requests a targeted materialized-view refresh. Implemented by
// internal/refresh.
type Refresher interface {
	RequestRefresh(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string, priority int)
}

// Priority order for refresh requests: daily > weekly > monthly > all
// (spec §4.2 step 3).
const (
	PriorityDaily = iota
	PriorityWeekly
	PriorityMonthly
	PriorityAll
)

var timeframePriority = map[model.Timeframe]int{
	model.TimeframeDaily:   PriorityDaily,
	model.TimeframeWeekly:  PriorityWeekly,
	model.TimeframeMonthly: PriorityMonthly,
	model.TimeframeAll:     PriorityAll,
}

// allTimeframes enumerates the timeframes materialized for every
// (mode, language) partition.
var allTimeframes = []model.Timeframe{model.TimeframeDaily, model.TimeframeWeekly, model.TimeframeMonthly, model.TimeframeAll}

// Config bounds the Processor's around-me window width and Top-N size.
type Config struct {
	AroundMeRange int
	TopN          int
}

// DefaultConfig matches the spec §4.2/§4.3 defaults.
func DefaultConfig() Config {
	return Config{AroundMeRange: 10, TopN: 100}
}

// modeLangKey groups batch events by (language, leaderboardMode), per
// spec §4.2 step 1.
type modeLangKey struct {
	Mode     model.LeaderboardMode
	Language string
}

// partitionKey additionally carries the timeframe, identifying one
// published Top-N view.
type partitionKey struct {
	Mode      model.LeaderboardMode
	Timeframe model.Timeframe
	Language  string
}

// Processor consumes deduplicated batches and is registered with an
// eventstream.Stream via OnBatch.
type Processor struct {
	cfg       Config
	cache     *cache.Tiered
	store     storage.LeaderboardStore
	publisher Publisher
	refresher Refresher
	metrics   *metrics.Metrics

	mu          sync.Mutex
	previousTop map[partitionKey]model.Snapshot
	versions    map[partitionKey]int64
}

// New creates a Processor.
func New(cfg Config, c *cache.Tiered, store storage.LeaderboardStore, publisher Publisher, refresher Refresher, m *metrics.Metrics) *Processor {
	return &Processor{
		cfg:         cfg,
		cache:       c,
		store:       store,
		publisher:   publisher,
		refresher:   refresher,
		metrics:     m,
		previousTop: make(map[partitionKey]model.Snapshot),
		versions:    make(map[partitionKey]int64),
	}
}

// HandleBatch implements eventstream.BatchHandler, executing spec §4.2
// steps 1-5 in order. Any failure returns an error so the stream retries
// the whole batch with jittered backoff.
func (p *Processor) HandleBatch(ctx context.Context, batch model.Batch) error {
	groups := make(map[modeLangKey][]model.ScoreEvent)
	for _, e := range batch.Events {
		key := modeLangKey{Mode: e.LeaderboardMode, Language: e.Language}
		groups[key] = append(groups[key], e)
	}

	for key, events := range groups {
		batchUsers := make(map[string]bool, len(events))
		for _, e := range events {
			batchUsers[e.UserID] = true
		}

		for _, tf := range allTimeframes {
			if err := p.cache.InvalidatePartition(ctx, key.Mode, tf, key.Language); err != nil {
				p.incErrors()
				return fmt.Errorf("invalidate partition %s/%s/%s: %w", key.Mode, tf, key.Language, err)
			}
			if p.refresher != nil {
				p.refresher.RequestRefresh(ctx, key.Mode, tf, key.Language, timeframePriority[tf])
			}
		}

		for _, tf := range allTimeframes {
			if err := p.publishDelta(ctx, key.Mode, tf, key.Language, batch.BatchID, batchUsers); err != nil {
				p.incErrors()
				return fmt.Errorf("publish delta %s/%s/%s: %w", key.Mode, tf, key.Language, err)
			}
		}

		for _, event := range events {
			if err := p.warmAroundMe(ctx, event, key); err != nil {
				p.incErrors()
				return fmt.Errorf("warm around-me for %s: %w", event.UserID, err)
			}
		}
	}

	return nil
}

func (p *Processor) incErrors() {
	if p.metrics != nil {
		p.metrics.ErrorsTotal.WithLabelValues(p.metrics.ServiceName, "batch_processor").Inc()
	}
}

func (p *Processor) publishDelta(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string, batchID string, batchUsers map[string]bool) error {
	q := storage.LeaderboardQuery{Mode: mode, Timeframe: timeframe, Language: language, Limit: p.cfg.TopN, Offset: 0}
	resp, err := p.cache.Read(ctx, q)
	if err != nil {
		return err
	}

	key := partitionKey{Mode: mode, Timeframe: timeframe, Language: language}
	current := model.Snapshot{
		Mode: mode, Timeframe: timeframe, Language: language,
		Entries: resp.Entries, Total: resp.Pagination.Total,
	}

	p.mu.Lock()
	previous := p.previousTop[key]
	p.versions[key]++
	version := p.versions[key]
	p.previousTop[key] = current
	p.mu.Unlock()

	delta := diffTopN(previous, current, version, batchID, p.cfg.TopN, batchUsers)
	if p.publisher == nil {
		return nil
	}
	return p.publisher.PublishDelta(ctx, delta)
}

// warmAroundMe queries the store for the event user's around-me window in
// every timeframe. The results are not written to any cache; the around-me
// cache is neither populated nor invalidated here.
func (p *Processor) warmAroundMe(ctx context.Context, event model.ScoreEvent, key modeLangKey) error {
	for _, tf := range allTimeframes {
		if _, _, err := p.store.QueryAroundMe(ctx, storage.AroundMeQuery{
			UserID: event.UserID, Mode: key.Mode, Timeframe: tf, Language: key.Language, Range: p.cfg.AroundMeRange,
		}); err != nil {
			return err
		}
	}
	return nil
}

// diffTopN computes a Delta per spec §4.2 "Delta computation": new entries
// for users absent from previous, improved/dropped for rank movement,
// unchanged entries only when the user appears in the current batch, and
// removed for users dropped out of the Top-N entirely.
func diffTopN(previous, current model.Snapshot, version int64, batchID string, topN int, batchUsers map[string]bool) model.Delta {
	prevRank := make(map[string]int, len(previous.Entries))
	for _, e := range previous.Entries {
		prevRank[e.UserID] = e.Rank
	}
	currUsers := make(map[string]bool, len(current.Entries))

	var changes []model.Change
	for _, e := range current.Entries {
		currUsers[e.UserID] = true
		oldRank, had := prevRank[e.UserID]

		var changeType model.ChangeType
		var oldRankPtr *int
		switch {
		case !had:
			changeType = model.ChangeNew
		case e.Rank < oldRank:
			changeType = model.ChangeImproved
			oldRankPtr = &oldRank
		case e.Rank > oldRank:
			changeType = model.ChangeDropped
			oldRankPtr = &oldRank
		default:
			changeType = model.ChangeUnchanged
			oldRankPtr = &oldRank
			if !batchUsers[e.UserID] {
				continue
			}
		}

		changes = append(changes, model.Change{
			UserID: e.UserID, OldRank: oldRankPtr, NewRank: e.Rank, ChangeType: changeType, Entry: e,
		})
	}

	var removed []string
	for userID := range prevRank {
		if !currUsers[userID] {
			removed = append(removed, userID)
		}
	}

	return model.Delta{
		Version: version, Mode: current.Mode, Timeframe: current.Timeframe, Language: current.Language,
		Changes: changes, Removed: removed, TopN: topN, BatchID: batchID,
	}
}

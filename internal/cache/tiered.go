package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/storage"
)

// Tiered composes the process-local LRU and the Redis-backed Distributed
// cache behind the read algorithm of spec §4.3.
type Tiered struct {
	local  *LRU
	remote *Distributed
	store  storage.LeaderboardStore
}

// NewTiered creates a Tiered cache.
func NewTiered(local *LRU, remote *Distributed, store storage.LeaderboardStore) *Tiered {
	return &Tiered{local: local, remote: remote, store: store}
}

// Read executes the spec §4.3 read algorithm: local LRU hit, then (for
// offset=0) a distributed Top-N hit hydrating the local cache, then a
// storage read that populates both tiers, falling back to a stale
// distributed snapshot if storage errors.
func (t *Tiered) Read(ctx context.Context, q storage.LeaderboardQuery) (model.PaginatedLeaderboardResponse, error) {
	key := Key{Mode: q.Mode, Timeframe: q.Timeframe, Language: q.Language, Limit: q.Limit, Offset: q.Offset}

	if resp, ok := t.local.Get(key); ok {
		resp.Metadata.CacheHit = true
		return resp, nil
	}

	if q.Offset == 0 && t.remote != nil {
		if snap, ok, err := t.remote.GetTopN(ctx, q.Mode, q.Timeframe, q.Language); err == nil && ok {
			resp := responseFromSnapshot(snap, q.Limit, true)
			t.local.Set(key, resp, t.local.TTLFor(q.Mode))
			return resp, nil
		}
	}

	page, err := t.store.QueryLeaderboard(ctx, q)
	if err != nil {
		if q.Offset == 0 && t.remote != nil {
			if snap, ok, staleErr := t.remote.GetTopN(ctx, q.Mode, q.Timeframe, q.Language); staleErr == nil && ok {
				return responseFromSnapshot(snap, q.Limit, true), nil
			}
		}
		return model.PaginatedLeaderboardResponse{}, err
	}

	resp := responseFromPage(page, q, false)
	resp = t.local.Set(key, resp, t.local.TTLFor(q.Mode))

	if q.Offset == 0 && t.remote != nil {
		snap := snapshotFromPage(page, q)
		_ = t.remote.SetTopN(ctx, snap)
	}

	return resp, nil
}

// InvalidatePartition evicts local entries for (mode, timeframe, language)
// and the shared Top-N/snapshot keys, called by the batch processor after
// a batch affecting that partition (spec §4.2).
func (t *Tiered) InvalidatePartition(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) error {
	key := Key{Mode: mode, Timeframe: timeframe, Language: language}
	t.local.InvalidatePrefix(key.Prefix())
	if t.remote == nil {
		return nil
	}
	return t.remote.InvalidateKeys(ctx, TopNKey(mode, timeframe, language), SnapshotKey(mode, timeframe, language))
}

func responseFromPage(page storage.LeaderboardPage, q storage.LeaderboardQuery, cacheHit bool) model.PaginatedLeaderboardResponse {
	hasMore := q.Offset+len(page.Entries) < page.Total
	return model.PaginatedLeaderboardResponse{
		Entries: page.Entries,
		Pagination: model.Pagination{
			Total: page.Total, Limit: q.Limit, Offset: q.Offset, HasMore: hasMore,
		},
		Metadata: model.ResponseMetadata{
			CacheHit: cacheHit, Timeframe: q.Timeframe, LastUpdated: time.Now().UTC(),
		},
	}
}

func responseFromSnapshot(snap model.Snapshot, limit int, cacheHit bool) model.PaginatedLeaderboardResponse {
	entries := snap.Entries
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return model.PaginatedLeaderboardResponse{
		Entries: entries,
		Pagination: model.Pagination{
			Total: snap.Total, Limit: limit, Offset: 0, HasMore: snap.Total > len(entries),
		},
		Metadata: model.ResponseMetadata{
			CacheHit: cacheHit, Timeframe: snap.Timeframe, LastUpdated: snap.GeneratedAt, ETag: ETag(mustMarshal(entries)),
		},
	}
}

func mustMarshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func snapshotFromPage(page storage.LeaderboardPage, q storage.LeaderboardQuery) model.Snapshot {
	now := time.Now().UTC()
	return model.Snapshot{
		Mode: q.Mode, Timeframe: q.Timeframe, Language: q.Language,
		Entries: page.Entries, Total: page.Total, GeneratedAt: now, ExpiresAt: now.Add(60 * time.Second),
	}
}

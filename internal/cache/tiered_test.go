package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/storage"
)

type fakeLeaderboardStore struct {
	page storage.LeaderboardPage
	err  error
	hits int
}

func (f *fakeLeaderboardStore) QueryLeaderboard(ctx context.Context, q storage.LeaderboardQuery) (storage.LeaderboardPage, error) {
	f.hits++
	if f.err != nil {
		return storage.LeaderboardPage{}, f.err
	}
	return f.page, nil
}

func (f *fakeLeaderboardStore) QueryAroundMe(ctx context.Context, q storage.AroundMeQuery) ([]model.LeaderboardEntry, int, error) {
	return nil, 0, nil
}

func (f *fakeLeaderboardStore) SubmitScore(ctx context.Context, event model.ScoreEvent) error {
	return nil
}

func (f *fakeLeaderboardStore) RecentScores(ctx context.Context, userID string, sameDifficulty int, limit int) ([]model.ScoreEvent, error) {
	return nil, nil
}

func TestTiered_StorageQueryPopulatesLocalCache(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()

	store := &fakeLeaderboardStore{page: storage.LeaderboardPage{
		Entries: []model.LeaderboardEntry{{UserID: "u1", Rank: 1}},
		Total:   1,
	}}
	tiered := NewTiered(NewLRU(DefaultLRUConfig()), NewDistributed(client, DefaultDistributedConfig()), store)

	q := storage.LeaderboardQuery{Mode: model.ModeGlobal, Timeframe: model.TimeframeDaily, Language: "en", Limit: 10, Offset: 0}

	resp, err := tiered.Read(ctx, q)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if resp.Metadata.CacheHit {
		t.Error("expected first read to be a storage miss")
	}
	if store.hits != 1 {
		t.Fatalf("expected one storage query, got %d", store.hits)
	}

	resp2, err := tiered.Read(ctx, q)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !resp2.Metadata.CacheHit {
		t.Error("expected second read to hit the local cache")
	}
	if store.hits != 1 {
		t.Errorf("expected no additional storage query, got %d total", store.hits)
	}

	if err := tiered.InvalidatePartition(ctx, q.Mode, q.Timeframe, q.Language); err != nil {
		t.Fatalf("invalidate partition: %v", err)
	}

	if _, err := tiered.Read(ctx, q); err != nil {
		t.Fatalf("read after invalidation: %v", err)
	}
	if store.hits != 2 {
		t.Errorf("expected a fresh storage query after invalidation, got %d total", store.hits)
	}
}

func TestTiered_FallsBackToStaleSnapshotOnStorageError(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()

	seedStore := &fakeLeaderboardStore{page: storage.LeaderboardPage{
		Entries: []model.LeaderboardEntry{{UserID: "u1", Rank: 1}},
		Total:   1,
	}}
	distributed := NewDistributed(client, DefaultDistributedConfig())
	seeder := NewTiered(NewLRU(DefaultLRUConfig()), distributed, seedStore)

	q := storage.LeaderboardQuery{Mode: model.ModeGlobal, Timeframe: model.TimeframeDaily, Language: "fr", Limit: 10, Offset: 0}
	if _, err := seeder.Read(ctx, q); err != nil {
		t.Fatalf("seed read: %v", err)
	}

	failingStore := &fakeLeaderboardStore{err: errors.New("storage unavailable")}
	tiered := NewTiered(NewLRU(DefaultLRUConfig()), distributed, failingStore)

	resp, err := tiered.Read(ctx, q)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if !resp.Metadata.CacheHit {
		t.Error("expected stale snapshot fallback to report a cache hit")
	}
	if len(resp.Entries) != 1 || resp.Entries[0].UserID != "u1" {
		t.Errorf("unexpected fallback entries: %+v", resp.Entries)
	}
}

func TestTiered_SurfacesStorageErrorWithNoStaleSnapshot(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()

	store := &fakeLeaderboardStore{err: errors.New("storage unavailable")}
	tiered := NewTiered(NewLRU(DefaultLRUConfig()), NewDistributed(client, DefaultDistributedConfig()), store)

	q := storage.LeaderboardQuery{Mode: model.ModeStress, Timeframe: model.TimeframeWeekly, Language: "de", Limit: 10, Offset: 0}
	if _, err := tiered.Read(ctx, q); err == nil {
		t.Fatal("expected error to surface when no stale snapshot exists")
	}
}

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/model"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDistributed_TopNRoundTripIntegration(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()
	d := NewDistributed(client, DefaultDistributedConfig())

	snap := model.Snapshot{
		Mode: model.ModeGlobal, Timeframe: model.TimeframeDaily, Language: "en",
		Entries: []model.LeaderboardEntry{{UserID: "u1", Rank: 1}},
		Total:   1, GeneratedAt: time.Now().UTC(),
	}
	if err := d.SetTopN(ctx, snap); err != nil {
		t.Fatalf("set top-n: %v", err)
	}

	got, ok, err := d.GetTopN(ctx, model.ModeGlobal, model.TimeframeDaily, "en")
	if err != nil {
		t.Fatalf("get top-n: %v", err)
	}
	if !ok {
		t.Fatal("expected top-n hit")
	}
	if len(got.Entries) != 1 || got.Entries[0].UserID != "u1" {
		t.Errorf("unexpected top-n entries: %+v", got.Entries)
	}

	_ = d.InvalidateKeys(ctx, TopNKey(model.ModeGlobal, model.TimeframeDaily, "en"))
	if _, ok, _ := d.GetTopN(ctx, model.ModeGlobal, model.TimeframeDaily, "en"); ok {
		t.Error("expected top-n to be invalidated")
	}
}

func TestDistributed_AroundMeRoundTripIntegration(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()
	d := NewDistributed(client, DefaultDistributedConfig())

	cache := model.AroundMeCache{
		UserID: "u1", UserRank: 5, Mode: model.ModeGlobal, Timeframe: model.TimeframeDaily, Language: "en",
		CachedAt: time.Now().UTC(),
	}
	if err := d.SetAroundMe(ctx, cache); err != nil {
		t.Fatalf("set around-me: %v", err)
	}

	got, ok, err := d.GetAroundMe(ctx, "u1", model.ModeGlobal, model.TimeframeDaily, "en")
	if err != nil {
		t.Fatalf("get around-me: %v", err)
	}
	if !ok || got.UserRank != 5 {
		t.Fatalf("unexpected around-me cache: %+v", got)
	}

	if err := d.InvalidateAroundMe(ctx, "u1", model.ModeGlobal, model.TimeframeDaily, "en"); err != nil {
		t.Fatalf("invalidate around-me: %v", err)
	}
	if _, ok, _ := d.GetAroundMe(ctx, "u1", model.ModeGlobal, model.TimeframeDaily, "en"); ok {
		t.Error("expected around-me to be invalidated")
	}
}

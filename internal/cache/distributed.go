package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/model"
)

// DistributedConfig bounds the TTLs of the shared Redis caches (spec §4.3).
type DistributedConfig struct {
	TopNTTL     time.Duration
	SnapshotTTL time.Duration
	AroundMeTTL time.Duration
}

// DefaultDistributedConfig matches the spec §4.3 defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		TopNTTL:     60 * time.Second,
		SnapshotTTL: 60 * time.Second,
		AroundMeTTL: 5 * time.Second,
	}
}

// Distributed is the Redis-backed shared Top-N, snapshot, and around-me
// cache layer.
type Distributed struct {
	client *redis.Client
	cfg    DistributedConfig
}

// NewDistributed creates a Distributed cache.
func NewDistributed(client *redis.Client, cfg DistributedConfig) *Distributed {
	return &Distributed{client: client, cfg: cfg}
}

// GetTopN reads the shared Top-N snapshot for a partition, if present.
func (d *Distributed) GetTopN(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) (model.Snapshot, bool, error) {
	return d.getSnapshot(ctx, TopNKey(mode, timeframe, language))
}

// SetTopN writes the shared Top-N snapshot for a partition.
func (d *Distributed) SetTopN(ctx context.Context, snap model.Snapshot) error {
	return d.setSnapshot(ctx, TopNKey(snap.Mode, snap.Timeframe, snap.Language), snap, d.cfg.TopNTTL)
}

// GetSnapshot reads the anonymous/CDN snapshot cache for a partition.
func (d *Distributed) GetSnapshot(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) (model.Snapshot, bool, error) {
	return d.getSnapshot(ctx, SnapshotKey(mode, timeframe, language))
}

// SetSnapshot writes the anonymous/CDN snapshot cache for a partition.
func (d *Distributed) SetSnapshot(ctx context.Context, snap model.Snapshot) error {
	return d.setSnapshot(ctx, SnapshotKey(snap.Mode, snap.Timeframe, snap.Language), snap, d.cfg.SnapshotTTL)
}

func (d *Distributed) getSnapshot(ctx context.Context, key string) (model.Snapshot, bool, error) {
	raw, err := d.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return snap, true, nil
}

func (d *Distributed) setSnapshot(ctx context.Context, key string, snap model.Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := d.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetAroundMe reads a user's around-me window.
func (d *Distributed) GetAroundMe(ctx context.Context, userID string, mode model.LeaderboardMode, timeframe model.Timeframe, language string) (model.AroundMeCache, bool, error) {
	key := AroundMeKey(userID, mode, timeframe, language)
	raw, err := d.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return model.AroundMeCache{}, false, nil
	}
	if err != nil {
		return model.AroundMeCache{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	var cache model.AroundMeCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		return model.AroundMeCache{}, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return cache, true, nil
}

// SetAroundMe writes a user's around-me window with the configured short TTL.
func (d *Distributed) SetAroundMe(ctx context.Context, cache model.AroundMeCache) error {
	key := AroundMeKey(cache.UserID, cache.Mode, cache.Timeframe, cache.Language)
	raw, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("marshal around-me cache: %w", err)
	}
	if err := d.client.Set(ctx, key, raw, d.cfg.AroundMeTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// InvalidateAroundMe removes a user's around-me cache, called on score
// submission (spec §4.3).
func (d *Distributed) InvalidateAroundMe(ctx context.Context, userID string, mode model.LeaderboardMode, timeframe model.Timeframe, language string) error {
	key := AroundMeKey(userID, mode, timeframe, language)
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// InvalidateKeys deletes an explicit list of shared keys (key-list
// invalidation in the distributed layer, spec §4.3).
func (d *Distributed) InvalidateKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del keys: %w", err)
	}
	return nil
}

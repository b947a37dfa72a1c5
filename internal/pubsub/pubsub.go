// Package pubsub is a thin Redis pub/sub wrapper for the cross-server
// channels named throughout spec §4: leaderboard delta updates, local/
// cross-server broadcast bridging, race lifecycle events, and connection
// termination signals.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/model"
)

// Channel name builders matching spec §4.2/§4.6/§4.5/§4.8.
func DeltaChannel(mode model.LeaderboardMode, timeframe model.Timeframe, language string) string {
	return fmt.Sprintf("leaderboard:updates:%s:%s:%s", mode, timeframe, language)
}

func BroadcastChannel(mode model.LeaderboardMode, timeframe model.Timeframe, language string) string {
	return fmt.Sprintf("leaderboard:broadcast:%s:%s:%s", mode, timeframe, language)
}

func RaceEventsChannel(raceID string) string {
	return fmt.Sprintf("race:%s:events", raceID)
}

func TerminateChannel(serverID string) string {
	return fmt.Sprintf("leaderboard:terminate:%s", serverID)
}

// Bus publishes and subscribes to Redis pub/sub channels.
type Bus struct {
	client *redis.Client
}

// New creates a Bus.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish marshals payload to JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription wraps a Redis pub/sub subscription to one or more channels.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe opens a subscription to the given channels.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *Subscription {
	return &Subscription{pubsub: b.client.Subscribe(ctx, channels...)}
}

// Channel exposes the raw Redis message channel for reading.
func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// PublishDelta implements batch.Publisher, publishing a Delta on the
// spec §4.2 channel `leaderboard:updates:{mode}:{timeframe}:{language}`.
func (b *Bus) PublishDelta(ctx context.Context, delta model.Delta) error {
	return b.Publish(ctx, DeltaChannel(delta.Mode, delta.Timeframe, delta.Language), delta)
}

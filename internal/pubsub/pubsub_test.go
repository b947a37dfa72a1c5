package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/model"
)

func TestChannelNameBuilders(t *testing.T) {
	if got, want := DeltaChannel(model.ModeGlobal, model.TimeframeDaily, "en"), "leaderboard:updates:global:daily:en"; got != want {
		t.Errorf("DeltaChannel() = %q, want %q", got, want)
	}
	if got, want := BroadcastChannel(model.ModeGlobal, model.TimeframeDaily, "en"), "leaderboard:broadcast:global:daily:en"; got != want {
		t.Errorf("BroadcastChannel() = %q, want %q", got, want)
	}
	if got, want := RaceEventsChannel("race1"), "race:race1:events"; got != want {
		t.Errorf("RaceEventsChannel() = %q, want %q", got, want)
	}
	if got, want := TerminateChannel("srv1"), "leaderboard:terminate:srv1"; got != want {
		t.Errorf("TerminateChannel() = %q, want %q", got, want)
	}
}

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBus_PublishDeltaDeliversToSubscriberIntegration(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := New(client)
	sub := bus.Subscribe(ctx, DeltaChannel(model.ModeGlobal, model.TimeframeDaily, "en"))
	defer sub.Close()

	time.Sleep(50 * time.Millisecond) // allow subscription to register

	delta := model.Delta{Version: 1, Mode: model.ModeGlobal, Timeframe: model.TimeframeDaily, Language: "en"}
	if err := bus.PublishDelta(ctx, delta); err != nil {
		t.Fatalf("PublishDelta: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload == "" {
			t.Error("expected non-empty delta payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delta message")
	}
}

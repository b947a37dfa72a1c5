package redisstream

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/eventstream"
	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/resilience"
)

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

func TestIsBusyGroupErr(t *testing.T) {
	if !isBusyGroupErr(errBusyGroup{}) {
		t.Error("expected BUSYGROUP error to be recognized")
	}
	if isBusyGroupErr(nil) {
		t.Error("expected nil error to not be recognized as BUSYGROUP")
	}
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string { return "BUSYGROUP Consumer Group name already exists" }

func TestStream_PublishAndConsumeIntegration(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	client.Del(ctx, streamKey, dlqKey)
	client.Del(ctx, streamKey+":group-cleanup")

	log := logging.New("eventstream-test", "error", "text")
	s, err := New(client, Config{
		ConsumerName: "test-consumer",
		Batcher:      eventstream.BatcherConfig{Window: 50 * time.Millisecond, MaxSize: 100},
		Retry:        resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond},
	}, log)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Shutdown(ctx)

	var mu sync.Mutex
	var gotCount int
	done := make(chan struct{}, 1)
	s.OnBatch(func(ctx context.Context, batch model.Batch) error {
		mu.Lock()
		gotCount += len(batch.Events)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	_, err = s.Publish(ctx, model.ScoreEvent{
		UserID: "u1", Username: "alice", Language: "en",
		LeaderboardMode: model.ModeGlobal, WPM: 90, Accuracy: 95,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected batch delivery via consumer group")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCount != 1 {
		t.Errorf("expected 1 event delivered, got %d", gotCount)
	}
}

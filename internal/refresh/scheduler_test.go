package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
)

func TestScheduler_RequestRefreshDebouncesBursts(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	s := New(Config{Interval: time.Hour, Debounce: 20 * time.Millisecond}, fn, nil, nil, nil)

	for i := 0; i < 5; i++ {
		s.RequestRefresh(context.Background(), model.ModeGlobal, model.TimeframeDaily, "en", 0)
	}

	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected bursts to debounce into exactly 1 call, got %d", got)
	}
}

func TestScheduler_CoalescesTriggerWhileInProgress(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	var once sync.Once

	fn := func(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-release
		}
		return nil
	}

	s := New(Config{Interval: time.Hour, Debounce: time.Millisecond}, fn, nil, nil, nil)

	s.RequestRefresh(context.Background(), model.ModeGlobal, model.TimeframeDaily, "en", 0)
	time.Sleep(10 * time.Millisecond) // let the first refresh start and block on release

	for i := 0; i < 4; i++ {
		s.RequestRefresh(context.Background(), model.ModeGlobal, model.TimeframeDaily, "en", 0)
	}
	time.Sleep(10 * time.Millisecond)

	once.Do(func() { close(release) })
	time.Sleep(30 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected in-progress refresh to coalesce the burst into exactly 1 rerun (2 total calls), got %d", got)
	}
}

func TestScheduler_IndependentViewsRefreshIndependently(t *testing.T) {
	seen := make(map[string]int)
	var mu sync.Mutex
	fn := func(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) error {
		mu.Lock()
		seen[string(language)]++
		mu.Unlock()
		return nil
	}

	s := New(Config{Interval: time.Hour, Debounce: 5 * time.Millisecond}, fn, nil, nil, nil)
	s.RequestRefresh(context.Background(), model.ModeGlobal, model.TimeframeDaily, "en", 0)
	s.RequestRefresh(context.Background(), model.ModeGlobal, model.TimeframeDaily, "fr", 0)

	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if seen["en"] != 1 || seen["fr"] != 1 {
		t.Errorf("expected each distinct view to refresh once, got %+v", seen)
	}
}

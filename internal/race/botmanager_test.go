package race

import (
	"context"
	"testing"
	"time"

	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/model"
)

func TestBotManager_EnsureFilled_AddsMissingBots(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()

	result, err := c.CreateRoom(ctx, "global", 4, model.Participant{UserID: "u1"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	bm := NewBotManager(c, logging.New("test", "error", "text"))
	if err := bm.EnsureFilled(ctx, result.Race.RaceID, 3); err != nil {
		t.Fatalf("ensure filled: %v", err)
	}

	participants, err := c.ListParticipants(ctx, result.Race.RaceID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 3 {
		t.Fatalf("expected 3 participants (1 human + 2 bots), got %d", len(participants))
	}
}

func TestBotManager_EnsureFilled_NoOpWhenAlreadyFull(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()

	result, _ := c.CreateRoom(ctx, "global", 4, model.Participant{UserID: "u1"})
	bm := NewBotManager(c, logging.New("test", "error", "text"))

	if err := bm.EnsureFilled(ctx, result.Race.RaceID, 1); err != nil {
		t.Fatalf("ensure filled: %v", err)
	}
	participants, _ := c.ListParticipants(ctx, result.Race.RaceID)
	if len(participants) != 1 {
		t.Fatalf("expected no bots added, got %d participants", len(participants))
	}
}

func TestBotManager_EnsureFilled_NoOpWhenRaceNotWaiting(t *testing.T) {
	c, cache, _ := newTestCoordinator()
	ctx := context.Background()

	result, _ := c.CreateRoom(ctx, "global", 4, model.Participant{UserID: "u1"})
	race, _, _ := cache.GetRace(ctx, result.Race.RaceID)
	race.Status = model.RaceRacing
	cache.CreateRace(ctx, race)

	bm := NewBotManager(c, logging.New("test", "error", "text"))
	if err := bm.EnsureFilled(ctx, result.Race.RaceID, 4); err != nil {
		t.Fatalf("ensure filled: %v", err)
	}
	participants, _ := c.ListParticipants(ctx, result.Race.RaceID)
	if len(participants) != 1 {
		t.Fatalf("expected no bots added once race left waiting, got %d", len(participants))
	}
}

func TestBotTiers_ProduceNonZeroProgressIncrement(t *testing.T) {
	for _, tier := range botTiers {
		if tier.wpmMean <= 0 {
			t.Errorf("tier %s has non-positive mean WPM", tier.name)
		}
	}
	// Sanity check the countdown/tick constants are small enough for fast
	// simulated races rather than real-world countdowns.
	if botCountdown > 10*time.Second {
		t.Error("bot countdown unexpectedly long")
	}
}

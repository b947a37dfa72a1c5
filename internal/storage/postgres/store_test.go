package postgres

import (
	"testing"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/storage"
)

func TestStoreScoreAndLeaderboardIntegration(t *testing.T) {
	store, ctx := newTestStore(t)

	event := model.ScoreEvent{
		UserID: "u1", Username: "alice", WPM: 95.5, Accuracy: 98.2,
		Mode: 60, Language: "english", LeaderboardMode: model.ModeGlobal,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := store.SubmitScore(ctx, event); err != nil {
		t.Fatalf("submit score: %v", err)
	}

	recent, err := store.RecentScores(ctx, "u1", 60, 5)
	if err != nil {
		t.Fatalf("recent scores: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent score, got %d", len(recent))
	}
	if recent[0].Username != "alice" {
		t.Fatalf("expected alice, got %s", recent[0].Username)
	}
}

func TestStoreRaceLifecycleIntegration(t *testing.T) {
	store, ctx := newTestStore(t)

	race, err := store.CreateRace(ctx, model.Race{
		Status: model.RaceWaiting, Mode: "standard", MaxPlayers: 4,
		TextSource: "quote-1", TimeLimitSeconds: 60, RoomCode: "ABC123",
	})
	if err != nil {
		t.Fatalf("create race: %v", err)
	}
	if race.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", race.Version)
	}

	byCode, err := store.GetRaceByRoomCode(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get race by room code: %v", err)
	}
	if byCode.RaceID != race.RaceID {
		t.Fatalf("expected matching race id")
	}

	participant, err := store.AddParticipant(ctx, model.Participant{
		RaceID: race.RaceID, UserID: "u1", Username: "alice",
	})
	if err != nil {
		t.Fatalf("add participant: %v", err)
	}

	participants, err := store.ListParticipants(ctx, race.RaceID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(participants))
	}

	participant.Progress = 50
	participant.WPM = 80
	if _, err := store.UpdateParticipant(ctx, participant); err != nil {
		t.Fatalf("update participant: %v", err)
	}

	race.Status = model.RaceRacing
	race.Version = 2
	if _, err := store.UpdateRace(ctx, race); err != nil {
		t.Fatalf("update race: %v", err)
	}
}

func TestStoreJobRetentionIntegration(t *testing.T) {
	store, ctx := newTestStore(t)

	rec, err := store.CreateJob(ctx, storage.JobRecord{
		Queue: "race-completion", Payload: []byte(`{}`), Status: "completed",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	retained, err := store.ListRetained(ctx, "race-completion", "completed", 10)
	if err != nil {
		t.Fatalf("list retained jobs: %v", err)
	}
	if len(retained) != 1 || retained[0].ID != rec.ID {
		t.Fatalf("expected retained job to be retrievable")
	}
}

// Package storage defines the abstract persistence contracts the core
// depends on (spec §6): paginated leaderboard reads, around-user windows,
// race/participant CRUD, score-submission persistence, job persistence, and
// stress-test history lookups. Concrete implementations live in
// internal/storage/postgres.
package storage

import (
	"context"
	"time"

	"github.com/typemaster/leaderboard/internal/model"
)

// LeaderboardQuery selects a page of a leaderboard partition.
type LeaderboardQuery struct {
	Mode      model.LeaderboardMode
	Timeframe model.Timeframe
	Language  string
	Limit     int
	Offset    int
}

// LeaderboardPage is one page of ranked entries plus the total row count.
type LeaderboardPage struct {
	Entries []model.LeaderboardEntry
	Total   int
}

// AroundMeQuery selects a user-centered window of a leaderboard partition.
type AroundMeQuery struct {
	UserID    string
	Mode      model.LeaderboardMode
	Timeframe model.Timeframe
	Language  string
	Range     int
}

// JobRecord is a persisted job-queue entry for diagnostics retention
// (spec §4.9).
type JobRecord struct {
	ID         string
	Queue      string
	Payload    []byte
	Status     string
	Attempts   int
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// LeaderboardStore serves paginated leaderboard reads and score submission
// persistence.
type LeaderboardStore interface {
	QueryLeaderboard(ctx context.Context, q LeaderboardQuery) (LeaderboardPage, error)
	QueryAroundMe(ctx context.Context, q AroundMeQuery) ([]model.LeaderboardEntry, int, error)
	SubmitScore(ctx context.Context, event model.ScoreEvent) error
	RecentScores(ctx context.Context, userID string, sameDifficulty int, limit int) ([]model.ScoreEvent, error)
}

// RaceStore persists race and participant state.
type RaceStore interface {
	CreateRace(ctx context.Context, race model.Race) (model.Race, error)
	GetRace(ctx context.Context, raceID string) (model.Race, error)
	GetRaceByRoomCode(ctx context.Context, roomCode string) (model.Race, error)
	UpdateRace(ctx context.Context, race model.Race) (model.Race, error)
	AddParticipant(ctx context.Context, p model.Participant) (model.Participant, error)
	ListParticipants(ctx context.Context, raceID string) ([]model.Participant, error)
	UpdateParticipant(ctx context.Context, p model.Participant) (model.Participant, error)
}

// JobStore persists job-queue records for retry tracking and diagnostics.
type JobStore interface {
	CreateJob(ctx context.Context, rec JobRecord) (JobRecord, error)
	UpdateJob(ctx context.Context, rec JobRecord) (JobRecord, error)
	ListRetained(ctx context.Context, queue string, status string, limit int) ([]JobRecord, error)
}

// Store composes all persistence contracts the core depends on.
type Store interface {
	LeaderboardStore
	RaceStore
	JobStore
}

// Package postgres implements storage.Store backed by PostgreSQL via
// database/sql and github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a PostgreSQL connection pool and applies the pool-sizing
// parameters from config.DatabaseConfig.
func Open(driver, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

// --- LeaderboardStore --------------------------------------------------------

func (s *Store) QueryLeaderboard(ctx context.Context, q storage.LeaderboardQuery) (storage.LeaderboardPage, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM leaderboard_entries
		WHERE mode = $1 AND timeframe = $2 AND language = $3
	`, q.Mode, q.Timeframe, q.Language).Scan(&total); err != nil {
		return storage.LeaderboardPage{}, fmt.Errorf("count leaderboard entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, wpm, accuracy, rank, avatar_color, is_verified
		FROM leaderboard_entries
		WHERE mode = $1 AND timeframe = $2 AND language = $3
		ORDER BY rank
		LIMIT $4 OFFSET $5
	`, q.Mode, q.Timeframe, q.Language, q.Limit, q.Offset)
	if err != nil {
		return storage.LeaderboardPage{}, fmt.Errorf("query leaderboard entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		e, err := scanLeaderboardEntry(rows)
		if err != nil {
			return storage.LeaderboardPage{}, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return storage.LeaderboardPage{}, err
	}

	return storage.LeaderboardPage{Entries: entries, Total: total}, nil
}

func (s *Store) QueryAroundMe(ctx context.Context, q storage.AroundMeQuery) ([]model.LeaderboardEntry, int, error) {
	var userRank int
	if err := s.db.QueryRowContext(ctx, `
		SELECT rank FROM leaderboard_entries
		WHERE user_id = $1 AND mode = $2 AND timeframe = $3 AND language = $4
	`, q.UserID, q.Mode, q.Timeframe, q.Language).Scan(&userRank); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("lookup user rank: %w", err)
	}

	low := userRank - q.Range
	if low < 1 {
		low = 1
	}
	high := userRank + q.Range

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, wpm, accuracy, rank, avatar_color, is_verified
		FROM leaderboard_entries
		WHERE mode = $1 AND timeframe = $2 AND language = $3 AND rank BETWEEN $4 AND $5
		ORDER BY rank
	`, q.Mode, q.Timeframe, q.Language, low, high)
	if err != nil {
		return nil, 0, fmt.Errorf("query around-me entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		e, err := scanLeaderboardEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, userRank, rows.Err()
}

func (s *Store) SubmitScore(ctx context.Context, event model.ScoreEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO score_events (event_id, user_id, username, wpm, accuracy, mode, language, leaderboard_mode, occurred_at, test_result_id, is_verified, avatar_color)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.UserID, event.Username, event.WPM, event.Accuracy, event.Mode, event.Language,
		event.LeaderboardMode, time.UnixMilli(event.Timestamp).UTC(), toNullString(event.TestResultID), event.IsVerified, toNullString(event.AvatarColor))
	if err != nil {
		return fmt.Errorf("submit score event: %w", err)
	}
	return nil
}

func (s *Store) RecentScores(ctx context.Context, userID string, sameDifficulty int, limit int) ([]model.ScoreEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, username, wpm, accuracy, mode, language, leaderboard_mode, occurred_at, test_result_id, is_verified, avatar_color
		FROM score_events
		WHERE user_id = $1 AND mode = $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, userID, sameDifficulty, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent scores: %w", err)
	}
	defer rows.Close()

	var events []model.ScoreEvent
	for rows.Next() {
		e, err := scanScoreEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- RaceStore ---------------------------------------------------------------

func (s *Store) CreateRace(ctx context.Context, race model.Race) (model.Race, error) {
	if race.RaceID == "" {
		race.RaceID = uuid.NewString()
	}
	race.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO races (race_id, status, mode, started_at, finished_at, room_code, is_private, max_players, text_source, time_limit_seconds, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, race.RaceID, race.Status, race.Mode, toNullTimePtr(race.StartedAt), toNullTimePtr(race.FinishedAt),
		toNullString(race.RoomCode), race.IsPrivate, race.MaxPlayers, race.TextSource, race.TimeLimitSeconds, race.Version)
	if err != nil {
		return model.Race{}, fmt.Errorf("create race: %w", err)
	}
	return race, nil
}

func (s *Store) GetRace(ctx context.Context, raceID string) (model.Race, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT race_id, status, mode, started_at, finished_at, room_code, is_private, max_players, text_source, time_limit_seconds, version
		FROM races WHERE race_id = $1
	`, raceID)
	return scanRace(row)
}

func (s *Store) GetRaceByRoomCode(ctx context.Context, roomCode string) (model.Race, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT race_id, status, mode, started_at, finished_at, room_code, is_private, max_players, text_source, time_limit_seconds, version
		FROM races WHERE room_code = $1
	`, roomCode)
	return scanRace(row)
}

func (s *Store) UpdateRace(ctx context.Context, race model.Race) (model.Race, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE races
		SET status = $2, started_at = $3, finished_at = $4, version = $5
		WHERE race_id = $1 AND version = $5 - 1
	`, race.RaceID, race.Status, toNullTimePtr(race.StartedAt), toNullTimePtr(race.FinishedAt), race.Version)
	if err != nil {
		return model.Race{}, fmt.Errorf("update race: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return model.Race{}, sql.ErrNoRows
	}
	return race, nil
}

func (s *Store) AddParticipant(ctx context.Context, p model.Participant) (model.Participant, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO race_participants (id, race_id, user_id, guest_id, username, avatar_color, progress, wpm, accuracy, errors, is_finished, finish_position, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (race_id, user_id) WHERE user_id IS NOT NULL DO NOTHING
	`, p.ID, p.RaceID, toNullString(p.UserID), toNullString(p.GuestID), p.Username, toNullString(p.AvatarColor),
		p.Progress, p.WPM, p.Accuracy, p.Errors, p.IsFinished, toNullIntPtr(p.FinishPosition), toNullTimePtr(p.FinishedAt))
	if err != nil {
		return model.Participant{}, fmt.Errorf("add participant: %w", err)
	}
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context, raceID string) ([]model.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, race_id, user_id, guest_id, username, avatar_color, progress, wpm, accuracy, errors, is_finished, finish_position, finished_at
		FROM race_participants WHERE race_id = $1
	`, raceID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var result []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) UpdateParticipant(ctx context.Context, p model.Participant) (model.Participant, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE race_participants
		SET progress = $2, wpm = $3, accuracy = $4, errors = $5, is_finished = $6, finish_position = $7, finished_at = $8
		WHERE id = $1
	`, p.ID, p.Progress, p.WPM, p.Accuracy, p.Errors, p.IsFinished, toNullIntPtr(p.FinishPosition), toNullTimePtr(p.FinishedAt))
	if err != nil {
		return model.Participant{}, fmt.Errorf("update participant: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return model.Participant{}, sql.ErrNoRows
	}
	return p, nil
}

// --- JobStore ------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, rec storage.JobRecord) (storage.JobRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records (id, queue, payload, status, attempts, error, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.Queue, rec.Payload, rec.Status, rec.Attempts, toNullString(rec.Error), rec.CreatedAt, toNullTimePtr(zeroToNil(rec.FinishedAt)))
	if err != nil {
		return storage.JobRecord{}, fmt.Errorf("create job record: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateJob(ctx context.Context, rec storage.JobRecord) (storage.JobRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_records
		SET status = $2, attempts = $3, error = $4, finished_at = $5
		WHERE id = $1
	`, rec.ID, rec.Status, rec.Attempts, toNullString(rec.Error), toNullTimePtr(zeroToNil(rec.FinishedAt)))
	if err != nil {
		return storage.JobRecord{}, fmt.Errorf("update job record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListRetained(ctx context.Context, queue string, status string, limit int) ([]storage.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, payload, status, attempts, error, created_at, finished_at
		FROM job_records
		WHERE queue = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, queue, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list retained jobs: %w", err)
	}
	defer rows.Close()

	var result []storage.JobRecord
	for rows.Next() {
		var (
			rec         storage.JobRecord
			errMsg      sql.NullString
			finishedAt  sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Queue, &rec.Payload, &rec.Status, &rec.Attempts, &errMsg, &rec.CreatedAt, &finishedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		if finishedAt.Valid {
			rec.FinishedAt = finishedAt.Time.UTC()
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- scanning helpers --------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLeaderboardEntry(scanner rowScanner) (model.LeaderboardEntry, error) {
	var (
		e      model.LeaderboardEntry
		avatar sql.NullString
	)
	if err := scanner.Scan(&e.UserID, &e.Username, &e.WPM, &e.Accuracy, &e.Rank, &avatar, &e.IsVerified); err != nil {
		return model.LeaderboardEntry{}, fmt.Errorf("scan leaderboard entry: %w", err)
	}
	if avatar.Valid {
		e.AvatarColor = avatar.String
	}
	return e, nil
}

func scanScoreEvent(scanner rowScanner) (model.ScoreEvent, error) {
	var (
		e            model.ScoreEvent
		occurredAt   time.Time
		testResultID sql.NullString
		avatar       sql.NullString
	)
	if err := scanner.Scan(&e.EventID, &e.UserID, &e.Username, &e.WPM, &e.Accuracy, &e.Mode, &e.Language,
		&e.LeaderboardMode, &occurredAt, &testResultID, &e.IsVerified, &avatar); err != nil {
		return model.ScoreEvent{}, fmt.Errorf("scan score event: %w", err)
	}
	e.Timestamp = occurredAt.UnixMilli()
	if testResultID.Valid {
		e.TestResultID = testResultID.String
	}
	if avatar.Valid {
		e.AvatarColor = avatar.String
	}
	return e, nil
}

func scanRace(scanner rowScanner) (model.Race, error) {
	var (
		race       model.Race
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		roomCode   sql.NullString
	)
	if err := scanner.Scan(&race.RaceID, &race.Status, &race.Mode, &startedAt, &finishedAt, &roomCode,
		&race.IsPrivate, &race.MaxPlayers, &race.TextSource, &race.TimeLimitSeconds, &race.Version); err != nil {
		return model.Race{}, fmt.Errorf("scan race: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		race.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		race.FinishedAt = &t
	}
	if roomCode.Valid {
		race.RoomCode = roomCode.String
	}
	return race, nil
}

func scanParticipant(scanner rowScanner) (model.Participant, error) {
	var (
		p              model.Participant
		userID         sql.NullString
		guestID        sql.NullString
		avatar         sql.NullString
		finishPosition sql.NullInt64
		finishedAt     sql.NullTime
	)
	if err := scanner.Scan(&p.ID, &p.RaceID, &userID, &guestID, &p.Username, &avatar, &p.Progress, &p.WPM,
		&p.Accuracy, &p.Errors, &p.IsFinished, &finishPosition, &finishedAt); err != nil {
		return model.Participant{}, fmt.Errorf("scan participant: %w", err)
	}
	if userID.Valid {
		p.UserID = userID.String
	}
	if guestID.Valid {
		p.GuestID = guestID.String
	}
	if avatar.Valid {
		p.AvatarColor = avatar.String
	}
	if finishPosition.Valid {
		n := int(finishPosition.Int64)
		p.FinishPosition = &n
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		p.FinishedAt = &t
	}
	return p, nil
}

func toNullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullIntPtr(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func zeroToNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

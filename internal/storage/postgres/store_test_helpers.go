package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	migrations "github.com/typemaster/leaderboard/storage/postgres/migrations"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := migrations.Apply(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetTables(db); err != nil {
		t.Fatalf("reset tables: %v", err)
	}

	t.Cleanup(func() {
		_ = resetTables(db)
		_ = db.Close()
	})

	return New(db), context.Background()
}

func resetTables(db *sql.DB) error {
	_, err := db.Exec(`
		TRUNCATE
			job_records,
			race_participants,
			races,
			leaderboard_entries,
			score_events
		RESTART IDENTITY CASCADE
	`)
	return err
}

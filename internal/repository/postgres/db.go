package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// Open открывает пул соединений через pgx stdlib. Доступность проверяется Ping-ом в main.
func Open(connString string, maxConns, minConns int32) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 15
	}
	db.SetMaxOpenConns(int(maxConns))
	db.SetMaxIdleConns(int(minConns))
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS session_records (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	revision   BIGINT NOT NULL,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS session_events (
	id         TEXT PRIMARY KEY,
	at         TIMESTAMPTZ NOT NULL,
	subject_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	critical   BOOLEAN NOT NULL DEFAULT FALSE,
	detail     JSONB
);
CREATE INDEX IF NOT EXISTS session_events_subject_idx ON session_events (subject_id, at);
`

// Migrate создает таблицы, если их нет.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback path for deployments without the schema_migrations table;
// new deployments should use RunMigrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS twitch_users (
			id SERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS twitch_games (
			id SERIAL PRIMARY KEY,
			name TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id SERIAL PRIMARY KEY,
			twitch_user_id INTEGER NOT NULL REFERENCES twitch_users(id),
			twitch_channel_id INTEGER NOT NULL REFERENCES twitch_users(id),
			twitch_game_id INTEGER NOT NULL REFERENCES twitch_games(id),
			joined_at TIMESTAMPTZ NOT NULL,
			left_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_key_left
			ON chat_sessions(twitch_user_id, twitch_channel_id, twitch_game_id, left_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_channel ON chat_sessions(twitch_channel_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV stores or updates a kv row.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the value for a key; empty string and zero time if absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, time.Time, error) {
	var value string
	var updated time.Time
	err := dbx.QueryRowContext(ctx, `SELECT value, updated_at FROM kv WHERE key=$1`, key).Scan(&value, &updated)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return value, updated, nil
}

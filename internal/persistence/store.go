// Package persistence provides the gateway's durable state: the per-user
// credential store and the heartbeat cost ledger, backed by SQLite.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 3
	schemaChecksum = "dyno-v3-dashboard-layouts"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and migrates the
// schema to the current version.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent ticks.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS heartbeat_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			escalated INTEGER NOT NULL DEFAULT 0,
			triage_tokens_in INTEGER NOT NULL DEFAULT 0,
			triage_tokens_out INTEGER NOT NULL DEFAULT 0,
			action_tokens_in INTEGER NOT NULL DEFAULT 0,
			action_tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			summary TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeat_log_user_day
			ON heartbeat_log (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS dashboard_layouts (
			user_id TEXT PRIMARY KEY,
			layout TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_meta WHERE version = ?`, schemaVersion).Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		_, err := s.db.Exec(
			`INSERT INTO schema_meta (version, checksum, applied_at) VALUES (?, ?, ?)`,
			schemaVersion, schemaChecksum, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return nil
}

// SetCredential upserts a user's API key in the durable store. Only users
// who opt into autonomous mode are ever written here.
func (s *Store) SetCredential(ctx context.Context, userID, apiKey string) error {
	if userID == "" {
		return fmt.Errorf("user_id must be non-empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, api_key, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET api_key = excluded.api_key, updated_at = excluded.updated_at`,
		userID, apiKey, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// Credential returns the stored API key for a user, or "" if none exists.
func (s *Store) Credential(ctx context.Context, userID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM credentials WHERE user_id = ?`, userID,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	return key, nil
}

// DeleteCredential removes a user's stored key.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

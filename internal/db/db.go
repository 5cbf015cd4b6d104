package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/mneme/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// Init initializes the SQLite database at baseDir/mneme.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.mneme.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	// Pragmas in the connection string apply to every pooled connection
	dbPath := filepath.Join(baseDir, "mneme.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: sessions, turns, compression audit
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sessions (
		  session_id        TEXT PRIMARY KEY,
		  character_id      TEXT NOT NULL,
		  character_name    TEXT NOT NULL,
		  started_at        INTEGER NOT NULL,
		  last_activity     INTEGER NOT NULL,
		  total_turns       INTEGER NOT NULL DEFAULT 0,
		  compression_count INTEGER NOT NULL DEFAULT 0,
		  total_tokens      INTEGER NOT NULL DEFAULT 0,
		  metadata_json     TEXT,
		  closed_at         INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_character_activity
		ON sessions(character_id, last_activity DESC);

		CREATE TABLE IF NOT EXISTS session_participants (
		  session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		  user_id    TEXT NOT NULL,
		  PRIMARY KEY (session_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
		ON session_participants(user_id);

		CREATE TABLE IF NOT EXISTS turns (
		  session_id       TEXT NOT NULL,
		  turn_id          INTEGER NOT NULL,
		  speaker_id       TEXT NOT NULL,
		  speaker_type     TEXT NOT NULL,
		  message          TEXT NOT NULL,
		  timestamp        INTEGER NOT NULL,
		  token_count      INTEGER NOT NULL,
		  metadata_json    TEXT,
		  importance_score REAL NOT NULL DEFAULT 0,
		  PRIMARY KEY (session_id, turn_id)
		);

		CREATE INDEX IF NOT EXISTS idx_turns_importance_recency
		ON turns(importance_score DESC, timestamp DESC);

		CREATE TABLE IF NOT EXISTS compression_events (
		  id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		  session_id              TEXT NOT NULL,
		  compressed_at_turn      INTEGER NOT NULL,
		  original_token_count    INTEGER NOT NULL,
		  compressed_token_count  INTEGER NOT NULL,
		  preserved_turn_ids_json TEXT NOT NULL,
		  summary                 TEXT NOT NULL,
		  timestamp               INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_compression_events_session
		ON compression_events(session_id, id DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: observability event log
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS event_log (
		  id           TEXT PRIMARY KEY,
		  type         TEXT NOT NULL,
		  session_id   TEXT,
		  payload_json TEXT,
		  created_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_event_log_session
		ON event_log(session_id, created_at DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

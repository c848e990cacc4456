// Package store is the durable side of the room protocol: an embedded SQLite
// database holding rooms, published identities, messages, presence snapshots
// and call signals, plus an in-process change feed so observers see inserts
// and updates without polling. Polling still exists upstream as a correctness
// backstop; the feed is the low-latency path.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database for one peer directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	bus *bus
}

// Open opens or creates the database under dir. ":memory:" is accepted for
// tests.
func Open(dir string) (*DB, error) {
	dbPath := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		dbPath = filepath.Join(dir, "room.db")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			room_code  TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS room_users (
			room_code TEXT NOT NULL,
			suffix    TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			PRIMARY KEY (room_code, suffix)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			room_code  TEXT NOT NULL,
			content    TEXT NOT NULL,
			sender     TEXT NOT NULL,
			media_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_room
			ON messages (room_code, created_at);

		CREATE TABLE IF NOT EXISTS user_status (
			room_code            TEXT NOT NULL,
			user_id              TEXT NOT NULL,
			is_online            INTEGER NOT NULL DEFAULT 0,
			is_typing            INTEGER NOT NULL DEFAULT 0,
			last_seen            INTEGER NOT NULL DEFAULT 0,
			last_read_message_id TEXT NOT NULL DEFAULT '',
			updated_at           INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_code, user_id)
		);

		CREATE TABLE IF NOT EXISTS call_signals (
			id         TEXT PRIMARY KEY,
			room_code  TEXT NOT NULL,
			caller_id  TEXT NOT NULL,
			callee_id  TEXT NOT NULL,
			call_type  TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_call_signals_room
			ON call_signals (room_code, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db, path: dbPath, bus: newBus()}, nil
}

// Close closes the database and the change feed.
func (d *DB) Close() error {
	d.bus.close()
	return d.db.Close()
}

// Path returns the database file path ("" for in-memory).
func (d *DB) Path() string {
	if d.path == ":memory:" {
		return ""
	}
	return d.path
}

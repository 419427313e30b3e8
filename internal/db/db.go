// Package db owns durable state: trip aggregates, the append-only trip
// event queue, and the sync worker that drains it to the backend.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// OpenDB opens (creating if needed) the sqlite database at path without
// touching the schema; callers apply it through migrations (MigrateUp).
// WAL keeps queue appends cheap while the sync worker reads concurrently;
// a single writer connection avoids SQLITE_BUSY.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &DB{db}, nil
}

// NewDB opens the database and applies the base schema directly, bypassing
// the migration machinery. Tests use this for a ready-to-use store; the
// inline schema must stay equivalent to running every migration, which
// TestSchemaConsistency enforces.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trips (
			trip_id           TEXT PRIMARY KEY,
			vehicle_id        TEXT NOT NULL,
			status            TEXT NOT NULL,
			capacity          INTEGER NOT NULL,
			current_count     INTEGER NOT NULL DEFAULT 0,
			max_count         INTEGER NOT NULL DEFAULT 0,
			total_entries     INTEGER NOT NULL DEFAULT 0,
			total_exits       INTEGER NOT NULL DEFAULT 0,
			overload_events   INTEGER NOT NULL DEFAULT 0,
			overloaded        INTEGER NOT NULL DEFAULT 0,
			started_at_unix   BIGINT NOT NULL,
			stopped_at_unix   BIGINT
		);
		CREATE TABLE IF NOT EXISTS trip_events (
			event_id          TEXT PRIMARY KEY,
			trip_id           TEXT NOT NULL,
			seq               BIGINT NOT NULL,
			event_type        TEXT NOT NULL,
			passenger_count   INTEGER NOT NULL,
			occurred_at_unix  BIGINT NOT NULL,
			latitude          DOUBLE,
			longitude         DOUBLE,
			delivery_status   TEXT NOT NULL DEFAULT 'pending',
			attempts          INTEGER NOT NULL DEFAULT 0,
			next_attempt_unix BIGINT NOT NULL DEFAULT 0,
			claimed_at_unix   BIGINT NOT NULL DEFAULT 0,
			last_error        TEXT,
			UNIQUE(trip_id, seq),
			FOREIGN KEY(trip_id) REFERENCES trips(trip_id)
		);
		CREATE INDEX IF NOT EXISTS idx_trip_events_delivery
			ON trip_events(delivery_status, next_attempt_unix);
	`); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// Package store persists recordings, segments, speakers, jobs and voice
// profiles in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRunning is returned when a recording claim finds another
// in-progress writer. Callers must abort, not retry.
var ErrAlreadyRunning = errors.New("recording already being processed")

// ErrNotRunning is returned when a terminal job update finds the job no
// longer in a writable state, typically because it was cancelled.
var ErrNotRunning = errors.New("job is not in a running state")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath, including any
// missing parent directories.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %v", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// turns would-be SQLITE_BUSY errors into queueing.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}

	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	status          TEXT NOT NULL,
	mode            TEXT NOT NULL,
	audio_path      TEXT NOT NULL DEFAULT '',
	duration        REAL NOT NULL DEFAULT 0,
	min_speakers    INTEGER NOT NULL DEFAULT 0,
	max_speakers    INTEGER NOT NULL DEFAULT 0,
	intro_end_time  REAL NOT NULL DEFAULT 0,
	raw_transcript  TEXT,
	raw_diarization TEXT,
	refine_history  TEXT,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS speakers (
	id                  TEXT PRIMARY KEY,
	recording_id        TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
	label               TEXT NOT NULL,
	display_name        TEXT NOT NULL DEFAULT '',
	color               TEXT NOT NULL,
	identified_by       TEXT NOT NULL DEFAULT '',
	confidence          REAL NOT NULL DEFAULT 0,
	total_speaking_time REAL NOT NULL DEFAULT 0,
	segment_count       INTEGER NOT NULL DEFAULT 0,
	UNIQUE(recording_id, label)
);

CREATE TABLE IF NOT EXISTS segments (
	id            TEXT PRIMARY KEY,
	recording_id  TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
	speaker_id    TEXT REFERENCES speakers(id),
	start_time    REAL NOT NULL,
	end_time      REAL NOT NULL,
	text          TEXT NOT NULL,
	original_text TEXT NOT NULL DEFAULT '',
	ord           INTEGER NOT NULL,
	is_edited     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_segments_recording_ord ON segments(recording_id, ord);
CREATE INDEX IF NOT EXISTS idx_segments_speaker ON segments(speaker_id);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	recording_id TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     REAL NOT NULL DEFAULT 0,
	current_step TEXT NOT NULL DEFAULT '',
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME,
	completed_at DATETIME,
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_recording ON jobs(recording_id);

CREATE TABLE IF NOT EXISTS voice_profiles (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	sample_count REAL NOT NULL DEFAULT 1,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
`

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsConflict reports whether an error is a foreign-key violation caused by a
// concurrent writer deleting a referenced row.
func IsConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint")
}

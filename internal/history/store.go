// Package history persists one record per triggered acquisition in a local
// sqlite database.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS acquisitions (
	id          TEXT PRIMARY KEY,
	subsystem   TEXT NOT NULL,
	file_path   TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL DEFAULT '',
	frames      INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	success     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_acquisitions_started ON acquisitions(started_at);
`

// Record is one acquisition history entry.
type Record struct {
	ID         string     `json:"id"`
	Subsystem  string     `json:"subsystem"`
	FilePath   string     `json:"file_path"`
	FileName   string     `json:"file_name"`
	Frames     int        `json:"frames"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    *bool      `json:"success,omitempty"`
}

// Store wraps the acquisition history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// modernc.org/sqlite serialises on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordStarted inserts the row for a freshly triggered acquisition.
func (s *Store) RecordStarted(rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO acquisitions (id, subsystem, file_path, file_name, frames, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Subsystem, rec.FilePath, rec.FileName, rec.Frames, rec.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: record started: %w", err)
	}
	return nil
}

// RecordFinished marks an acquisition's outcome.
func (s *Store) RecordFinished(id string, success bool) error {
	_, err := s.db.Exec(
		`UPDATE acquisitions SET finished_at = ?, success = ? WHERE id = ?`,
		time.Now().UTC(), success, id,
	)
	if err != nil {
		return fmt.Errorf("history: record finished: %w", err)
	}
	return nil
}

// Recent returns the latest records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, subsystem, file_path, file_name, frames, started_at, finished_at, success
		 FROM acquisitions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var finished sql.NullTime
		var success sql.NullBool
		if err := rows.Scan(&rec.ID, &rec.Subsystem, &rec.FilePath, &rec.FileName,
			&rec.Frames, &rec.StartedAt, &finished, &success); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		if success.Valid {
			b := success.Bool
			rec.Success = &b
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

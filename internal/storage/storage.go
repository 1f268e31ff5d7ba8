// Package storage persists run history and scheduler job events in a local
// sqlite database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	channel_id  TEXT NOT NULL,
	workspace   TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	uploads     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_channel ON runs(channel_id, created_at);

CREATE TABLE IF NOT EXISTS job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace  TEXT NOT NULL,
	job_id     TEXT NOT NULL,
	action     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_job_events_ws ON job_events(workspace, created_at);
`

// RunRecord is one finished interactive run.
type RunRecord struct {
	RunID     string        `json:"run_id"`
	ChannelID string        `json:"channel_id"`
	Workspace string        `json:"workspace"`
	SessionID string        `json:"session_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	Uploads   int           `json:"uploads"`
	Err       string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// JobRecord is one scheduler job lifecycle event.
type JobRecord struct {
	Workspace string    `json:"workspace"`
	JobID     string    `json:"job_id"`
	Action    string    `json:"action"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a sqlite-backed history store.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its parent directory) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection
	// pool entry; a single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun appends one run to the history.
func (s *Store) RecordRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, channel_id, workspace, session_id, duration_ms, uploads, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ChannelID, r.Workspace, r.SessionID, r.Duration.Milliseconds(), r.Uploads, r.Err)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, channel_id, workspace, session_id, duration_ms, uploads, error, created_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var ms int64
		if err := rows.Scan(&r.RunID, &r.ChannelID, &r.Workspace, &r.SessionID, &ms, &r.Uploads, &r.Err, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordJobEvent appends one scheduler job event.
func (s *Store) RecordJobEvent(ctx context.Context, j JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (workspace, job_id, action, status, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		j.Workspace, j.JobID, j.Action, j.Status, j.Detail)
	if err != nil {
		return fmt.Errorf("record job event: %w", err)
	}
	return nil
}

// RecentJobEvents returns up to limit job events, newest first.
func (s *Store) RecentJobEvents(ctx context.Context, limit int) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace, job_id, action, status, detail, created_at
		 FROM job_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var j JobRecord
		if err := rows.Scan(&j.Workspace, &j.JobID, &j.Action, &j.Status, &j.Detail, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

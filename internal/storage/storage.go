// Package storage persists one row per harness run so operators can audit
// past registrations with `dhmreg history`.
package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for harness runs.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open run-history database")
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            input_path TEXT NOT NULL,
            output_path TEXT NOT NULL,
            log_path TEXT NOT NULL,
            status TEXT NOT NULL,
            error_message TEXT,
            frame_count INTEGER,
            bit_depth INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return errors.Wrap(err, "ensure run-history schema")
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one persisted harness run.
type RunRecord struct {
	ID          string
	InputPath   string
	OutputPath  string
	LogPath     string
	Status      string
	Error       string
	FrameCount  int
	BitDepth    int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// RecordRunStarted inserts a new run in "running" state.
func (s *Store) RecordRunStarted(rec RunRecord) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`INSERT INTO runs (id, input_path, output_path, log_path, status) VALUES (?, ?, ?, ?, 'running')`,
		rec.ID, rec.InputPath, rec.OutputPath, rec.LogPath,
	)
	return errors.Wrap(err, "record run start")
}

// RecordRunFinished marks a run done or failed with its final details.
func (s *Store) RecordRunFinished(id, status, errMsg string, frameCount int, bitDepth int) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.Exec(
		`UPDATE runs SET status = ?, error_message = ?, frame_count = ?, bit_depth = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, errMsg, frameCount, bitDepth, id,
	)
	return errors.Wrap(err, "record run finish")
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	if limit < 1 {
		limit = 1
	}
	rows, err := s.DB.Query(
		`SELECT id, input_path, output_path, log_path, status,
                COALESCE(error_message, ''), COALESCE(frame_count, 0), COALESCE(bit_depth, 0),
                created_at, completed_at
           FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query recent runs")
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.InputPath, &rec.OutputPath, &rec.LogPath, &rec.Status,
			&rec.Error, &rec.FrameCount, &rec.BitDepth, &rec.CreatedAt, &completed); err != nil {
			return nil, errors.Wrap(err, "scan run row")
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate run rows")
}

// Package history keeps results of backup executions in SQLite. It is an optional journal for the control
// utility and the status API, the scheduler never reads it back, so it doesn't affect run deduplication.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/backupd/app/backup"
	"github.com/umputun/backupd/app/schedule"
)

// Status of the recorded execution
type Status string

// enum of statuses
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record is a single execution
type Record struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Source     string    `db:"source" json:"source"`
	Trigger    string    `db:"trigger_time" json:"trigger_time"`
	Archive    string    `db:"archive" json:"archive,omitempty"`
	Status     Status    `db:"status" json:"status"`
	Error      string    `db:"error" json:"error,omitempty"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
}

// SQLiteStore implements history with SQLite
type SQLiteStore struct {
	Keep int // executions kept per job after each record, 0 for unlimited
	db   *sqlx.DB
}

// NewSQLiteStore opens (creates if needed) database and makes schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode, the daemon writes while the control utility reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			trigger_time TEXT NOT NULL,
			archive TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at INTEGER,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_name ON executions(name)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Record stores the result of a backup execution
func (s *SQLiteStore) Record(e schedule.Entry, res backup.Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, errMsg, archive := StatusSuccess, "", res.Archive
	if !res.Success() {
		status, errMsg, archive = StatusFailed, res.Err.Error(), ""
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (name, source, trigger_time, archive, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name, e.Path, e.Time, archive, string(status), errMsg, res.Started.UnixMilli(), res.Finished.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	if s.Keep <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE name = ? AND id NOT IN (
			SELECT id FROM executions WHERE name = ? ORDER BY started_at DESC, id DESC LIMIT ?
		)`, e.Name, e.Name, s.Keep)
	if err != nil {
		return fmt.Errorf("failed to trim executions of %s: %w", e.Name, err)
	}
	return nil
}

// List returns last executions, newest first. Empty name returns all jobs.
func (s *SQLiteStore) List(name string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	type row struct {
		ID         int64  `db:"id"`
		Name       string `db:"name"`
		Source     string `db:"source"`
		Trigger    string `db:"trigger_time"`
		Archive    string `db:"archive"`
		Status     string `db:"status"`
		Error      string `db:"error"`
		StartedAt  int64  `db:"started_at"`
		FinishedAt int64  `db:"finished_at"`
	}

	query := `SELECT id, name, source, trigger_time, COALESCE(archive, '') AS archive, status,
		COALESCE(error, '') AS error, started_at, finished_at FROM executions`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows := []row{}
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	res := make([]Record, 0, len(rows))
	for _, r := range rows {
		res = append(res, Record{
			ID:         r.ID,
			Name:       r.Name,
			Source:     r.Source,
			Trigger:    r.Trigger,
			Archive:    r.Archive,
			Status:     Status(r.Status),
			Error:      r.Error,
			StartedAt:  time.UnixMilli(r.StartedAt),
			FinishedAt: time.UnixMilli(r.FinishedAt),
		})
	}
	return res, nil
}

// Cleanup keeps only the last keep executions of each job
func (s *SQLiteStore) Cleanup(keep int) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM executions WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY name ORDER BY started_at DESC, id DESC) AS rn
				FROM executions
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup executions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

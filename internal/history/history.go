// Package history keeps a project-local record of past sessions and test
// runs in SQLite. Writes are best-effort: a broken history database never
// changes a session's outcome.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"devloop/internal/log"
	"devloop/internal/testloop"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL,
	exit_code INTEGER NOT NULL,
	recovery INTEGER NOT NULL DEFAULT 0,
	restarts INTEGER NOT NULL DEFAULT 0,
	report TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);
`

// Entry is one recorded session.
type Entry struct {
	ID        string           `json:"id"`
	Mode      string           `json:"mode"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	ExitCode  int              `json:"exit_code"`
	Recovery  bool             `json:"recovery"`
	Restarts  int              `json:"restarts"`
	Report    *testloop.Report `json:"report,omitempty"`
}

// Store wraps the history database.
type Store struct {
	db   *sql.DB
	keep int
}

// Open connects to (and if needed creates) the history database.
// keep caps retained sessions; older rows are pruned on each record.
func Open(dbPath string, keep int) (*Store, error) {
	log.Debug(log.CatStore, "Opening history database", "path", dbPath)
	db, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &Store{db: db, keep: keep}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one session outcome and prunes old rows.
func (s *Store) Record(e Entry) error {
	var reportJSON any
	if e.Report != nil {
		raw, err := json.Marshal(e.Report)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		reportJSON = string(raw)
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, mode, started_at, ended_at, exit_code, recovery, restarts, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Mode, e.StartedAt.UTC(), e.EndedAt.UTC(), e.ExitCode,
		boolToInt(e.Recovery), e.Restarts, reportJSON,
	)
	if err != nil {
		return fmt.Errorf("recording session: %w", err)
	}

	if s.keep > 0 {
		_, err = s.db.Exec(`
			DELETE FROM sessions WHERE id NOT IN (
				SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?
			)`, s.keep)
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
	}
	return nil
}

// Recent returns up to n sessions, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, mode, started_at, ended_at, exit_code, recovery, restarts, report
		FROM sessions ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var recovery int
		var reportJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Mode, &e.StartedAt, &e.EndedAt,
			&e.ExitCode, &recovery, &e.Restarts, &reportJSON); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Recovery = recovery != 0
		if reportJSON.Valid && reportJSON.String != "" {
			var r testloop.Report
			if err := json.Unmarshal([]byte(reportJSON.String), &r); err == nil {
				e.Report = &r
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordBestEffort records and logs failures instead of returning them.
// Session exit codes never depend on history persistence.
func (s *Store) RecordBestEffort(e Entry) {
	if err := s.Record(e); err != nil {
		log.ErrorErr(log.CatStore, "failed to record session history", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

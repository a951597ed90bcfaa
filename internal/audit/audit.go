// Package audit implements an append-only execution history: one row
// per completed execution (session id, code hash, timing, outcome), the
// supplemented feature SPEC_FULL.md §C.2 adds on top of the distilled
// spec. It is queryable by the dashboard and by the diagnostic
// GET /sessions/{id}/history route. Nothing in the spec's core
// invariants depends on this log; a write failure is logged, never
// propagated to a client.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	code_hash TEXT NOT NULL,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	error_class TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, started_at);
`

// Outcome classifies a completed execution for the audit row.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Record is one row of execution history.
type Record struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	CodeHash   string    `json:"code_hash"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    Outcome   `json:"outcome"`
	ErrorClass string    `json:"error_class,omitempty"`
}

// Log is an append-only sqlite-backed execution history.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and
// ensures its schema exists, the same open-then-migrate shape the
// collaboration store uses for its own state database.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// CodeHash returns the stable hash recorded for a code fragment; exposed
// so callers can compute it once and pass it to Append.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])[:16]
}

// Append inserts one execution record.
func (l *Log) Append(rec Record) error {
	_, err := l.db.Exec(
		`INSERT INTO executions (session_id, code_hash, started_at, duration_ms, outcome, error_class)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.CodeHash, rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.DurationMS, string(rec.Outcome), rec.ErrorClass,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// History returns up to limit most-recent records for sessionID, newest
// first.
func (l *Log) History(sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT id, session_id, code_hash, started_at, duration_ms, outcome, error_class
		 FROM executions WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: history query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns up to limit most-recent records across all sessions,
// newest first, for the dashboard's activity feed.
func (l *Log) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT id, session_id, code_hash, started_at, duration_ms, outcome, error_class
		 FROM executions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: recent query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var startedAt string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.CodeHash, &startedAt, &rec.DurationMS, &rec.Outcome, &rec.ErrorClass); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}

// Package journal is the durable workflow log: transitions, rollbacks,
// terminal role errors and decision outcomes, kept in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Kind string

const (
	KindPhaseStarted      Kind = "phase_started"
	KindPhaseAdvanced     Kind = "phase_advanced"
	KindPipelineCompleted Kind = "pipeline_completed"
	KindRoleStarted       Kind = "role_started"
	KindRoleStopped       Kind = "role_stopped"
	KindTransition        Kind = "transition"
	KindRollback          Kind = "rollback"
	KindTerminalError     Kind = "terminal_error"
	KindEscalation        Kind = "escalation"
	KindDecisionOpened    Kind = "decision_opened"
	KindDecisionResolved  Kind = "decision_resolved"
	KindDecisionTimeout   Kind = "decision_timeout"
)

// Entry is one journal row.
type Entry struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"at"`
	Kind       Kind      `json:"kind"`
	Phase      string    `json:"phase,omitempty"`
	Role       string    `json:"role,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Journal is safe for concurrent use; SQLite writes are serialized through
// a single connection.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `CREATE TABLE IF NOT EXISTS workflow_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at DATETIME NOT NULL,
	kind TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	rule_id TEXT NOT NULL DEFAULT '',
	decision_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_workflow_log_kind ON workflow_log(kind, id);`

// Open opens (creating if needed) the journal database at path. The special
// path ":memory:" gives a private in-memory journal.
func Open(path string) (*Journal, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) SetClock(now func() time.Time) { j.now = now }

// Record appends an entry. A zero At is stamped with the current time.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Kind == "" {
		return fmt.Errorf("journal entry kind is required")
	}
	if e.At.IsZero() {
		e.At = j.now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO workflow_log (at, kind, phase, role, rule_id, decision_id, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC(), string(e.Kind), e.Phase, e.Role, e.RuleID, e.DecisionID, e.Detail)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-empty kind
// filters by entry kind.
func (j *Journal) Recent(ctx context.Context, limit int, kind Kind) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, at, kind, phase, role, rule_id, decision_id, detail FROM workflow_log`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.At, &kind, &e.Phase, &e.Role, &e.RuleID, &e.DecisionID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }

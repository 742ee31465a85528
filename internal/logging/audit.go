package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region schema
const auditSchema = `
CREATE TABLE IF NOT EXISTS policy_audit (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind             TEXT NOT NULL,
	request_id       TEXT,
	session_id       TEXT,
	user_id          TEXT,
	user_state       TEXT,
	message          TEXT,
	intent           TEXT,
	domain           TEXT,
	confidence       REAL,
	allow            INTEGER NOT NULL,
	reason_code      TEXT,
	decision_source  TEXT,
	trace_json       TEXT,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policy_audit_request ON policy_audit(request_id);
`

// EnsureSchema creates the audit table if missing.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(auditSchema); err != nil {
		return fmt.Errorf("migrate audit: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-event
// LogEvent writes one audit row. The message is redacted first.
func LogEvent(ctx context.Context, db *sql.DB, ev AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var traceJSON string
	if len(ev.Trace) > 0 {
		b, err := json.Marshal(ev.Trace)
		if err != nil {
			return fmt.Errorf("marshal trace: %w", err)
		}
		traceJSON = string(b)
	}

	var confidence interface{}
	if ev.Confidence != nil {
		confidence = *ev.Confidence
	}

	allow := 0
	if ev.Allow {
		allow = 1
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO policy_audit (kind, request_id, session_id, user_id, user_state, message, intent, domain,
		 confidence, allow, reason_code, decision_source, trace_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind),
		nullIfEmpty(ev.RequestID),
		nullIfEmpty(ev.SessionID),
		nullIfEmpty(ev.UserID),
		nullIfEmpty(ev.UserState),
		nullIfEmpty(Redact(ev.Message)),
		nullIfEmpty(ev.Intent),
		nullIfEmpty(ev.Domain),
		confidence,
		allow,
		nullIfEmpty(ev.ReasonCode),
		nullIfEmpty(ev.DecisionSource),
		nullIfEmpty(traceJSON),
		ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// #endregion log-event

// #region sqlite-sink
// SQLiteSink persists audit events synchronously.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink wraps db. Call EnsureSchema first, or use OpenSQLiteSink.
func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

// OpenSQLiteSink migrates the audit table and returns a sink on db.
func OpenSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return NewSQLiteSink(db), nil
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, ev AuditEvent) error {
	return LogEvent(ctx, s.db, ev)
}

// Count returns the number of audit rows of kind, or all rows when kind is empty.
func (s *SQLiteSink) Count(ctx context.Context, kind EventKind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_audit`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_audit WHERE kind = ?`, string(kind)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

// #endregion sqlite-sink

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers

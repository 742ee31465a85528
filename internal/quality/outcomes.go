package quality

// #region imports
import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// #endregion

// #region schema

const turnOutcomesSchema = `
CREATE TABLE IF NOT EXISTS turn_outcomes (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id      TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    weights_version INTEGER NOT NULL,
    intent          TEXT NOT NULL,
    tqs             INTEGER NOT NULL,
    kgs             INTEGER NOT NULL,
    handoff         INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL
);
`

const turnOutcomesIndex = `
CREATE INDEX IF NOT EXISTS idx_turn_outcomes_version
ON turn_outcomes(weights_version, created_at);
`

const turnOutcomesSessionIndex = `
CREATE INDEX IF NOT EXISTS idx_turn_outcomes_session
ON turn_outcomes(session_id, id);
`

// #endregion

// #region outcome-store

// OutcomeStore persists scored turns so release control can compare weights
// versions on live traffic.
type OutcomeStore struct {
	db *sql.DB
}

// NewOutcomeStore initializes the turn_outcomes table and returns an OutcomeStore.
func NewOutcomeStore(db *sql.DB) (*OutcomeStore, error) {
	if _, err := db.Exec(turnOutcomesSchema); err != nil {
		return nil, err
	}
	for _, idx := range []string{turnOutcomesIndex, turnOutcomesSessionIndex} {
		if _, err := db.Exec(idx); err != nil {
			return nil, err
		}
	}
	return &OutcomeStore{db: db}, nil
}

// #endregion

// #region record

// Record persists a single turn outcome row.
func (m *OutcomeStore) Record(ctx context.Context, rec Outcome) error {
	handoff := 0
	if rec.Handoff {
		handoff = 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO turn_outcomes
		(request_id, session_id, weights_version, intent, tqs, kgs, handoff, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.SessionID,
		rec.WeightsVersion,
		rec.Intent,
		rec.TQS,
		rec.KGS,
		handoff,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record turn outcome %s: %w", rec.RequestID, err)
	}
	return nil
}

// MarkHandoff flags the session's most recent outcome as handed off, keeping
// the weights version that served it. It reports whether a row was marked;
// sessions without a recorded turn have nothing to attribute the click to.
func (m *OutcomeStore) MarkHandoff(ctx context.Context, sessionID string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE turn_outcomes SET handoff = 1
		WHERE id = (
			SELECT id FROM turn_outcomes
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT 1
		)`,
		sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark handoff %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InSession reports whether requestID was a scored turn of sessionID.
func (m *OutcomeStore) InSession(ctx context.Context, sessionID, requestID string) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM turn_outcomes WHERE session_id = ? AND request_id = ?`,
		sessionID, requestID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up turn %s: %w", requestID, err)
	}
	return n > 0, nil
}

// #endregion

// #region window

// Window aggregates the most recent outcomes served by version. A zero since
// means no lower time bound; limit <= 0 means no row cap.
func (m *OutcomeStore) Window(ctx context.Context, version int, since time.Time, limit int) (WindowMetrics, error) {
	if limit <= 0 {
		limit = -1
	}
	lower := ""
	if !since.IsZero() {
		lower = formatTime(since)
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT tqs, kgs, handoff
		FROM turn_outcomes
		WHERE weights_version = ? AND created_at >= ?
		ORDER BY id DESC
		LIMIT ?`,
		version, lower, limit,
	)
	if err != nil {
		return WindowMetrics{}, err
	}
	return aggregate(rows)
}

// Between aggregates every outcome created in [from, to), whatever version
// served it.
func (m *OutcomeStore) Between(ctx context.Context, from, to time.Time) (WindowMetrics, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT tqs, kgs, handoff
		FROM turn_outcomes
		WHERE created_at >= ? AND created_at < ?`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return WindowMetrics{}, err
	}
	return aggregate(rows)
}

func aggregate(rows *sql.Rows) (WindowMetrics, error) {
	defer rows.Close()
	var (
		out            WindowMetrics
		tqsSum, kgsSum float64
		handoffs       int
	)
	for rows.Next() {
		var tqs, kgs, handoff int
		if err := rows.Scan(&tqs, &kgs, &handoff); err != nil {
			return WindowMetrics{}, err
		}
		tqsSum += float64(tqs)
		kgsSum += float64(kgs)
		handoffs += handoff
		out.Turns++
	}
	if err := rows.Err(); err != nil {
		return WindowMetrics{}, err
	}
	if out.Turns == 0 {
		return out, nil
	}
	n := float64(out.Turns)
	out.AvgTQS = tqsSum / n
	out.AvgKGS = kgsSum / n
	out.HandoffRate = float64(handoffs) / n
	return out, nil
}

// #endregion

package adaptation

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #endregion

// #region schema

const sessionFeaturesSchema = `
CREATE TABLE IF NOT EXISTS session_features (
    session_id                 TEXT PRIMARY KEY,
    turn_index                 INTEGER NOT NULL DEFAULT 0,
    rephrase_count             INTEGER NOT NULL DEFAULT 0,
    explain_clicks             INTEGER NOT NULL DEFAULT 0,
    handoff_clicks             INTEGER NOT NULL DEFAULT 0,
    last_tqs                   INTEGER,
    last_kgs                   INTEGER,
    last_user_message          TEXT NOT NULL DEFAULT '',
    clarify_mode               INTEGER NOT NULL DEFAULT 0,
    rag_top_k_override         INTEGER,
    query_expansion_enabled    INTEGER NOT NULL DEFAULT 0,
    wrqs_weight_overrides_json TEXT,
    adaptation_expires_turn    INTEGER,
    reason_codes_json          TEXT NOT NULL DEFAULT '[]',
    rephrase_at_plan           INTEGER NOT NULL DEFAULT 0,
    handoff_at_plan            INTEGER NOT NULL DEFAULT 0,
    updated_at                 TEXT NOT NULL
);
`

const rowColumns = `session_id, turn_index, rephrase_count, explain_clicks, handoff_clicks,
	last_tqs, last_kgs, last_user_message, clarify_mode, rag_top_k_override,
	query_expansion_enabled, wrqs_weight_overrides_json, adaptation_expires_turn,
	reason_codes_json, rephrase_at_plan, handoff_at_plan, updated_at`

// #endregion

// #region store

// Store persists one session_features row per session.
type Store struct {
	db     *sql.DB
	config Config
	now    func() time.Time
}

// NewStore creates the session_features table if needed.
func NewStore(db *sql.DB, config Config) (*Store, error) {
	if _, err := db.Exec(sessionFeaturesSchema); err != nil {
		return nil, fmt.Errorf("session_features schema: %w", err)
	}
	return &Store{db: db, config: config, now: time.Now}, nil
}

// Config returns the adaptation parameters the store was built with.
func (s *Store) Config() Config { return s.config }

// #endregion

// #region begin-turn

// BeginTurn advances the session's turn counter, runs rephrase detection
// against the previous message and returns the lazily evaluated state.
func (s *Store) BeginTurn(ctx context.Context, sessionID, message string) (SessionState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SessionState{}, err
	}
	defer tx.Rollback()

	row, err := getRow(ctx, tx, sessionID)
	if err != nil {
		return SessionState{}, err
	}

	rephrased := IsRephrase(row.LastUserMessage, message, s.config.SimilarityRatio)
	row.TurnIndex++
	if rephrased {
		row.RephraseCount++
	}
	row.LastUserMessage = message
	row.UpdatedAt = s.now()

	if err := putRow(ctx, tx, row); err != nil {
		return SessionState{}, err
	}
	if err := tx.Commit(); err != nil {
		return SessionState{}, fmt.Errorf("commit begin turn: %w", err)
	}

	st := State(row)
	st.Rephrased = rephrased
	return st, nil
}

// #endregion

// #region apply

// Apply overwrites the session's adaptation fields with plan. A later plan
// replaces an earlier one entirely; overrides never stack.
func (s *Store) Apply(ctx context.Context, sessionID string, plan Plan) (SessionState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SessionState{}, err
	}
	defer tx.Rollback()

	row, err := getRow(ctx, tx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	overrides := plan.Overrides
	row.ClarifyMode = plan.ClarifyMode
	row.RagTopK = plan.RagTopK
	row.QueryExpansion = plan.QueryExpansion
	row.Overrides = &overrides
	row.ExpiresTurn = plan.ExpiresTurn
	row.ReasonCodes = plan.Reasons
	row.RephraseAtPlan = row.RephraseCount
	row.HandoffAtPlan = row.HandoffClicks
	row.UpdatedAt = s.now()

	if err := putRow(ctx, tx, row); err != nil {
		return SessionState{}, err
	}
	if err := tx.Commit(); err != nil {
		return SessionState{}, fmt.Errorf("commit plan: %w", err)
	}
	return State(row), nil
}

// #endregion

// #region counters

// RecordClick counts a UI interaction for the session.
func (s *Store) RecordClick(ctx context.Context, sessionID string, kind ClickKind) error {
	var column string
	switch kind {
	case ClickHandoff:
		column = "handoff_clicks"
	case ClickExplain:
		column = "explain_clicks"
	default:
		return fmt.Errorf("unknown click kind %q", kind)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_features (session_id, `+column+`, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			`+column+` = `+column+` + 1,
			updated_at = excluded.updated_at`,
		sessionID, formatTime(s.now()))
	return err
}

// RecordScores stores the latest turn scores for the session.
func (s *Store) RecordScores(ctx context.Context, sessionID string, tqs, kgs int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_features (session_id, last_tqs, last_kgs, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_tqs   = excluded.last_tqs,
			last_kgs   = excluded.last_kgs,
			updated_at = excluded.updated_at`,
		sessionID, tqs, kgs, formatTime(s.now()))
	return err
}

// #endregion

// #region get

// Get returns the session's state. Unknown sessions are nominal at turn 0.
func (s *Store) Get(ctx context.Context, sessionID string) (SessionState, error) {
	row, err := getRow(ctx, s.db, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	return State(row), nil
}

// #endregion

// #region row-io

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRow(ctx context.Context, q queryer, sessionID string) (Row, error) {
	var (
		r                      Row
		lastTQS, lastKGS       sql.NullInt64
		topK, expires          sql.NullInt64
		clarify, expand        int
		overridesJSON          sql.NullString
		reasonsJSON, updatedAt string
	)
	err := q.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM session_features WHERE session_id = ?`, sessionID).Scan(
		&r.SessionID, &r.TurnIndex, &r.RephraseCount, &r.ExplainClicks, &r.HandoffClicks,
		&lastTQS, &lastKGS, &r.LastUserMessage, &clarify, &topK,
		&expand, &overridesJSON, &expires,
		&reasonsJSON, &r.RephraseAtPlan, &r.HandoffAtPlan, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{SessionID: sessionID}, nil
	}
	if err != nil {
		return Row{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if lastTQS.Valid {
		v := int(lastTQS.Int64)
		r.LastTQS = &v
	}
	if lastKGS.Valid {
		v := int(lastKGS.Int64)
		r.LastKGS = &v
	}
	r.ClarifyMode = clarify == 1
	r.QueryExpansion = expand == 1
	r.RagTopK = int(topK.Int64)
	r.ExpiresTurn = int(expires.Int64)
	if overridesJSON.Valid && overridesJSON.String != "" {
		var o wrqs.Overrides
		if err := json.Unmarshal([]byte(overridesJSON.String), &o); err != nil {
			return Row{}, fmt.Errorf("decode overrides for %s: %w", sessionID, err)
		}
		r.Overrides = &o
	}
	if err := json.Unmarshal([]byte(reasonsJSON), &r.ReasonCodes); err != nil {
		return Row{}, fmt.Errorf("decode reason codes for %s: %w", sessionID, err)
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return r, nil
}

func putRow(ctx context.Context, q queryer, r Row) error {
	var overrides sql.NullString
	if r.Overrides != nil {
		b, err := json.Marshal(r.Overrides)
		if err != nil {
			return err
		}
		overrides = sql.NullString{String: string(b), Valid: true}
	}
	reasons := r.ReasonCodes
	if reasons == nil {
		reasons = []Reason{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO session_features (`+rowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			turn_index                 = excluded.turn_index,
			rephrase_count             = excluded.rephrase_count,
			explain_clicks             = excluded.explain_clicks,
			handoff_clicks             = excluded.handoff_clicks,
			last_tqs                   = excluded.last_tqs,
			last_kgs                   = excluded.last_kgs,
			last_user_message          = excluded.last_user_message,
			clarify_mode               = excluded.clarify_mode,
			rag_top_k_override         = excluded.rag_top_k_override,
			query_expansion_enabled    = excluded.query_expansion_enabled,
			wrqs_weight_overrides_json = excluded.wrqs_weight_overrides_json,
			adaptation_expires_turn    = excluded.adaptation_expires_turn,
			reason_codes_json          = excluded.reason_codes_json,
			rephrase_at_plan           = excluded.rephrase_at_plan,
			handoff_at_plan            = excluded.handoff_at_plan,
			updated_at                 = excluded.updated_at`,
		r.SessionID, r.TurnIndex, r.RephraseCount, r.ExplainClicks, r.HandoffClicks,
		nullInt(r.LastTQS), nullInt(r.LastKGS), r.LastUserMessage, boolInt(r.ClarifyMode), nullPositive(r.RagTopK),
		boolInt(r.QueryExpansion), overrides, nullPositive(r.ExpiresTurn),
		string(reasonsJSON), r.RephraseAtPlan, r.HandoffAtPlan, formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store session %s: %w", r.SessionID, err)
	}
	return nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullPositive(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v > 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// #endregion

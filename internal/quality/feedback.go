package quality

// #region imports
import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/turn-governor/internal/logging"
)

// #endregion

// #region types

// FeedbackType is a thumbs rating on one answer.
type FeedbackType string

const (
	FeedbackUp   FeedbackType = "UP"
	FeedbackDown FeedbackType = "DOWN"
)

// ErrInvalidFeedback covers unknown feedback types and missing ids.
var ErrInvalidFeedback = errors.New("invalid feedback")

// ParseFeedbackType accepts up/down in any case.
func ParseFeedbackType(s string) (FeedbackType, error) {
	switch t := FeedbackType(strings.ToUpper(strings.TrimSpace(s))); t {
	case FeedbackUp, FeedbackDown:
		return t, nil
	}
	return "", fmt.Errorf("%w: type %q must be up or down", ErrInvalidFeedback, s)
}

// Exclusion reasons recorded when feedback may not be used for learning.
const (
	ExcludedOptOut    = "USER_TELEMETRY_OPTOUT"
	ExcludedSensitive = "SENSITIVE_PATTERN"
)

// Feedback is one rating. Correction is the raw free text; only its hash and
// redacted form are stored.
type Feedback struct {
	ID         string
	SessionID  string
	RequestID  string
	UserID     string
	Type       FeedbackType
	ReasonCode string
	Correction string
	OptOut     bool // user declined telemetry learning
	CreatedAt  time.Time
}

// #endregion

// #region guardrail

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(ssn|social security|credit card|cvv|cvc|bank account|routing number)\b`),
	regexp.MustCompile(`(?i)\b(secret key|api key|private key|password|admin password|token)\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// LearningDecision says whether content may feed offline learning.
type LearningDecision struct {
	Allowed         bool
	ExclusionReason string
	ContentHash     string // empty for empty content
	ContentRedacted string
}

// CheckLearning applies the learning guardrail: an opted-out user is
// excluded first, then content mentioning credentials or identity numbers.
func CheckLearning(content string, optOut bool) LearningDecision {
	d := LearningDecision{Allowed: true, ContentRedacted: logging.Redact(content)}
	if content != "" {
		d.ContentHash = hashText(content)
	}
	switch {
	case optOut:
		d.Allowed, d.ExclusionReason = false, ExcludedOptOut
	case sensitive(content):
		d.Allowed, d.ExclusionReason = false, ExcludedSensitive
	}
	return d
}

func sensitive(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// #endregion

// #region schema

const feedbackSchema = `
CREATE TABLE IF NOT EXISTS turn_feedback (
    id               TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL,
    request_id       TEXT NOT NULL,
    user_id          TEXT,
    feedback_type    TEXT NOT NULL,
    reason_code      TEXT,
    content_hash     TEXT,
    content_redacted TEXT,
    learning_allowed INTEGER NOT NULL,
    exclusion_reason TEXT,
    created_at       TEXT NOT NULL
);
`

const feedbackIndex = `
CREATE INDEX IF NOT EXISTS idx_turn_feedback_created
ON turn_feedback(created_at);
`

// #endregion

// #region store

// FeedbackStore persists answer ratings in SQLite.
type FeedbackStore struct {
	db *sql.DB
}

// NewFeedbackStore creates the turn_feedback table if needed.
func NewFeedbackStore(db *sql.DB) (*FeedbackStore, error) {
	for _, stmt := range []string{feedbackSchema, feedbackIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("feedback schema: %w", err)
		}
	}
	return &FeedbackStore{db: db}, nil
}

// Record validates and stores fb, returning its id and the learning decision
// taken for its correction text.
func (f *FeedbackStore) Record(ctx context.Context, fb Feedback) (string, LearningDecision, error) {
	if fb.SessionID == "" || fb.RequestID == "" {
		return "", LearningDecision{}, fmt.Errorf("%w: session and request id are required", ErrInvalidFeedback)
	}
	typ, err := ParseFeedbackType(string(fb.Type))
	if err != nil {
		return "", LearningDecision{}, err
	}
	fb.Type = typ
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}
	d := CheckLearning(fb.Correction, fb.OptOut)
	allowed := 0
	if d.Allowed {
		allowed = 1
	}
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO turn_feedback
		(id, session_id, request_id, user_id, feedback_type, reason_code,
		 content_hash, content_redacted, learning_allowed, exclusion_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID,
		fb.SessionID,
		fb.RequestID,
		nullString(fb.UserID),
		string(fb.Type),
		nullString(strings.ToUpper(strings.TrimSpace(fb.ReasonCode))),
		nullString(d.ContentHash),
		nullString(d.ContentRedacted),
		allowed,
		nullString(d.ExclusionReason),
		formatTime(fb.CreatedAt),
	)
	if err != nil {
		return "", LearningDecision{}, fmt.Errorf("record feedback %s: %w", fb.RequestID, err)
	}
	return fb.ID, d, nil
}

// Latest maps each rated request of the session to its most recent rating.
func (f *FeedbackStore) Latest(ctx context.Context, sessionID string) (map[string]FeedbackType, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT request_id, feedback_type
		FROM turn_feedback
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]FeedbackType{}
	for rows.Next() {
		var req, typ string
		if err := rows.Scan(&req, &typ); err != nil {
			return nil, err
		}
		out[req] = FeedbackType(typ)
	}
	return out, rows.Err()
}

// DownRate is the share of learnable ratings in [from, to) that were DOWN,
// with the number of learnable ratings seen.
func (f *FeedbackStore) DownRate(ctx context.Context, from, to time.Time) (float64, int, error) {
	var total, down int
	err := f.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN feedback_type = ? THEN 1 ELSE 0 END), 0)
		FROM turn_feedback
		WHERE learning_allowed = 1 AND created_at >= ? AND created_at < ?`,
		string(FeedbackDown), formatTime(from), formatTime(to),
	).Scan(&total, &down)
	if err != nil {
		return 0, 0, fmt.Errorf("feedback down rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(down) / float64(total), total, nil
}

// DownReasons counts learnable DOWN ratings in [from, to) per reason code.
// Ratings without a reason count as UNSPECIFIED.
func (f *FeedbackStore) DownReasons(ctx context.Context, from, to time.Time) (map[string]int, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(reason_code, ''), 'UNSPECIFIED'), COUNT(*)
		FROM turn_feedback
		WHERE feedback_type = ? AND learning_allowed = 1
		  AND created_at >= ? AND created_at < ?
		GROUP BY 1`,
		string(FeedbackDown), formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// #endregion

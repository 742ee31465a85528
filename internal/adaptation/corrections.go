package adaptation

// #region imports
import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/turn-governor/internal/logging"
)

// #endregion

// #region types

// MemoryScope says how long a correction is remembered.
type MemoryScope string

const (
	ScopeSession  MemoryScope = "SESSION"
	ScopeLongTerm MemoryScope = "LONG_TERM"
)

const (
	sessionHintLimit  = 6
	longTermHintLimit = 8
	// DefaultMaxHints caps the hints handed to backends per turn.
	DefaultMaxHints = 8
)

// sortableTime is fixed-width so created_at orders lexically.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// ErrInvalidCorrection covers empty instructions and long-term memories
// without a consenting user.
var ErrInvalidCorrection = errors.New("invalid correction")

// Correction is a user instruction to apply to later answers. Instruction is
// redacted before it is stored.
type Correction struct {
	SessionID        string
	RequestID        string
	SourceFeedbackID string
	UserID           string
	Scope            MemoryScope
	Instruction      string
	ConsentLongTerm  bool
}

// #endregion

// #region schema

const correctionMemorySchema = `
CREATE TABLE IF NOT EXISTS correction_memory (
    id                   TEXT PRIMARY KEY,
    session_id           TEXT NOT NULL,
    request_id           TEXT,
    user_id              TEXT,
    source_feedback_id   TEXT,
    memory_scope         TEXT NOT NULL,
    instruction_redacted TEXT NOT NULL,
    instruction_hash     TEXT NOT NULL,
    consent_long_term    INTEGER NOT NULL DEFAULT 0,
    active               INTEGER NOT NULL DEFAULT 1,
    created_at           TEXT NOT NULL
);
`

// #endregion

// #region store

// CorrectionStore persists correction_memory rows.
type CorrectionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCorrectionStore creates the correction_memory table if needed.
func NewCorrectionStore(db *sql.DB) (*CorrectionStore, error) {
	if _, err := db.Exec(correctionMemorySchema); err != nil {
		return nil, fmt.Errorf("correction_memory schema: %w", err)
	}
	return &CorrectionStore{db: db, now: time.Now}, nil
}

// Create stores c and returns its id. Long-term memories need a user id and
// explicit consent.
func (s *CorrectionStore) Create(ctx context.Context, c Correction) (string, error) {
	text := strings.TrimSpace(c.Instruction)
	if text == "" || c.SessionID == "" {
		return "", fmt.Errorf("%w: session id and instruction are required", ErrInvalidCorrection)
	}
	switch c.Scope {
	case ScopeSession:
	case ScopeLongTerm:
		if c.UserID == "" || !c.ConsentLongTerm {
			return "", fmt.Errorf("%w: long-term memory needs a consenting user", ErrInvalidCorrection)
		}
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidCorrection, c.Scope)
	}

	id := uuid.NewString()
	sum := sha256.Sum256([]byte(text))
	consent := 0
	if c.ConsentLongTerm {
		consent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correction_memory
		(id, session_id, request_id, user_id, source_feedback_id, memory_scope,
		 instruction_redacted, instruction_hash, consent_long_term, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		id,
		c.SessionID,
		nullIfEmpty(c.RequestID),
		nullIfEmpty(c.UserID),
		nullIfEmpty(c.SourceFeedbackID),
		string(c.Scope),
		logging.Redact(text),
		hex.EncodeToString(sum[:]),
		consent,
		s.now().UTC().Format(sortableTime),
	)
	if err != nil {
		return "", fmt.Errorf("create correction for %s: %w", c.SessionID, err)
	}
	return id, nil
}

// Hints returns the redacted instructions to apply to the next answer: the
// session's newest corrections, then the user's consented long-term ones,
// deduplicated and capped at max. An empty userID skips long-term memory.
func (s *CorrectionStore) Hints(ctx context.Context, sessionID, userID string, max int) ([]string, error) {
	if max <= 0 {
		max = DefaultMaxHints
	}
	var (
		hints []string
		seen  = map[string]bool{}
	)
	collect := func(query string, args ...any) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var text, hash string
			if err := rows.Scan(&text, &hash); err != nil {
				return err
			}
			if text == "" || seen[hash] {
				continue
			}
			seen[hash] = true
			hints = append(hints, text)
		}
		return rows.Err()
	}

	err := collect(`
		SELECT instruction_redacted, instruction_hash
		FROM correction_memory
		WHERE session_id = ? AND memory_scope = ? AND active = 1
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		sessionID, string(ScopeSession), sessionHintLimit)
	if err != nil {
		return nil, fmt.Errorf("session corrections %s: %w", sessionID, err)
	}
	if userID != "" {
		err = collect(`
			SELECT instruction_redacted, instruction_hash
			FROM correction_memory
			WHERE user_id = ? AND memory_scope = ? AND active = 1 AND consent_long_term = 1
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?`,
			userID, string(ScopeLongTerm), longTermHintLimit)
		if err != nil {
			return nil, fmt.Errorf("long-term corrections %s: %w", userID, err)
		}
	}
	if len(hints) > max {
		hints = hints[:max]
	}
	return hints, nil
}

// #endregion

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

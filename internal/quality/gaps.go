package quality

// #region imports
import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// #endregion

// #region schema

const gapSchema = `
CREATE TABLE IF NOT EXISTS knowledge_gap_items (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    topic_key        TEXT NOT NULL,
    intent           TEXT NOT NULL,
    sample_message   TEXT NOT NULL,
    kgs_score        INTEGER NOT NULL,
    occurrence_count INTEGER NOT NULL DEFAULT 1,
    trigger_source   TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'NEW',
    last_request_id  TEXT,
    last_session_id  TEXT,
    first_seen_at    TEXT NOT NULL,
    last_seen_at     TEXT NOT NULL,
    UNIQUE (topic_key, intent)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_gap_score
ON knowledge_gap_items(kgs_score DESC, occurrence_count DESC);
`

// #endregion

// #region topic-key

// TopicKey groups repeated questions: the lowercased intent plus the first 16
// hex chars of sha256 over the whitespace-collapsed, lowercased message.
func TopicKey(intent, message string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(message), " "))
	sum := sha256.Sum256([]byte(normalized))
	return gapIntent(intent) + "::" + hex.EncodeToString(sum[:])[:16]
}

func gapIntent(intent string) string {
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		return "unknown"
	}
	return intent
}

// #endregion

// #region store

// GapStore persists knowledge_gap_items in SQLite.
type GapStore struct {
	db *sql.DB
}

// NewGapStore creates the knowledge_gap_items table if needed.
func NewGapStore(db *sql.DB) (*GapStore, error) {
	if _, err := db.Exec(gapSchema); err != nil {
		return nil, fmt.Errorf("knowledge gap schema: %w", err)
	}
	return &GapStore{db: db}, nil
}

// Upsert inserts item or, for a known (topic_key, intent), bumps the
// occurrence count, keeps the highest score and refreshes the last-seen fields.
// item.OccurrenceCount is the increment; zero counts as one sighting.
func (g *GapStore) Upsert(ctx context.Context, item GapItem) error {
	seen := formatTime(item.LastSeenAt)
	count := max(item.OccurrenceCount, 1)
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO knowledge_gap_items
		(topic_key, intent, sample_message, kgs_score, occurrence_count, trigger_source,
		 last_request_id, last_session_id, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_key, intent) DO UPDATE SET
			occurrence_count = occurrence_count + excluded.occurrence_count,
			kgs_score        = MAX(kgs_score, excluded.kgs_score),
			trigger_source   = excluded.trigger_source,
			last_request_id  = excluded.last_request_id,
			last_session_id  = excluded.last_session_id,
			last_seen_at     = excluded.last_seen_at`,
		item.TopicKey,
		item.Intent,
		item.SampleMessage,
		item.KGS,
		count,
		item.TriggerSource,
		nullString(item.LastRequestID),
		nullString(item.LastSessionID),
		seen,
		seen,
	)
	if err != nil {
		return fmt.Errorf("upsert knowledge gap %s: %w", item.TopicKey, err)
	}
	return nil
}

// List returns the worst gaps first. limit <= 0 returns all.
func (g *GapStore) List(ctx context.Context, limit int) ([]GapItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+gapColumns+`
		FROM knowledge_gap_items
		ORDER BY kgs_score DESC, occurrence_count DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanGaps(rows)
}

// #endregion

// #region review

// PromoteToReview moves NEW gaps seen at least minOccurrences times to
// IN_REVIEW and returns how many moved.
func (g *GapStore) PromoteToReview(ctx context.Context, minOccurrences int) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE knowledge_gap_items SET status = ?
		WHERE status = ? AND occurrence_count >= ?`,
		GapInReview, GapNew, minOccurrences,
	)
	if err != nil {
		return 0, fmt.Errorf("promote knowledge gaps: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReviewCandidates returns open gaps (NEW or IN_REVIEW) last seen in
// [from, to) scoring at least minScore, worst first.
func (g *GapStore) ReviewCandidates(ctx context.Context, from, to time.Time, minScore, limit int) ([]GapItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+gapColumns+`
		FROM knowledge_gap_items
		WHERE status IN (?, ?) AND kgs_score >= ?
		  AND last_seen_at >= ? AND last_seen_at < ?
		ORDER BY kgs_score DESC, occurrence_count DESC, last_seen_at DESC
		LIMIT ?`,
		GapNew, GapInReview, minScore, formatTime(from), formatTime(to), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanGaps(rows)
}

// #endregion

const gapColumns = `topic_key, intent, sample_message, kgs_score, occurrence_count, trigger_source,
		       status, last_request_id, last_session_id, first_seen_at, last_seen_at`

func scanGaps(rows *sql.Rows) ([]GapItem, error) {
	defer rows.Close()
	var out []GapItem
	for rows.Next() {
		var (
			it          GapItem
			req, sess   sql.NullString
			first, last string
		)
		if err := rows.Scan(&it.TopicKey, &it.Intent, &it.SampleMessage, &it.KGS, &it.OccurrenceCount,
			&it.TriggerSource, &it.Status, &req, &sess, &first, &last); err != nil {
			return nil, err
		}
		it.LastRequestID = req.String
		it.LastSessionID = sess.String
		it.FirstSeenAt = parseTime(first)
		it.LastSeenAt = parseTime(last)
		out = append(out, it)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

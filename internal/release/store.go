package release

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// #endregion

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS release_component_versions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    component      TEXT NOT NULL,
    version        TEXT NOT NULL,
    content_hash   TEXT NOT NULL,
    label          TEXT NOT NULL,
    canary_percent INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    UNIQUE (component, content_hash)
);

CREATE TABLE IF NOT EXISTS golden_runs (
    id           TEXT PRIMARY KEY,
    pass_rate    REAL NOT NULL,
    status       TEXT NOT NULL,
    total        INTEGER NOT NULL,
    passed       INTEGER NOT NULL,
    failed       INTEGER NOT NULL,
    results_json TEXT NOT NULL,
    created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS canary_runs (
    id                 TEXT PRIMARY KEY,
    candidate_version  INTEGER NOT NULL,
    baseline_version   INTEGER NOT NULL,
    percent            INTEGER NOT NULL,
    status             TEXT NOT NULL,
    baseline_json      TEXT NOT NULL,
    current_json       TEXT NOT NULL,
    rollback_triggered INTEGER NOT NULL DEFAULT 0,
    reason             TEXT,
    started_at         TEXT NOT NULL,
    closed_at          TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_canary_runs_one_running
ON canary_runs(status) WHERE status = 'RUNNING';
`

// #endregion

// #region store

// Store persists release records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the release tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("release schema: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion

// #region components

// ComponentByHash returns the recorded version of component with hash, if any.
func (s *Store) ComponentByHash(ctx context.Context, component, hash string) (*ComponentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT component, version, content_hash, label, canary_percent, created_at
		FROM release_component_versions WHERE component = ? AND content_hash = ?`, component, hash)
	cv, err := scanComponent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cv, err
}

// LatestComponent returns the newest recorded version of component, if any.
func (s *Store) LatestComponent(ctx context.Context, component string) (*ComponentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT component, version, content_hash, label, canary_percent, created_at
		FROM release_component_versions WHERE component = ?
		ORDER BY id DESC LIMIT 1`, component)
	cv, err := scanComponent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cv, err
}

// InsertComponent records cv.
func (s *Store) InsertComponent(ctx context.Context, cv ComponentVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO release_component_versions
		(component, version, content_hash, label, canary_percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cv.Component, cv.Version, cv.ContentHash, cv.Label, cv.CanaryPercent, formatTime(cv.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert component %s: %w", cv.Component, err)
	}
	return nil
}

func scanComponent(row *sql.Row) (*ComponentVersion, error) {
	var cv ComponentVersion
	var created string
	if err := row.Scan(&cv.Component, &cv.Version, &cv.ContentHash, &cv.Label, &cv.CanaryPercent, &created); err != nil {
		return nil, err
	}
	cv.CreatedAt = parseTime(created)
	return &cv, nil
}

// #endregion

// #region golden-runs

// InsertGoldenRun persists run with its per-case results.
func (s *Store) InsertGoldenRun(ctx context.Context, run GoldenRun) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO golden_runs (id, pass_rate, status, total, passed, failed, results_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PassRate, run.Status, run.Total, run.Passed, run.Failed, string(results), formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert golden run: %w", err)
	}
	return nil
}

// LatestGoldenRun returns the most recent golden run, or nil.
func (s *Store) LatestGoldenRun(ctx context.Context) (*GoldenRun, error) {
	var (
		run              GoldenRun
		results, created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pass_rate, status, total, passed, failed, results_json, created_at
		FROM golden_runs ORDER BY rowid DESC LIMIT 1`,
	).Scan(&run.ID, &run.PassRate, &run.Status, &run.Total, &run.Passed, &run.Failed, &results, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest golden run: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return nil, fmt.Errorf("decode golden results: %w", err)
	}
	run.CreatedAt = parseTime(created)
	return &run, nil
}

// #endregion

// #region canary-runs

const canaryColumns = `id, candidate_version, baseline_version, percent, status, baseline_json,
	current_json, rollback_triggered, reason, started_at, closed_at`

// InsertCanary persists a new canary run. A second RUNNING row violates the
// partial unique index and is reported as ErrCanaryRunning.
func (s *Store) InsertCanary(ctx context.Context, run CanaryRun) error {
	args, err := canaryArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO canary_runs (`+canaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if open, _ := s.OpenCanary(ctx); open != nil {
			return fmt.Errorf("%w: %s", ErrCanaryRunning, open.ID)
		}
		return fmt.Errorf("insert canary: %w", err)
	}
	return nil
}

// UpdateCanary overwrites the mutable fields of run.
func (s *Store) UpdateCanary(ctx context.Context, run CanaryRun) error {
	baseline, err := json.Marshal(run.Baseline)
	if err != nil {
		return err
	}
	current, err := json.Marshal(run.Current)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE canary_runs SET
			status = ?, baseline_json = ?, current_json = ?,
			rollback_triggered = ?, reason = ?, closed_at = ?
		WHERE id = ?`,
		run.Status, string(baseline), string(current),
		boolInt(run.RollbackTriggered), nullString(run.Reason), nullTime(run.ClosedAt), run.ID)
	if err != nil {
		return fmt.Errorf("update canary %s: %w", run.ID, err)
	}
	return nil
}

// OpenCanary returns the RUNNING canary, or nil.
func (s *Store) OpenCanary(ctx context.Context) (*CanaryRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+canaryColumns+` FROM canary_runs WHERE status = ?`, CanaryRunning)
	run, err := scanCanary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open canary: %w", err)
	}
	return run, nil
}

// GetCanary returns the canary run with id.
func (s *Store) GetCanary(ctx context.Context, id string) (*CanaryRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+canaryColumns+` FROM canary_runs WHERE id = ?`, id)
	run, err := scanCanary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCanary, id)
	}
	return run, err
}

// ListCanaries returns recent canary runs, newest first.
func (s *Store) ListCanaries(ctx context.Context, limit int) ([]CanaryRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+canaryColumns+` FROM canary_runs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CanaryRun
	for rows.Next() {
		run, err := scanCanary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCanary(row scanner) (*CanaryRun, error) {
	var (
		run                        CanaryRun
		baseline, current, started string
		rollback                   int
		reason, closed             sql.NullString
	)
	if err := row.Scan(&run.ID, &run.CandidateVersion, &run.BaselineVersion, &run.Percent, &run.Status,
		&baseline, &current, &rollback, &reason, &started, &closed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(baseline), &run.Baseline); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	if err := json.Unmarshal([]byte(current), &run.Current); err != nil {
		return nil, fmt.Errorf("decode current: %w", err)
	}
	run.RollbackTriggered = rollback == 1
	run.Reason = reason.String
	run.StartedAt = parseTime(started)
	if closed.Valid {
		run.ClosedAt = parseTime(closed.String)
	}
	return &run, nil
}

func canaryArgs(run CanaryRun) ([]any, error) {
	baseline, err := json.Marshal(run.Baseline)
	if err != nil {
		return nil, err
	}
	current, err := json.Marshal(run.Current)
	if err != nil {
		return nil, err
	}
	return []any{
		run.ID, run.CandidateVersion, run.BaselineVersion, run.Percent, run.Status,
		string(baseline), string(current), boolInt(run.RollbackTriggered), nullString(run.Reason),
		formatTime(run.StartedAt), nullTime(run.ClosedAt),
	}, nil
}

// #endregion

// #region helpers

// timeLayout matches turn_outcomes so canary windows compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion

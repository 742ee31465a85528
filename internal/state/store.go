package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS weight_configs (
	version        INTEGER PRIMARY KEY,
	label          TEXT NOT NULL,
	weights_json   TEXT NOT NULL,
	config_hash    TEXT NOT NULL,
	parent_version INTEGER,
	note           TEXT,
	created_at     TEXT NOT NULL,
	FOREIGN KEY (parent_version) REFERENCES weight_configs(version)
);

CREATE TRIGGER IF NOT EXISTS weight_configs_no_update
BEFORE UPDATE ON weight_configs
BEGIN
	SELECT RAISE(ABORT, 'weight_configs is append-only');
END;

CREATE TRIGGER IF NOT EXISTS weight_configs_no_delete
BEFORE DELETE ON weight_configs
BEGIN
	SELECT RAISE(ABORT, 'weight_configs is append-only');
END;

CREATE TABLE IF NOT EXISTS active_weights (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	version        INTEGER NOT NULL,
	stable_version INTEGER,
	canary_percent INTEGER NOT NULL DEFAULT 0,
	canary_run_id  TEXT,
	updated_at     TEXT NOT NULL,
	FOREIGN KEY (version) REFERENCES weight_configs(version),
	FOREIGN KEY (stable_version) REFERENCES weight_configs(version)
);
`
// #endregion schema

// #region store-struct
// Store keeps append-only weight config versions and the single active pointer in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB so the audit, adaptation, quality and
// release stores can share one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion db-accessor

// #region bootstrap
// Bootstrap inserts the built-in weights as version 1 and activates them when
// the store is empty. It returns the active config either way.
func (s *Store) Bootstrap(ctx context.Context) (WeightConfig, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM weight_configs`).Scan(&count); err != nil {
		return WeightConfig{}, fmt.Errorf("count versions: %w", err)
	}
	if count > 0 {
		return s.GetActive(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WeightConfig{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cfg, err := insertVersion(ctx, tx, wrqs.Default(), 0, "built-in defaults")
	if err != nil {
		return WeightConfig{}, err
	}
	if err := setPointer(ctx, tx, ActivePointer{Version: cfg.Version}); err != nil {
		return WeightConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return WeightConfig{}, fmt.Errorf("commit: %w", err)
	}
	cfg.IsActive = true
	return cfg, nil
}
// #endregion bootstrap

// #region propose
// Propose validates w and appends it as the next version, inactive. An
// invalid set returns wrqs.ErrInvalidWeightConfig and changes nothing.
func (s *Store) Propose(ctx context.Context, w wrqs.Weights, note string) (WeightConfig, error) {
	if err := w.Validate(); err != nil {
		return WeightConfig{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WeightConfig{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT version FROM active_weights WHERE id = 1`).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return WeightConfig{}, fmt.Errorf("read active: %w", err)
	}

	cfg, err := insertVersion(ctx, tx, w, int(parent.Int64), note)
	if err != nil {
		return WeightConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return WeightConfig{}, fmt.Errorf("commit: %w", err)
	}
	return cfg, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, w wrqs.Weights, parent int, note string) (WeightConfig, error) {
	canon, err := CanonicalJSON(w)
	if err != nil {
		return WeightConfig{}, err
	}
	hash, err := ConfigHash(w)
	if err != nil {
		return WeightConfig{}, err
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM weight_configs`).Scan(&next); err != nil {
		return WeightConfig{}, fmt.Errorf("next version: %w", err)
	}

	now := time.Now().UTC()
	cfg := WeightConfig{
		Version:       next,
		Label:         LabelFor(next),
		Weights:       w.Clone(),
		ConfigHash:    hash,
		ParentVersion: parent,
		Note:          note,
		CreatedAt:     now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO weight_configs (version, label, weights_json, config_hash, parent_version, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.Version, cfg.Label, string(canon), cfg.ConfigHash, nullInt(parent), nullString(note),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return WeightConfig{}, fmt.Errorf("insert version: %w", err)
	}
	return cfg, nil
}
// #endregion propose

// #region activate
// Activate points the active pointer at version and clears any canary split.
func (s *Store) Activate(ctx context.Context, version int) error {
	return s.SetPointer(ctx, ActivePointer{Version: version})
}

// SetPointer replaces the whole active pointer row in one statement.
func (s *Store) SetPointer(ctx context.Context, p ActivePointer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, v := range []int{p.Version, p.StableVersion} {
		if v == 0 {
			continue
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM weight_configs WHERE version = ?`, v).Scan(&exists); err != nil {
			return fmt.Errorf("check version: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %d", ErrVersionNotFound, v)
		}
	}
	if err := setPointer(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func setPointer(ctx context.Context, tx *sql.Tx, p ActivePointer) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO active_weights (id, version, stable_version, canary_percent, canary_run_id, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			stable_version = excluded.stable_version,
			canary_percent = excluded.canary_percent,
			canary_run_id = excluded.canary_run_id,
			updated_at = excluded.updated_at`,
		p.Version, nullInt(p.StableVersion), p.CanaryPercent, nullString(p.CanaryRunID),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return nil
}
// #endregion activate

// #region get-active
// Pointer reads the active pointer row.
func (s *Store) Pointer(ctx context.Context) (ActivePointer, error) {
	var p ActivePointer
	var stable sql.NullInt64
	var runID sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, stable_version, canary_percent, canary_run_id, updated_at
		 FROM active_weights WHERE id = 1`,
	).Scan(&p.Version, &stable, &p.CanaryPercent, &runID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ActivePointer{}, ErrNoActiveConfig
	}
	if err != nil {
		return ActivePointer{}, fmt.Errorf("get active: %w", err)
	}
	p.StableVersion = int(stable.Int64)
	p.CanaryRunID = runID.String
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return p, nil
}

// GetActive reads the active weight config.
func (s *Store) GetActive(ctx context.Context) (WeightConfig, error) {
	p, err := s.Pointer(ctx)
	if err != nil {
		return WeightConfig{}, err
	}
	return s.GetVersion(ctx, p.Version)
}
// #endregion get-active

// #region get-version
// GetVersion retrieves a specific version.
func (s *Store) GetVersion(ctx context.Context, version int) (WeightConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT w.version, w.label, w.weights_json, w.config_hash, w.parent_version, w.note, w.created_at,
		        COALESCE(a.version = w.version, 0)
		 FROM weight_configs w LEFT JOIN active_weights a ON a.id = 1
		 WHERE w.version = ?`, version)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WeightConfig{}, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return WeightConfig{}, fmt.Errorf("get version %d: %w", version, err)
	}
	return cfg, nil
}
// #endregion get-version

// #region list-versions
// ListVersions returns the most recent versions, newest first.
func (s *Store) ListVersions(ctx context.Context, limit int) ([]WeightConfig, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.version, w.label, w.weights_json, w.config_hash, w.parent_version, w.note, w.created_at,
		        COALESCE(a.version = w.version, 0)
		 FROM weight_configs w LEFT JOIN active_weights a ON a.id = 1
		 ORDER BY w.version DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []WeightConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(r scanner) (WeightConfig, error) {
	var cfg WeightConfig
	var weightsJSON, created string
	var parent sql.NullInt64
	var note sql.NullString
	var active int
	if err := r.Scan(&cfg.Version, &cfg.Label, &weightsJSON, &cfg.ConfigHash, &parent, &note, &created, &active); err != nil {
		return WeightConfig{}, err
	}
	if err := json.Unmarshal([]byte(weightsJSON), &cfg.Weights); err != nil {
		return WeightConfig{}, fmt.Errorf("unmarshal weights: %w", err)
	}
	cfg.ParentVersion = int(parent.Int64)
	cfg.Note = note.String
	cfg.IsActive = active == 1
	cfg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return cfg, nil
}
// #endregion list-versions

// #region helpers
func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers

// Package learning runs the offline jobs that turn a day of scored turns and
// feedback into metrics and review items, and a week of metrics into a
// bounded weight proposal for the canary.
package learning

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/state"
)

// #endregion

// #region config

// Config holds the learning thresholds. Scores are on the 0..100 scale.
type Config struct {
	MaxWeeklyDelta float64 `yaml:"max_weekly_delta"` // max drift of a tuned weight from the built-in default
	TightenStep    float64 `yaml:"tighten_step"`
	RelaxStep      float64 `yaml:"relax_step"`

	TightenKGS      float64 `yaml:"tighten_kgs"`       // avg KGS at or above tightens
	TightenDownRate float64 `yaml:"tighten_down_rate"` // feedback down rate at or above tightens
	RelaxKGS        float64 `yaml:"relax_kgs"`
	RelaxDownRate   float64 `yaml:"relax_down_rate"`
	RelaxTQS        float64 `yaml:"relax_tqs"`

	FeedbackGapScore  int `yaml:"feedback_gap_score"`
	ReviewOccurrences int `yaml:"review_occurrences"` // NEW gaps seen this often move to IN_REVIEW
	ReviewMinScore    int `yaml:"review_min_score"`
	ReviewLimit       int `yaml:"review_limit"`
	WeeklyWindowDays  int `yaml:"weekly_window_days"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWeeklyDelta:    0.05,
		TightenStep:       0.01,
		RelaxStep:         0.005,
		TightenKGS:        65,
		TightenDownRate:   0.25,
		RelaxKGS:          40,
		RelaxDownRate:     0.10,
		RelaxTQS:          70,
		FeedbackGapScore:  70,
		ReviewOccurrences: 3,
		ReviewMinScore:    70,
		ReviewLimit:       5,
		WeeklyWindowDays:  7,
	}
}

// Validate rejects thresholds the jobs cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxWeeklyDelta < 0 || c.MaxWeeklyDelta > 1 {
		errs = append(errs, fmt.Errorf("learning.max_weekly_delta %v outside [0,1]", c.MaxWeeklyDelta))
	}
	if c.TightenStep < 0 || c.RelaxStep < 0 {
		errs = append(errs, errors.New("learning steps must be >= 0"))
	}
	if c.WeeklyWindowDays < 1 {
		errs = append(errs, errors.New("learning.weekly_window_days must be >= 1"))
	}
	if c.ReviewOccurrences < 1 {
		errs = append(errs, errors.New("learning.review_occurrences must be >= 1"))
	}
	return errors.Join(errs...)
}

// #endregion

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS learning_daily_metrics (
    metric_date        TEXT PRIMARY KEY,
    avg_tqs            REAL NOT NULL,
    avg_kgs            REAL NOT NULL,
    handoff_rate       REAL NOT NULL,
    feedback_down_rate REAL NOT NULL,
    turns              INTEGER NOT NULL,
    feedback_count     INTEGER NOT NULL,
    updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_job_runs (
    job_type     TEXT NOT NULL,
    window_start TEXT NOT NULL,
    window_end   TEXT NOT NULL,
    status       TEXT NOT NULL,
    summary_json TEXT NOT NULL,
    config_hash  TEXT,
    finished_at  TEXT NOT NULL,
    PRIMARY KEY (job_type, window_start, window_end)
);

CREATE TABLE IF NOT EXISTS review_queue (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    topic_key   TEXT NOT NULL,
    reason_code TEXT NOT NULL,
    priority    TEXT NOT NULL,
    status      TEXT NOT NULL,
    kgs_score   INTEGER NOT NULL,
    created_at  TEXT NOT NULL
);
`

// Job types and statuses recorded in learning_job_runs.
const (
	JobDaily  = "DAILY"
	JobWeekly = "WEEKLY"

	RunSuccess = "SUCCESS"
	RunFailed  = "FAILED"
)

const (
	dateLayout  = "2006-01-02"
	stampLayout = "2006-01-02T15:04:05.000000000Z" // fixed width, sorts lexically
)

// #endregion

// #region jobs

// Jobs runs the daily and weekly learning jobs against the shared database.
type Jobs struct {
	db       *sql.DB
	config   Config
	weights  *state.Store
	outcomes *quality.OutcomeStore
	feedback *quality.FeedbackStore
	gaps     *quality.GapStore

	audit   logging.Sink
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures Jobs.
type Option func(*Jobs)

// WithAudit sets the audit sink.
func WithAudit(sink logging.Sink) Option { return func(j *Jobs) { j.audit = sink } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option { return func(j *Jobs) { j.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(j *Jobs) { j.logger = l } }

// NewJobs creates the learning tables in db.
func NewJobs(db *sql.DB, config Config, weights *state.Store, outcomes *quality.OutcomeStore,
	feedback *quality.FeedbackStore, gaps *quality.GapStore, opts ...Option) (*Jobs, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("learning schema: %w", err)
	}
	j := &Jobs{
		db:       db,
		config:   config,
		weights:  weights,
		outcomes: outcomes,
		feedback: feedback,
		gaps:     gaps,
		audit:    logging.NopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = observability.OrNop(j.logger)
	return j, nil
}

// finish records the run and its outcome. A failed run keeps the error text
// in its summary.
func (j *Jobs) finish(ctx context.Context, job string, start, end time.Time, summary any, configHash string, runErr error) error {
	status := RunSuccess
	if runErr != nil {
		status = RunFailed
		summary = map[string]string{"error": runErr.Error()}
	}
	j.metrics.IncLearningJob(job, status)

	raw, err := json.Marshal(summary)
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("marshal %s summary: %w", job, err))
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO learning_job_runs
		(job_type, window_start, window_end, status, summary_json, config_hash, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_type, window_start, window_end) DO UPDATE SET
			status       = excluded.status,
			summary_json = excluded.summary_json,
			config_hash  = excluded.config_hash,
			finished_at  = excluded.finished_at`,
		job, start.Format(dateLayout), end.Format(dateLayout), status, string(raw),
		sql.NullString{String: configHash, Valid: configHash != ""},
		j.now().UTC().Format(stampLayout),
	)
	if err != nil {
		err = fmt.Errorf("record %s run: %w", job, err)
	}

	ev := logging.AuditEvent{
		Kind:           logging.KindLearning,
		Allow:          runErr == nil,
		ReasonCode:     job + "_" + status,
		DecisionSource: "learning_job",
		Trace:          map[string]any{"window_start": start.Format(dateLayout), "window_end": end.Format(dateLayout), "config_hash": configHash},
		CreatedAt:      j.now(),
	}
	if aerr := j.audit.Append(ctx, ev); aerr != nil {
		j.metrics.IncAuditFailure()
		j.logger.Warn("[LEARN] audit append failed", "job", job, "err", aerr)
	}
	return errors.Join(runErr, err)
}

// JobRun is one row of learning_job_runs.
type JobRun struct {
	JobType     string          `json:"job_type"`
	WindowStart string          `json:"window_start"`
	WindowEnd   string          `json:"window_end"`
	Status      string          `json:"status"`
	Summary     json.RawMessage `json:"summary"`
	ConfigHash  string          `json:"config_hash,omitempty"`
	FinishedAt  string          `json:"finished_at"`
}

// Runs lists the most recent job runs, newest first.
func (j *Jobs) Runs(ctx context.Context, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT job_type, window_start, window_end, status, summary_json, config_hash, finished_at
		FROM learning_job_runs
		ORDER BY finished_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var (
			r       JobRun
			summary string
			hash    sql.NullString
		)
		if err := rows.Scan(&r.JobType, &r.WindowStart, &r.WindowEnd, &r.Status, &summary, &hash, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Summary = json.RawMessage(summary)
		r.ConfigHash = hash.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion

// day truncates t to its UTC calendar day.
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

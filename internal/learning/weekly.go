package learning

// #region imports
import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/state"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #endregion

// #region proposal

// Direction is the way the weekly rule moved the weights.
type Direction string

const (
	// DirectionTighten favors grounded, useful answers and eases the
	// hallucination and over-disclosure penalties.
	DirectionTighten Direction = "tighten"
	// DirectionRelax steps back toward the defaults when quality is healthy.
	DirectionRelax Direction = "relax"
	DirectionHold  Direction = "hold"
)

// WeeklyMetrics averages the daily rows of one window.
type WeeklyMetrics struct {
	Days        int     `json:"days"`
	AvgTQS      float64 `json:"avg_tqs"`
	AvgKGS      float64 `json:"avg_kgs"`
	AvgDownRate float64 `json:"avg_feedback_down_rate"`
}

// WeightChange is one signal the proposal moved.
type WeightChange struct {
	Group  string  `json:"group"` // positive or penalty
	Signal string  `json:"signal"`
	From   float64 `json:"from"`
	To     float64 `json:"to"`
}

// ProposeWeights applies the weekly rule to base. Heavy knowledge gaps or a
// high down rate tighten; low gaps with healthy TQS and few downs relax. Each
// tuned weight stays within cfg.MaxWeeklyDelta of its built-in default and
// never goes negative. base is not modified.
func ProposeWeights(base wrqs.Weights, m WeeklyMetrics, cfg Config) (wrqs.Weights, Direction, []WeightChange) {
	out := base.Clone()
	var dir Direction
	var step float64
	switch {
	case m.AvgKGS >= cfg.TightenKGS || m.AvgDownRate >= cfg.TightenDownRate:
		dir, step = DirectionTighten, cfg.TightenStep
	case m.AvgKGS <= cfg.RelaxKGS && m.AvgDownRate <= cfg.RelaxDownRate && m.AvgTQS >= cfg.RelaxTQS:
		dir, step = DirectionRelax, -cfg.RelaxStep
	default:
		return out, DirectionHold, nil
	}

	defaults := wrqs.Default()
	var changes []WeightChange
	move := func(group string, set, ref map[string]float64, key string, delta float64) {
		from, ok := set[key]
		if !ok {
			return
		}
		anchor, ok := ref[key]
		if !ok {
			anchor = from
		}
		// Weights already outside the band may move back but not further out.
		lo := math.Min(anchor-cfg.MaxWeeklyDelta, from)
		hi := math.Max(anchor+cfg.MaxWeeklyDelta, from)
		to := math.Max(lo, math.Min(hi, from+delta))
		to = math.Max(0, math.Round(to*1e4)/1e4)
		if to == from {
			return
		}
		set[key] = to
		changes = append(changes, WeightChange{Group: group, Signal: key, From: from, To: to})
	}
	move("positive", out.Positive, defaults.Positive, candidate.KeyGrounding, step)
	move("positive", out.Positive, defaults.Positive, candidate.KeyUsefulness, step)
	move("penalty", out.Penalty, defaults.Penalty, candidate.KeyHallucination, -step)
	move("penalty", out.Penalty, defaults.Penalty, candidate.KeyOverDisclosure, -step)
	if len(changes) == 0 {
		return out, DirectionHold, nil
	}
	return out, dir, changes
}

// #endregion

// #region weekly

// WeeklySummary is what one weekly run proposed and queued.
type WeeklySummary struct {
	WindowStart     string         `json:"window_start"`
	WindowEnd       string         `json:"window_end"`
	Metrics         WeeklyMetrics  `json:"metrics"`
	BaseVersion     int            `json:"base_version"`
	Direction       Direction      `json:"direction"`
	Changes         []WeightChange `json:"changes,omitempty"`
	ProposedVersion int            `json:"proposed_version,omitempty"` // 0 when nothing changed
	ConfigHash      string         `json:"config_hash,omitempty"`
	ReviewQueued    int            `json:"review_queued"`
}

// RunWeekly averages the daily metrics of the window ending on end, proposes
// bounded weights derived from the serving baseline (the stable version while
// a canary runs) and queues the worst recent knowledge gaps for human review.
// The proposal is stored inactive; releasing it is the caller's decision.
func (j *Jobs) RunWeekly(ctx context.Context, end time.Time) (WeeklySummary, error) {
	last := day(end)
	first := last.AddDate(0, 0, 1-j.config.WeeklyWindowDays)
	sum, runErr := j.runWeekly(ctx, first, last)
	if err := j.finish(ctx, JobWeekly, first, last, sum, sum.ConfigHash, runErr); err != nil {
		j.logger.Error("[LEARN] weekly job failed", "window_end", last.Format(dateLayout), "err", err)
		return sum, err
	}
	j.logger.Info("[LEARN] weekly job finished",
		"window_start", sum.WindowStart,
		"window_end", sum.WindowEnd,
		"days", sum.Metrics.Days,
		"direction", sum.Direction,
		"proposed_version", sum.ProposedVersion,
		"review_queued", sum.ReviewQueued)
	return sum, nil
}

func (j *Jobs) runWeekly(ctx context.Context, first, last time.Time) (WeeklySummary, error) {
	sum := WeeklySummary{
		WindowStart: first.Format(dateLayout),
		WindowEnd:   last.Format(dateLayout),
		Direction:   DirectionHold,
	}

	days, err := j.Daily(ctx, first, last)
	if err != nil {
		return sum, fmt.Errorf("read daily metrics: %w", err)
	}
	sum.Metrics = average(days)

	base, err := j.baseline(ctx)
	if err != nil {
		return sum, err
	}
	sum.BaseVersion = base.Version

	if sum.Metrics.Days == 0 {
		j.logger.Warn("[LEARN] no daily metrics in window, weights held",
			"window_start", sum.WindowStart, "window_end", sum.WindowEnd)
	} else {
		proposed, dir, changes := ProposeWeights(base.Weights, sum.Metrics, j.config)
		sum.Direction, sum.Changes = dir, changes
		if len(changes) > 0 {
			note := fmt.Sprintf("weekly learning %s..%s (%s from v%d)", sum.WindowStart, sum.WindowEnd, dir, base.Version)
			created, err := j.weights.Propose(ctx, proposed, note)
			if err != nil {
				return sum, fmt.Errorf("propose weights: %w", err)
			}
			sum.ProposedVersion, sum.ConfigHash = created.Version, created.ConfigHash
		}
	}

	if sum.ReviewQueued, err = j.queueReviews(ctx, first, last.AddDate(0, 0, 1)); err != nil {
		return sum, err
	}
	return sum, nil
}

// baseline is the version serving most traffic.
func (j *Jobs) baseline(ctx context.Context) (state.WeightConfig, error) {
	p, err := j.weights.Pointer(ctx)
	if err != nil {
		return state.WeightConfig{}, err
	}
	version := p.Version
	if p.CanaryActive() {
		version = p.StableVersion
	}
	return j.weights.GetVersion(ctx, version)
}

func average(days []DailyMetrics) WeeklyMetrics {
	m := WeeklyMetrics{Days: len(days)}
	if m.Days == 0 {
		return m
	}
	for _, d := range days {
		m.AvgTQS += d.AvgTQS
		m.AvgKGS += d.AvgKGS
		m.AvgDownRate += d.FeedbackDownRate
	}
	n := float64(m.Days)
	m.AvgTQS /= n
	m.AvgKGS /= n
	m.AvgDownRate /= n
	return m
}

// #endregion

// #region review-queue

// Review queue values.
const (
	ReasonWeeklyReview = "WEEKLY_REVIEW"
	PriorityMedium     = "MEDIUM"
	ReviewOpen         = "OPEN"
)

// ReviewItem is one row of review_queue.
type ReviewItem struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	TopicKey   string    `json:"topic_key"`
	ReasonCode string    `json:"reason_code"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
	KGS        int       `json:"kgs"`
	CreatedAt  time.Time `json:"created_at"`
}

// queueReviews opens one review item per session for the worst gaps seen in
// [from, to). Gaps without a session have nobody to follow up with and are
// skipped; a session with an open weekly review is not queued twice.
func (j *Jobs) queueReviews(ctx context.Context, from, to time.Time) (int, error) {
	gaps, err := j.gaps.ReviewCandidates(ctx, from, to, j.config.ReviewMinScore, j.config.ReviewLimit)
	if err != nil {
		return 0, fmt.Errorf("review candidates: %w", err)
	}
	queued := 0
	for _, g := range gaps {
		if g.LastSessionID == "" {
			continue
		}
		res, err := j.db.ExecContext(ctx, `
			INSERT INTO review_queue (id, session_id, topic_key, reason_code, priority, status, kgs_score, created_at)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM review_queue
				WHERE session_id = ? AND reason_code = ? AND status = ?
			)`,
			uuid.NewString(), g.LastSessionID, g.TopicKey, ReasonWeeklyReview, PriorityMedium, ReviewOpen,
			g.KGS, j.now().UTC().Format(stampLayout),
			g.LastSessionID, ReasonWeeklyReview, ReviewOpen,
		)
		if err != nil {
			return queued, fmt.Errorf("queue review %s: %w", g.TopicKey, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			queued++
		}
	}
	return queued, nil
}

// OpenReviews lists open review items, oldest first.
func (j *Jobs) OpenReviews(ctx context.Context) ([]ReviewItem, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, topic_key, reason_code, priority, status, kgs_score, created_at
		FROM review_queue
		WHERE status = ?
		ORDER BY created_at ASC, id ASC`, ReviewOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewItem
	for rows.Next() {
		var (
			it      ReviewItem
			created string
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &it.TopicKey, &it.ReasonCode, &it.Priority, &it.Status, &it.KGS, &created); err != nil {
			return nil, err
		}
		it.CreatedAt, _ = time.Parse(stampLayout, created)
		out = append(out, it)
	}
	return out, rows.Err()
}

// #endregion

package learning

// #region imports
import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/quality"
)

// #endregion

// #region daily

// DailySummary is what one daily run measured and changed.
type DailySummary struct {
	Date             string  `json:"date"`
	Turns            int     `json:"turns"`
	AvgTQS           float64 `json:"avg_tqs"`
	AvgKGS           float64 `json:"avg_kgs"`
	HandoffRate      float64 `json:"handoff_rate"`
	FeedbackCount    int     `json:"feedback_count"`
	FeedbackDownRate float64 `json:"feedback_down_rate"`
	FeedbackGaps     int     `json:"feedback_gaps"`
	PromotedToReview int     `json:"promoted_to_review"`
}

// RunDaily aggregates the UTC day containing date: turn outcomes across all
// weight versions, the learnable feedback down rate, one knowledge gap per
// DOWN reason code, then promotes recurring gaps to review. Re-running a day
// overwrites its metrics row; feedback gap counts accumulate.
func (j *Jobs) RunDaily(ctx context.Context, date time.Time) (DailySummary, error) {
	from := day(date)
	sum, runErr := j.runDaily(ctx, from)
	if err := j.finish(ctx, JobDaily, from, from, sum, "", runErr); err != nil {
		j.logger.Error("[LEARN] daily job failed", "date", from.Format(dateLayout), "err", err)
		return sum, err
	}
	j.logger.Info("[LEARN] daily job finished",
		"date", sum.Date,
		"turns", sum.Turns,
		"avg_kgs", sum.AvgKGS,
		"feedback_down_rate", sum.FeedbackDownRate,
		"promoted_to_review", sum.PromotedToReview)
	return sum, nil
}

func (j *Jobs) runDaily(ctx context.Context, from time.Time) (DailySummary, error) {
	to := from.AddDate(0, 0, 1)
	sum := DailySummary{Date: from.Format(dateLayout)}

	m, err := j.outcomes.Between(ctx, from, to)
	if err != nil {
		return sum, fmt.Errorf("aggregate outcomes: %w", err)
	}
	sum.Turns, sum.AvgTQS, sum.AvgKGS, sum.HandoffRate = m.Turns, m.AvgTQS, m.AvgKGS, m.HandoffRate

	if sum.FeedbackDownRate, sum.FeedbackCount, err = j.feedback.DownRate(ctx, from, to); err != nil {
		return sum, err
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO learning_daily_metrics
		(metric_date, avg_tqs, avg_kgs, handoff_rate, feedback_down_rate, turns, feedback_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric_date) DO UPDATE SET
			avg_tqs            = excluded.avg_tqs,
			avg_kgs            = excluded.avg_kgs,
			handoff_rate       = excluded.handoff_rate,
			feedback_down_rate = excluded.feedback_down_rate,
			turns              = excluded.turns,
			feedback_count     = excluded.feedback_count,
			updated_at         = excluded.updated_at`,
		sum.Date, sum.AvgTQS, sum.AvgKGS, sum.HandoffRate, sum.FeedbackDownRate,
		sum.Turns, sum.FeedbackCount, j.now().UTC().Format(stampLayout),
	)
	if err != nil {
		return sum, fmt.Errorf("upsert daily metrics %s: %w", sum.Date, err)
	}

	reasons, err := j.feedback.DownReasons(ctx, from, to)
	if err != nil {
		return sum, err
	}
	codes := make([]string, 0, len(reasons))
	for code := range reasons {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		err := j.gaps.Upsert(ctx, quality.GapItem{
			TopicKey:        "feedback::" + strings.ToLower(code),
			Intent:          "hybrid",
			SampleMessage:   "negative feedback: " + code,
			KGS:             j.config.FeedbackGapScore,
			OccurrenceCount: reasons[code],
			TriggerSource:   "feedback_down",
			LastSeenAt:      to.Add(-time.Nanosecond),
		})
		if err != nil {
			return sum, err
		}
		sum.FeedbackGaps++
	}

	if sum.PromotedToReview, err = j.gaps.PromoteToReview(ctx, j.config.ReviewOccurrences); err != nil {
		return sum, err
	}
	return sum, nil
}

// DailyMetrics is one stored learning_daily_metrics row.
type DailyMetrics struct {
	Date             string  `json:"date"`
	AvgTQS           float64 `json:"avg_tqs"`
	AvgKGS           float64 `json:"avg_kgs"`
	HandoffRate      float64 `json:"handoff_rate"`
	FeedbackDownRate float64 `json:"feedback_down_rate"`
	Turns            int     `json:"turns"`
}

// Daily returns the stored daily metrics in [from, to], oldest first.
func (j *Jobs) Daily(ctx context.Context, from, to time.Time) ([]DailyMetrics, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT metric_date, avg_tqs, avg_kgs, handoff_rate, feedback_down_rate, turns
		FROM learning_daily_metrics
		WHERE metric_date BETWEEN ? AND ?
		ORDER BY metric_date ASC`,
		day(from).Format(dateLayout), day(to).Format(dateLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyMetrics
	for rows.Next() {
		var d DailyMetrics
		if err := rows.Scan(&d.Date, &d.AvgTQS, &d.AvgKGS, &d.HandoffRate, &d.FeedbackDownRate, &d.Turns); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// #endregion

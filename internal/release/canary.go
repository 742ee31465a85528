package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/state"
)

// #region start

// StartCanary routes percent of sessions to candidate and keeps the current
// active version as the stable baseline. A zero percent takes the configured
// default.
func (c *Controller) StartCanary(ctx context.Context, candidate, percent int) (CanaryRun, error) {
	if percent == 0 {
		percent = c.config.DefaultCanaryPercent
	}
	if percent < 1 || percent > 100 {
		return CanaryRun{}, fmt.Errorf("%w: percent %d outside 1..100", ErrInvalidCanaryRequest, percent)
	}
	if c.config.RequireGolden {
		latest, err := c.store.LatestGoldenRun(ctx)
		if err != nil {
			return CanaryRun{}, err
		}
		if latest == nil || latest.Status != StatusPass {
			return CanaryRun{}, ErrGoldenGateNotPassed
		}
	}
	open, err := c.store.OpenCanary(ctx)
	if err != nil {
		return CanaryRun{}, err
	}
	if open != nil {
		return CanaryRun{}, fmt.Errorf("%w: %s", ErrCanaryRunning, open.ID)
	}

	pointer, err := c.weights.Pointer(ctx)
	if err != nil {
		return CanaryRun{}, err
	}
	if _, err := c.weights.GetVersion(ctx, candidate); err != nil {
		return CanaryRun{}, err
	}
	if candidate == pointer.Version {
		return CanaryRun{}, fmt.Errorf("%w: version %d is already active", ErrInvalidCanaryRequest, candidate)
	}

	baseline, err := c.outcomes.Window(ctx, pointer.Version, time.Time{}, c.config.BaselineWindow)
	if err != nil {
		return CanaryRun{}, fmt.Errorf("baseline window: %w", err)
	}

	run := CanaryRun{
		ID:               uuid.NewString(),
		CandidateVersion: candidate,
		BaselineVersion:  pointer.Version,
		Percent:          percent,
		Status:           CanaryRunning,
		Baseline:         baseline,
		StartedAt:        c.now(),
	}
	if err := c.weights.SetPointer(ctx, state.ActivePointer{
		Version:       candidate,
		StableVersion: pointer.Version,
		CanaryPercent: percent,
		CanaryRunID:   run.ID,
	}); err != nil {
		return CanaryRun{}, err
	}
	if err := c.store.InsertCanary(ctx, run); err != nil {
		if rerr := c.weights.Activate(ctx, pointer.Version); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return CanaryRun{}, err
	}
	if err := c.reload(ctx); err != nil {
		return run, err
	}

	c.record(ctx, "canary_start", true, map[string]any{
		"run_id":            run.ID,
		"candidate_version": candidate,
		"baseline_version":  pointer.Version,
		"percent":           percent,
	})
	c.logger.Info("[RELEASE] canary started",
		"run_id", run.ID, "candidate", candidate, "baseline", pointer.Version, "percent", percent)
	return run, nil
}

// #endregion start

// #region evaluate

// EvaluateCanary compares the candidate's outcomes since the canary started
// against the baseline captured at start. Below MinSamples it only refreshes
// the stored metrics. On degradation it rolls the pointer back to the
// baseline version.
func (c *Controller) EvaluateCanary(ctx context.Context) (CanaryRun, error) {
	run, err := c.openCanary(ctx)
	if err != nil {
		return CanaryRun{}, err
	}
	current, err := c.outcomes.Window(ctx, run.CandidateVersion, run.StartedAt, 0)
	if err != nil {
		return CanaryRun{}, fmt.Errorf("candidate window: %w", err)
	}
	run.Current = current

	if current.Turns < c.config.MinSamples {
		return run, c.store.UpdateCanary(ctx, run)
	}
	reason := c.degradation(run.Baseline, current)
	if reason == "" {
		if run.Baseline.Turns < c.config.MinSamples {
			run.Reason = fmt.Sprintf("insufficient baseline: %d of %d turns, kgs not compared",
				run.Baseline.Turns, c.config.MinSamples)
			c.logger.Warn("[RELEASE] canary baseline too small for kgs comparison",
				"run_id", run.ID, "baseline_turns", run.Baseline.Turns, "min_samples", c.config.MinSamples)
		}
		return run, c.store.UpdateCanary(ctx, run)
	}

	if err := c.weights.Activate(ctx, run.BaselineVersion); err != nil {
		return CanaryRun{}, fmt.Errorf("rollback: %w", err)
	}
	run.Status = CanaryRolledBack
	run.RollbackTriggered = true
	run.Reason = reason
	run.ClosedAt = c.now()
	if err := c.store.UpdateCanary(ctx, run); err != nil {
		return run, err
	}
	if err := c.reload(ctx); err != nil {
		return run, err
	}

	c.record(ctx, "canary_rollback", false, map[string]any{
		"run_id":       run.ID,
		"reason":       reason,
		"baseline_kgs": run.Baseline.AvgKGS,
		"current_kgs":  current.AvgKGS,
		"handoff_rate": current.HandoffRate,
		"turns":        current.Turns,
	})
	c.logger.Warn("[RELEASE] canary rolled back",
		"run_id", run.ID, "reason", reason, "candidate", run.CandidateVersion, "baseline", run.BaselineVersion)
	return run, nil
}

// degradation names the first tripped rollback condition, or "". KGS is only
// compared against a baseline of at least MinSamples turns; the handoff rate
// limit is absolute and always applies.
func (c *Controller) degradation(baseline, current quality.WindowMetrics) string {
	switch {
	case baseline.Turns < c.config.MinSamples:
	case baseline.AvgKGS > 0:
		if rel := (current.AvgKGS - baseline.AvgKGS) / baseline.AvgKGS; rel > c.config.MaxKGSDegradation {
			return fmt.Sprintf("kgs degraded %.0f%% (%.1f -> %.1f)", rel*100, baseline.AvgKGS, current.AvgKGS)
		}
	case current.AvgKGS-baseline.AvgKGS > c.config.MaxKGSDelta:
		return fmt.Sprintf("kgs rose %.1f from zero baseline", current.AvgKGS)
	}
	if current.HandoffRate > c.config.MaxHandoffRate {
		return fmt.Sprintf("handoff rate %.2f above %.2f", current.HandoffRate, c.config.MaxHandoffRate)
	}
	return ""
}

// #endregion evaluate

// #region promote

// Promote makes the candidate the sole active version and closes the run.
func (c *Controller) Promote(ctx context.Context) (CanaryRun, error) {
	run, err := c.openCanary(ctx)
	if err != nil {
		return CanaryRun{}, err
	}
	if err := c.weights.Activate(ctx, run.CandidateVersion); err != nil {
		return CanaryRun{}, fmt.Errorf("promote: %w", err)
	}
	run.Status = CanaryPromoted
	run.ClosedAt = c.now()
	if err := c.store.UpdateCanary(ctx, run); err != nil {
		return run, err
	}
	if err := c.reload(ctx); err != nil {
		return run, err
	}
	c.record(ctx, "canary_promote", true, map[string]any{
		"run_id":            run.ID,
		"candidate_version": run.CandidateVersion,
	})
	c.logger.Info("[RELEASE] canary promoted", "run_id", run.ID, "version", run.CandidateVersion)
	return run, nil
}

func (c *Controller) openCanary(ctx context.Context) (CanaryRun, error) {
	run, err := c.store.OpenCanary(ctx)
	if err != nil {
		return CanaryRun{}, err
	}
	if run == nil {
		return CanaryRun{}, ErrNoCanary
	}
	return *run, nil
}

// #endregion promote

// #region status

// Status reports recorded component versions, the latest golden run and the
// open canary, if any.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	for _, comp := range []string{ComponentWRQSConfig, ComponentPolicyRules, ComponentRouterRules} {
		cv, err := c.store.LatestComponent(ctx, comp)
		if err != nil {
			return Status{}, err
		}
		if cv != nil {
			st.Components = append(st.Components, *cv)
		}
	}
	golden, err := c.store.LatestGoldenRun(ctx)
	if err != nil {
		return Status{}, err
	}
	st.LatestGolden = golden
	canary, err := c.store.OpenCanary(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Canary = canary
	return st, nil
}

// ListCanaries returns recent canary runs, newest first.
func (c *Controller) ListCanaries(ctx context.Context, limit int) ([]CanaryRun, error) {
	return c.store.ListCanaries(ctx, limit)
}

// #endregion status

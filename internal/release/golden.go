package release

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/router"
)

// #region load

type goldenFile struct {
	Cases []GoldenCase `yaml:"cases"`
}

// LoadCases reads golden cases from a YAML file with a top-level cases list.
func LoadCases(path string) ([]GoldenCase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read golden cases: %w", err)
	}
	return ParseCases(raw)
}

// ParseCases decodes golden cases from YAML.
func ParseCases(raw []byte) ([]GoldenCase, error) {
	var f goldenFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse golden cases: %w", err)
	}
	for i, c := range f.Cases {
		if c.ID == "" {
			return nil, fmt.Errorf("golden case %d: missing id", i)
		}
	}
	return f.Cases, nil
}

// #endregion load

// #region run

// RunGoldenGate replays every enabled case through the gate and router with
// classifiers off, so the result depends only on the rules in this build.
// The run is persisted; a run with no enabled cases passes.
func (c *Controller) RunGoldenGate(ctx context.Context, cases []GoldenCase) (Report, error) {
	gcfg := c.gateConfig
	gcfg.ClassifierEnabled = false
	g := gate.NewGate(gcfg)

	rcfg := c.routerConfig
	rcfg.ClassifierEnabled = false
	r := router.NewRouter(rcfg)

	var report Report
	run := GoldenRun{ID: uuid.NewString(), CreatedAt: c.now()}
	for _, tc := range cases {
		if !tc.IsEnabled() {
			continue
		}
		res := runCase(ctx, g, r, tc)
		run.Total++
		if res.Passed {
			run.Passed++
		} else {
			run.Failed++
			report.Mismatches = append(report.Mismatches,
				fmt.Errorf("%w: %s: %s", ErrGoldenCaseMismatch, tc.ID, strings.Join(res.Mismatches, "; ")))
		}
		run.Results = append(run.Results, res)
	}

	run.PassRate = 1.0
	if run.Total > 0 {
		run.PassRate = float64(run.Passed) / float64(run.Total)
	}
	run.Status = StatusFail
	if run.PassRate >= c.config.MinPassRate {
		run.Status = StatusPass
	}
	report.Run = run

	if err := c.store.InsertGoldenRun(ctx, run); err != nil {
		return report, err
	}

	event := "golden_fail"
	if run.Status == StatusPass {
		event = "golden_pass"
	}
	c.record(ctx, event, run.Status == StatusPass, map[string]any{
		"run_id":    run.ID,
		"pass_rate": run.PassRate,
		"total":     run.Total,
		"failed":    run.Failed,
	})
	c.logger.Info("[RELEASE] golden gate finished",
		"run_id", run.ID, "status", run.Status, "pass_rate", run.PassRate, "total", run.Total)
	return report, nil
}

func runCase(ctx context.Context, g *gate.Gate, r *router.Router, tc GoldenCase) CaseResult {
	userState := gate.ParseUserState(tc.UserState)
	d := g.Evaluate(ctx, gate.Request{
		Message:   tc.Message,
		UserState: userState,
		RequestID: "golden-" + tc.ID,
	})
	res := CaseResult{
		CaseID:     tc.ID,
		Allow:      d.Allow,
		Intent:     string(d.Intent),
		ReasonCode: d.ReasonCode,
	}
	exp := tc.Expected
	if d.Allow != exp.Allow {
		res.Mismatches = append(res.Mismatches, fmt.Sprintf("allow=%t want %t", d.Allow, exp.Allow))
	}
	if exp.Intent != "" && string(d.Intent) != exp.Intent {
		res.Mismatches = append(res.Mismatches, fmt.Sprintf("intent=%s want %s", d.Intent, exp.Intent))
	}
	if exp.ReasonCode != "" && d.ReasonCode != exp.ReasonCode {
		res.Mismatches = append(res.Mismatches, fmt.Sprintf("reason_code=%s want %s", d.ReasonCode, exp.ReasonCode))
	}

	if d.Allow {
		route := r.Route(ctx, router.Request{Message: tc.Message, UserState: userState, RequestID: res.CaseID})
		res.Route = string(route.Intent)
		if exp.Route != "" && res.Route != exp.Route {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("route=%s want %s", res.Route, exp.Route))
		}
	}

	text := strings.ToLower(d.RefusalText)
	for _, term := range tc.ForbiddenTerms {
		if term != "" && strings.Contains(text, strings.ToLower(term)) {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("forbidden term %q present", term))
		}
	}
	for _, term := range tc.RequiredTerms {
		if !strings.Contains(text, strings.ToLower(term)) {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("required term %q missing", term))
		}
	}
	res.Passed = len(res.Mismatches) == 0
	return res
}

// #endregion run

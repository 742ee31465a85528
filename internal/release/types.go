package release

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/quality"
)

// #region errors
var (
	// ErrGoldenCaseMismatch wraps each failing golden case in a report.
	ErrGoldenCaseMismatch = errors.New("golden case mismatch")
	// ErrCanaryRunning is returned when a canary is already open.
	ErrCanaryRunning = errors.New("canary already running")
	// ErrNoCanary is returned when an operation needs an open canary.
	ErrNoCanary = errors.New("no running canary")
	// ErrGoldenGateNotPassed blocks a canary until the latest golden run passed.
	ErrGoldenGateNotPassed = errors.New("golden gate not passed")
	// ErrInvalidCanaryRequest covers bad percents and candidates that cannot canary.
	ErrInvalidCanaryRequest = errors.New("invalid canary request")
)

// #endregion errors

// #region config
// Config holds release-control thresholds.
type Config struct {
	MinPassRate          float64 `yaml:"min_pass_rate"`
	RequireGolden        bool    `yaml:"require_golden"`
	DefaultCanaryPercent int     `yaml:"default_canary_percent"`
	MaxKGSDegradation    float64 `yaml:"max_kgs_degradation"` // relative increase of avg KGS
	MaxKGSDelta          float64 `yaml:"max_kgs_delta"`       // absolute increase when the baseline is 0
	MaxHandoffRate       float64 `yaml:"max_handoff_rate"`
	MinSamples           int     `yaml:"min_samples"`
	BaselineWindow       int     `yaml:"baseline_window"` // most recent baseline turns compared
	PolicyRulesVersion   string  `yaml:"policy_rules_version"`
	RouterRulesVersion   string  `yaml:"router_rules_version"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinPassRate:          0.95,
		RequireGolden:        true,
		DefaultCanaryPercent: 10,
		MaxKGSDegradation:    0.25,
		MaxKGSDelta:          8,
		MaxHandoffRate:       0.15,
		MinSamples:           20,
		BaselineWindow:       200,
		PolicyRulesVersion:   "1.0.0",
		RouterRulesVersion:   "1.0.0",
	}
}

// #endregion config

// #region components
// Component keys recorded in release_component_versions.
const (
	ComponentWRQSConfig  = "wrqs_config"
	ComponentPolicyRules = "policy_rules"
	ComponentRouterRules = "router_rules"
)

// ComponentVersion is one recorded version of a releasable component.
type ComponentVersion struct {
	Component     string    `json:"component"`
	Version       string    `json:"version"`
	ContentHash   string    `json:"content_hash"`
	Label         string    `json:"label"`
	CanaryPercent int       `json:"canary_percent"`
	CreatedAt     time.Time `json:"created_at"`
}

// #endregion components

// #region golden
// Expected is what a golden case must produce. Empty Intent, ReasonCode and
// Route are not checked.
type Expected struct {
	Allow      bool   `yaml:"allow" json:"allow"`
	Intent     string `yaml:"intent,omitempty" json:"intent,omitempty"`
	ReasonCode string `yaml:"reason_code,omitempty" json:"reason_code,omitempty"`
	Route      string `yaml:"route,omitempty" json:"route,omitempty"`
}

// GoldenCase is one fixed request with its expected outcome.
type GoldenCase struct {
	ID             string   `yaml:"id" json:"id"`
	Message        string   `yaml:"message" json:"message"`
	UserState      string   `yaml:"user_state" json:"user_state"`
	Expected       Expected `yaml:"expected" json:"expected"`
	ForbiddenTerms []string `yaml:"forbidden_terms,omitempty" json:"forbidden_terms,omitempty"`
	RequiredTerms  []string `yaml:"required_terms,omitempty" json:"required_terms,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"` // nil = enabled
}

// IsEnabled reports whether the case runs.
func (c GoldenCase) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Run status values.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// CaseResult is the outcome of one golden case.
type CaseResult struct {
	CaseID     string   `json:"case_id"`
	Passed     bool     `json:"passed"`
	Allow      bool     `json:"allow"`
	Intent     string   `json:"intent"`
	ReasonCode string   `json:"reason_code,omitempty"`
	Route      string   `json:"route,omitempty"`
	Mismatches []string `json:"mismatches,omitempty"`
}

// GoldenRun is a persisted golden gate execution.
type GoldenRun struct {
	ID        string       `json:"id"`
	PassRate  float64      `json:"pass_rate"`
	Status    string       `json:"status"`
	Total     int          `json:"total"`
	Passed    int          `json:"passed"`
	Failed    int          `json:"failed"`
	Results   []CaseResult `json:"results"`
	CreatedAt time.Time    `json:"created_at"`
}

// Report is returned by RunGoldenGate. Mismatches holds one error per failing
// case, each wrapping ErrGoldenCaseMismatch.
type Report struct {
	Run        GoldenRun
	Mismatches []error
}

// #endregion golden

// #region canary
// Canary status values.
const (
	CanaryRunning    = "RUNNING"
	CanaryRolledBack = "ROLLED_BACK"
	CanaryPromoted   = "PROMOTED"
)

// CanaryRun tracks one candidate weights version on a slice of traffic.
type CanaryRun struct {
	ID                string                `json:"id"`
	CandidateVersion  int                   `json:"candidate_version"`
	BaselineVersion   int                   `json:"baseline_version"`
	Percent           int                   `json:"percent"`
	Status            string                `json:"status"`
	Baseline          quality.WindowMetrics `json:"baseline"`
	Current           quality.WindowMetrics `json:"current"`
	RollbackTriggered bool                  `json:"rollback_triggered"`
	Reason            string                `json:"reason,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	ClosedAt          time.Time             `json:"closed_at,omitzero"`
}

// Status summarizes release control for operators.
type Status struct {
	Components   []ComponentVersion `json:"components"`
	LatestGolden *GoldenRun         `json:"latest_golden,omitempty"`
	Canary       *CanaryRun         `json:"canary,omitempty"`
}

// #endregion canary

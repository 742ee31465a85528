package adaptation

import (
	"time"

	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #region phase
// Phase is the lifecycle position of a session's adaptation.
type Phase string

const (
	PhaseNominal  Phase = "nominal"
	PhaseAdapting Phase = "adapting"
	PhaseExpired  Phase = "expired"
)

// Event drives Phase transitions.
type Event string

const (
	EventPlanApplied Event = "plan_applied"
	EventTTLElapsed  Event = "ttl_elapsed"
)

// #endregion phase

// #region reason
// Reason names a trigger that produced a plan.
type Reason string

const (
	ReasonLowTQS        Reason = "LOW_TQS"
	ReasonHighKGS       Reason = "HIGH_KGS"
	ReasonRephraseCount Reason = "REPHRASE_COUNT"
	ReasonHandoffClick  Reason = "HANDOFF_CLICK"
)

// ClickKind is a UI interaction reported back for a session.
type ClickKind string

const (
	ClickHandoff ClickKind = "handoff"
	ClickExplain ClickKind = "explain"
)

// #endregion reason

// #region config
// Config holds adaptation parameters.
type Config struct {
	TTLTurns          int     // turns a plan stays live after the turn that applied it
	BaseTopK          int     // retrieval top-k when no plan is live
	AdaptTopK         int     // retrieval top-k while adapting
	MaxOverrideDelta  float64 // bound on session weight overrides
	RephraseThreshold int     // rephrases since the last plan that trigger a new one
	SimilarityRatio   float64 // difflib ratio at or above which a message counts as a rephrase
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTLTurns:          3,
		BaseTopK:          12,
		AdaptTopK:         18,
		MaxOverrideDelta:  wrqs.DefaultMaxOverrideDelta,
		RephraseThreshold: 2,
		SimilarityRatio:   0.86,
	}
}

// #endregion config

// #region row
// Row is one session_features record as stored. Counters are cumulative for
// the session; the *AtPlan fields snapshot them when the last plan applied so
// triggers only fire on new friction.
type Row struct {
	SessionID       string
	TurnIndex       int
	RephraseCount   int
	ExplainClicks   int
	HandoffClicks   int
	LastTQS         *int
	LastKGS         *int
	LastUserMessage string

	ClarifyMode    bool
	RagTopK        int             // 0 = no override
	QueryExpansion bool
	Overrides      *wrqs.Overrides
	ExpiresTurn    int             // 0 = no plan ever applied
	ReasonCodes    []Reason
	RephraseAtPlan int
	HandoffAtPlan  int
	UpdatedAt      time.Time
}

// Features are the trigger inputs derived from a row.
type Features struct {
	TurnIndex     int
	Rephrases     int // since the last plan
	HandoffClicks int // since the last plan
}

// Features derives trigger inputs from r.
func (r Row) Features() Features {
	return Features{
		TurnIndex:     r.TurnIndex,
		Rephrases:     r.RephraseCount - r.RephraseAtPlan,
		HandoffClicks: r.HandoffClicks - r.HandoffAtPlan,
	}
}

// #endregion row

// #region state
// SessionState is a Row as seen at read time, with expiry already applied.
type SessionState struct {
	Row
	Phase Phase
	// Rephrased is set by BeginTurn when the current message repeats the last.
	Rephrased bool
}

// EffectiveOverrides returns the live session overrides, or nil.
func (s SessionState) EffectiveOverrides() *wrqs.Overrides {
	if s.Phase != PhaseAdapting || s.Overrides == nil || s.Overrides.Empty() {
		return nil
	}
	return s.Overrides
}

// TopK returns the retrieval depth for the current turn.
func (s SessionState) TopK(cfg Config) int {
	if s.Phase == PhaseAdapting && s.RagTopK > 0 {
		return s.RagTopK
	}
	return cfg.BaseTopK
}

// Clarify reports whether the answer should ask a clarifying question.
func (s SessionState) Clarify() bool { return s.Phase == PhaseAdapting && s.ClarifyMode }

// ExpandQuery reports whether retrieval should expand the query.
func (s SessionState) ExpandQuery() bool { return s.Phase == PhaseAdapting && s.QueryExpansion }

// #endregion state

// #region plan
// Plan is a bounded, short-lived change to a session's retrieval and scoring.
type Plan struct {
	Reasons        []Reason
	ClarifyMode    bool
	RagTopK        int
	QueryExpansion bool
	Overrides      wrqs.Overrides
	ExpiresTurn    int
}

// #endregion plan

package candidate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
)

// #region source

// Source names the backend that produced a candidate answer.
type Source string

const (
	SourceStructured Source = "structured"
	SourceRetrieval  Source = "retrieval"
	SourceGuided     Source = "guided"
	SourcePlain      Source = "plain"
)

// Rank orders sources for exact-score ties; lower wins.
func (s Source) Rank() int {
	switch s {
	case SourceStructured:
		return 0
	case SourceRetrieval:
		return 1
	case SourceGuided:
		return 2
	default:
		return 3
	}
}

// guestSafe reports whether answers from s may reach unauthenticated users.
// Anything not explicitly listed, including unknown sources, is unsafe.
func (s Source) guestSafe() bool {
	switch s {
	case SourceRetrieval, SourceGuided, SourcePlain:
		return true
	default:
		return false
	}
}

// ErrUnknownSource is returned by ParseSource for names it cannot map.
var ErrUnknownSource = errors.New("unknown candidate source")

var sourceAliases = map[string]Source{
	"structured":       SourceStructured,
	"structured_query": SourceStructured,
	"sql":              SourceStructured,
	"sql_agent":        SourceStructured,
	"r_sql":            SourceStructured,
	"retrieval":        SourceRetrieval,
	"rag":              SourceRetrieval,
	"r_rag":            SourceRetrieval,
	"guided":           SourceGuided,
	"r_guided":         SourceGuided,
	"plain":            SourcePlain,
	"plain_llm":        SourcePlain,
	"r_plain":          SourcePlain,
}

// ParseSource maps a wire-level source name onto a Source. Case, surrounding
// whitespace, and '-' or ' ' separators are ignored.
func ParseSource(s string) (Source, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if src, ok := sourceAliases[key]; ok {
		return src, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// #endregion source

// #region signal-keys

const (
	KeyGrounding       = "grounding"
	KeyUsefulness      = "usefulness"
	KeyTaskFit         = "task_fit"
	KeyExplainability  = "explainability"
	KeyClarity         = "clarity"
	KeyLocaleFit       = "locale_fit"
	KeyPersonalization = "personalization"
	KeyConfidence      = "confidence"

	KeyHallucination  = "hallucination"
	KeyOverDisclosure = "over_disclosure"
	KeyDataRisk       = "data_risk"
	KeyAmbiguity      = "ambiguity"
	KeyVerbosity      = "verbosity"
	KeyError          = "error"
)

// PositiveKeys are signals that raise a candidate's score.
var PositiveKeys = []string{
	KeyGrounding, KeyUsefulness, KeyTaskFit, KeyExplainability,
	KeyClarity, KeyLocaleFit, KeyPersonalization, KeyConfidence,
}

// PenaltyKeys are signals that lower a candidate's score.
var PenaltyKeys = []string{
	KeyHallucination, KeyOverDisclosure, KeyDataRisk,
	KeyAmbiguity, KeyVerbosity, KeyError,
}

// #endregion signal-keys

// #region metadata

// Metadata is what a backend reports alongside its answer text.
// Pointer fields are optional; nil means the backend did not report it.
type Metadata struct {
	RowCount          int
	RetrievalScore    float64
	SupportRatio      float64
	HallucinationRisk *float64
	Error             string
	Explainability    bool
	OverDisclosure    *float64
	DesignMode        bool
	Confidence        *float64
}

// Failed reports whether the backend errored.
func (m Metadata) Failed() bool {
	return m.Error != ""
}

// #endregion metadata

// #region candidate

// Candidate is one possible answer to a turn with unit-normalized signals.
// Its score is assigned exactly once by the selector.
type Candidate struct {
	ID       string
	Text     string
	Source   Source
	Metadata Metadata
	Signals  map[string]float64

	score *float64
}

// ErrScoreAlreadySet is returned when a candidate is scored twice.
var ErrScoreAlreadySet = errors.New("candidate score already set")

// SetScore records the selection score. A second call fails.
func (c *Candidate) SetScore(v float64) error {
	if c.score != nil {
		return ErrScoreAlreadySet
	}
	c.score = &v
	return nil
}

// Score returns the assigned score and whether one has been set.
func (c Candidate) Score() (float64, bool) {
	if c.score == nil {
		return 0, false
	}
	return *c.score, true
}

// PenaltyMass sums the raw penalty signals.
func (c Candidate) PenaltyMass() float64 {
	var total float64
	for _, k := range PenaltyKeys {
		total += c.Signals[k]
	}
	return total
}

// #endregion candidate

// #region gate-types

// Context is the per-turn information the candidate gate checks against.
type Context struct {
	Policy    gate.PolicyDecision
	UserState gate.UserState
	Message   string
}

// GateResult is the verdict for one candidate. Every failing check is listed
// in Vetoes; ReasonCode is the first of them.
type GateResult struct {
	CandidateID string
	Allowed     bool
	ReasonCode  string
	Vetoes      []string
}

const (
	ReasonPolicyHardBlocked      = "POLICY_HARD_BLOCKED"
	ReasonGuestStructuredBlocked = "GUEST_STRUCTURED_BLOCKED"
	ReasonCandidatePolicyPrefix  = "CANDIDATE_POLICY_"
	ReasonOverDisclosureBlocked  = "OVER_DISCLOSURE_BLOCKED"
)

// OverDisclosureLimit is the over_disclosure signal at which a candidate is vetoed.
const OverDisclosureLimit = 0.95

// #endregion gate-types

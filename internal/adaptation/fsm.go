package adaptation

import (
	"math"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #region transitions

// Next returns the phase after ev. Unknown events leave the phase unchanged.
func Next(from Phase, ev Event) Phase {
	switch ev {
	case EventPlanApplied:
		return PhaseAdapting
	case EventTTLElapsed:
		if from == PhaseAdapting {
			return PhaseExpired
		}
	}
	return from
}

// State evaluates expiry lazily: a plan whose expires_turn is behind the
// current turn is reported expired and its overrides are not effective. The
// row itself is returned unchanged.
func State(row Row) SessionState {
	phase := PhaseNominal
	if row.ExpiresTurn > 0 {
		phase = Next(phase, EventPlanApplied)
		if row.TurnIndex > row.ExpiresTurn {
			phase = Next(phase, EventTTLElapsed)
		}
	}
	return SessionState{Row: row, Phase: phase}
}

// #endregion transitions

// #region evaluate

// Evaluate returns a plan when the latest scores or the session's friction
// since the last plan warrant one, and nil otherwise. Override targets are
// relative to active.
func Evaluate(f Features, score quality.Score, active wrqs.Weights, cfg Config) *Plan {
	var reasons []Reason
	if score.LowTQS {
		reasons = append(reasons, ReasonLowTQS)
	}
	if score.HighKGS || score.CriticalKGS {
		reasons = append(reasons, ReasonHighKGS)
	}
	if f.Rephrases >= cfg.RephraseThreshold {
		reasons = append(reasons, ReasonRephraseCount)
	}
	if f.HandoffClicks > 0 {
		reasons = append(reasons, ReasonHandoffClick)
	}
	if len(reasons) == 0 {
		return nil
	}

	target := func(set map[string]float64, key string, delta float64) float64 {
		return math.Max(0, set[key]+delta)
	}
	return &Plan{
		Reasons:        reasons,
		ClarifyMode:    true,
		RagTopK:        cfg.AdaptTopK,
		QueryExpansion: true,
		Overrides: wrqs.Overrides{
			Positive: map[string]float64{
				candidate.KeyGrounding:  target(active.Positive, candidate.KeyGrounding, 0.05),
				candidate.KeyUsefulness: target(active.Positive, candidate.KeyUsefulness, 0.04),
			},
			Penalty: map[string]float64{
				candidate.KeyHallucination: target(active.Penalty, candidate.KeyHallucination, -0.05),
				candidate.KeyAmbiguity:     target(active.Penalty, candidate.KeyAmbiguity, -0.03),
			},
		},
		ExpiresTurn: f.TurnIndex + cfg.TTLTurns,
	}
}

// #endregion evaluate

// #region rephrase

var rephraseTokens = []string{
	"rephrase", "again", "not what i asked", "didn't answer", "did not answer",
}

// IsRephrase reports whether current restates previous: identical after
// normalization, an explicit retry phrase, or a character-level similarity
// ratio of at least minRatio.
func IsRephrase(previous, current string, minRatio float64) bool {
	prev := normalize(previous)
	cur := normalize(current)
	if prev == "" || cur == "" {
		return false
	}
	if prev == cur {
		return true
	}
	for _, tok := range rephraseTokens {
		if strings.Contains(cur, tok) {
			return true
		}
	}
	m := difflib.NewMatcher(strings.Split(prev, ""), strings.Split(cur, ""))
	return m.Ratio() >= minRatio
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// #endregion rephrase

// #region guardrail

var secretPattern = regexp.MustCompile(`(?i)\b(password|passcode|passwd|api[ _-]?key|secret|token|cvv|pin code)\b|\b(?:\d[ -]?){13,19}\b`)

// LearningAllowed reports whether a turn may drive adaptation. Messages
// carrying credentials or personal identifiers never do.
func LearningAllowed(message string) bool {
	if secretPattern.MatchString(message) {
		return false
	}
	return logging.Redact(message) == strings.TrimSpace(message)
}

// #endregion guardrail

package wrqs

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/danielpatrickdp/turn-governor/internal/candidate"
)

// #region weights

// Weights is one WRQS weight set. Values are read-only once built; use Clone
// before deriving a modified copy.
type Weights struct {
	Positive map[string]float64 `json:"positive" yaml:"positive"`
	Penalty  map[string]float64 `json:"penalty" yaml:"penalty"`
	TieDelta float64            `json:"tie_delta" yaml:"tie_delta"`
}

// DefaultMaxOverrideDelta bounds how far a session override may move a weight.
const DefaultMaxOverrideDelta = 0.10

// Default returns the built-in weights.
func Default() Weights {
	return Weights{
		Positive: map[string]float64{
			candidate.KeyGrounding:       0.24,
			candidate.KeyUsefulness:      0.18,
			candidate.KeyTaskFit:         0.20,
			candidate.KeyExplainability:  0.14,
			candidate.KeyClarity:         0.10,
			candidate.KeyLocaleFit:       0.08,
			candidate.KeyPersonalization: 0.06,
			candidate.KeyConfidence:      1.0,
		},
		Penalty: map[string]float64{
			candidate.KeyHallucination:  0.35,
			candidate.KeyOverDisclosure: 0.40,
			candidate.KeyDataRisk:       0.30,
			candidate.KeyAmbiguity:      0.18,
			candidate.KeyVerbosity:      0.08,
			candidate.KeyError:          2.0,
		},
		TieDelta: 0.03,
	}
}

// Clone returns a deep copy.
func (w Weights) Clone() Weights {
	return Weights{
		Positive: maps.Clone(w.Positive),
		Penalty:  maps.Clone(w.Penalty),
		TieDelta: w.TieDelta,
	}
}

// ErrInvalidWeightConfig marks a weight set that must not become active.
var ErrInvalidWeightConfig = errors.New("invalid weight config")

// Validate checks that every weight is finite and non-negative, that at least
// one positive weight is set, and that TieDelta is in [0, 1).
func (w Weights) Validate() error {
	if len(w.Positive) == 0 {
		return fmt.Errorf("%w: no positive weights", ErrInvalidWeightConfig)
	}
	for name, set := range map[string]map[string]float64{"positive": w.Positive, "penalty": w.Penalty} {
		for k, v := range set {
			if k == "" {
				return fmt.Errorf("%w: empty %s key", ErrInvalidWeightConfig, name)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: %s weight %q = %v", ErrInvalidWeightConfig, name, k, v)
			}
		}
	}
	if math.IsNaN(w.TieDelta) || w.TieDelta < 0 || w.TieDelta >= 1 {
		return fmt.Errorf("%w: tie_delta %v out of [0,1)", ErrInvalidWeightConfig, w.TieDelta)
	}
	return nil
}

// #endregion weights

// #region overrides

// Overrides are session-scoped target weights produced by adaptation.
type Overrides struct {
	Positive map[string]float64 `json:"positive,omitempty"`
	Penalty  map[string]float64 `json:"penalty,omitempty"`
}

// Empty reports whether o changes nothing.
func (o Overrides) Empty() bool {
	return len(o.Positive) == 0 && len(o.Penalty) == 0
}

// ApplyOverrides merges o onto base. Each target is clamped to within
// maxDelta of the base weight and never below zero; keys absent from base
// are ignored.
func ApplyOverrides(base Weights, o Overrides, maxDelta float64) Weights {
	out := base.Clone()
	merge := func(dst, src, baseSet map[string]float64) {
		for k, target := range src {
			b, ok := baseSet[k]
			if !ok || math.IsNaN(target) {
				continue
			}
			v := math.Max(b-maxDelta, math.Min(b+maxDelta, target))
			dst[k] = math.Max(0, v)
		}
	}
	merge(out.Positive, o.Positive, base.Positive)
	merge(out.Penalty, o.Penalty, base.Penalty)
	return out
}

// Resolve picks the weights for one turn: the active weights (or the
// built-in defaults when none are active) with any live session overrides
// applied. Callers pass nil overrides once they have expired.
func Resolve(session *Overrides, active *Weights, maxDelta float64) Weights {
	base := Default()
	if active != nil {
		base = *active
	}
	if session == nil || session.Empty() {
		return base
	}
	return ApplyOverrides(base, *session, maxDelta)
}

// #endregion overrides

// #region score

// Score is Σ positive·signal − Σ penalty·signal. Keys are summed in sorted
// order so the result is bit-for-bit repeatable.
func Score(c candidate.Candidate, w Weights) float64 {
	pos, pen := weighted(c.Signals, w)
	return pos - pen
}

// Breakdown reports the two halves of a score.
type Breakdown struct {
	Positive float64 `json:"positive"`
	Penalty  float64 `json:"penalty"`
	Score    float64 `json:"score"`
}

// Explain returns the weighted positive and penalty sums behind Score.
func Explain(c candidate.Candidate, w Weights) Breakdown {
	pos, pen := weighted(c.Signals, w)
	return Breakdown{Positive: pos, Penalty: pen, Score: pos - pen}
}

func weighted(signals map[string]float64, w Weights) (pos, pen float64) {
	for _, k := range slices.Sorted(maps.Keys(w.Positive)) {
		pos += w.Positive[k] * signals[k]
	}
	for _, k := range slices.Sorted(maps.Keys(w.Penalty)) {
		pen += w.Penalty[k] * signals[k]
	}
	return pos, pen
}

// #endregion score

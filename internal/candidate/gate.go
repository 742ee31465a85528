package candidate

import (
	"log/slog"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
)

// #region rules-evaluator

// RulesEvaluator is the rules-only admission check applied to candidate text.
// *gate.Gate satisfies it.
type RulesEvaluator interface {
	EvaluateRules(message string) gate.RulesResult
}

type defaultRules struct{}

func (defaultRules) EvaluateRules(message string) gate.RulesResult {
	return gate.EvaluateRules(message, gate.DefaultRefusals())
}

// #endregion rules-evaluator

// #region gate

// Gate vetoes candidates that must not be returned. All four checks run
// independently; any single veto denies the candidate.
type Gate struct {
	rules   RulesEvaluator
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewGate creates a candidate gate. rules may be nil, in which case the
// built-in ruleset with default refusals is used.
func NewGate(rules RulesEvaluator, metrics *observability.Metrics, logger *slog.Logger) *Gate {
	if rules == nil {
		rules = defaultRules{}
	}
	return &Gate{rules: rules, metrics: metrics, logger: observability.OrNop(logger)}
}

// Check runs every check against c and reports all vetoes.
func (g *Gate) Check(c Candidate, ctx Context) GateResult {
	var vetoes []string

	// 1. The turn itself was denied.
	if !ctx.Policy.Allow {
		vetoes = append(vetoes, ReasonPolicyHardBlocked)
	}

	// 2. Structured answers carry per-user data guests cannot be scoped to.
	// Unknown sources are treated as structured.
	if ctx.UserState != gate.UserRegistered && !c.Source.guestSafe() {
		vetoes = append(vetoes, ReasonGuestStructuredBlocked)
	}

	// 3. The generated text can leak unsafe or off-domain content on its own.
	text := c.Text
	if text == "" {
		text = ctx.Message
	}
	if res := g.rules.EvaluateRules(text); !res.Decision.Allow {
		code := res.Decision.ReasonCode
		if code == "" {
			code = "BLOCKED"
		}
		vetoes = append(vetoes, ReasonCandidatePolicyPrefix+code)
	}

	// 4. Over-disclosure.
	if c.Signals[KeyOverDisclosure] >= OverDisclosureLimit {
		vetoes = append(vetoes, ReasonOverDisclosureBlocked)
	}

	res := GateResult{CandidateID: c.ID, Allowed: len(vetoes) == 0, Vetoes: vetoes}
	if len(vetoes) > 0 {
		res.ReasonCode = vetoes[0]
		for _, v := range vetoes {
			g.metrics.IncCandidateVeto(v)
		}
		g.logger.Debug("[WRQS] candidate vetoed", "candidate", c.ID, "source", c.Source, "vetoes", vetoes)
	}
	return res
}

// CheckAll gates every candidate, keyed by candidate id.
func (g *Gate) CheckAll(cands []Candidate, ctx Context) map[string]GateResult {
	out := make(map[string]GateResult, len(cands))
	for _, c := range cands {
		out[c.ID] = g.Check(c, ctx)
	}
	return out
}

// #endregion gate

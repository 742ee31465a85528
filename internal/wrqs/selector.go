package wrqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
)

// #region types

// ErrNoAnswerableCandidate means every candidate was gated out. Callers
// reply with FallbackText.
var ErrNoAnswerableCandidate = errors.New("no answerable candidate")

// FallbackText is the safe reply when nothing survives the candidate gate.
const FallbackText = "I couldn't find a reliable answer to that. " +
	"Could you rephrase, or would you like me to connect you with support?"

// How a winner was chosen.
const (
	SelectedByMaxScore             = "max_score"
	SelectedBySourcePreference     = "tie_break_source_preference"
	SelectedByStructuredPreference = "tie_break_structured_preference"
	SelectedByRetrievalPreference  = "tie_break_retrieval_preference"
)

// Selection is the outcome of SelectBest. Ranked holds the scored survivors
// in rank order; Gated holds the verdict for every input candidate.
type Selection struct {
	Winner     candidate.Candidate
	Ranked     []candidate.Candidate
	Gated      []candidate.GateResult
	SelectedBy string
}

// #endregion types

// #region selector

// Selector gates, scores and ranks candidate answers.
type Selector struct {
	gate    *candidate.Gate
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewSelector creates a selector. A nil gate uses the built-in ruleset.
func NewSelector(g *candidate.Gate, metrics *observability.Metrics, logger *slog.Logger) *Selector {
	if g == nil {
		g = candidate.NewGate(nil, metrics, logger)
	}
	return &Selector{gate: g, metrics: metrics, logger: observability.OrNop(logger)}
}

// SelectBest gates every candidate, scores the survivors under w and returns
// the winner. Input candidates are not modified; scores are set on copies.
func (s *Selector) SelectBest(ctx context.Context, cands []candidate.Candidate, cctx candidate.Context, w Weights) (Selection, error) {
	_, span := observability.StartSpan(ctx, observability.SpanSelect,
		attribute.Int("turngov.candidates", len(cands)))
	defer span.End()

	sel := Selection{Gated: make([]candidate.GateResult, 0, len(cands))}
	for _, c := range cands {
		res := s.gate.Check(c, cctx)
		sel.Gated = append(sel.Gated, res)
		if !res.Allowed {
			continue
		}
		if err := c.SetScore(Score(c, w)); err != nil {
			err = fmt.Errorf("score candidate %s: %w", c.ID, err)
			observability.EndSpan(span, err)
			return sel, err
		}
		sel.Ranked = append(sel.Ranked, c)
	}

	if len(sel.Ranked) == 0 {
		s.metrics.IncSelection("no_candidate")
		s.logger.Info("[WRQS] no answerable candidate", "candidates", len(cands))
		return sel, ErrNoAnswerableCandidate
	}

	rank(sel.Ranked)
	sel.Winner, sel.SelectedBy = pickWinner(sel.Ranked, cctx.Message, w.TieDelta)

	score, _ := sel.Winner.Score()
	span.SetAttributes(attribute.String(observability.AttrCandidateID, sel.Winner.ID))
	s.metrics.IncSelection(string(sel.Winner.Source))
	s.logger.Debug("[WRQS] selected",
		"winner", sel.Winner.ID,
		"source", sel.Winner.Source,
		"score", score,
		"selected_by", sel.SelectedBy)
	return sel, nil
}

// #endregion selector

// #region ranking

// rank sorts by score descending. Exact ties go to the more verifiable
// source, then the lower penalty mass, then the lower id.
func rank(cs []candidate.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		si, _ := cs[i].Score()
		sj, _ := cs[j].Score()
		if si != sj {
			return si > sj
		}
		if ri, rj := cs[i].Source.Rank(), cs[j].Source.Rank(); ri != rj {
			return ri < rj
		}
		if pi, pj := cs[i].PenaltyMass(), cs[j].PenaltyMass(); pi != pj {
			return pi < pj
		}
		return cs[i].ID < cs[j].ID
	})
}

// pickWinner takes the top of ranked unless the runner-up is within delta and
// the message clearly asks for the other kind of answer.
func pickWinner(ranked []candidate.Candidate, message string, delta float64) (candidate.Candidate, string) {
	top := ranked[0]
	if len(ranked) == 1 {
		return top, SelectedByMaxScore
	}
	topScore, _ := top.Score()
	secondScore, _ := ranked[1].Score()

	selectedBy := SelectedByMaxScore
	if topScore == secondScore {
		selectedBy = SelectedBySourcePreference
	}
	if math.Abs(topScore-secondScore) > delta {
		return top, selectedBy
	}

	pref := Preference(message)
	if pref == "" || top.Source == pref {
		return top, selectedBy
	}
	for _, c := range ranked[1:] {
		score, _ := c.Score()
		if c.Source == pref && math.Abs(topScore-score) <= delta {
			if pref == candidate.SourceStructured {
				return c, SelectedByStructuredPreference
			}
			return c, SelectedByRetrievalPreference
		}
	}
	return top, selectedBy
}

var (
	structuredCues = []string{"my order", "my orders", "my account", "my purchase", "where is my", "ticket"}
	retrievalCues  = []string{"policy", "guide", "manual", "explain", "why", "how does"}
)

// Preference returns the source a message explicitly favours, or "".
func Preference(message string) candidate.Source {
	text := strings.ToLower(message)
	for _, cue := range structuredCues {
		if strings.Contains(text, cue) {
			return candidate.SourceStructured
		}
	}
	for _, cue := range retrievalCues {
		if strings.Contains(text, cue) {
			return candidate.SourceRetrieval
		}
	}
	return ""
}

// #endregion ranking

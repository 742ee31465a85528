package quality

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/router"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #region formulas

// ComputeTQS scores answer quality from the selected candidate's signals.
// P and N are the weight-normalized positive and penalty masses.
func ComputeTQS(in Input, w wrqs.Weights) int {
	p := weightedMean(in.Signals, w.Positive)
	n := weightedMean(in.Signals, w.Penalty)
	return toScore(0.7*p + 0.3*(1-n))
}

// ComputeKGS scores how far the turn fell short of the available knowledge.
func ComputeKGS(in Input) int {
	var gap float64
	if in.Route == router.IntentStructured {
		switch {
		case in.BackendError:
			gap = 1.0
		case in.RowCount == 0:
			gap = 0.6
		default:
			gap = 0.2
		}
	} else {
		gap = 1 - clamp(in.RetrievalConfidence)
	}
	rephrase := math.Min(float64(in.RephraseCount)/3, 1)
	handoff := 0.0
	if in.HandoffClicked {
		handoff = 1
	}
	return toScore(0.45*gap + 0.25*clamp(in.HallucinationRisk) + 0.20*rephrase + 0.10*handoff)
}

// Classify applies th to raw scores.
func Classify(tqs, kgs int, th Thresholds) Score {
	return Score{
		TQS:         tqs,
		KGS:         kgs,
		LowTQS:      tqs < th.LowTQS,
		HighKGS:     kgs >= th.HighKGS,
		CriticalKGS: kgs >= th.CriticalKGS,
	}
}

func weightedMean(signals, weights map[string]float64) float64 {
	var num, den float64
	for k, wt := range weights {
		num += wt * clamp(signals[k])
		den += wt
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func toScore(x float64) int { return int(math.Round(100 * clamp(x))) }

func clamp(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

// #endregion formulas

// #region scorer

// Scorer classifies turns and records critical knowledge gaps.
type Scorer struct {
	thresholds atomic.Pointer[Thresholds]
	gaps       *GapStore
	audit      logging.Sink
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithGapStore enables knowledge-gap persistence.
func WithGapStore(g *GapStore) Option { return func(s *Scorer) { s.gaps = g } }

// WithAudit sets the audit sink.
func WithAudit(sink logging.Sink) Option { return func(s *Scorer) { s.audit = sink } }

// WithMetrics wires Prometheus histograms.
func WithMetrics(m *observability.Metrics) Option { return func(s *Scorer) { s.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scorer) { s.logger = l } }

// NewScorer creates a scorer using th.
func NewScorer(th Thresholds, opts ...Option) *Scorer {
	s := &Scorer{audit: logging.NopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrNop(s.logger)
	s.thresholds.Store(&th)
	return s
}

// SetThresholds swaps thresholds for subsequent turns.
func (s *Scorer) SetThresholds(th Thresholds) { s.thresholds.Store(&th) }

// Thresholds returns the thresholds currently in force.
func (s *Scorer) Thresholds() Thresholds { return *s.thresholds.Load() }

// ScoreTurn computes and classifies the turn's quality. Side effects (gap
// upsert, audit) are best effort: failures are logged and the score stands.
func (s *Scorer) ScoreTurn(ctx context.Context, in Input, w wrqs.Weights) Score {
	ctx, span := observability.StartSpan(ctx, observability.SpanQuality,
		attribute.String(observability.AttrRequestID, in.RequestID),
		attribute.String(observability.AttrSessionID, in.SessionID))
	defer span.End()

	score := Classify(ComputeTQS(in, w), ComputeKGS(in), s.Thresholds())
	span.SetAttributes(attribute.Int("turngov.tqs", score.TQS), attribute.Int("turngov.kgs", score.KGS))
	s.metrics.ObserveTurn(score.TQS, score.KGS)

	if score.CriticalKGS && s.gaps != nil {
		item := GapItem{
			TopicKey:      TopicKey(in.PolicyIntent, in.Message),
			Intent:        gapIntent(in.PolicyIntent),
			SampleMessage: logging.Redact(in.Message),
			KGS:           score.KGS,
			TriggerSource: triggerSource(in),
			LastRequestID: in.RequestID,
			LastSessionID: in.SessionID,
			LastSeenAt:    s.now(),
		}
		if err := s.gaps.Upsert(ctx, item); err != nil {
			s.logger.Warn("[QUALITY] knowledge gap upsert failed", "request_id", in.RequestID, "err", err)
		}
	}

	s.logger.Debug("[QUALITY] turn scored",
		"request_id", in.RequestID,
		"tqs", score.TQS,
		"kgs", score.KGS,
		"low_tqs", score.LowTQS,
		"high_kgs", score.HighKGS,
		"critical_kgs", score.CriticalKGS)

	ev := logging.AuditEvent{
		Kind:           logging.KindTurnQuality,
		RequestID:      in.RequestID,
		SessionID:      in.SessionID,
		Message:        in.Message,
		Intent:         string(in.Route),
		Allow:          true,
		DecisionSource: "quality_scorer",
		Trace: map[string]any{
			"tqs":             score.TQS,
			"kgs":             score.KGS,
			"low_tqs":         score.LowTQS,
			"high_kgs":        score.HighKGS,
			"critical_kgs":    score.CriticalKGS,
			"weights_version": in.WeightsVersion,
		},
		CreatedAt: s.now(),
	}
	if err := s.audit.Append(ctx, ev); err != nil {
		s.metrics.IncAuditFailure()
		s.logger.Warn("[QUALITY] audit append failed", "request_id", in.RequestID, "err", err)
	}
	return score
}

func triggerSource(in Input) string {
	switch {
	case in.Route == router.IntentStructured && in.BackendError:
		return "structured_error"
	case in.Route == router.IntentStructured && in.RowCount == 0:
		return "structured_empty"
	case in.HandoffClicked:
		return "handoff"
	case in.RephraseCount > 0:
		return "rephrase"
	}
	return "low_retrieval_confidence"
}

// #endregion scorer


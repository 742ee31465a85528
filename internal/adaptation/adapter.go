package adaptation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// Adapter closes the loop after a turn: it stores the scores and applies a
// plan when a trigger fires.
type Adapter struct {
	store   *Store
	audit   logging.Sink
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAudit sets the audit sink.
func WithAudit(sink logging.Sink) Option { return func(a *Adapter) { a.audit = sink } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option { return func(a *Adapter) { a.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// NewAdapter creates an adapter over store.
func NewAdapter(store *Store, opts ...Option) *Adapter {
	a := &Adapter{store: store, audit: logging.NopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = observability.OrNop(a.logger)
	return a
}

// Store returns the underlying session store.
func (a *Adapter) Store() *Store { return a.store }

// Observe records score for the session and applies a plan if one is
// warranted. Turns that fail the learning guardrail only record scores.
// A nil plan means nothing changed.
func (a *Adapter) Observe(ctx context.Context, sessionID, requestID, message string, score quality.Score, active wrqs.Weights) (plan *Plan, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanAdapt,
		attribute.String(observability.AttrSessionID, sessionID),
		attribute.String(observability.AttrRequestID, requestID))
	defer func() { observability.EndSpan(span, err) }()

	if err := a.store.RecordScores(ctx, sessionID, score.TQS, score.KGS); err != nil {
		return nil, fmt.Errorf("record scores: %w", err)
	}
	if !LearningAllowed(message) {
		a.logger.Debug("[ADAPT] learning skipped: sensitive content", "session_id", sessionID, "request_id", requestID)
		return nil, nil
	}

	st, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	plan = Evaluate(st.Features(), score, active, a.store.Config())
	if plan == nil {
		return nil, nil
	}
	next, err := a.store.Apply(ctx, sessionID, *plan)
	if err != nil {
		return nil, fmt.Errorf("apply plan: %w", err)
	}

	reasons := make([]string, len(plan.Reasons))
	for i, r := range plan.Reasons {
		reasons[i] = string(r)
		a.metrics.IncAdaptation(string(r))
	}
	a.logger.Info("[ADAPT] plan applied",
		"session_id", sessionID,
		"request_id", requestID,
		"reasons", reasons,
		"from_phase", st.Phase,
		"to_phase", next.Phase,
		"expires_turn", plan.ExpiresTurn)

	ev := logging.AuditEvent{
		Kind:           logging.KindAdaptation,
		RequestID:      requestID,
		SessionID:      sessionID,
		Message:        message,
		Allow:          true,
		ReasonCode:     reasons[0],
		DecisionSource: "adaptation",
		Trace: map[string]any{
			"reasons":          reasons,
			"turn_index":       st.TurnIndex,
			"expires_turn":     plan.ExpiresTurn,
			"rag_top_k":        plan.RagTopK,
			"clarify_mode":     plan.ClarifyMode,
			"query_expansion":  plan.QueryExpansion,
			"weight_overrides": plan.Overrides,
			"tqs":              score.TQS,
			"kgs":              score.KGS,
		},
		CreatedAt: a.now(),
	}
	if err := a.audit.Append(ctx, ev); err != nil {
		a.metrics.IncAuditFailure()
		a.logger.Warn("[ADAPT] audit append failed", "session_id", sessionID, "err", err)
	}
	return plan, nil
}

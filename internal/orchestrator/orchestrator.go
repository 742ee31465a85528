package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/turn-governor/internal/adaptation"
	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/router"
	"github.com/danielpatrickdp/turn-governor/internal/state"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #endregion

// #region orchestrator-struct

// Deps are the pipeline stages. Every field except the backends is required;
// a missing backend turns its candidates into error candidates.
type Deps struct {
	Gate       *gate.Gate
	Router     *router.Router
	Selector   *wrqs.Selector
	Scorer     *quality.Scorer
	Adapter    *adaptation.Adapter
	Outcomes   *quality.OutcomeStore
	Registry   *state.Registry
	Structured Backend
	Retrieval  Backend

	// Optional. Without Feedback, RecordFeedback fails; without Corrections,
	// backends get no correction hints.
	Feedback    *quality.FeedbackStore
	Corrections *adaptation.CorrectionStore
}

// Orchestrator runs one turn end to end: admission, routing, backend
// fan-out, selection, then scoring and adaptation after the reply.
type Orchestrator struct {
	deps     Deps
	sessions *adaptation.Store

	audit   logging.Sink
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	locks   sessionLocks
	mu      sync.RWMutex // guards closed against pending.Add
	closed  bool
	pending sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAudit sets the sink for candidate-gate and selection rows. Close
// flushes it if it buffers. Other stages write to their own sinks.
func WithAudit(sink logging.Sink) Option { return func(o *Orchestrator) { o.audit = sink } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// #endregion

// #region constructor

// NewOrchestrator creates a fully wired orchestrator.
func NewOrchestrator(deps Deps, opts ...Option) (*Orchestrator, error) {
	var missing []string
	if deps.Gate == nil {
		missing = append(missing, "gate")
	}
	if deps.Router == nil {
		missing = append(missing, "router")
	}
	if deps.Selector == nil {
		missing = append(missing, "selector")
	}
	if deps.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if deps.Adapter == nil {
		missing = append(missing, "adapter")
	}
	if deps.Outcomes == nil {
		missing = append(missing, "outcomes")
	}
	if deps.Registry == nil {
		missing = append(missing, "registry")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing %s", strings.Join(missing, ", "))
	}

	o := &Orchestrator{
		deps:     deps,
		sessions: deps.Adapter.Store(),
		audit:    logging.NopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = observability.OrNop(o.logger)
	return o, nil
}

// Gate returns the admission gate.
func (o *Orchestrator) Gate() *gate.Gate { return o.deps.Gate }

// Router returns the intent router.
func (o *Orchestrator) Router() *router.Router { return o.deps.Router }

// Selector returns the candidate selector.
func (o *Orchestrator) Selector() *wrqs.Selector { return o.deps.Selector }

// Scorer returns the turn quality scorer.
func (o *Orchestrator) Scorer() *quality.Scorer { return o.deps.Scorer }

// Sessions returns the session adaptation store.
func (o *Orchestrator) Sessions() *adaptation.Store { return o.sessions }

// Registry returns the live weight registry.
func (o *Orchestrator) Registry() *state.Registry { return o.deps.Registry }

// #endregion

// #region process-turn

// ProcessTurn answers one message. A policy block is a normal result carrying
// the refusal text. Scoring and adaptation run after return, still holding the
// session's lock, so the next turn of the session sees their effect.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		return TurnResult{}, fmt.Errorf("%w: session id and message are required", ErrInvalidTurn)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.UserState == "" {
		req.UserState = gate.UserGuest
	}

	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return TurnResult{}, ErrClosed
	}
	o.pending.Add(1)
	o.mu.RUnlock()

	unlock := o.locks.lock(req.SessionID)
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
			o.pending.Done()
		}
	}()

	ctx, span := observability.StartSpan(ctx, observability.SpanTurn,
		attribute.String(observability.AttrSessionID, req.SessionID),
		attribute.String(observability.AttrRequestID, req.RequestID))
	defer span.End()

	res, err := o.answer(ctx, req)
	if err != nil {
		observability.EndSpan(span, err)
		return res, err
	}
	if res.Route == nil {
		return res, nil
	}

	handedOff = true
	go func() {
		defer o.pending.Done()
		defer unlock()
		if _, err := o.CompleteTurn(context.WithoutCancel(ctx), res); err != nil {
			o.logger.Warn("[ORCH] turn completion failed", "request_id", req.RequestID, "err", err)
		}
	}()
	return res, nil
}

func (o *Orchestrator) answer(ctx context.Context, req TurnRequest) (TurnResult, error) {
	res := TurnResult{Request: req}

	o.recordClicks(ctx, req)
	st, err := o.sessions.BeginTurn(ctx, req.SessionID, req.Message)
	if err != nil {
		o.logger.Warn("[ORCH] session state unavailable, using nominal", "session_id", req.SessionID, "err", err)
		st = adaptation.SessionState{Row: adaptation.Row{SessionID: req.SessionID}, Phase: adaptation.PhaseNominal}
	}
	res.Session = st

	res.Policy = o.deps.Gate.Evaluate(ctx, gate.Request{
		Message:   req.Message,
		UserState: req.UserState,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if res.Policy.Blocked() {
		res.Reply = res.Policy.RefusalText
		o.logger.Info("[ORCH] turn refused", "request_id", req.RequestID, "reason_code", res.Policy.ReasonCode)
		return res, nil
	}

	route := o.deps.Router.Route(ctx, router.Request{
		Message:   req.Message,
		History:   req.History,
		UserState: req.UserState,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
	})
	res.Route = &route

	cfg := o.deps.Registry.ConfigFor(req.SessionID)
	res.WeightsVersion = cfg.Version
	res.WeightsLabel = cfg.Label
	res.base = cfg.Weights
	res.Weights = wrqs.Resolve(st.EffectiveOverrides(), &cfg.Weights, o.sessions.Config().MaxOverrideDelta)

	res.Corrections = o.correctionHints(ctx, req)
	res.Candidates = o.fanOut(ctx, req, route.Intent, BackendContext{
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		UserState:      req.UserState,
		History:        req.History,
		TopK:           st.TopK(o.sessions.Config()),
		ClarifyMode:    st.Clarify(),
		QueryExpansion: st.ExpandQuery(),
		Corrections:    res.Corrections,
	})
	sel, err := o.deps.Selector.SelectBest(ctx, res.Candidates, candidate.Context{
		Policy:    res.Policy,
		UserState: req.UserState,
		Message:   req.Message,
	}, res.Weights)
	switch {
	case errors.Is(err, wrqs.ErrNoAnswerableCandidate):
		res.Reply = wrqs.FallbackText
		res.Fallback = true
	case err != nil:
		return res, fmt.Errorf("select: %w", err)
	default:
		res.Selection = &sel
		res.Reply = sel.Winner.Text
		if res.Reply == "" {
			// only error candidates survived
			o.metrics.IncSelection("error_fallback")
			res.Reply = wrqs.FallbackText
			res.Fallback = true
		}
	}

	o.auditSelection(ctx, req, res, sel)

	o.logger.Info("[ORCH] turn answered",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"route", route.Intent,
		"weights_version", res.WeightsVersion,
		"phase", st.Phase,
		"fallback", res.Fallback)
	return res, nil
}

// correctionHints loads remembered corrections for registered users. A
// failing store only costs the hints.
func (o *Orchestrator) correctionHints(ctx context.Context, req TurnRequest) []string {
	if o.deps.Corrections == nil || req.UserState != gate.UserRegistered {
		return nil
	}
	hints, err := o.deps.Corrections.Hints(ctx, req.SessionID, req.UserID, adaptation.DefaultMaxHints)
	if err != nil {
		o.logger.Warn("[ORCH] correction hints unavailable", "session_id", req.SessionID, "err", err)
		return nil
	}
	return hints
}

func (o *Orchestrator) recordClicks(ctx context.Context, req TurnRequest) {
	for kind, clicked := range map[adaptation.ClickKind]bool{
		adaptation.ClickHandoff: req.HandoffClicked,
		adaptation.ClickExplain: req.ExplainClicked,
	} {
		if !clicked {
			continue
		}
		if err := o.sessions.RecordClick(ctx, req.SessionID, kind); err != nil {
			o.logger.Warn("[ORCH] record click failed", "session_id", req.SessionID, "kind", kind, "err", err)
		}
	}
}

// auditSelection writes one candidate_gate row per candidate and one
// selection row carrying the WRQS breakdown of every ranked survivor.
func (o *Orchestrator) auditSelection(ctx context.Context, req TurnRequest, res TurnResult, sel wrqs.Selection) {
	now := o.now()
	events := make([]logging.AuditEvent, 0, len(sel.Gated)+1)
	sources := make(map[string]candidate.Source, len(res.Candidates))
	for _, c := range res.Candidates {
		sources[c.ID] = c.Source
	}
	for _, g := range sel.Gated {
		events = append(events, logging.AuditEvent{
			Kind:           logging.KindCandidateGate,
			RequestID:      req.RequestID,
			SessionID:      req.SessionID,
			UserID:         req.UserID,
			UserState:      string(req.UserState),
			Intent:         string(res.Policy.Intent),
			Allow:          g.Allowed,
			ReasonCode:     g.ReasonCode,
			DecisionSource: "candidate_gate",
			Trace: map[string]any{
				"candidate_id": g.CandidateID,
				"source":       string(sources[g.CandidateID]),
				"vetoes":       g.Vetoes,
			},
			CreatedAt: now,
		})
	}

	ranked := make([]map[string]any, len(sel.Ranked))
	for i, c := range sel.Ranked {
		b := wrqs.Explain(c, res.Weights)
		ranked[i] = map[string]any{
			"candidate_id": c.ID,
			"source":       string(c.Source),
			"positive":     b.Positive,
			"penalty":      b.Penalty,
			"score":        b.Score,
		}
	}
	trace := map[string]any{
		"weights_version": res.WeightsVersion,
		"ranked":          ranked,
		"fallback":        res.Fallback,
	}
	if res.Selection != nil {
		trace["winner_id"] = res.Selection.Winner.ID
		trace["selected_by"] = res.Selection.SelectedBy
	}
	reason := ""
	switch {
	case res.Fallback && res.Selection == nil:
		reason = "NO_ANSWERABLE_CANDIDATE"
	case res.Fallback:
		reason = "ERROR_CANDIDATE_ONLY"
	}
	events = append(events, logging.AuditEvent{
		Kind:           logging.KindSelection,
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		UserState:      string(req.UserState),
		Intent:         string(res.Route.Intent),
		Allow:          !res.Fallback,
		ReasonCode:     reason,
		DecisionSource: "wrqs",
		Trace:          trace,
		CreatedAt:      now,
	})

	for _, ev := range events {
		if err := o.audit.Append(ctx, ev); err != nil {
			o.metrics.IncAuditFailure()
			o.logger.Warn("[ORCH] audit append failed", "request_id", req.RequestID, "kind", ev.Kind, "err", err)
			return
		}
	}
}

// #endregion

// #region fan-out

// fanOut asks the backends the route calls for. Hybrid runs both concurrently
// and joins them; candidate order is always structured, then retrieval.
func (o *Orchestrator) fanOut(ctx context.Context, req TurnRequest, intent router.Intent, bc BackendContext) []candidate.Candidate {
	var agents []candidate.Source
	switch intent {
	case router.IntentStructured:
		agents = []candidate.Source{candidate.SourceStructured}
	case router.IntentRetrieval:
		agents = []candidate.Source{candidate.SourceRetrieval}
	default:
		agents = []candidate.Source{candidate.SourceStructured, candidate.SourceRetrieval}
	}

	cands := make([]candidate.Candidate, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		g.Go(func() error {
			cands[i] = o.invoke(gctx, req, agent, bc)
			return nil
		})
	}
	_ = g.Wait() // invoke turns failures into error candidates
	return cands
}

func (o *Orchestrator) invoke(ctx context.Context, req TurnRequest, agent candidate.Source, bc BackendContext) candidate.Candidate {
	ctx, span := observability.StartSpan(ctx, observability.SpanBackend,
		attribute.String(observability.AttrRequestID, req.RequestID),
		attribute.String("turngov.agent", string(agent)))

	id := req.RequestID + ":" + string(agent)
	backend := o.deps.Retrieval
	if agent == candidate.SourceStructured {
		backend = o.deps.Structured
	}
	if backend == nil {
		err := fmt.Errorf("no %s backend configured", agent)
		observability.EndSpan(span, err)
		return candidate.Build(id, agent, "", candidate.Metadata{Error: err.Error()})
	}

	bc.Agent = agent
	reply, err := backend.Invoke(ctx, req.Message, bc)
	observability.EndSpan(span, err)
	if err != nil {
		o.logger.Warn("[ORCH] backend failed", "agent", agent, "request_id", req.RequestID, "err", err)
		return candidate.Build(id, agent, "", candidate.Metadata{Error: err.Error()})
	}
	return candidate.Build(id, agent, reply.Text, candidate.MetadataFromMap(reply.Metadata))
}

// #endregion

// #region complete-turn

// CompleteTurn scores an answered turn, records its outcome for canary
// evaluation and lets the adapter react. Each step is best effort; the
// returned error joins whatever failed.
func (o *Orchestrator) CompleteTurn(ctx context.Context, res TurnResult) (quality.Score, error) {
	req := res.Request
	score := o.deps.Scorer.ScoreTurn(ctx, qualityInput(res), res.Weights)

	var errs []error
	route := ""
	if res.Route != nil {
		route = string(res.Route.Intent)
	}
	if err := o.deps.Outcomes.Record(ctx, quality.Outcome{
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		WeightsVersion: res.WeightsVersion,
		Intent:         route,
		TQS:            score.TQS,
		KGS:            score.KGS,
		Handoff:        req.HandoffClicked,
		CreatedAt:      o.now(),
	}); err != nil {
		errs = append(errs, fmt.Errorf("record outcome: %w", err))
	}

	base := res.base
	if base.Positive == nil {
		base = res.Weights
	}
	if _, err := o.deps.Adapter.Observe(ctx, req.SessionID, req.RequestID, req.Message, score, base); err != nil {
		errs = append(errs, fmt.Errorf("adapt: %w", err))
	}
	return score, errors.Join(errs...)
}

func qualityInput(res TurnResult) quality.Input {
	req := res.Request
	in := quality.Input{
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		Message:        req.Message,
		PolicyIntent:   string(res.Policy.Intent),
		RephraseCount:  res.Session.RephraseCount, // whole session, not since the last plan
		HandoffClicked: req.HandoffClicked,
		WeightsVersion: res.WeightsVersion,
	}
	if res.Route != nil {
		in.Route = res.Route.Intent
	}
	if res.Selection != nil {
		in.Signals = res.Selection.Winner.Signals
		in.HallucinationRisk = res.Selection.Winner.Signals[candidate.KeyHallucination]
	}
	for _, c := range res.Candidates {
		switch c.Source {
		case candidate.SourceStructured:
			in.BackendError = c.Metadata.Failed()
			in.RowCount = c.Metadata.RowCount
		case candidate.SourceRetrieval:
			in.RetrievalConfidence = c.Metadata.RetrievalScore
		}
	}
	return in
}

// #endregion

// #region close

// RecordClick counts a handoff or explain click outside a turn. A handoff also
// flags the session's latest outcome so canary evaluation sees it. It waits
// for the session's in-flight turn so the click lands on that turn.
func (o *Orchestrator) RecordClick(ctx context.Context, sessionID string, kind adaptation.ClickKind) error {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	if err := o.sessions.RecordClick(ctx, sessionID, kind); err != nil {
		return err
	}
	if kind != adaptation.ClickHandoff {
		return nil
	}
	marked, err := o.deps.Outcomes.MarkHandoff(ctx, sessionID)
	if err != nil {
		return err
	}
	if !marked {
		o.logger.Debug("[ORCH] handoff click before any scored turn", "session_id", sessionID)
	}
	return nil
}

// Wait blocks until every turn in flight, completion included, has finished.
func (o *Orchestrator) Wait() { o.pending.Wait() }

// Close rejects new turns, waits for pending completions and flushes the
// audit sink if it buffers.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.pending.Wait()
	if c, ok := o.audit.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// #endregion

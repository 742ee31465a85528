package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
)

// #region config

// Config holds the tunables of the admission gate.
type Config struct {
	ClassifierEnabled bool
	MinConfidence     float64 // classifier verdicts below this fail open
	CacheSize         int     // classifier verdict LRU entries; <= 0 disables caching
	RatePerSecond     float64 // classifier calls per second; <= 0 disables limiting
	Burst             int
	Refusals          Refusals
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClassifierEnabled: true,
		MinConfidence:     0.6,
		CacheSize:         1024,
		RatePerSecond:     20,
		Burst:             40,
		Refusals:          DefaultRefusals(),
	}
}

// #endregion config

// #region gate-struct

// Gate is the admission gate: safety rules, then domain rules, then an
// optional classifier for ambiguous requests. Safe for concurrent use.
type Gate struct {
	config     atomic.Pointer[Config]
	classifier Classifier
	cache      *lru.Cache[string, Classified] // nil when caching is disabled
	limiter    atomic.Pointer[rate.Limiter]
	audit      logging.Sink
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Gate)

// WithClassifier wires the external classifier used for ambiguous requests.
func WithClassifier(c Classifier) Option { return func(g *Gate) { g.classifier = c } }

// WithAudit wires the audit sink every decision is appended to.
func WithAudit(s logging.Sink) Option { return func(g *Gate) { g.audit = s } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// NewGate creates a gate with the given configuration.
func NewGate(config Config, opts ...Option) *Gate {
	g := &Gate{audit: logging.NopSink{}}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = observability.OrNop(g.logger)

	if config.CacheSize > 0 {
		cache, err := lru.New[string, Classified](config.CacheSize)
		if err != nil {
			g.logger.Warn("[GATE] classifier cache disabled", "size", config.CacheSize, "err", err)
		} else {
			g.cache = cache
		}
	}
	g.SetConfig(config)
	return g
}

// SetConfig swaps thresholds and refusal contacts in place. Used by config hot reload.
func (g *Gate) SetConfig(config Config) {
	g.limiter.Store(newLimiter(config.RatePerSecond, config.Burst))
	c := config
	g.config.Store(&c)
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Config returns the configuration currently in force.
func (g *Gate) Config() Config {
	return *g.config.Load()
}

// #endregion gate-struct

// #region evaluate

// Evaluate decides whether req may be answered. Safety rules run first and
// are final; the classifier is consulted only when the rules are
// inconclusive and can never override a rules block. Every decision is
// appended to the audit sink.
func (g *Gate) Evaluate(ctx context.Context, req Request) PolicyDecision {
	ctx, span := observability.StartSpan(ctx, observability.SpanGate,
		attribute.String(observability.AttrRequestID, req.RequestID),
		attribute.String(observability.AttrSessionID, req.SessionID))
	defer span.End()

	cfg := g.Config()
	res := EvaluateRules(req.Message, cfg.Refusals)
	decision := res.Decision

	if res.Ambiguous && cfg.ClassifierEnabled && g.classifier != nil {
		decision = g.classify(ctx, req.Message, res.Decision, cfg)
	}

	span.SetAttributes(
		attribute.String(observability.AttrDecisionSource, string(decision.DecisionSource)),
		attribute.String(observability.AttrReasonCode, decision.ReasonCode))
	g.metrics.IncGateDecision(decision.Allow, string(decision.DecisionSource), decision.ReasonCode)
	g.logger.Debug("[GATE] decision",
		"request_id", req.RequestID,
		"allow", decision.Allow,
		"intent", decision.Intent,
		"reason", decision.ReasonCode,
		"source", decision.DecisionSource)

	g.appendAudit(ctx, req, decision)
	return decision
}

// EvaluateRules is the rules-only path with the gate's configured refusals.
// It never calls the classifier and never writes audit rows.
func (g *Gate) EvaluateRules(message string) RulesResult {
	return EvaluateRules(message, g.Config().Refusals)
}

// #endregion evaluate

// #region classify

// classify runs the optional classifier phase. Every failure path returns the
// rules-only fallback marked llm_fallback_rules.
func (g *Gate) classify(ctx context.Context, message string, fallback PolicyDecision, cfg Config) PolicyDecision {
	key := NormalizeMessage(message)
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			g.metrics.IncClassifierResult("cached")
			return fromVerdict(v, cfg.Refusals)
		}
	}

	raw, err := g.callClassifier(ctx, message)
	if err != nil {
		g.metrics.IncClassifierResult("unavailable")
		g.logger.Warn("[GATE] classifier unavailable, failing open", "err", err)
		return failOpen(fallback)
	}

	switch v := ParseClassification(raw).(type) {
	case ParseFailure:
		g.metrics.IncClassifierResult("parse_failure")
		g.logger.Warn("[GATE] classifier reply unparseable, failing open", "err", v.Err)
		return failOpen(fallback)
	case Classified:
		if v.Confidence < cfg.MinConfidence {
			g.metrics.IncClassifierResult("low_confidence")
			return failOpen(fallback)
		}
		g.metrics.IncClassifierResult("ok")
		if g.cache != nil {
			g.cache.Add(key, v)
		}
		return fromVerdict(v, cfg.Refusals)
	default:
		return failOpen(fallback)
	}
}

func (g *Gate) callClassifier(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	if !g.limiter.Load().Allow() {
		return "", fmt.Errorf("%w: rate limited", ErrClassifierUnavailable)
	}
	raw, err := g.classifier.Classify(ctx, BuildClassifierPrompt(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	return raw, nil
}

func failOpen(fallback PolicyDecision) PolicyDecision {
	d := fallback
	d.DecisionSource = SourceLLMFallbackRules
	d.Phase = PhaseClassifier
	return d
}

// fromVerdict converts a confident classifier verdict into a decision.
// Off-domain, confidential or unsafe verdicts block; the rest allow.
func fromVerdict(v Classified, refusals Refusals) PolicyDecision {
	conf := v.Confidence
	d := PolicyDecision{
		Allow:          true,
		Intent:         v.Intent,
		Domain:         v.Domain,
		DecisionSource: SourceLLMClassifier,
		Confidence:     &conf,
		Phase:          PhaseClassifier,
	}

	var reason string
	switch {
	case v.Domain == DomainUnsafe || v.Intent == IntentUnsafe:
		reason = ReasonClassifierUnsafe
	case v.Domain == DomainConfidential || v.Intent == IntentConfidential:
		reason = ReasonClassifierConfidential
	case v.Domain == DomainOffDomain || v.Intent == IntentOffDomain:
		reason = ReasonClassifierOffDomain
	}
	if reason != "" {
		d.Allow = false
		d.ReasonCode = reason
		d.RefusalText = refusals.For(reason)
	}
	return d
}

// #endregion classify

// #region audit

func (g *Gate) appendAudit(ctx context.Context, req Request, d PolicyDecision) {
	ev := logging.AuditEvent{
		Kind:           logging.KindPolicy,
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		UserState:      string(req.UserState),
		Message:        req.Message,
		Intent:         string(d.Intent),
		Domain:         string(d.Domain),
		Confidence:     d.Confidence,
		Allow:          d.Allow,
		ReasonCode:     d.ReasonCode,
		DecisionSource: string(d.DecisionSource),
		Trace: map[string]any{
			"phase":           string(d.Phase),
			"safety_category": string(d.SafetyCategory),
		},
	}
	if err := g.audit.Append(ctx, ev); err != nil {
		g.logger.Warn("[GATE] audit append failed", "request_id", req.RequestID, "err", err)
	}
}

// #endregion audit

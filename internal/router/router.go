package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
)

// #region config

// Config holds router tunables.
type Config struct {
	ClassifierEnabled bool
	HistoryWindow     int // prior messages included in the classifier prompt
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{ClassifierEnabled: true, HistoryWindow: 6}
}

// #endregion config

// #region router

// Router chooses the backend(s) for a request: guests always get retrieval,
// registered users get the heuristic verdict when it is definitive and the
// classifier's otherwise.
type Router struct {
	config     Config
	classifier Classifier
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Router)

// WithClassifier wires the label service used for inconclusive requests.
func WithClassifier(c Classifier) Option { return func(r *Router) { r.classifier = c } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option { return func(r *Router) { r.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter creates a router.
func NewRouter(config Config, opts ...Option) *Router {
	r := &Router{config: config}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrNop(r.logger)
	return r
}

// Route decides the intent for req. It never fails: classifier errors and
// unknown labels fall back to hybrid, which engages both backends.
func (r *Router) Route(ctx context.Context, req Request) Decision {
	ctx, span := observability.StartSpan(ctx, observability.SpanRoute,
		attribute.String(observability.AttrRequestID, req.RequestID))
	defer span.End()

	d := r.route(ctx, req)

	span.SetAttributes(attribute.String(observability.AttrRoute, string(d.Intent)))
	r.metrics.IncRoute(string(d.Intent), string(d.Source))
	r.logger.Debug("[ROUTER] routed",
		"request_id", req.RequestID,
		"intent", d.Intent,
		"source", d.Source,
		"structured", d.Votes.Structured,
		"retrieval", d.Votes.Retrieval,
		"hybrid", d.Votes.Hybrid)
	return d
}

func (r *Router) route(ctx context.Context, req Request) Decision {
	if req.UserState != gate.UserRegistered {
		return Decision{Intent: IntentRetrieval, Source: SourceGuestRule}
	}

	votes := Score(req.Message)
	if intent, ok := Decide(votes); ok {
		return Decision{Intent: intent, Source: SourceHeuristic, Votes: votes}
	}

	if !r.config.ClassifierEnabled || r.classifier == nil {
		return Decision{Intent: IntentHybrid, Source: SourceDefault, Votes: votes}
	}

	reply, err := r.classifier.Classify(ctx, r.buildPrompt(req))
	if err != nil {
		r.logger.Warn("[ROUTER] classifier failed, defaulting to hybrid", "err", err)
		return Decision{Intent: IntentHybrid, Source: SourceDefault, Votes: votes}
	}
	intent, ok := ParseLabel(reply)
	if !ok {
		r.logger.Warn("[ROUTER] unrecognized classifier label", "reply", truncate(reply, 80))
		return Decision{Intent: IntentHybrid, Source: SourceDefault, Votes: votes}
	}
	return Decision{Intent: intent, Source: SourceClassifier, Votes: votes}
}

// #endregion router

// #region prompt

const routingInstructions = `You are a strict message router.

Decide which system should answer the user question.

STRUCTURED_QUERY:
ONLY if the user wants database rows, counts, numbers,
reports, financial data, user transactions, analytics.

RETRIEVAL:
Explanations, help, tutorials, advice, knowledge, policies.

HYBRID:
Needs BOTH database info AND explanation.

Reply ONLY with:
STRUCTURED_QUERY
RETRIEVAL
HYBRID`

func (r *Router) buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(routingInstructions)
	b.WriteString("\n\n")

	history := req.History
	if n := r.config.HistoryWindow; n >= 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\nCurrent message: ")
	}
	b.WriteString(req.Message)
	return b.String()
}

// ParseLabel reads the first token of a classifier reply.
func ParseLabel(reply string) (Intent, bool) {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(reply)))
	if len(fields) == 0 {
		return "", false
	}
	switch strings.Trim(fields[0], ".,;:\"'`*") {
	case "STRUCTURED_QUERY", "SQL_AGENT":
		return IntentStructured, true
	case "RETRIEVAL", "RAG_AGENT":
		return IntentRetrieval, true
	case "HYBRID", "HYBRID_AGENT":
		return IntentHybrid, true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// #endregion prompt

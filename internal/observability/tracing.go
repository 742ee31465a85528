package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/danielpatrickdp/turn-governor"

// Span names for each pipeline stage.
const (
	SpanGate    = "turngov.gate"
	SpanRoute   = "turngov.route"
	SpanBackend = "turngov.backend"
	SpanSelect  = "turngov.select"
	SpanQuality = "turngov.quality"
	SpanAdapt   = "turngov.adaptation"
	SpanRelease = "turngov.release"
	SpanTurn    = "turngov.turn"
)

// Attribute keys shared across spans.
const (
	AttrSessionID      = "turngov.session_id"
	AttrRequestID      = "turngov.request_id"
	AttrDecisionSource = "turngov.decision_source"
	AttrReasonCode     = "turngov.reason_code"
	AttrRoute          = "turngov.route"
	AttrCandidateID    = "turngov.candidate_id"
	AttrWeightsVersion = "turngov.weights_version"
)

// StartSpan starts a span on the global tracer provider. With no SDK
// installed the provider is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

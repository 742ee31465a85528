package logging

import (
	"context"
	"time"
)

// #region event-kind
// EventKind groups audit rows by the component that emitted them.
type EventKind string

const (
	KindPolicy        EventKind = "policy"
	KindCandidateGate EventKind = "candidate_gate"
	KindSelection     EventKind = "selection"
	KindTurnQuality   EventKind = "turn_quality"
	KindAdaptation    EventKind = "adaptation"
	KindRelease       EventKind = "release"
	KindFeedback      EventKind = "feedback"
	KindLearning      EventKind = "learning"
)

// #endregion event-kind

// #region audit-event
// AuditEvent is a single row in the append-only policy_audit table.
// Message is redacted before it is written.
type AuditEvent struct {
	Kind           EventKind
	RequestID      string
	SessionID      string
	UserID         string
	UserState      string
	Message        string
	Intent         string
	Domain         string
	Confidence     *float64
	Allow          bool
	ReasonCode     string
	DecisionSource string
	Trace          map[string]any // serialized into trace_json
	CreatedAt      time.Time
}

// #endregion audit-event

// #region sink
// Sink receives audit events. Callers treat Append as fire-and-forget:
// a failing sink is logged and never fails the request.
type Sink interface {
	Append(ctx context.Context, ev AuditEvent) error
}

// NopSink drops every event.
type NopSink struct{}

// Append implements Sink.
func (NopSink) Append(context.Context, AuditEvent) error { return nil }

// #endregion sink

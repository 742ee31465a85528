package router

import (
	"context"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
)

// #region intent
// Intent names the backend(s) that should answer a request.
type Intent string

const (
	IntentStructured Intent = "structured_query"
	IntentRetrieval  Intent = "retrieval"
	IntentHybrid     Intent = "hybrid"
)

// ParseIntent accepts the canonical names plus the short forms used in fixtures.
func ParseIntent(s string) (Intent, bool) {
	switch s {
	case string(IntentStructured), "structured", "sql":
		return IntentStructured, true
	case string(IntentRetrieval), "rag":
		return IntentRetrieval, true
	case string(IntentHybrid):
		return IntentHybrid, true
	}
	return "", false
}
// #endregion intent

// #region decision
// Source records how a routing decision was reached.
type Source string

const (
	SourceGuestRule  Source = "guest_rule"
	SourceHeuristic  Source = "heuristic"
	SourceClassifier Source = "classifier"
	SourceDefault    Source = "default"
)

// Votes are the heuristic tallies behind a decision.
type Votes struct {
	Structured int  `json:"structured"`
	Retrieval  int  `json:"retrieval"`
	Hybrid     int  `json:"hybrid"`
	Memory     bool `json:"memory"`
}

// Decision is the routing outcome for one request.
type Decision struct {
	Intent Intent
	Source Source
	Votes  Votes
}
// #endregion decision

// #region request
// Message is one prior conversation turn.
type Message struct {
	Role    string
	Content string
}

// Request is the input to Route.
type Request struct {
	Message   string
	History   []Message
	UserState gate.UserState
	RequestID string
	SessionID string
}
// #endregion request

// #region classifier
// Classifier is the external label service used when heuristics are inconclusive.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}
// #endregion classifier

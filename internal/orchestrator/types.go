package orchestrator

// #region imports
import (
	"context"
	"errors"

	"github.com/danielpatrickdp/turn-governor/internal/adaptation"
	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/router"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #endregion

// #region errors

var (
	// ErrClosed is returned by ProcessTurn after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrInvalidTurn covers requests missing a session id or message.
	ErrInvalidTurn = errors.New("invalid turn request")
)

// #endregion

// #region backend

// BackendContext is what an answer backend learns about the session.
type BackendContext struct {
	Agent          candidate.Source
	RequestID      string
	SessionID      string
	UserState      gate.UserState
	History        []router.Message
	TopK           int
	ClarifyMode    bool
	QueryExpansion bool
	Corrections    []string // redacted user corrections to honor
}

// Map renders bc as a JSON-shaped map for the wire.
func (bc BackendContext) Map() map[string]any {
	history := make([]any, len(bc.History))
	for i, m := range bc.History {
		history[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	hints := make([]any, len(bc.Corrections))
	for i, h := range bc.Corrections {
		hints[i] = h
	}
	return map[string]any{
		"correction_hints": hints,
		"request_id":       bc.RequestID,
		"session_id":       bc.SessionID,
		"user_state":       string(bc.UserState),
		"history":          history,
		"top_k":            bc.TopK,
		"clarify_mode":     bc.ClarifyMode,
		"query_expansion":  bc.QueryExpansion,
	}
}

// BackendReply is one backend answer with loosely typed metadata.
type BackendReply struct {
	Text     string
	Metadata map[string]any
}

// Backend produces a candidate answer for a question.
type Backend interface {
	Invoke(ctx context.Context, question string, bc BackendContext) (BackendReply, error)
}

// #endregion

// #region turn

// TurnRequest is one user message.
type TurnRequest struct {
	RequestID string // generated when empty
	SessionID string
	UserID    string
	UserState gate.UserState
	Message   string
	History   []router.Message

	// Clicks the user made on the previous answer, reported with this turn.
	HandoffClicked bool
	ExplainClicked bool
}

// TurnResult is what the pipeline replied and why. Route and Selection are
// nil for blocked requests. Fallback is set when the reply is FallbackText.
type TurnResult struct {
	Request        TurnRequest
	Reply          string
	Policy         gate.PolicyDecision
	Route          *router.Decision
	Candidates     []candidate.Candidate
	Selection      *wrqs.Selection
	Fallback       bool
	WeightsVersion int
	WeightsLabel   string
	Weights        wrqs.Weights // resolved for this session, overrides included
	Session        adaptation.SessionState
	Corrections    []string

	base wrqs.Weights // active weights before session overrides
}

// #endregion

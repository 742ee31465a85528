package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/turn-governor/internal/adaptation"
	"github.com/danielpatrickdp/turn-governor/internal/logging"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
)

// #endregion

var (
	// ErrFeedbackDisabled is returned by RecordFeedback when no feedback store is wired.
	ErrFeedbackDisabled = errors.New("feedback not configured")
	// ErrUnknownRequest is returned when rated feedback names a turn the
	// session never had scored.
	ErrUnknownRequest = errors.New("request not found in session")
)

// #region types

// FeedbackRequest rates one answered turn. Correction only applies to DOWN.
type FeedbackRequest struct {
	SessionID       string
	RequestID       string
	UserID          string
	Type            quality.FeedbackType
	ReasonCode      string
	Correction      string
	ConsentLongTerm bool
	LearningOptOut  bool
}

// FeedbackResult reports what was stored.
type FeedbackResult struct {
	FeedbackID      string `json:"feedback_id"`
	LearningAllowed bool   `json:"learning_allowed"`
	ExclusionReason string `json:"exclusion_reason,omitempty"`
	SessionMemory   bool   `json:"session_memory"`
	LongTermMemory  bool   `json:"long_term_memory"`
}

// #endregion

// #region record-feedback

// RecordFeedback stores a rating on a scored turn of the session. A DOWN
// rating with correction text is remembered for the rest of the session and,
// with the user's consent, across sessions. Corrections the learning
// guardrail excludes are never kept long term.
func (o *Orchestrator) RecordFeedback(ctx context.Context, req FeedbackRequest) (FeedbackResult, error) {
	if o.deps.Feedback == nil {
		return FeedbackResult{}, ErrFeedbackDisabled
	}
	typ, err := quality.ParseFeedbackType(string(req.Type))
	if err != nil {
		return FeedbackResult{}, err
	}
	if req.SessionID == "" || req.RequestID == "" {
		return FeedbackResult{}, fmt.Errorf("%w: session and request id are required", quality.ErrInvalidFeedback)
	}
	correction := strings.TrimSpace(req.Correction)
	if typ == quality.FeedbackUp {
		correction = ""
	}

	unlock := o.locks.lock(req.SessionID)
	defer unlock()

	ok, err := o.deps.Outcomes.InSession(ctx, req.SessionID, req.RequestID)
	if err != nil {
		return FeedbackResult{}, err
	}
	if !ok {
		return FeedbackResult{}, fmt.Errorf("%w: %s", ErrUnknownRequest, req.RequestID)
	}

	id, decision, err := o.deps.Feedback.Record(ctx, quality.Feedback{
		SessionID:  req.SessionID,
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		Type:       typ,
		ReasonCode: req.ReasonCode,
		Correction: correction,
		OptOut:     req.LearningOptOut,
		CreatedAt:  o.now(),
	})
	if err != nil {
		return FeedbackResult{}, err
	}
	o.metrics.IncFeedback(string(typ), decision.Allowed)
	res := FeedbackResult{
		FeedbackID:      id,
		LearningAllowed: decision.Allowed,
		ExclusionReason: decision.ExclusionReason,
	}

	if correction != "" && o.deps.Corrections != nil {
		res.SessionMemory, res.LongTermMemory = o.rememberCorrection(ctx, req, id, correction, decision.Allowed)
	}

	if err := o.audit.Append(ctx, logging.AuditEvent{
		Kind:           logging.KindFeedback,
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		Message:        decision.ContentRedacted,
		Allow:          decision.Allowed,
		ReasonCode:     string(typ),
		DecisionSource: "feedback",
		Trace: map[string]any{
			"feedback_id":      id,
			"reason_code":      strings.ToUpper(strings.TrimSpace(req.ReasonCode)),
			"exclusion_reason": decision.ExclusionReason,
			"session_memory":   res.SessionMemory,
			"long_term_memory": res.LongTermMemory,
		},
		CreatedAt: o.now(),
	}); err != nil {
		o.metrics.IncAuditFailure()
		o.logger.Warn("[ORCH] feedback audit failed", "request_id", req.RequestID, "err", err)
	}

	o.logger.Info("[ORCH] feedback recorded",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"type", typ,
		"learning_allowed", decision.Allowed,
		"session_memory", res.SessionMemory,
		"long_term_memory", res.LongTermMemory)
	return res, nil
}

func (o *Orchestrator) rememberCorrection(ctx context.Context, req FeedbackRequest, feedbackID, text string, learnable bool) (session, longTerm bool) {
	c := adaptation.Correction{
		SessionID:        req.SessionID,
		RequestID:        req.RequestID,
		SourceFeedbackID: feedbackID,
		UserID:           req.UserID,
		Scope:            adaptation.ScopeSession,
		Instruction:      text,
		ConsentLongTerm:  req.ConsentLongTerm,
	}
	if _, err := o.deps.Corrections.Create(ctx, c); err != nil {
		o.logger.Warn("[ORCH] session correction not stored", "request_id", req.RequestID, "err", err)
	} else {
		session = true
	}

	if !req.ConsentLongTerm || req.UserID == "" || !learnable {
		return session, false
	}
	c.Scope = adaptation.ScopeLongTerm
	if _, err := o.deps.Corrections.Create(ctx, c); err != nil {
		o.logger.Warn("[ORCH] long-term correction not stored", "request_id", req.RequestID, "err", err)
		return session, false
	}
	return session, true
}

// #endregion

package server

// #region imports
import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/turn-governor/internal/adaptation"
	"github.com/danielpatrickdp/turn-governor/internal/candidate"
	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/orchestrator"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/release"
	"github.com/danielpatrickdp/turn-governor/internal/router"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #endregion

// #region descriptor

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "turngov.v1.Governor"

// governorServer is the method set the descriptor dispatches to. Every
// method takes and returns a google.protobuf.Struct.
type governorServer interface {
	EvaluateGate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RouteIntent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectBestCandidate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ScoreTurn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdaptationState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordClick(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordFeedback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessTurn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunGoldenGate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartCanary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateCanary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PromoteCanary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*governorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("EvaluateGate", governorServer.EvaluateGate),
		unary("RouteIntent", governorServer.RouteIntent),
		unary("SelectBestCandidate", governorServer.SelectBestCandidate),
		unary("ScoreTurn", governorServer.ScoreTurn),
		unary("AdaptationState", governorServer.AdaptationState),
		unary("RecordClick", governorServer.RecordClick),
		unary("RecordFeedback", governorServer.RecordFeedback),
		unary("ProcessTurn", governorServer.ProcessTurn),
		unary("RunGoldenGate", governorServer.RunGoldenGate),
		unary("StartCanary", governorServer.StartCanary),
		unary("EvaluateCanary", governorServer.EvaluateCanary),
		unary("PromoteCanary", governorServer.PromoteCanary),
		unary("ReleaseStatus", governorServer.ReleaseStatus),
	},
	Metadata: "turngov/v1/governor.proto",
}

type method func(governorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			if interceptor == nil {
				return call(srv.(governorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(governorServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// #endregion

// #region wire-types

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toHistory(in []historyMessage) []router.Message {
	out := make([]router.Message, len(in))
	for i, m := range in {
		out[i] = router.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

type gateRequest struct {
	Message   string `json:"message"`
	UserState string `json:"user_state"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type policyJSON struct {
	Allow          bool     `json:"allow"`
	Intent         string   `json:"intent"`
	Domain         string   `json:"domain"`
	ReasonCode     string   `json:"reason_code,omitempty"`
	RefusalText    string   `json:"refusal_text,omitempty"`
	DecisionSource string   `json:"decision_source"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Phase          string   `json:"phase"`
	SafetyCategory string   `json:"safety_category,omitempty"`
}

func toPolicyJSON(d gate.PolicyDecision) policyJSON {
	return policyJSON{
		Allow:          d.Allow,
		Intent:         string(d.Intent),
		Domain:         string(d.Domain),
		ReasonCode:     d.ReasonCode,
		RefusalText:    d.RefusalText,
		DecisionSource: string(d.DecisionSource),
		Confidence:     d.Confidence,
		Phase:          string(d.Phase),
		SafetyCategory: string(d.SafetyCategory),
	}
}

type routeRequest struct {
	Message   string           `json:"message"`
	History   []historyMessage `json:"history"`
	UserState string           `json:"user_state"`
	RequestID string           `json:"request_id"`
	SessionID string           `json:"session_id"`
}

type routeResponse struct {
	Intent string       `json:"intent"`
	Source string       `json:"source"`
	Votes  router.Votes `json:"votes"`
}

type candidateInput struct {
	ID       string             `json:"id"`
	Source   string             `json:"source"`
	Text     string             `json:"text"`
	Metadata map[string]any     `json:"metadata"`
	Signals  map[string]float64 `json:"signals"`
}

// policyInput is the subset of a policy decision the candidate gate reads.
type policyInput struct {
	Allow      bool   `json:"allow"`
	Intent     string `json:"intent"`
	ReasonCode string `json:"reason_code"`
}

type selectRequest struct {
	SessionID  string           `json:"session_id"`
	UserState  string           `json:"user_state"`
	Message    string           `json:"message"`
	Policy     *policyInput     `json:"policy"`
	Candidates []candidateInput `json:"candidates"`
}

type rankedJSON struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Score     float64        `json:"score"`
	Breakdown wrqs.Breakdown `json:"breakdown"`
}

type gatedJSON struct {
	CandidateID string   `json:"candidate_id"`
	Allowed     bool     `json:"allowed"`
	ReasonCode  string   `json:"reason_code,omitempty"`
	Vetoes      []string `json:"vetoes,omitempty"`
}

type selectResponse struct {
	Fallback       bool         `json:"fallback"`
	Text           string       `json:"text"`
	WinnerID       string       `json:"winner_id,omitempty"`
	WinnerSource   string       `json:"winner_source,omitempty"`
	SelectedBy     string       `json:"selected_by,omitempty"`
	WeightsVersion int          `json:"weights_version"`
	Ranked         []rankedJSON `json:"ranked"`
	Gated          []gatedJSON  `json:"gated"`
}

type scoreRequest struct {
	RequestID           string             `json:"request_id"`
	SessionID           string             `json:"session_id"`
	Message             string             `json:"message"`
	PolicyIntent        string             `json:"policy_intent"`
	Route               string             `json:"route"`
	Signals             map[string]float64 `json:"signals"`
	BackendError        bool               `json:"backend_error"`
	RowCount            int                `json:"row_count"`
	RetrievalConfidence float64            `json:"retrieval_confidence"`
	HallucinationRisk   float64            `json:"hallucination_risk"`
	RephraseCount       int                `json:"rephrase_count"`
	HandoffClicked      bool               `json:"handoff_clicked"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
}

type feedbackRequest struct {
	SessionID       string `json:"session_id"`
	RequestID       string `json:"request_id"`
	UserID          string `json:"user_id"`
	FeedbackType    string `json:"feedback_type"`
	ReasonCode      string `json:"reason_code"`
	CorrectionText  string `json:"correction_text"`
	ConsentLongTerm bool   `json:"consent_long_term"`
	LearningOptOut  bool   `json:"learning_opt_out"`
}

type sessionJSON struct {
	SessionID      string          `json:"session_id"`
	Phase          string          `json:"phase"`
	TurnIndex      int             `json:"turn_index"`
	RephraseCount  int             `json:"rephrase_count"`
	ExplainClicks  int             `json:"explain_clicks"`
	HandoffClicks  int             `json:"handoff_clicks"`
	LastTQS        *int            `json:"last_tqs,omitempty"`
	LastKGS        *int            `json:"last_kgs,omitempty"`
	ClarifyMode    bool            `json:"clarify_mode"`
	RagTopK        int             `json:"rag_top_k"`
	QueryExpansion bool            `json:"query_expansion"`
	Overrides      *wrqs.Overrides `json:"weight_overrides,omitempty"`
	ExpiresTurn    int             `json:"expires_turn"`
	ReasonCodes    []string        `json:"reason_codes,omitempty"`
}

func toSessionJSON(st adaptation.SessionState, cfg adaptation.Config) sessionJSON {
	reasons := make([]string, len(st.ReasonCodes))
	for i, r := range st.ReasonCodes {
		reasons[i] = string(r)
	}
	return sessionJSON{
		SessionID:      st.SessionID,
		Phase:          string(st.Phase),
		TurnIndex:      st.TurnIndex,
		RephraseCount:  st.RephraseCount,
		ExplainClicks:  st.ExplainClicks,
		HandoffClicks:  st.HandoffClicks,
		LastTQS:        st.LastTQS,
		LastKGS:        st.LastKGS,
		ClarifyMode:    st.Clarify(),
		RagTopK:        st.TopK(cfg),
		QueryExpansion: st.ExpandQuery(),
		Overrides:      st.EffectiveOverrides(),
		ExpiresTurn:    st.ExpiresTurn,
		ReasonCodes:    reasons,
	}
}

type turnRequest struct {
	RequestID      string           `json:"request_id"`
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	UserState      string           `json:"user_state"`
	Message        string           `json:"message"`
	History        []historyMessage `json:"history"`
	HandoffClicked bool             `json:"handoff_clicked"`
	ExplainClicked bool             `json:"explain_clicked"`
}

type turnResponse struct {
	RequestID      string     `json:"request_id"`
	Reply          string     `json:"reply"`
	Fallback       bool       `json:"fallback"`
	Policy         policyJSON `json:"policy"`
	Route          string     `json:"route,omitempty"`
	WinnerID       string     `json:"winner_id,omitempty"`
	SelectedBy     string     `json:"selected_by,omitempty"`
	WeightsVersion int        `json:"weights_version,omitempty"`
	WeightsLabel   string     `json:"weights_label,omitempty"`
	Phase          string     `json:"phase"`
}

type goldenRequest struct {
	Path  string               `json:"path"`
	Cases []release.GoldenCase `json:"cases"`
}

type goldenResponse struct {
	release.GoldenRun
	Mismatches []string `json:"mismatches,omitempty"`
}

type canaryRequest struct {
	CandidateVersion int `json:"candidate_version"`
	Percent          int `json:"percent"`
}

// #endregion

// #region policy-rpcs

// EvaluateGate runs the admission gate. A block is data, not an error.
func (s *Server) EvaluateGate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[gateRequest](in)
	if err != nil {
		return nil, err
	}
	d := s.orch.Gate().Evaluate(ctx, gate.Request{
		Message:   req.Message,
		UserState: gate.ParseUserState(req.UserState),
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	return encode(toPolicyJSON(d))
}

// RouteIntent picks the backend(s) for a message.
func (s *Server) RouteIntent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[routeRequest](in)
	if err != nil {
		return nil, err
	}
	d := s.orch.Router().Route(ctx, router.Request{
		Message:   req.Message,
		History:   toHistory(req.History),
		UserState: gate.ParseUserState(req.UserState),
		RequestID: req.RequestID,
		SessionID: req.SessionID,
	})
	return encode(routeResponse{Intent: string(d.Intent), Source: string(d.Source), Votes: d.Votes})
}

// #endregion

// #region selection-rpcs

// SelectBestCandidate gates and ranks caller-supplied candidates under the
// weights the session would see. Without an explicit policy, the rules-only
// gate decision for the message is used.
func (s *Server) SelectBestCandidate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[selectRequest](in)
	if err != nil {
		return nil, err
	}
	if len(req.Candidates) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one candidate is required")
	}

	cands := make([]candidate.Candidate, len(req.Candidates))
	for i, c := range req.Candidates {
		if c.ID == "" {
			c.ID = fmt.Sprintf("c%d", i)
		}
		src, err := candidate.ParseSource(c.Source)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "candidate %s: %v", c.ID, err)
		}
		md := candidate.MetadataFromMap(c.Metadata)
		if len(c.Signals) > 0 {
			cands[i] = candidate.BuildWithSignals(c.ID, src, c.Text, md, c.Signals)
		} else {
			cands[i] = candidate.Build(c.ID, src, c.Text, md)
		}
	}

	policy := s.orch.Gate().EvaluateRules(req.Message).Decision
	if req.Policy != nil {
		policy = gate.PolicyDecision{
			Allow:      req.Policy.Allow,
			Intent:     gate.Intent(req.Policy.Intent),
			ReasonCode: req.Policy.ReasonCode,
		}
	}

	cfg := s.orch.Registry().ConfigFor(req.SessionID)
	weights := cfg.Weights
	if req.SessionID != "" {
		st, err := s.orch.Sessions().Get(ctx, req.SessionID)
		if err != nil {
			return nil, toStatus(err)
		}
		weights = wrqs.Resolve(st.EffectiveOverrides(), &cfg.Weights, s.orch.Sessions().Config().MaxOverrideDelta)
	}

	sel, err := s.orch.Selector().SelectBest(ctx, cands, candidate.Context{
		Policy:    policy,
		UserState: gate.ParseUserState(req.UserState),
		Message:   req.Message,
	}, weights)
	if err != nil && !errors.Is(err, wrqs.ErrNoAnswerableCandidate) {
		return nil, toStatus(err)
	}

	resp := selectResponse{WeightsVersion: cfg.Version}
	for _, g := range sel.Gated {
		resp.Gated = append(resp.Gated, gatedJSON{
			CandidateID: g.CandidateID, Allowed: g.Allowed, ReasonCode: g.ReasonCode, Vetoes: g.Vetoes,
		})
	}
	for _, c := range sel.Ranked {
		score, _ := c.Score()
		resp.Ranked = append(resp.Ranked, rankedJSON{
			ID: c.ID, Source: string(c.Source), Score: score, Breakdown: wrqs.Explain(c, weights),
		})
	}
	if err != nil || sel.Winner.Text == "" {
		resp.Fallback = true
		resp.Text = wrqs.FallbackText
	} else {
		resp.Text = sel.Winner.Text
	}
	if err == nil {
		resp.WinnerID = sel.Winner.ID
		resp.WinnerSource = string(sel.Winner.Source)
		resp.SelectedBy = sel.SelectedBy
	}
	return encode(resp)
}

// ScoreTurn computes TQS and KGS for a completed turn under the session's
// active weights.
func (s *Server) ScoreTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[scoreRequest](in)
	if err != nil {
		return nil, err
	}
	route, ok := router.ParseIntent(req.Route)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown route %q", req.Route)
	}
	cfg := s.orch.Registry().ConfigFor(req.SessionID)
	score := s.orch.Scorer().ScoreTurn(ctx, quality.Input{
		RequestID:           req.RequestID,
		SessionID:           req.SessionID,
		Message:             req.Message,
		PolicyIntent:        req.PolicyIntent,
		Route:               route,
		Signals:             req.Signals,
		BackendError:        req.BackendError,
		RowCount:            req.RowCount,
		RetrievalConfidence: req.RetrievalConfidence,
		HallucinationRisk:   req.HallucinationRisk,
		RephraseCount:       req.RephraseCount,
		HandoffClicked:      req.HandoffClicked,
		WeightsVersion:      cfg.Version,
	}, cfg.Weights)
	return encode(score)
}

// #endregion

// #region session-rpcs

// AdaptationState returns the session's adaptation state as the next turn
// would see it.
func (s *Server) AdaptationState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[sessionRequest](in)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	st, err := s.orch.Sessions().Get(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(toSessionJSON(st, s.orch.Sessions().Config()))
}

// RecordClick counts a handoff or explain click.
func (s *Server) RecordClick(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[sessionRequest](in)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	kind := adaptation.ClickKind(req.Kind)
	if kind != adaptation.ClickHandoff && kind != adaptation.ClickExplain {
		return nil, status.Errorf(codes.InvalidArgument, "unknown click kind %q", req.Kind)
	}
	if err := s.orch.RecordClick(ctx, req.SessionID, kind); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"session_id": req.SessionID, "kind": req.Kind})
}

// RecordFeedback rates a scored turn and remembers any correction.
func (s *Server) RecordFeedback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[feedbackRequest](in)
	if err != nil {
		return nil, err
	}
	typ, err := quality.ParseFeedbackType(req.FeedbackType)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.orch.RecordFeedback(ctx, orchestrator.FeedbackRequest{
		SessionID:       req.SessionID,
		RequestID:       req.RequestID,
		UserID:          req.UserID,
		Type:            typ,
		ReasonCode:      req.ReasonCode,
		Correction:      req.CorrectionText,
		ConsentLongTerm: req.ConsentLongTerm,
		LearningOptOut:  req.LearningOptOut,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(res)
}

// ProcessTurn runs the full pipeline for one message.
func (s *Server) ProcessTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[turnRequest](in)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.ProcessTurn(ctx, orchestrator.TurnRequest{
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		UserState:      gate.ParseUserState(req.UserState),
		Message:        req.Message,
		History:        toHistory(req.History),
		HandoffClicked: req.HandoffClicked,
		ExplainClicked: req.ExplainClicked,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	resp := turnResponse{
		RequestID:      res.Request.RequestID,
		Reply:          res.Reply,
		Fallback:       res.Fallback,
		Policy:         toPolicyJSON(res.Policy),
		WeightsVersion: res.WeightsVersion,
		WeightsLabel:   res.WeightsLabel,
		Phase:          string(res.Session.Phase),
	}
	if res.Route != nil {
		resp.Route = string(res.Route.Intent)
	}
	if res.Selection != nil && !res.Fallback {
		resp.WinnerID = res.Selection.Winner.ID
		resp.SelectedBy = res.Selection.SelectedBy
	}
	return encode(resp)
}

// #endregion

// #region release-rpcs

func (s *Server) releaseController() (*release.Controller, error) {
	if s.release == nil {
		return nil, status.Error(codes.Unimplemented, "release control is not configured")
	}
	return s.release, nil
}

// RunGoldenGate runs inline cases, or the cases file at path.
func (s *Server) RunGoldenGate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rel, err := s.releaseController()
	if err != nil {
		return nil, err
	}
	req, err := decode[goldenRequest](in)
	if err != nil {
		return nil, err
	}
	cases := req.Cases
	if req.Path != "" {
		if cases, err = release.LoadCases(req.Path); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	for _, c := range cases {
		if c.ID == "" {
			return nil, status.Error(codes.InvalidArgument, "golden case without id")
		}
	}
	report, err := rel.RunGoldenGate(ctx, cases)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := goldenResponse{GoldenRun: report.Run}
	for _, m := range report.Mismatches {
		resp.Mismatches = append(resp.Mismatches, m.Error())
	}
	return encode(resp)
}

// StartCanary puts a candidate weights version on a slice of traffic.
func (s *Server) StartCanary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rel, err := s.releaseController()
	if err != nil {
		return nil, err
	}
	req, err := decode[canaryRequest](in)
	if err != nil {
		return nil, err
	}
	run, err := rel.StartCanary(ctx, req.CandidateVersion, req.Percent)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(run)
}

// EvaluateCanary compares the open canary against its baseline and rolls
// back on degradation.
func (s *Server) EvaluateCanary(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	rel, err := s.releaseController()
	if err != nil {
		return nil, err
	}
	run, err := rel.EvaluateCanary(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(run)
}

// PromoteCanary makes the open canary's candidate the active version.
func (s *Server) PromoteCanary(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	rel, err := s.releaseController()
	if err != nil {
		return nil, err
	}
	run, err := rel.Promote(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(run)
}

// ReleaseStatus reports component versions, the latest golden run and any
// open canary.
func (s *Server) ReleaseStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	rel, err := s.releaseController()
	if err != nil {
		return nil, err
	}
	st, err := rel.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(st)
}

// #endregion

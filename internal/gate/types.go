package gate

import "errors"

// #region user-state
// UserState distinguishes anonymous guests from signed-in users.
type UserState string

const (
	UserGuest      UserState = "guest"
	UserRegistered UserState = "registered"
)

// ParseUserState maps loose input ("GUEST", "Registered") onto a UserState.
// Anything unrecognized is treated as a guest.
func ParseUserState(s string) UserState {
	switch UserState(normalizeLabel(s)) {
	case UserRegistered:
		return UserRegistered
	default:
		return UserGuest
	}
}

// #endregion user-state

// #region intent
// Intent is the policy-level classification of a request.
type Intent string

const (
	IntentProductHelp     Intent = "product-help"
	IntentDesignGuidance  Intent = "design-guidance"
	IntentOrderStatus     Intent = "order-status"
	IntentPricing         Intent = "pricing"
	IntentTroubleshooting Intent = "troubleshooting"
	IntentAccount         Intent = "account"
	IntentCollaboration   Intent = "collaboration"
	IntentOffDomain       Intent = "off-domain"
	IntentConfidential    Intent = "confidential"
	IntentUnsafe          Intent = "unsafe"
)

// Intents lists every intent in declaration order.
var Intents = []Intent{
	IntentProductHelp, IntentDesignGuidance, IntentOrderStatus, IntentPricing,
	IntentTroubleshooting, IntentAccount, IntentCollaboration,
	IntentOffDomain, IntentConfidential, IntentUnsafe,
}

// ParseIntent accepts "design-guidance", "DESIGN_GUIDANCE" or "design guidance".
func ParseIntent(s string) (Intent, bool) {
	want := normalizeLabel(s)
	for _, in := range Intents {
		if normalizeLabel(string(in)) == want {
			return in, true
		}
	}
	return "", false
}

// #endregion intent

// #region domain
// Domain is the topical class of a request.
type Domain string

const (
	DomainInScope      Domain = "in_scope"
	DomainPublicInfo   Domain = "public_info"
	DomainOffDomain    Domain = "off_domain"
	DomainConfidential Domain = "confidential"
	DomainUnsafe       Domain = "unsafe"
)

// ParseDomain maps a classifier label onto a Domain.
func ParseDomain(s string) (Domain, bool) {
	switch Domain(normalizeLabel(s)) {
	case DomainInScope, "in_domain", "fashion", "product":
		return DomainInScope, true
	case DomainPublicInfo, "public":
		return DomainPublicInfo, true
	case DomainOffDomain:
		return DomainOffDomain, true
	case DomainConfidential, "internal":
		return DomainConfidential, true
	case DomainUnsafe:
		return DomainUnsafe, true
	}
	return "", false
}

// Answerable reports whether requests in this domain may proceed to generation.
func (d Domain) Answerable() bool {
	return d == DomainInScope || d == DomainPublicInfo
}

// #endregion domain

// #region decision-source
// DecisionSource records which phase produced a PolicyDecision.
type DecisionSource string

const (
	SourceRulesBlock       DecisionSource = "rules_block"
	SourceRulesAllow       DecisionSource = "rules_allow"
	SourceLLMClassifier    DecisionSource = "llm_classifier"
	SourceLLMFallbackRules DecisionSource = "llm_fallback_rules"
)

// Phase is the evaluation phase that settled the decision.
type Phase string

const (
	PhaseSafety     Phase = "safety"
	PhaseDomain     Phase = "domain"
	PhaseClassifier Phase = "classifier"
)

// #endregion decision-source

// #region safety-category
// SafetyCategory names a safety-critical pattern family.
type SafetyCategory string

const (
	SafetySelfHarm        SafetyCategory = "self_harm"
	SafetyHateViolence    SafetyCategory = "hate_violence"
	SafetyAbuseHarassment SafetyCategory = "abuse_harassment"
	SafetySexual          SafetyCategory = "sexual"
	SafetyIllegal         SafetyCategory = "illegal_instructions"
	SafetyPromptInjection SafetyCategory = "prompt_injection"
)

// #endregion safety-category

// #region reason-codes
const (
	ReasonSelfHarm               = "SELF_HARM_DETECTED"
	ReasonHateViolence           = "HATE_VIOLENCE_BLOCKED"
	ReasonAbuseHarassment        = "ABUSE_HARASSMENT_BLOCKED"
	ReasonSexualContent          = "SEXUAL_CONTENT_BLOCKED"
	ReasonIllegalInstructions    = "ILLEGAL_INSTRUCTIONS_BLOCKED"
	ReasonPromptInjection        = "PROMPT_INJECTION_BLOCKED"
	ReasonOffDomain              = "DISALLOWED_OFF_DOMAIN"
	ReasonConfidential           = "DISALLOWED_CONFIDENTIAL"
	ReasonClassifierOffDomain    = "CLASSIFIER_OFF_DOMAIN_BLOCKED"
	ReasonClassifierConfidential = "CLASSIFIER_CONFIDENTIAL_BLOCKED"
	ReasonClassifierUnsafe       = "CLASSIFIER_UNSAFE_BLOCKED"
)

// #endregion reason-codes

// #region policy-decision
// PolicyDecision is the immutable admission verdict for one request.
// A blocked request is not an error: callers check Blocked and return RefusalText.
type PolicyDecision struct {
	Allow          bool
	Intent         Intent
	Domain         Domain
	ReasonCode     string // empty when allowed
	RefusalText    string // empty when allowed
	DecisionSource DecisionSource
	Confidence     *float64
	Phase          Phase
	SafetyCategory SafetyCategory // set only when a safety rule fired
}

// Blocked reports whether the request was denied.
func (d PolicyDecision) Blocked() bool {
	return !d.Allow
}

// #endregion policy-decision

// #region request
// Request carries the message and caller identity into Evaluate.
type Request struct {
	Message   string
	UserState UserState
	RequestID string
	SessionID string
	UserID    string
}

// #endregion request

// #region errors
// ErrClassifierUnavailable marks a failed or skipped classifier call.
// It never reaches callers of Evaluate: the gate fails open to the rules decision.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// #endregion errors

package gate

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// #region safety-rules

// safetyRule binds a safety-critical pattern to its fixed reason code.
type safetyRule struct {
	category SafetyCategory
	reason   string
	re       *regexp.Regexp
}

// safetyRules are checked strictly in this order, before any topical pattern.
// A message can look like an allowed request and still carry unsafe content;
// the first matching rule wins. Do not reorder.
var safetyRules = []safetyRule{
	{SafetySelfHarm, ReasonSelfHarm, regexp.MustCompile(
		`\b(suicide|suicidal|self\s*harm|cut\s*myself|end\s*my\s*life|kill\s*myself|hurt\s*myself|self\s*injury)\b`)},
	{SafetyHateViolence, ReasonHateViolence, regexp.MustCompile(
		`\b(kill|murder|attack|threaten|bomb|weapon|terrorist|hate\s+groups?|racial\s+slur|ethnic\s+cleansing|genocide|violence|assault|harm\s+someone)\b`)},
	{SafetyAbuseHarassment, ReasonAbuseHarassment, regexp.MustCompile(
		`\b(fuck|shit|bastard|idiot|stupid|useless|incompetent|hate\s+you|shut\s+up|harass|dumb\s+assistant|worthless|pathetic|moron)\b`)},
	{SafetySexual, ReasonSexualContent, regexp.MustCompile(
		`\b(sex|sexual\s+content|porn|explicit|nude|nsfw|adult\s+content|xxx|erotic)\b`)},
	{SafetyIllegal, ReasonIllegalInstructions, regexp.MustCompile(
		`\b(fraud|scam|hack|crack|exploit|steal|counterfeit|forge|illegal\s+drugs|money\s+laundering|tax\s+evasion|weapon\s+instructions|make\s+a\s+bomb)\b`)},
	{SafetyPromptInjection, ReasonPromptInjection, regexp.MustCompile(
		`\b(bypass|jailbreak|ignore\s+.*instructions?|ignore\s*policy|secret\s+key|admin\s+password|disable\s+auth|prompt\s+injection|reveal\s+secrets|forget\s+.*rules|new\s+instructions?|system\s+prompt)\b`)},
}

// #endregion safety-rules

// #region domain-rules

var confidentialRe = regexp.MustCompile(
	`\b(internal\s+metrics?|all\s+users|all\s+customers|across\s+customers|overall\s+count|company-wide|financials?|revenue|profit|sales|margin|income|earnings)\b`)

var offDomainRe = regexp.MustCompile(
	`\b(politics|political|election|president|prime\s+minister|senate|parliament|vote|campaign|religion|religious|church|mosque|temple|prayer|diagnos\w*|medication|symptoms?|prescription|lawsuit|attorney|lawyer|legal\s+advice|weather|forecast|humidity)\b`)

// topicRule maps an in-scope pattern onto a policy intent.
type topicRule struct {
	intent Intent
	domain Domain
	re     *regexp.Regexp
}

// topicRules are evaluated in order after safety and domain blocks.
var topicRules = []topicRule{
	{IntentOrderStatus, DomainInScope, regexp.MustCompile(
		`\b(orders?|shipment|shipping|deliver|delivery|tracking|track|tickets?|purchases?|return|refund)\b`)},
	{IntentTroubleshooting, DomainInScope, regexp.MustCompile(
		`\b(error|not\s+working|broken|bug|crash\w*|fails?|failed|issue|problem|can'?t\s+(log\s*in|upload|save|open))\b`)},
	{IntentPricing, DomainInScope, regexp.MustCompile(
		`\b(price|prices|pricing|cost|costs|discount|coupon|cheaper|expensive|budget)\b`)},
	{IntentDesignGuidance, DomainInScope, regexp.MustCompile(
		`\b(design|style|styling|outfit|occasion|fabric|colou?r|dress|fit|body\s+type|look|sleeve|mannequin|banarasi|wedding|saree|kurta|lehenga)\b`)},
	{IntentAccount, DomainInScope, regexp.MustCompile(
		`\b(account|profile|login|log\s+in|signup|sign\s+up|password|email|phone|address|billing|payment\s+method)\b`)},
	{IntentCollaboration, DomainInScope, regexp.MustCompile(
		`\b(share|sharing|collaborat\w*|invite|team|co-design|teammate|comment\s+on)\b`)},
	{IntentProductHelp, DomainInScope, regexp.MustCompile(
		`\b(products?|catalog|items?|brands?|size|sizes|material|collection|handloom)\b`)},
	{IntentProductHelp, DomainPublicInfo, regexp.MustCompile(
		`\b(oasis|halo|public\s+info|company\s+overview|design\s+studio|about\s+(you|us))\b`)},
}

// #endregion domain-rules

// #region normalize

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeMessage folds compatibility characters (NFKC), collapses
// whitespace and lowercases, so full-width or ligature tricks match the rules.
func NormalizeMessage(msg string) string {
	s := norm.NFKC.String(msg)
	s = whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToLower(s)
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

// #endregion normalize

// #region evaluate-rules

// RulesResult is the outcome of the deterministic phases only.
type RulesResult struct {
	Decision  PolicyDecision
	Ambiguous bool // no safety, domain or topic pattern matched
}

// EvaluateRules runs the safety and domain phases with no external calls.
// Ambiguous results carry the rules-only fallback decision (allow, product-help).
func EvaluateRules(message string, refusals Refusals) RulesResult {
	text := NormalizeMessage(message)

	for _, r := range safetyRules {
		if r.re.MatchString(text) {
			return RulesResult{Decision: PolicyDecision{
				Allow:          false,
				Intent:         IntentUnsafe,
				Domain:         DomainUnsafe,
				ReasonCode:     r.reason,
				RefusalText:    refusals.For(r.reason),
				DecisionSource: SourceRulesBlock,
				Confidence:     floatPtr(1.0),
				Phase:          PhaseSafety,
				SafetyCategory: r.category,
			}}
		}
	}

	if confidentialRe.MatchString(text) {
		return RulesResult{Decision: blocked(IntentConfidential, DomainConfidential, ReasonConfidential, refusals)}
	}
	if offDomainRe.MatchString(text) {
		return RulesResult{Decision: blocked(IntentOffDomain, DomainOffDomain, ReasonOffDomain, refusals)}
	}

	for _, r := range topicRules {
		if r.re.MatchString(text) {
			return RulesResult{Decision: PolicyDecision{
				Allow:          true,
				Intent:         r.intent,
				Domain:         r.domain,
				DecisionSource: SourceRulesAllow,
				Confidence:     floatPtr(1.0),
				Phase:          PhaseDomain,
			}}
		}
	}

	return RulesResult{
		Decision: PolicyDecision{
			Allow:          true,
			Intent:         IntentProductHelp,
			Domain:         DomainInScope,
			DecisionSource: SourceRulesAllow,
			Phase:          PhaseDomain,
		},
		Ambiguous: true,
	}
}

func blocked(intent Intent, domain Domain, reason string, refusals Refusals) PolicyDecision {
	return PolicyDecision{
		Allow:          false,
		Intent:         intent,
		Domain:         domain,
		ReasonCode:     reason,
		RefusalText:    refusals.For(reason),
		DecisionSource: SourceRulesBlock,
		Confidence:     floatPtr(1.0),
		Phase:          PhaseDomain,
	}
}

func floatPtr(f float64) *float64 {
	return &f
}

// #endregion evaluate-rules

// #region ruleset-fingerprint

// RulesetPatterns returns every compiled pattern in evaluation order.
// Release control hashes this to version the ruleset.
func RulesetPatterns() []string {
	out := make([]string, 0, len(safetyRules)+len(topicRules)+2)
	for _, r := range safetyRules {
		out = append(out, string(r.category)+"="+r.re.String())
	}
	out = append(out, "confidential="+confidentialRe.String(), "off_domain="+offDomainRe.String())
	for _, r := range topicRules {
		out = append(out, string(r.intent)+"/"+string(r.domain)+"="+r.re.String())
	}
	return out
}

// #endregion ruleset-fingerprint

package gate

import "fmt"

// #region refusal-texts

const (
	refusalHateViolence = "I cannot assist with content involving hate speech, violence, or threats. " +
		"This type of content violates our community guidelines. " +
		"I can help with fashion design, product guidance, and order support."
	refusalAbuse = "Please communicate respectfully. I'm here to help with products, " +
		"design guidance, and platform support."
	refusalIllegal = "I cannot provide assistance with that request. " +
		"I can help with fashion design, product support, and order assistance."
	refusalSexual = "I cannot assist with that type of content. " +
		"I can help with fashion design, product guidance, and platform support."
	refusalPromptInjection = "I cannot comply with that request. " +
		"I'm here to help with products, design guidance, and order support."
	refusalOffDomain = "I can't help with that topic. " +
		"I can help with fashion, products, orders, and account support."
	refusalConfidential = "I can't provide confidential, internal, or security-sensitive information. " +
		"I can help with your own account, order, product, and design support requests."
)

// #endregion refusal-texts

// #region refusals

// Refusals renders the fixed refusal text for each blocking reason code.
type Refusals struct {
	SupportEmail string
	SupportPhone string
}

// DefaultRefusals returns refusals with placeholder support contacts.
func DefaultRefusals() Refusals {
	return Refusals{
		SupportEmail: "support@example.com",
		SupportPhone: "1-800-000-0000",
	}
}

// For returns the refusal text for reason. Unknown codes get the generic
// illegal-content text so a denied request never surfaces an internal code.
func (r Refusals) For(reason string) string {
	switch reason {
	case ReasonSelfHarm:
		return fmt.Sprintf("I'm concerned about what you're going through. Please reach out to support "+
			"at %s or call our wellness line at %s. "+
			"I'm here to help with fashion and product questions when you're ready.",
			r.SupportEmail, r.SupportPhone)
	case ReasonHateViolence:
		return refusalHateViolence
	case ReasonAbuseHarassment:
		return refusalAbuse
	case ReasonSexualContent:
		return refusalSexual
	case ReasonIllegalInstructions:
		return refusalIllegal
	case ReasonPromptInjection:
		return refusalPromptInjection
	case ReasonOffDomain, ReasonClassifierOffDomain:
		return refusalOffDomain
	case ReasonConfidential, ReasonClassifierConfidential:
		return refusalConfidential
	default:
		return refusalIllegal
	}
}

// #endregion refusals

package router

// #region imports
import (
	"regexp"
	"strings"
)

// #endregion

// #region keywords

var aggregationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhow much\b`),
	regexp.MustCompile(`\bhow many\b`),
	regexp.MustCompile(`\btotal\b`),
	regexp.MustCompile(`\bsum\b`),
	regexp.MustCompile(`\bamount\b`),
	regexp.MustCompile(`\baverage\b`),
}

var listPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\blist\b`),
	regexp.MustCompile(`\bshow\b`),
	regexp.MustCompile(`\bdisplay\b`),
	regexp.MustCompile(`\bgive me\b`),
}

var financialWords = []string{
	"tax", "taxes", "payment", "payments", "transaction", "transactions",
	"revenue", "sales", "amount", "balance", "invoice", "invoices",
	"spent", "paid", "earned",
}

var dataNouns = []string{
	"order", "orders", "user", "users", "customer", "customers",
	"product", "products", "ticket", "tickets", "purchase", "purchases",
	"employee", "employees",
}

var explanationWords = []string{
	"explain", "why", "guide", "help", "tutorial", "meaning", "policy", "how to",
}

var adviceWords = []string{"recommend", "suggest", "best"}

var priceFilterWords = []string{"under", "below", "above", "cheaper", "price", "cost"}

// memoryKeywords refer back to the conversation itself; only retrieval over
// history can answer them.
var memoryKeywords = []string{
	"what did i say", "what did i ask", "my last message", "previous message",
	"summarize our conversation", "recall our conversation",
}

var userScopedWords = []string{"i ", "my ", "me "}

// #endregion

// #region score

// Score tallies the heuristic votes for message. No network calls.
func Score(message string) Votes {
	lower := strings.ToLower(strings.TrimSpace(message))
	var v Votes

	if containsAny(lower, memoryKeywords) {
		v.Memory = true
		return v
	}

	if matchesAny(lower, aggregationPatterns) {
		v.Structured += 3
	}
	if containsAny(lower, financialWords) {
		v.Structured += 2
	}
	if containsAny(lower, dataNouns) {
		v.Structured += 2
	}
	if matchesAny(lower, listPatterns) {
		v.Structured += 2
	}
	// Personal phrasing only strengthens an existing data request.
	if v.Structured > 0 && containsAny(lower+" ", userScopedWords) {
		v.Structured += 2
	}

	if containsAny(lower, explanationWords) {
		v.Retrieval += 3
	}

	if containsAny(lower, adviceWords) && containsAny(lower, priceFilterWords) {
		v.Hybrid += 4
	}
	return v
}

// #endregion

// #region decide

// Decide turns votes into an intent. ok is false when the heuristics are
// inconclusive and the classifier should be asked.
func Decide(v Votes) (intent Intent, ok bool) {
	switch {
	case v.Memory:
		return IntentRetrieval, true
	case v.Hybrid >= 4:
		return IntentHybrid, true
	case v.Structured > v.Retrieval && v.Structured >= 3:
		return IntentStructured, true
	case v.Retrieval > v.Structured && v.Retrieval >= 3:
		return IntentRetrieval, true
	}
	return "", false
}

// #endregion

// #region fingerprint

// RulesetPatterns lists every heuristic family in evaluation order.
// Release control hashes this to version the router rules.
func RulesetPatterns() []string {
	var out []string
	out = append(out, "memory="+strings.Join(memoryKeywords, "|"))
	for _, re := range aggregationPatterns {
		out = append(out, "aggregation="+re.String())
	}
	out = append(out,
		"financial="+strings.Join(financialWords, "|"),
		"data="+strings.Join(dataNouns, "|"))
	for _, re := range listPatterns {
		out = append(out, "list="+re.String())
	}
	out = append(out,
		"user_scoped="+strings.Join(userScopedWords, "|"),
		"explain="+strings.Join(explanationWords, "|"),
		"advice="+strings.Join(adviceWords, "|"),
		"price_filter="+strings.Join(priceFilterWords, "|"))
	return out
}

// #endregion

// #region helpers

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// #endregion

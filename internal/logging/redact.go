package logging

import (
	"regexp"
	"strings"
)

var (
	emailRe      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneRe      = regexp.MustCompile(`\b(?:\+?\d{1,3}[-.\s]?)?(?:\(?\d{3}\)?[-.\s]?){1,2}\d{4}\b`)
	longNumberRe = regexp.MustCompile(`\b\d{8,}\b`)
)

// Redact masks emails, SSNs, phone numbers and long digit runs.
// SSNs are masked before phones so the narrower shape wins.
func Redact(raw string) string {
	text := strings.TrimSpace(raw)
	text = emailRe.ReplaceAllString(text, "[REDACTED_EMAIL]")
	text = ssnRe.ReplaceAllString(text, "[REDACTED_SSN]")
	text = phoneRe.ReplaceAllString(text, "[REDACTED_PHONE]")
	text = longNumberRe.ReplaceAllString(text, "[REDACTED_NUMBER]")
	return text
}

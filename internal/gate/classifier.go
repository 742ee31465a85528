package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// #region classifier-iface

// Classifier is the external text-classification service.
// Implementations return the raw model reply; parsing happens here.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// #endregion classifier-iface

// #region classification

// Classification is the tagged result of parsing a classifier reply.
// It is either Classified or ParseFailure; consume it with a type switch.
type Classification interface {
	isClassification()
}

// Classified is a well-formed verdict.
type Classified struct {
	Intent     Intent
	Domain     Domain
	Confidence float64
}

// ParseFailure is any reply that could not be turned into a verdict.
type ParseFailure struct {
	Raw string
	Err error
}

func (Classified) isClassification()   {}
func (ParseFailure) isClassification() {}

// #endregion classification

// #region prompt

// BuildClassifierPrompt asks the model for a JSON verdict on message.
func BuildClassifierPrompt(message string) string {
	labels := make([]string, len(Intents))
	for i, in := range Intents {
		labels[i] = string(in)
	}
	var b strings.Builder
	b.WriteString("Classify the customer message for a fashion design and commerce assistant.\n")
	b.WriteString("Reply with JSON only: {\"intent\": \"...\", \"domain\": \"...\", \"confidence\": 0.0}\n")
	b.WriteString("intent is one of: " + strings.Join(labels, ", ") + "\n")
	b.WriteString("domain is one of: in_scope, public_info, off_domain, confidential, unsafe\n")
	b.WriteString("confidence is a number between 0 and 1.\n\n")
	b.WriteString("Message: " + message)
	return b.String()
}

// #endregion prompt

// #region parse

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseClassification turns a raw classifier reply into a Classification.
// It never panics and never returns an error: malformed input is a ParseFailure.
func ParseClassification(raw string) Classification {
	fields, err := decodeVerdict(raw)
	if err != nil {
		return ParseFailure{Raw: raw, Err: err}
	}

	intentStr, _ := fields["intent"].(string)
	intent, ok := ParseIntent(intentStr)
	if !ok {
		return ParseFailure{Raw: raw, Err: fmt.Errorf("unknown intent %q", intentStr)}
	}
	domainStr, _ := fields["domain"].(string)
	domain, ok := ParseDomain(domainStr)
	if !ok {
		return ParseFailure{Raw: raw, Err: fmt.Errorf("unknown domain %q", domainStr)}
	}

	conf, err := confidenceOf(fields["confidence"])
	if err != nil {
		return ParseFailure{Raw: raw, Err: err}
	}
	return Classified{Intent: intent, Domain: domain, Confidence: conf}
}

// decodeVerdict tries a strict decode, then a repaired decode, then the
// first {...} span of the reply.
func decodeVerdict(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty reply")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err == nil && fields != nil {
		return fields, nil
	}
	if blob := jsonObjectRe.FindString(raw); blob != "" {
		if err := json.Unmarshal([]byte(blob), &fields); err == nil && fields != nil {
			return fields, nil
		}
		raw = blob
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair reply: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("decode reply: not a JSON object")
	}
	return fields, nil
}

func confidenceOf(v any) (float64, error) {
	var f float64
	switch c := v.(type) {
	case float64:
		f = c
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return 0, fmt.Errorf("confidence %q: %w", c, err)
		}
		f = parsed
	case nil:
		return 0, errors.New("missing confidence")
	default:
		return 0, fmt.Errorf("confidence has type %T", v)
	}
	if math.IsNaN(f) {
		return 0, errors.New("confidence is NaN")
	}
	return math.Max(0, math.Min(1, f)), nil
}

// #endregion parse

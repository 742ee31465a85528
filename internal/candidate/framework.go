package candidate

import (
	"math"
	"strconv"
	"strings"
)

// #region build

// Build wraps a backend answer into a Candidate, deriving its signal vector
// from the source and the backend metadata.
func Build(id string, source Source, rawText string, md Metadata) Candidate {
	text := strings.TrimSpace(rawText)
	return Candidate{
		ID:       id,
		Text:     text,
		Source:   source,
		Metadata: md,
		Signals:  Normalize(deriveSignals(source, text, md)),
	}
}

// BuildWithSignals wraps an answer whose signals were computed elsewhere.
// Unknown keys are dropped and missing keys become 0.
func BuildWithSignals(id string, source Source, rawText string, md Metadata, signals map[string]float64) Candidate {
	return Candidate{
		ID:       id,
		Text:     strings.TrimSpace(rawText),
		Source:   source,
		Metadata: md,
		Signals:  Normalize(signals),
	}
}

// Normalize returns a signal map with exactly the known keys, each clamped to [0, 1].
func Normalize(signals map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(PositiveKeys)+len(PenaltyKeys))
	for _, k := range PositiveKeys {
		out[k] = clamp(signals[k])
	}
	for _, k := range PenaltyKeys {
		out[k] = clamp(signals[k])
	}
	return out
}

// #endregion build

// #region derive

// deriveSignals assigns per-source priors and overlays what the backend reported.
func deriveSignals(source Source, text string, md Metadata) map[string]float64 {
	ambiguity, verbosity := textRisk(text)
	failed := md.Failed()

	var s map[string]float64
	switch source {
	case SourceStructured:
		s = map[string]float64{
			KeyGrounding:       pick(failed, 0.20, 0.95),
			KeyUsefulness:      pick(failed, 0.40, 0.95),
			KeyTaskFit:         pick(failed, 0.25, 0.90),
			KeyExplainability:  0.45,
			KeyClarity:         0.40,
			KeyLocaleFit:       0.90,
			KeyPersonalization: 0.80,
			KeyHallucination:   pick(failed, 0.80, 0.05),
			KeyOverDisclosure:  0.08,
			KeyDataRisk:        0.06,
			KeyConfidence:      pick(failed, 0.20, 0.90),
		}
	case SourceRetrieval:
		s = map[string]float64{
			KeyGrounding:       md.RetrievalScore * md.SupportRatio,
			KeyUsefulness:      0.70,
			KeyTaskFit:         0.78,
			KeyExplainability:  pick(md.Explainability, 0.85, 0.50),
			KeyClarity:         0.55,
			KeyLocaleFit:       0.90,
			KeyPersonalization: 0.72,
			KeyHallucination:   orDefault(md.HallucinationRisk, 0.6),
			KeyOverDisclosure:  0.10,
			KeyDataRisk:        0.08,
			KeyConfidence:      md.RetrievalScore,
		}
	case SourceGuided:
		s = map[string]float64{
			KeyGrounding:       0.55,
			KeyUsefulness:      pick(md.DesignMode, 0.80, 0.50),
			KeyTaskFit:         pick(md.DesignMode, 0.82, 0.55),
			KeyExplainability:  0.78,
			KeyClarity:         0.92,
			KeyLocaleFit:       0.90,
			KeyPersonalization: 0.68,
			KeyHallucination:   0.28,
			KeyOverDisclosure:  0.12,
			KeyDataRisk:        0.10,
			KeyConfidence:      0.60,
		}
	default:
		s = map[string]float64{
			KeyGrounding:       0.25,
			KeyUsefulness:      0.45,
			KeyTaskFit:         0.58,
			KeyExplainability:  0.32,
			KeyClarity:         0.35,
			KeyLocaleFit:       0.88,
			KeyPersonalization: 0.85,
			KeyHallucination:   0.45,
			KeyOverDisclosure:  0.12,
			KeyDataRisk:        0.12,
			KeyConfidence:      0.50,
		}
	}

	s[KeyAmbiguity] = ambiguity
	s[KeyVerbosity] = verbosity
	if md.OverDisclosure != nil {
		s[KeyOverDisclosure] = *md.OverDisclosure
	}
	if md.Confidence != nil {
		s[KeyConfidence] = *md.Confidence
	}
	if failed {
		s[KeyError] = 1
	}
	return s
}

// textRisk scores short answers as ambiguous and long ones as verbose.
func textRisk(text string) (ambiguity, verbosity float64) {
	words := len(strings.Fields(text))
	switch {
	case words < 12:
		ambiguity = 0.75
	case words < 24:
		ambiguity = 0.45
	default:
		ambiguity = 0.20
	}
	switch {
	case words > 220:
		verbosity = 0.75
	case words > 120:
		verbosity = 0.35
	default:
		verbosity = 0.10
	}
	return ambiguity, verbosity
}

// #endregion derive

// #region metadata-decode

// MetadataFromMap reads backend metadata from a loosely typed map, as it
// arrives over the wire. Numbers may be float64, int or numeric strings.
func MetadataFromMap(m map[string]any) Metadata {
	md := Metadata{
		RowCount:       int(number(m["row_count"])),
		RetrievalScore: number(firstOf(m, "retrieval_score", "retrieval_confidence")),
		SupportRatio:   number(m["support_ratio"]),
		Explainability: truthy(m["explainability"]),
		DesignMode:     truthy(m["design_mode"]),
	}
	if v, ok := m["hallucination_risk"]; ok {
		f := number(v)
		md.HallucinationRisk = &f
	}
	if v, ok := m["over_disclosure"]; ok {
		f := number(v)
		md.OverDisclosure = &f
	}
	if v, ok := m["confidence"]; ok {
		f := number(v)
		md.Confidence = &f
	}
	switch e := firstOf(m, "sql_error", "error").(type) {
	case string:
		md.Error = strings.TrimSpace(e)
	case bool:
		if e {
			md.Error = "backend error"
		}
	}
	return md
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != "" && b != "false" && b != "0"
	case nil:
		return false
	default:
		return number(v) != 0
	}
}

// #endregion metadata-decode

// #region helpers

func pick(cond bool, ifTrue, ifFalse float64) float64 {
	if cond {
		return ifTrue
	}
	return ifFalse
}

func orDefault(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// clamp restricts v to [0, 1]. NaN maps to 0.
func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers

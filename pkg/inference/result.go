package inference

import (
	"encoding/json"
	"strings"

	"cropdoc/pkg/domain"
)

const (
	fallbackDiseaseName = "Analysis Complete"
	fallbackSeverity    = "unknown"
	fallbackYieldImpact = "Unable to estimate"
	fallbackPrognosis   = "Please consult with a local agricultural expert for detailed treatment plan."
)

// FallbackResult wraps an unparseable reply so callers always get a
// complete result.
func FallbackResult(raw string) domain.DiagnosisResult {
	r := domain.DiagnosisResult{
		DiseaseName:         fallbackDiseaseName,
		Confidence:          domain.ConfidenceMedium,
		Severity:            fallbackSeverity,
		Description:         raw,
		ExpectedYieldImpact: fallbackYieldImpact,
		Prognosis:           fallbackPrognosis,
	}
	r.Normalize()
	return r
}

// ParseResult decodes a model reply. It never fails: anything that is not
// a JSON object degrades to FallbackResult.
func ParseResult(raw string) domain.DiagnosisResult {
	body := extractObject(stripCodeFences(raw))
	if body == "" {
		return FallbackResult(raw)
	}
	var r domain.DiagnosisResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return FallbackResult(raw)
	}
	switch domain.Confidence(strings.ToLower(strings.TrimSpace(string(r.Confidence)))) {
	case domain.ConfidenceHigh:
		r.Confidence = domain.ConfidenceHigh
	case domain.ConfidenceLow:
		r.Confidence = domain.ConfidenceLow
	default:
		r.Confidence = domain.ConfidenceMedium
	}
	r.Normalize()
	return r
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject trims prose around the outermost {...}.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

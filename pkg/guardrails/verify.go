package guardrails

import (
	"context"
	"regexp"
	"time"

	"github.com/governd/cgr/pkg/policy"
)

// harmfulPatterns match instructions for attacks or malware in output.
var harmfulPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(how\s+to|instructions?\s+for)\s+(hack|exploit|attack|build.*bomb)\b`),
	regexp.MustCompile(`(?i)\b(create|make|build)\s+(virus|malware|ransomware|trojan)\b`),
}

// toxicityPatterns match toxic language in output.
var toxicityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(hate|racist|sexist|violent)\b`),
	regexp.MustCompile(`(?i)\b(kill|murder|attack|harm)\s+(yourself|others|people)\b`),
	regexp.MustCompile(`(?i)\b(suicide|self-harm)\b`),
}

// OutputVerifier is the fourth pipeline stage: harmful-instruction
// detection (critical), toxicity detection (high), and PII redaction in
// outputs (modify).
type OutputVerifier struct {
	disabled bool
}

func NewOutputVerifier() *OutputVerifier { return &OutputVerifier{} }

func (v *OutputVerifier) Layer() Layer  { return LayerOutputVerifier }
func (v *OutputVerifier) Enabled() bool { return !v.disabled }

func (v *OutputVerifier) Process(ctx context.Context, data map[string]interface{}, sc *StageContext) (*StageResult, error) {
	start := time.Now()
	now := time.Now().UTC()
	var violations []Violation

	addViolation := func(kind string, sev policy.Severity, msg string, details map[string]interface{}) {
		violations = append(violations, Violation{
			Layer:      LayerOutputVerifier,
			Kind:       kind,
			Severity:   sev,
			Message:    msg,
			Details:    details,
			Timestamp:  now,
			EnvelopeID: sc.EnvelopeID,
		})
	}

	modified := false
	verified := make(map[string]interface{}, len(data))
	for key, value := range data {
		str, ok := value.(string)
		if !ok {
			verified[key] = value
			continue
		}

		for _, pattern := range harmfulPatterns {
			if pattern.MatchString(str) {
				addViolation("harmful_content", policy.SeverityCritical,
					"harmful instruction pattern in output",
					map[string]interface{}{"field": key})
			}
		}
		for _, pattern := range toxicityPatterns {
			if pattern.MatchString(str) {
				addViolation("toxic_content", policy.SeverityHigh,
					"toxic language pattern in output",
					map[string]interface{}{"field": key})
			}
		}

		cleaned := str
		for _, pattern := range piiPatterns {
			if pattern.MatchString(cleaned) {
				addViolation("pii_in_output", policy.SeverityMedium,
					"PII redacted from output",
					map[string]interface{}{"field": key})
				cleaned = pattern.ReplaceAllString(cleaned, redactedPlaceholder)
			}
		}
		if cleaned != str {
			modified = true
		}
		verified[key] = cleaned
	}

	result := &StageResult{
		Layer:      LayerOutputVerifier,
		Action:     ActionAllow,
		Allowed:    true,
		Violations: violations,
		ElapsedMS:  time.Since(start).Milliseconds(),
		EnvelopeID: sc.EnvelopeID,
	}
	if modified {
		result.Action = ActionModify
		result.ModifiedData = verified
	}
	if hasSeverity(violations, policy.SeverityCritical) {
		result.Action = ActionBlock
		result.Allowed = false
	}
	return result, nil
}

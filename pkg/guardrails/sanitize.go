package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/governd/cgr/pkg/policy"
)

// piiPatterns match personally identifiable information in free text.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                                  // SSN
	regexp.MustCompile(`\b\d{16}\b`),                                             // credit card
	regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), // email
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),                          // phone
	regexp.MustCompile(`\b\d{4}\s\d{4}\s\d{4}\s\d{4}\b`),                         // card with spaces
}

// injectionPatterns match script, code, and command injection attempts.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`(?i)import\s+os`),
	regexp.MustCompile(`(?i)subprocess\.`),
}

// dangerousTags are stripped from input text wholesale.
var dangerousTagPatterns = func() []*regexp.Regexp {
	tags := []string{"iframe", "object", "embed", "form", "input", "button"}
	out := make([]*regexp.Regexp, len(tags))
	for i, tag := range tags {
		out[i] = regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
	}
	return out
}()

const redactedPlaceholder = "[REDACTED]"

// SanitizerConfig bounds the input sanitizer.
type SanitizerConfig struct {
	MaxInputLength      int
	AllowedContentTypes []string
	RedactPII           bool
	Disabled            bool
}

func defaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		MaxInputLength:      1 << 20,
		AllowedContentTypes: []string{"text/plain", "application/json"},
		RedactPII:           true,
	}
}

// InputSanitizer is the first pipeline stage: size and content-type
// checks, injection and PII detection, dangerous-tag stripping, and
// optional PII redaction. Injection findings are critical and block;
// PII findings are informational.
type InputSanitizer struct {
	config SanitizerConfig
}

// NewInputSanitizer applies defaults for zero-valued config fields.
func NewInputSanitizer(config SanitizerConfig) *InputSanitizer {
	def := defaultSanitizerConfig()
	if config.MaxInputLength <= 0 {
		config.MaxInputLength = def.MaxInputLength
	}
	if len(config.AllowedContentTypes) == 0 {
		config.AllowedContentTypes = def.AllowedContentTypes
	}
	return &InputSanitizer{config: config}
}

func (s *InputSanitizer) Layer() Layer  { return LayerInputSanitizer }
func (s *InputSanitizer) Enabled() bool { return !s.config.Disabled }

func (s *InputSanitizer) Process(ctx context.Context, data map[string]interface{}, sc *StageContext) (*StageResult, error) {
	start := time.Now()
	var violations []Violation
	now := time.Now().UTC()

	addViolation := func(kind string, sev policy.Severity, msg string, details map[string]interface{}) {
		violations = append(violations, Violation{
			Layer:      LayerInputSanitizer,
			Kind:       kind,
			Severity:   sev,
			Message:    msg,
			Details:    details,
			Timestamp:  now,
			EnvelopeID: sc.EnvelopeID,
		})
	}

	totalLen := 0
	for _, v := range data {
		if str, ok := v.(string); ok {
			totalLen += len(str)
		}
	}
	if totalLen > s.config.MaxInputLength {
		addViolation("input_too_large", policy.SeverityHigh,
			fmt.Sprintf("input size %d exceeds maximum %d", totalLen, s.config.MaxInputLength), nil)
	}

	contentType := sc.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	if !contains(s.config.AllowedContentTypes, contentType) {
		addViolation("invalid_content_type", policy.SeverityMedium,
			fmt.Sprintf("content type %q is not allowed", contentType), nil)
	}

	modified := false
	sanitized := make(map[string]interface{}, len(data))
	for key, value := range data {
		str, ok := value.(string)
		if !ok {
			sanitized[key] = value
			continue
		}

		for i, pattern := range injectionPatterns {
			if pattern.MatchString(str) {
				addViolation("injection_attack", policy.SeverityCritical,
					"injection pattern detected in input",
					map[string]interface{}{"field": key, "pattern_index": i})
			}
		}

		cleaned := str
		for _, tag := range dangerousTagPatterns {
			if tag.MatchString(cleaned) {
				cleaned = tag.ReplaceAllString(cleaned, "")
			}
		}

		for i, pattern := range piiPatterns {
			if pattern.MatchString(cleaned) {
				addViolation("pii_detected", policy.SeverityInfo,
					"PII pattern detected in input",
					map[string]interface{}{"field": key, "pattern_index": i})
				if s.config.RedactPII {
					cleaned = pattern.ReplaceAllString(cleaned, redactedPlaceholder)
				}
			}
		}

		if cleaned != str {
			modified = true
		}
		sanitized[key] = cleaned
	}

	result := &StageResult{
		Layer:      LayerInputSanitizer,
		Action:     ActionAllow,
		Allowed:    true,
		Violations: violations,
		ElapsedMS:  time.Since(start).Milliseconds(),
		EnvelopeID: sc.EnvelopeID,
	}
	if modified {
		result.Action = ActionModify
		result.ModifiedData = sanitized
	}
	if hasSeverity(violations, policy.SeverityCritical) {
		result.Action = ActionBlock
		result.Allowed = false
	} else if len(violations) > 0 && result.Action == ActionAllow {
		result.Action = ActionAudit
	}
	return result, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

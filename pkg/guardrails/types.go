// Package guardrails runs every request through the ordered safety
// stages and aggregates their verdicts into a single fail-closed
// decision.
package guardrails

import (
	"context"
	"time"

	"github.com/governd/cgr/pkg/policy"
)

// Layer identifies a pipeline stage.
type Layer string

const (
	LayerInputSanitizer Layer = "input_sanitizer"
	LayerGovernance     Layer = "governance_engine"
	LayerSandbox        Layer = "sandbox"
	LayerOutputVerifier Layer = "output_verifier"
	LayerAuditSink      Layer = "audit_sink"
	LayerRateLimiter    Layer = "rate_limiter"
	LayerPipeline       Layer = "pipeline"
)

// Action is a stage's requested disposition for the request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionModify    Action = "modify"
	ActionAudit     Action = "audit"
	ActionEscalate  Action = "escalate"
	ActionRateLimit Action = "rate_limit"
	ActionSandbox   Action = "sandbox"
	ActionBlock     Action = "block"
)

// Violation is an immutable finding accumulated across stages.
type Violation struct {
	Layer      Layer                  `json:"layer"`
	Kind       string                 `json:"violation_type"`
	Severity   policy.Severity        `json:"severity"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	EnvelopeID string                 `json:"envelope_id,omitempty"`
}

// StageResult is the outcome of a single stage run.
type StageResult struct {
	Layer        Layer                  `json:"layer"`
	Action       Action                 `json:"action"`
	Allowed      bool                   `json:"allowed"`
	Violations   []Violation            `json:"violations"`
	ModifiedData map[string]interface{} `json:"modified_data,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ElapsedMS    int64                  `json:"elapsed_ms"`
	EnvelopeID   string                 `json:"envelope_id,omitempty"`
}

// StageContext travels with a request through the pipeline.
type StageContext struct {
	TraceID     string
	EnvelopeID  string
	TenantID    string
	ActorID     string
	MessageType string
	ContentType string
	Prior       []*StageResult
}

// Stage processes a request payload and returns a verdict. Stages must
// honor ctx cancellation; the pipeline enforces per-stage timeouts.
type Stage interface {
	Layer() Layer
	Enabled() bool
	Process(ctx context.Context, data map[string]interface{}, sc *StageContext) (*StageResult, error)
}

func hasSeverity(violations []Violation, sev policy.Severity) bool {
	for _, v := range violations {
		if v.Severity == sev {
			return true
		}
	}
	return false
}

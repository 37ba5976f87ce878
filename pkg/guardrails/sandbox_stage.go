package guardrails

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/governd/cgr/pkg/policy"
	"github.com/governd/cgr/pkg/sandbox"
)

// SandboxStage executes tool invocations found in the payload inside the
// bounded executor. Payloads without a tool invocation pass through.
type SandboxStage struct {
	executor sandbox.Executor
	disabled bool
}

// NewSandboxStage wraps an executor. A nil executor disables the stage.
func NewSandboxStage(executor sandbox.Executor) *SandboxStage {
	return &SandboxStage{executor: executor, disabled: executor == nil}
}

func (s *SandboxStage) Layer() Layer  { return LayerSandbox }
func (s *SandboxStage) Enabled() bool { return !s.disabled }

func (s *SandboxStage) Process(ctx context.Context, data map[string]interface{}, sc *StageContext) (*StageResult, error) {
	start := time.Now()
	result := &StageResult{
		Layer:      LayerSandbox,
		Action:     ActionAllow,
		Allowed:    true,
		EnvelopeID: sc.EnvelopeID,
		Metadata:   map[string]interface{}{},
	}

	invocation, ok := data["tool_invocation"].(map[string]interface{})
	if !ok {
		result.Metadata["skipped"] = "no tool invocation in payload"
		result.ElapsedMS = time.Since(start).Milliseconds()
		return result, nil
	}

	var module []byte
	if enc, ok := invocation["module"].(string); ok {
		decoded, err := base64.StdEncoding.DecodeString(enc)
		if err == nil {
			module = decoded
		}
	}
	input, err := json.Marshal(invocation["input"])
	if err != nil {
		input = nil
	}

	output, err := s.executor.Execute(ctx, module, input)
	if err != nil {
		var sbErr *sandbox.Error
		kind := "sandbox_failure"
		if errors.As(err, &sbErr) {
			kind = "sandbox_limit"
			result.Metadata["limit_code"] = sbErr.Code
		}
		result.Action = ActionBlock
		result.Allowed = false
		result.Violations = []Violation{{
			Layer:      LayerSandbox,
			Kind:       kind,
			Severity:   policy.SeverityHigh,
			Message:    err.Error(),
			Timestamp:  time.Now().UTC(),
			EnvelopeID: sc.EnvelopeID,
		}}
		result.ElapsedMS = time.Since(start).Milliseconds()
		return result, nil
	}

	modified := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		modified[k] = v
	}
	modified["tool_result"] = string(output)
	result.Action = ActionSandbox
	result.ModifiedData = modified
	result.ElapsedMS = time.Since(start).Milliseconds()
	return result, nil
}

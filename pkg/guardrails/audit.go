package guardrails

import (
	"context"
	"log/slog"
	"time"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/ledger"
)

// AuditRecorder receives the pipeline's structured audit records.
type AuditRecorder interface {
	Submit(record ledger.ValidationRecord) (string, error)
}

// AuditSink is the final stage: it appends the prior stages' outcomes
// and the final decision to the audit ledger. It always runs and always
// allows; it is the observability boundary, never a gate.
type AuditSink struct {
	recorder AuditRecorder // nil logs only
	anchor   anchor.Hash
	logger   *slog.Logger
}

// NewAuditSink wires the sink to the ledger.
func NewAuditSink(recorder AuditRecorder, processAnchor anchor.Hash) *AuditSink {
	if processAnchor == "" {
		processAnchor = anchor.Default
	}
	return &AuditSink{
		recorder: recorder,
		anchor:   processAnchor,
		logger:   slog.Default().With("component", "guardrail_audit"),
	}
}

func (a *AuditSink) Layer() Layer  { return LayerAuditSink }
func (a *AuditSink) Enabled() bool { return true }

// Process records the decision. Recording failures are logged, never
// surfaced: the audit sink must not change the pipeline verdict.
func (a *AuditSink) Process(ctx context.Context, data map[string]interface{}, sc *StageContext) (*StageResult, error) {
	start := time.Now()

	finalAllowed := true
	var violations []map[string]interface{}
	var errs []string
	stages := make([]map[string]interface{}, 0, len(sc.Prior))
	for _, r := range sc.Prior {
		if !r.Allowed {
			finalAllowed = false
		}
		stages = append(stages, map[string]interface{}{
			"layer":      string(r.Layer),
			"action":     string(r.Action),
			"allowed":    r.Allowed,
			"elapsed_ms": r.ElapsedMS,
		})
		for _, v := range r.Violations {
			violations = append(violations, map[string]interface{}{
				"layer":    string(v.Layer),
				"kind":     v.Kind,
				"severity": string(v.Severity),
				"message":  v.Message,
			})
			if v.Severity == "critical" || v.Severity == "high" {
				errs = append(errs, v.Kind+": "+v.Message)
			}
		}
	}

	record := ledger.ValidationRecord{
		IsValid: finalAllowed,
		Errors:  errs,
		Metadata: map[string]interface{}{
			"trace_id":    sc.TraceID,
			"envelope_id": sc.EnvelopeID,
			"tenant_id":   sc.TenantID,
			"actor_id":    sc.ActorID,
			"stages":      stages,
			"violations":  violations,
		},
		ConstitutionalHash: a.anchor,
	}

	if a.recorder != nil {
		if _, err := a.recorder.Submit(record); err != nil {
			a.logger.Error("audit record submission failed", "trace_id", sc.TraceID, "error", err)
		}
	} else {
		a.logger.Info("pipeline decision",
			"trace_id", sc.TraceID, "envelope_id", sc.EnvelopeID,
			"allowed", finalAllowed, "violations", len(violations))
	}

	return &StageResult{
		Layer:      LayerAuditSink,
		Action:     ActionAllow,
		Allowed:    true,
		ElapsedMS:  time.Since(start).Milliseconds(),
		EnvelopeID: sc.EnvelopeID,
	}, nil
}

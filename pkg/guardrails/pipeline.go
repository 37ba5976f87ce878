package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/governd/cgr/pkg/policy"
)

// Decision is the pipeline's aggregated verdict for one request.
type Decision struct {
	Allowed      bool                   `json:"allowed"`
	Action       Action                 `json:"action"`
	FinalData    map[string]interface{} `json:"final_data"`
	Violations   []Violation            `json:"violations"`
	StageResults []*StageResult         `json:"stage_results"`
	TraceID      string                 `json:"trace_id"`
	ElapsedMS    int64                  `json:"elapsed_ms"`
}

// PipelineConfig tunes composition behavior.
type PipelineConfig struct {
	PipelineTimeout time.Duration
	StageTimeouts   map[Layer]time.Duration
	FailClosed      bool
}

func defaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PipelineTimeout: 15 * time.Second,
		StageTimeouts: map[Layer]time.Duration{
			LayerInputSanitizer: time.Second,
			LayerGovernance:     5 * time.Second,
			LayerSandbox:        10 * time.Second,
			LayerOutputVerifier: 2 * time.Second,
		},
		FailClosed: true,
	}
}

// Pipeline runs the ordered guardrail stages and aggregates a verdict.
// It is per-request: no mutable state is shared across requests except
// the rate limiter.
type Pipeline struct {
	config  PipelineConfig
	stages  []Stage
	audit   *AuditSink
	limiter Limiter // nil disables rate limiting
	logger  *slog.Logger
}

// NewPipeline composes stages in the given order with the audit sink
// always appended last.
func NewPipeline(config PipelineConfig, stages []Stage, audit *AuditSink, limiter Limiter) *Pipeline {
	def := defaultPipelineConfig()
	if config.PipelineTimeout <= 0 {
		config.PipelineTimeout = def.PipelineTimeout
	}
	if config.StageTimeouts == nil {
		config.StageTimeouts = def.StageTimeouts
	}
	return &Pipeline{
		config:  config,
		stages:  stages,
		audit:   audit,
		limiter: limiter,
		logger:  slog.Default().With("component", "guardrail_pipeline"),
	}
}

// Process runs a request through every enabled stage in order. Any stage
// timeout synthesizes a critical `timeout` violation and blocks. In
// fail-closed mode the first disallowing stage short-circuits the rest;
// the audit sink always runs.
func (p *Pipeline) Process(ctx context.Context, data map[string]interface{}, sc *StageContext) *Decision {
	start := time.Now()
	if sc == nil {
		sc = &StageContext{}
	}
	if sc.TraceID == "" {
		sc.TraceID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PipelineTimeout)
	defer cancel()

	decision := &Decision{
		Allowed:   true,
		Action:    ActionAllow,
		FinalData: data,
		TraceID:   sc.TraceID,
	}

	if p.limiter != nil && sc.ActorID != "" {
		allowed, err := p.limiter.Allow(ctx, sc.ActorID)
		if err != nil {
			p.logger.Warn("rate limiter unavailable, allowing", "actor_id", sc.ActorID, "error", err)
		} else if !allowed {
			v := Violation{
				Layer:      LayerRateLimiter,
				Kind:       "rate_limit",
				Severity:   policy.SeverityMedium,
				Message:    fmt.Sprintf("actor %s exceeded rate limit", sc.ActorID),
				Timestamp:  time.Now().UTC(),
				EnvelopeID: sc.EnvelopeID,
			}
			decision.Allowed = false
			decision.Action = ActionRateLimit
			decision.Violations = append(decision.Violations, v)
			sc.Prior = append(sc.Prior, &StageResult{
				Layer:      LayerRateLimiter,
				Action:     ActionRateLimit,
				Allowed:    false,
				Violations: []Violation{v},
				EnvelopeID: sc.EnvelopeID,
			})
			p.finish(ctx, decision, data, sc, start)
			return decision
		}
	}

	current := data
	for _, stage := range p.stages {
		if !stage.Enabled() {
			continue
		}
		result := p.runStage(ctx, stage, current, sc)
		sc.Prior = append(sc.Prior, result)
		decision.StageResults = append(decision.StageResults, result)
		decision.Violations = append(decision.Violations, result.Violations...)
		if result.ModifiedData != nil {
			current = result.ModifiedData
		}
		if !result.Allowed {
			decision.Allowed = false
			if p.config.FailClosed {
				break
			}
		}
	}

	decision.Action = p.aggregateAction(decision)
	p.finish(ctx, decision, current, sc, start)
	return decision
}

// runStage awaits one stage under its timeout. A timeout or an uncaught
// stage error becomes a synthesized blocking result.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, data map[string]interface{}, sc *StageContext) *StageResult {
	timeout := p.config.StageTimeouts[stage.Layer()]
	if timeout <= 0 {
		timeout = p.config.PipelineTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *StageResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := stage.Process(stageCtx, data, sc)
		ch <- outcome{result, err}
	}()

	select {
	case <-stageCtx.Done():
		p.logger.Warn("stage timed out", "layer", stage.Layer(), "timeout", timeout, "trace_id", sc.TraceID)
		return &StageResult{
			Layer:   stage.Layer(),
			Action:  ActionBlock,
			Allowed: false,
			Violations: []Violation{{
				Layer:      stage.Layer(),
				Kind:       "timeout",
				Severity:   policy.SeverityCritical,
				Message:    fmt.Sprintf("stage %s exceeded %s", stage.Layer(), timeout),
				Timestamp:  time.Now().UTC(),
				EnvelopeID: sc.EnvelopeID,
			}},
			ElapsedMS:  timeout.Milliseconds(),
			EnvelopeID: sc.EnvelopeID,
		}
	case out := <-ch:
		if out.err != nil {
			p.logger.Error("stage failed", "layer", stage.Layer(), "trace_id", sc.TraceID, "error", out.err)
			return &StageResult{
				Layer:   stage.Layer(),
				Action:  ActionBlock,
				Allowed: false,
				Violations: []Violation{{
					Layer:      stage.Layer(),
					Kind:       "processing_error",
					Severity:   policy.SeverityHigh,
					Message:    out.err.Error(),
					Timestamp:  time.Now().UTC(),
					EnvelopeID: sc.EnvelopeID,
				}},
				EnvelopeID: sc.EnvelopeID,
			}
		}
		return out.result
	}
}

// aggregateAction derives the outer action: block beats escalate beats
// modify beats audit beats allow.
func (p *Pipeline) aggregateAction(d *Decision) Action {
	if !d.Allowed {
		if d.Action == ActionRateLimit {
			return ActionRateLimit
		}
		return ActionBlock
	}
	if hasSeverity(d.Violations, policy.SeverityCritical) {
		return ActionBlock
	}
	for _, v := range d.Violations {
		if v.Severity == policy.SeverityHigh && v.Layer == LayerGovernance {
			return ActionEscalate
		}
	}
	for _, r := range d.StageResults {
		if r.Action == ActionModify {
			return ActionModify
		}
	}
	if len(d.Violations) > 0 {
		return ActionAudit
	}
	return ActionAllow
}

// finish runs the audit sink and stamps final fields.
func (p *Pipeline) finish(ctx context.Context, decision *Decision, current map[string]interface{}, sc *StageContext, start time.Time) {
	decision.FinalData = current
	decision.ElapsedMS = time.Since(start).Milliseconds()
	if p.audit != nil {
		// The sink sees prior results plus totals; failures inside it
		// never alter the verdict.
		result, err := p.audit.Process(ctx, current, sc)
		if err != nil {
			p.logger.Error("audit sink failed", "trace_id", sc.TraceID, "error", err)
		} else {
			decision.StageResults = append(decision.StageResults, result)
		}
	}
}

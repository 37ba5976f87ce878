package guardrails

import (
	"context"
	"fmt"
	"time"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/policy"
)

// ComplianceValidator scores a payload's constitutional compliance in
// [0,1]. Injected collaborator; the governance stage treats scoring
// failures as non-compliance.
type ComplianceValidator interface {
	ComplianceScore(ctx context.Context, data map[string]interface{}) (float64, error)
}

// ImpactScorer estimates a payload's impact in [0,1]. Must be
// deterministic for a given input.
type ImpactScorer interface {
	Score(ctx context.Context, payload map[string]interface{}) (float64, error)
}

// GovernanceConfig tunes the governance stage.
type GovernanceConfig struct {
	Anchor              anchor.Hash
	ImpactThreshold     float64 // impact above this escalates
	MinComplianceScore  float64
	Disabled            bool
}

// GovernanceStage is the second pipeline stage: constitutional anchor
// verification, policy evaluation, and impact scoring. Impact above the
// deliberation threshold escalates rather than blocks.
type GovernanceStage struct {
	config    GovernanceConfig
	enforcer  *policy.Enforcer
	validator ComplianceValidator // nil skips compliance scoring
	scorer    ImpactScorer        // nil skips impact scoring
}

// NewGovernanceStage wires the stage with its collaborators.
func NewGovernanceStage(config GovernanceConfig, enforcer *policy.Enforcer, validator ComplianceValidator, scorer ImpactScorer) *GovernanceStage {
	if config.Anchor == "" {
		config.Anchor = anchor.Default
	}
	if config.ImpactThreshold <= 0 || config.ImpactThreshold > 1 {
		config.ImpactThreshold = 0.8
	}
	if config.MinComplianceScore <= 0 {
		config.MinComplianceScore = 0.5
	}
	return &GovernanceStage{config: config, enforcer: enforcer, validator: validator, scorer: scorer}
}

func (g *GovernanceStage) Layer() Layer  { return LayerGovernance }
func (g *GovernanceStage) Enabled() bool { return !g.config.Disabled }

func (g *GovernanceStage) Process(ctx context.Context, data map[string]interface{}, sc *StageContext) (*StageResult, error) {
	start := time.Now()
	now := time.Now().UTC()
	var violations []Violation
	metadata := map[string]interface{}{}

	addViolation := func(kind string, sev policy.Severity, msg string, details map[string]interface{}) {
		violations = append(violations, Violation{
			Layer:      LayerGovernance,
			Kind:       kind,
			Severity:   sev,
			Message:    msg,
			Details:    details,
			Timestamp:  now,
			EnvelopeID: sc.EnvelopeID,
		})
	}

	// Anchor verification first; a mismatch is constitutional
	// non-compliance regardless of everything else.
	if got, ok := data["constitutional_hash"].(string); ok {
		if err := anchor.Verify(anchor.Hash(got), g.config.Anchor); err != nil {
			addViolation("constitutional_violation", policy.SeverityHigh,
				"constitutional anchor mismatch in payload", nil)
		}
	}

	if g.validator != nil {
		score, err := g.validator.ComplianceScore(ctx, data)
		if err != nil {
			addViolation("constitutional_violation", policy.SeverityHigh,
				fmt.Sprintf("compliance validation failed: %v", err), nil)
		} else {
			metadata["compliance_score"] = score
			if score < g.config.MinComplianceScore {
				addViolation("constitutional_violation", policy.SeverityHigh,
					fmt.Sprintf("compliance score %.2f below minimum %.2f", score, g.config.MinComplianceScore), nil)
			}
		}
	}

	if g.enforcer != nil {
		req := policy.Request{
			ActorID:  sc.ActorID,
			TenantID: sc.TenantID,
		}
		if a, ok := data["action"].(string); ok {
			req.Action = a
		}
		if rt, ok := data["resource_type"].(string); ok {
			req.ResourceType = rt
		}
		matches, err := g.enforcer.Evaluate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("guardrails: policy evaluation: %w", err)
		}
		for _, m := range matches {
			switch m.Rule.Action {
			case policy.ActionAllow, policy.ActionAuditOnly:
				addViolation("policy_finding", policy.SeverityInfo, m.Message,
					map[string]interface{}{"rule_id": m.Rule.ID, "remediation_hint": m.Rule.RemediationHint})
			case policy.ActionDeny, policy.ActionQuarantine:
				addViolation("policy_denial", policy.SeverityCritical, m.Message,
					map[string]interface{}{"rule_id": m.Rule.ID, "remediation_hint": m.Rule.RemediationHint})
			default: // require_approval, escalate, rate_limit
				addViolation("policy_escalation", policy.SeverityHigh, m.Message,
					map[string]interface{}{"rule_id": m.Rule.ID, "remediation_hint": m.Rule.RemediationHint})
			}
		}
	}

	escalate := false
	if g.scorer != nil {
		impact, err := g.scorer.Score(ctx, data)
		if err != nil {
			metadata["impact_score_error"] = err.Error()
		} else {
			metadata["impact_score"] = impact
			if impact > g.config.ImpactThreshold {
				escalate = true
				addViolation("high_impact", policy.SeverityHigh,
					fmt.Sprintf("impact score %.2f exceeds deliberation threshold %.2f", impact, g.config.ImpactThreshold), nil)
			}
		}
	}

	result := &StageResult{
		Layer:      LayerGovernance,
		Action:     ActionAllow,
		Allowed:    true,
		Violations: violations,
		Metadata:   metadata,
		ElapsedMS:  time.Since(start).Milliseconds(),
		EnvelopeID: sc.EnvelopeID,
	}
	switch {
	case hasSeverity(violations, policy.SeverityCritical):
		result.Action = ActionBlock
		result.Allowed = false
	case escalate:
		result.Action = ActionEscalate
	case hasSeverity(violations, policy.SeverityHigh):
		result.Action = ActionEscalate
	case len(violations) > 0:
		result.Action = ActionAudit
	}
	return result, nil
}

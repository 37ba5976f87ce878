// Package policy defines the minimal rule form the governance stage
// consumes and its default CEL-backed condition evaluator.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// Action is the outcome a matched rule requests.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"
	ActionEscalate        Action = "escalate"
	ActionRateLimit       Action = "rate_limit"
	ActionAuditOnly       Action = "audit_only"
	ActionQuarantine      Action = "quarantine"
)

// Severity grades a rule's findings.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule is the minimal governed-rule form. Condition expressions range
// over the request fields action, resource_type, actor_id, and tenant_id.
type Rule struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Condition       string   `json:"condition" yaml:"condition"`
	Action          Action   `json:"action" yaml:"action"`
	Severity        Severity `json:"severity" yaml:"severity"`
	MessageTemplate string   `json:"message_template" yaml:"message_template"`
	RemediationHint string   `json:"remediation_hint" yaml:"remediation_hint"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Priority        int      `json:"priority" yaml:"priority"`
}

// Request carries the envelope fields rules can reference.
type Request struct {
	Action       string
	ResourceType string
	ActorID      string
	TenantID     string
}

// Match is a rule that fired for a request.
type Match struct {
	Rule    Rule
	Message string
}

// Evaluator decides whether a rule condition holds for a request.
// The default is CEL-backed; a substitute may be plugged in.
type Evaluator interface {
	Compile(rule Rule) error
	Matches(ctx context.Context, rule Rule, req Request) (bool, error)
}

// Enforcer holds the loaded rule set and evaluates requests against it,
// highest priority first.
type Enforcer struct {
	mu        sync.RWMutex
	rules     map[string]Rule
	evaluator Evaluator
}

// NewEnforcer creates an enforcer over the given evaluator. A nil
// evaluator gets the CEL default.
func NewEnforcer(evaluator Evaluator) (*Enforcer, error) {
	if evaluator == nil {
		var err error
		evaluator, err = NewCELEvaluator()
		if err != nil {
			return nil, err
		}
	}
	return &Enforcer{rules: make(map[string]Rule), evaluator: evaluator}, nil
}

// Load compiles and registers a rule, replacing any prior version.
func (e *Enforcer) Load(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("policy: rule id required")
	}
	if err := e.evaluator.Compile(rule); err != nil {
		return fmt.Errorf("policy: compile rule %s: %w", rule.ID, err)
	}
	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	return nil
}

// LoadAll registers rules, stopping at the first compile failure.
func (e *Enforcer) LoadAll(rules []Rule) error {
	for _, r := range rules {
		if err := e.Load(r); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops a rule by id.
func (e *Enforcer) Remove(id string) {
	e.mu.Lock()
	delete(e.rules, id)
	e.mu.Unlock()
}

// Rules returns the enabled rules sorted by descending priority.
func (e *Enforcer) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Evaluate runs the request through every enabled rule. Evaluation
// errors fail closed: the rule is treated as matched with its configured
// action so a broken condition cannot silently allow.
func (e *Enforcer) Evaluate(ctx context.Context, req Request) ([]Match, error) {
	var matches []Match
	for _, rule := range e.Rules() {
		matched, err := e.evaluator.Matches(ctx, rule, req)
		if err != nil {
			matches = append(matches, Match{
				Rule:    rule,
				Message: fmt.Sprintf("rule %s evaluation failed, failing closed: %v", rule.ID, err),
			})
			continue
		}
		if matched {
			msg := rule.MessageTemplate
			if msg == "" {
				msg = fmt.Sprintf("rule %s matched", rule.Name)
			}
			matches = append(matches, Match{Rule: rule, Message: msg})
		}
	}
	return matches, nil
}

// CELEvaluator compiles rule conditions as CEL expressions over the
// four request fields. The supported operator surface covers equality,
// inequality, and list membership.
type CELEvaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewCELEvaluator builds the shared CEL environment.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("resource_type", types.StringType),
			decls.NewVariable("actor_id", types.StringType),
			decls.NewVariable("tenant_id", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}
	return &CELEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *CELEvaluator) Compile(rule Rule) error {
	ast, issues := c.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.programs[rule.ID] = prg
	c.mu.Unlock()
	return nil
}

func (c *CELEvaluator) Matches(ctx context.Context, rule Rule, req Request) (bool, error) {
	c.mu.RLock()
	prg, ok := c.programs[rule.ID]
	c.mu.RUnlock()
	if !ok {
		if err := c.Compile(rule); err != nil {
			return false, err
		}
		c.mu.RLock()
		prg = c.programs[rule.ID]
		c.mu.RUnlock()
	}

	out, _, err := prg.ContextEval(ctx, map[string]interface{}{
		"action":        req.Action,
		"resource_type": req.ResourceType,
		"actor_id":      req.ActorID,
		"tenant_id":     req.TenantID,
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to bool")
	}
	return matched, nil
}

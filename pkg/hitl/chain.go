// Package hitl drives the multi-step, timed, escalating human-in-the-loop
// approval workflow: chain definitions, the approval state machine,
// escalation timers, SLA tracking, notification fan-out, and the
// checksum-chained decision audit trail.
package hitl

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Priority orders approval requests and selects escalation timeouts.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityStandard Priority = "standard"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status tracks an approval request. Terminal statuses are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Step is one rung of an approval chain.
type Step struct {
	Name           string        `yaml:"name" json:"name"`
	Approvers      []string      `yaml:"approvers" json:"approvers"`
	Roles          []string      `yaml:"roles" json:"roles"`
	Quorum         int           `yaml:"quorum" json:"quorum"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	EscalationRole string        `yaml:"escalation_role" json:"escalation_role"`
}

// ChainDefinition is a versioned, ordered list of approval steps.
type ChainDefinition struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Steps   []Step `yaml:"steps" json:"steps"`
}

// Validate checks structural soundness: a parseable semver version, at
// least one step, and a satisfiable quorum per step.
func (d *ChainDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("hitl: chain definition id required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("hitl: chain %s version %q: %w", d.ID, d.Version, err)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("hitl: chain %s has no steps", d.ID)
	}
	for i, step := range d.Steps {
		if step.Quorum <= 0 {
			return fmt.Errorf("hitl: chain %s step %d quorum must be positive", d.ID, i)
		}
		if len(step.Approvers) == 0 && len(step.Roles) == 0 {
			return fmt.Errorf("hitl: chain %s step %d has no approvers or roles", d.ID, i)
		}
		if len(step.Approvers) > 0 && step.Quorum > len(step.Approvers) {
			return fmt.Errorf("hitl: chain %s step %d quorum %d exceeds approver count %d",
				d.ID, i, step.Quorum, len(step.Approvers))
		}
	}
	return nil
}

// LoadChainDefinitions reads a YAML file with a list of definitions.
func LoadChainDefinitions(path string) ([]ChainDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hitl: read chain definitions: %w", err)
	}
	var doc struct {
		Chains []ChainDefinition `yaml:"chains"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("hitl: parse chain definitions: %w", err)
	}
	for i := range doc.Chains {
		if err := doc.Chains[i].Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Chains, nil
}

// StepApproval is one approver's recorded decision at a step.
type StepApproval struct {
	Approver  string    `json:"approver"`
	StepIndex int       `json:"step_index"`
	Decision  string    `json:"decision"` // "approve" or "reject"
	Rationale string    `json:"rationale"`
	Timestamp time.Time `json:"timestamp"`
}

// EscalationRecord is one entry of a request's escalation history.
type EscalationRecord struct {
	Level     int       `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Request is a live approval request.
type Request struct {
	ID               string                 `json:"id"`
	ChainID          string                 `json:"chain_id"`
	ChainVersion     string                 `json:"chain_version"`
	DecisionID       string                 `json:"decision_id"`
	TenantID         string                 `json:"tenant_id"`
	Requester        string                 `json:"requester"`
	Title            string                 `json:"title"`
	Description      string                 `json:"description"`
	Priority         Priority               `json:"priority"`
	Context          map[string]interface{} `json:"context"`
	Status           Status                 `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Approvals        []StepApproval         `json:"approvals"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	ExpiresAt        time.Time              `json:"expires_at"`
	Escalations      []EscalationRecord     `json:"escalation_history"`
}

// stepApprovalCount counts approve decisions at the given step.
func (r *Request) stepApprovalCount(step int) int {
	n := 0
	for _, a := range r.Approvals {
		if a.StepIndex == step && a.Decision == "approve" {
			n++
		}
	}
	return n
}

// hasApproved reports whether approver already approved the given step.
func (r *Request) hasApproved(step int, approver string) bool {
	for _, a := range r.Approvals {
		if a.StepIndex == step && a.Approver == approver && a.Decision == "approve" {
			return true
		}
	}
	return false
}

// Package envelope defines the in-flight unit of work traversing the
// governance pipeline. Every envelope carries the constitutional anchor and
// is rejected at ingest when the anchor does not match the process value.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/governd/cgr/pkg/anchor"
)

// MessageType classifies the intent of an envelope.
type MessageType string

const (
	TypeCommand           MessageType = "command"
	TypeQuery             MessageType = "query"
	TypeGovernanceRequest MessageType = "governance_request"
	TypeEvent             MessageType = "event"
	TypeResponse          MessageType = "response"
)

// Priority orders envelopes for routing and approval timeouts.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status tracks an envelope through its lifecycle. Transitions are
// monotonic: pending → delivered|queued → approved|rejected|expired|cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition indicates a status change that would move backwards
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid envelope status transition")

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusDelivered: 1,
	StatusQueued:    1,
	StatusApproved:  2,
	StatusRejected:  2,
	StatusExpired:   2,
	StatusCancelled: 2,
}

// CanTransition reports whether from → to respects monotonic ordering.
// Terminal statuses (rank 2) admit no further transitions.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if fr == 2 {
		return false
	}
	return tr > fr
}

// Envelope is the wire-level unit of work. The ID is immutable once set;
// only the router and guardrail pipeline mutate Status and ImpactScore.
type Envelope struct {
	ID                 string                 `json:"id"`
	TenantID           string                 `json:"tenant_id"`
	ActorID            string                 `json:"actor_id"`
	To                 string                 `json:"to"`
	MessageType        MessageType            `json:"message_type"`
	Priority           Priority               `json:"priority"`
	Payload            map[string]interface{} `json:"payload"`
	Status             Status                 `json:"status"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	ImpactScore        *float64               `json:"impact_score,omitempty"`
	ConstitutionalHash anchor.Hash            `json:"constitutional_hash"`
}

// New creates a pending envelope stamped with the given anchor.
func New(tenantID, actorID, to string, mt MessageType, payload map[string]interface{}, a anchor.Hash) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		ActorID:            actorID,
		To:                 to,
		MessageType:        mt,
		Priority:           PriorityNormal,
		Payload:            payload,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		ConstitutionalHash: a,
	}
}

// SetStatus advances the envelope status, enforcing monotonicity.
func (e *Envelope) SetStatus(to Status) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// SetImpactScore records the computed impact, clamped to [0,1].
func (e *Envelope) SetImpactScore(score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	e.ImpactScore = &score
	e.UpdatedAt = time.Now().UTC()
}

// VerifyAnchor checks the envelope against the process anchor.
func (e *Envelope) VerifyAnchor(want anchor.Hash) error {
	return anchor.Verify(e.ConstitutionalHash, want)
}

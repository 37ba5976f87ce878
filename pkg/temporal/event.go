// Package temporal implements the append-only, causally-ordered
// constitutional event log with snapshot-accelerated historical queries.
package temporal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/canonicalize"
)

// EventType enumerates the recordable constitutional event kinds.
type EventType string

const (
	EventPolicyCreated        EventType = "policy_created"
	EventPolicyExecuted       EventType = "policy_executed"
	EventDecisionMade         EventType = "decision_made"
	EventValidationCompleted  EventType = "validation_completed"
	EventConstitutionalReview EventType = "constitutional_review"
	EventBranchAction         EventType = "branch_action"
	EventConsensusAchieved    EventType = "consensus_achieved"
)

var validEventTypes = map[EventType]bool{
	EventPolicyCreated:        true,
	EventPolicyExecuted:       true,
	EventDecisionMade:         true,
	EventValidationCompleted:  true,
	EventConstitutionalReview: true,
	EventBranchAction:         true,
	EventConsensusAchieved:    true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return validEventTypes[t] }

// idLen is the hex length of content-addressed identifiers.
const idLen = 16

// Event is an immutable, content-addressed log entry.
type Event struct {
	ID                 string                 `json:"id"`
	Type               EventType              `json:"event_type"`
	Timestamp          time.Time              `json:"timestamp"`
	Actor              string                 `json:"actor"`
	Payload            map[string]interface{} `json:"payload"`
	ParentIDs          []string               `json:"parent_ids"`
	CausalHash         string                 `json:"causal_hash"`
	ConstitutionalHash anchor.Hash            `json:"constitutional_hash"`
}

// eventID derives the content address from type, timestamp, actor, and
// the canonicalized payload.
func eventID(t EventType, ts time.Time, actor string, payload map[string]interface{}) (string, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("temporal: canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(t))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(actor))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:idLen], nil
}

// causalHash binds an event id to its sorted parent set and payload.
func causalHash(id string, parentIDs []string, payload map[string]interface{}) (string, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("temporal: canonicalize payload: %w", err)
	}
	sorted := append([]string(nil), parentIDs...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte(strings.Join(sorted, ",")))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:idLen], nil
}

package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/governd/cgr/pkg/anchor"
)

// wireSchema is the JSON Schema every inbound envelope must satisfy before
// it is admitted into the pipeline.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "tenant_id", "actor_id", "message_type", "payload", "constitutional_hash"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string", "minLength": 1},
    "actor_id": {"type": "string", "minLength": 1},
    "to": {"type": "string"},
    "message_type": {"type": "string", "enum": ["command", "query", "governance_request", "event", "response"]},
    "priority": {"type": "string", "enum": ["low", "normal", "high", "critical"]},
    "payload": {"type": "object"},
    "status": {"type": "string"},
    "impact_score": {"type": "number", "minimum": 0, "maximum": 1},
    "constitutional_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"}
  }
}`

var wireValidator = jsonschema.MustCompileString("envelope.json", wireSchema)

// ValidateWire checks raw JSON against the envelope wire schema.
func ValidateWire(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("envelope: malformed JSON: %w", err)
	}
	if err := wireValidator.Validate(v); err != nil {
		return fmt.Errorf("envelope: schema violation: %w", err)
	}
	return nil
}

// Decode parses and validates an envelope from the wire, including the
// constitutional anchor check against the process value.
func Decode(data []byte, processAnchor anchor.Hash) (*Envelope, error) {
	if err := ValidateWire(data); err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode failed: %w", err)
	}
	if err := e.VerifyAnchor(processAnchor); err != nil {
		return nil, err
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	return &e, nil
}

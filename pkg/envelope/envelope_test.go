package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/governd/cgr/pkg/anchor"
)

func TestStatusMonotonic(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusDelivered))
	assert.True(t, CanTransition(StatusPending, StatusQueued))
	assert.True(t, CanTransition(StatusQueued, StatusApproved))
	assert.True(t, CanTransition(StatusQueued, StatusExpired))

	// No backwards moves, no transitions out of terminal states.
	assert.False(t, CanTransition(StatusDelivered, StatusPending))
	assert.False(t, CanTransition(StatusApproved, StatusRejected))
	assert.False(t, CanTransition(StatusExpired, StatusPending))
	assert.False(t, CanTransition(StatusCancelled, StatusQueued))
}

func TestSetStatusRejectsRegression(t *testing.T) {
	e := New("t1", "a1", "svc", TypeQuery, map[string]interface{}{"q": "x"}, anchor.Default)
	require.NoError(t, e.SetStatus(StatusQueued))
	require.NoError(t, e.SetStatus(StatusApproved))
	err := e.SetStatus(StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetImpactScoreClamped(t *testing.T) {
	e := New("t1", "a1", "svc", TypeQuery, nil, anchor.Default)
	e.SetImpactScore(1.7)
	require.NotNil(t, e.ImpactScore)
	assert.Equal(t, 1.0, *e.ImpactScore)
	e.SetImpactScore(-0.2)
	assert.Equal(t, 0.0, *e.ImpactScore)
}

func TestDecodeValidEnvelope(t *testing.T) {
	raw := map[string]interface{}{
		"id":                  "e1",
		"tenant_id":           "tenant-a",
		"actor_id":            "agent-7",
		"message_type":        "query",
		"payload":             map[string]interface{}{"q": "weather today"},
		"constitutional_hash": anchor.Default.String(),
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	e, err := Decode(data, anchor.Default)
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, PriorityNormal, e.Priority)
}

func TestDecodeRejectsAnchorMismatch(t *testing.T) {
	raw := map[string]interface{}{
		"id":                  "e2",
		"tenant_id":           "tenant-a",
		"actor_id":            "agent-7",
		"message_type":        "command",
		"payload":             map[string]interface{}{},
		"constitutional_hash": "deadbeefdeadbeef",
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = Decode(data, anchor.Default)
	assert.ErrorIs(t, err, anchor.ErrMismatch)
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	// missing tenant_id, malformed anchor
	_, err := Decode([]byte(`{"id":"x","actor_id":"a","message_type":"query","payload":{},"constitutional_hash":"zzz"}`), anchor.Default)
	assert.Error(t, err)
}

func TestAnchorValidation(t *testing.T) {
	assert.True(t, anchor.Default.Valid())
	assert.False(t, anchor.Hash("short").Valid())
	assert.False(t, anchor.Hash("ZZZZZZZZZZZZZZZZ").Valid())
	assert.ErrorIs(t, anchor.Verify("0123456789abcdef", anchor.Default), anchor.ErrMismatch)
	assert.NoError(t, anchor.Verify(anchor.Default, anchor.Default))
}

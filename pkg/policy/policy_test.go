package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(nil)
	require.NoError(t, err)
	return e
}

func TestEqualityCondition(t *testing.T) {
	e := newEnforcer(t)
	require.NoError(t, e.Load(Rule{
		ID:        "deny-delete",
		Name:      "deny deletes",
		Condition: `action == 'delete'`,
		Action:    ActionDeny,
		Severity:  SeverityHigh,
		Enabled:   true,
	}))

	matches, err := e.Evaluate(context.Background(), Request{Action: "delete"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, ActionDeny, matches[0].Rule.Action)

	matches, err = e.Evaluate(context.Background(), Request{Action: "read"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestInequalityCondition(t *testing.T) {
	e := newEnforcer(t)
	require.NoError(t, e.Load(Rule{
		ID:        "non-default-tenant",
		Condition: `tenant_id != 'default'`,
		Action:    ActionAuditOnly,
		Enabled:   true,
	}))

	matches, err := e.Evaluate(context.Background(), Request{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = e.Evaluate(context.Background(), Request{TenantID: "default"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMembershipCondition(t *testing.T) {
	e := newEnforcer(t)
	require.NoError(t, e.Load(Rule{
		ID:        "sensitive-resources",
		Condition: `resource_type in ['database', 'secrets']`,
		Action:    ActionRequireApproval,
		Severity:  SeverityHigh,
		Enabled:   true,
	}))

	matches, err := e.Evaluate(context.Background(), Request{ResourceType: "secrets"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, ActionRequireApproval, matches[0].Rule.Action)

	matches, err = e.Evaluate(context.Background(), Request{ResourceType: "cache"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := newEnforcer(t)
	require.NoError(t, e.Load(Rule{
		ID:        "off",
		Condition: `action == 'x'`,
		Action:    ActionDeny,
		Enabled:   false,
	}))
	matches, err := e.Evaluate(context.Background(), Request{Action: "x"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRulesSortedByPriority(t *testing.T) {
	e := newEnforcer(t)
	require.NoError(t, e.LoadAll([]Rule{
		{ID: "low", Condition: `action == 'x'`, Priority: 1, Enabled: true},
		{ID: "high", Condition: `action == 'x'`, Priority: 10, Enabled: true},
	}))
	rules := e.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].ID)
}

func TestCompileErrorSurfaced(t *testing.T) {
	e := newEnforcer(t)
	err := e.Load(Rule{ID: "broken", Condition: `action ==`, Enabled: true})
	assert.Error(t, err)
}

type failingEvaluator struct{}

func (failingEvaluator) Compile(Rule) error { return nil }
func (failingEvaluator) Matches(context.Context, Rule, Request) (bool, error) {
	return false, errors.New("evaluator down")
}

func TestEvaluationErrorFailsClosed(t *testing.T) {
	e, err := NewEnforcer(failingEvaluator{})
	require.NoError(t, err)
	require.NoError(t, e.Load(Rule{ID: "r1", Condition: `whatever`, Action: ActionDeny, Enabled: true}))

	matches, err := e.Evaluate(context.Background(), Request{Action: "read"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].Message, "failing closed")
}

package temporal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/governd/cgr/pkg/anchor"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	e, err := NewEngine(opts, anchor.Default)
	require.NoError(t, err)
	return e
}

func TestNewEngineRejectsAnchorMismatch(t *testing.T) {
	_, err := NewEngine(EngineOptions{Anchor: "ffffffffffffffff"}, anchor.Default)
	assert.ErrorIs(t, err, anchor.ErrMismatch)
}

func TestRecordStampsContentAddressAndAnchor(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ev, err := e.Record(context.Background(), EventDecisionMade, "agent-1",
		map[string]interface{}{"decision_id": "d1"}, nil)
	require.NoError(t, err)
	assert.Len(t, ev.ID, 16)
	assert.Len(t, ev.CausalHash, 16)
	assert.Equal(t, anchor.Default, ev.ConstitutionalHash)
	assert.True(t, e.CurrentState().PendingDecisions["d1"])
}

func TestRecordRejectsUnknownParent(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	_, err := e.Record(context.Background(), EventDecisionMade, "agent-1", nil, []string{"deadbeefdeadbeef"})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestRecordRejectsUnknownEventType(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	_, err := e.Record(context.Background(), EventType("made_up"), "agent-1", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidEventType)
}

func TestParentTimestampsStrictlyPrecedeChild(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, EngineOptions{Clock: clock})

	parent, err := e.Record(context.Background(), EventPolicyCreated, "agent-1",
		map[string]interface{}{"policy_id": "p1"}, nil)
	require.NoError(t, err)

	// Clock is frozen; the engine must still order the child after the parent.
	child, err := e.Record(context.Background(), EventPolicyExecuted, "agent-1",
		map[string]interface{}{"decision_id": "d1"}, []string{parent.ID})
	require.NoError(t, err)
	assert.True(t, parent.Timestamp.Before(child.Timestamp))
}

func TestStateTransitions(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	_, err := e.Record(ctx, EventPolicyCreated, "agent-1", map[string]interface{}{"policy_id": "p1"}, nil)
	require.NoError(t, err)
	_, err = e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "d1"}, nil)
	require.NoError(t, err)

	state := e.CurrentState()
	assert.True(t, state.ActivePolicies["p1"])
	assert.True(t, state.PendingDecisions["d1"])

	_, err = e.Record(ctx, EventPolicyExecuted, "agent-1", map[string]interface{}{"decision_id": "d1"}, nil)
	require.NoError(t, err)
	assert.False(t, e.CurrentState().PendingDecisions["d1"])

	_, err = e.Record(ctx, EventBranchAction, "agent-1",
		map[string]interface{}{"branch_id": "b1", "state": "merged"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "merged", e.CurrentState().BranchStates["b1"])
}

func TestBranchActionActorShapeBounded(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	_, err := e.Record(context.Background(), EventBranchAction, "bad actor with spaces",
		map[string]interface{}{"branch_id": "b1"}, nil)
	assert.Error(t, err)
}

func TestCausalFrontierTracksLeaves(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	a, err := e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "a"}, nil)
	require.NoError(t, err)
	b, err := e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "b"}, []string{a.ID})
	require.NoError(t, err)

	frontier := e.CurrentState().CausalFrontier
	assert.False(t, frontier[a.ID])
	assert.True(t, frontier[b.ID])
}

func TestQueryMostRecentFirstWithFilters(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	_, err := e.Record(ctx, EventPolicyCreated, "alice", map[string]interface{}{"policy_id": "p1"}, nil)
	require.NoError(t, err)
	_, err = e.Record(ctx, EventDecisionMade, "bob", map[string]interface{}{"decision_id": "d1"}, nil)
	require.NoError(t, err)
	last, err := e.Record(ctx, EventDecisionMade, "alice", map[string]interface{}{"decision_id": "d2"}, nil)
	require.NoError(t, err)

	all := e.Query(QueryFilter{}, 0)
	require.Len(t, all, 3)
	assert.Equal(t, last.ID, all[0].ID)

	byActor := e.Query(QueryFilter{Actor: "alice"}, 0)
	assert.Len(t, byActor, 2)

	byType := e.Query(QueryFilter{EventType: EventPolicyCreated}, 0)
	assert.Len(t, byType, 1)

	limited := e.Query(QueryFilter{}, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, last.ID, limited[0].ID)
}

func TestValidateStatuses(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	a, err := e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "a"}, nil)
	require.NoError(t, err)

	status, _ := e.Validate(a)
	assert.Equal(t, StatusConsistent, status)

	missing := *a
	missing.ParentIDs = []string{"0000000000000000"}
	status, _ = e.Validate(&missing)
	assert.Equal(t, StatusMissingDependencies, status)

	early := *a
	early.ParentIDs = []string{a.ID}
	early.Timestamp = a.Timestamp.Add(-time.Hour)
	status, _ = e.Validate(&early)
	assert.Equal(t, StatusTemporallyInconsistent, status)

	tampered := *a
	tampered.Payload = map[string]interface{}{"decision_id": "tampered"}
	status, msg := e.Validate(&tampered)
	assert.Equal(t, StatusCausallyInconsistent, status)
	assert.Contains(t, msg, "causal hash")

	wrongAnchor := *a
	wrongAnchor.ConstitutionalHash = "ffffffffffffffff"
	status, _ = e.Validate(&wrongAnchor)
	assert.Equal(t, StatusCausallyInconsistent, status)
}

func TestCycleRefused(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	a, err := e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "a"}, nil)
	require.NoError(t, err)
	b, err := e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "b"}, []string{a.ID})
	require.NoError(t, err)
	c, err := e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "c"}, []string{b.ID})
	require.NoError(t, err)

	// A candidate that claims to be an ancestor of one of its own
	// parents is refused.
	candidate := *c
	candidate.ParentIDs = []string{c.ID}
	candidate.ID = a.ID
	candidate.Timestamp = c.Timestamp.Add(time.Second)
	status, _ := e.Validate(&candidate)
	assert.Equal(t, StatusCausallyInconsistent, status)

	// The direct cycle check also fires: c already descends from a.
	assert.True(t, e.wouldCreateCycle(a.ID, []string{c.ID}))
}

func TestSnapshotAndStateAtReplay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, EngineOptions{Clock: clock, SnapshotInterval: 3})
	ctx := context.Background()

	var mid time.Time
	for i := 0; i < 6; i++ {
		clock.Advance(time.Minute)
		pid := string(rune('a' + i))
		_, err := e.Record(ctx, EventPolicyCreated, "agent-1", map[string]interface{}{"policy_id": pid}, nil)
		require.NoError(t, err)
		if i == 3 {
			mid = clock.now
		}
	}

	state := e.StateAt(mid)
	assert.Equal(t, 4, state.EventCount)
	assert.True(t, state.ActivePolicies["d"])
	assert.False(t, state.ActivePolicies["e"])

	// State before any event is empty.
	empty := e.StateAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 0, empty.EventCount)
}

func TestStateAtMatchesLiveState(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, EngineOptions{Clock: clock, SnapshotInterval: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_, err := e.Record(ctx, EventDecisionMade, "agent-1",
			map[string]interface{}{"decision_id": string(rune('a' + i))}, nil)
		require.NoError(t, err)
	}
	live := e.CurrentState()
	replayed := e.StateAt(clock.now)
	assert.Equal(t, live.EventCount, replayed.EventCount)
	assert.Equal(t, live.PendingDecisions, replayed.PendingDecisions)
	assert.Equal(t, live.CausalFrontier, replayed.CausalFrontier)
}

func TestValidateAll(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ctx := context.Background()
	a, err := e.Record(ctx, EventDecisionMade, "agent-1", map[string]interface{}{"decision_id": "a"}, nil)
	require.NoError(t, err)
	_, err = e.Record(ctx, EventPolicyExecuted, "agent-1", map[string]interface{}{"decision_id": "a"}, []string{a.ID})
	require.NoError(t, err)

	ok, errs := e.ValidateAll()
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestSQLiteSnapshotStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewSQLiteSnapshotStore(path)
	require.NoError(t, err)
	defer store.Close()

	snap := newSnapshotState()
	snap.Timestamp = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	snap.EventCount = 100
	snap.ActivePolicies["p1"] = true
	require.NoError(t, store.Save(context.Background(), snap))

	loaded, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 100, loaded[0].EventCount)
	assert.True(t, loaded[0].ActivePolicies["p1"])
}

func TestEnginePersistsSnapshotsToStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewSQLiteSnapshotStore(path)
	require.NoError(t, err)
	defer store.Close()

	e := newTestEngine(t, EngineOptions{SnapshotInterval: 2, Store: store})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := e.Record(ctx, EventDecisionMade, "agent-1",
			map[string]interface{}{"decision_id": string(rune('a' + i))}, nil)
		require.NoError(t, err)
	}

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/governd/cgr/pkg/anchor"
)

// ConsistencyStatus classifies the outcome of event validation.
type ConsistencyStatus string

const (
	StatusConsistent             ConsistencyStatus = "consistent"
	StatusMissingDependencies    ConsistencyStatus = "missing_dependencies"
	StatusTemporallyInconsistent ConsistencyStatus = "temporally_inconsistent"
	StatusCausallyInconsistent   ConsistencyStatus = "causally_inconsistent"
)

var (
	// ErrMissingDependency is the only validation failure Record raises
	// as an error; the rest come back as statuses so callers can
	// quarantine instead of crash.
	ErrMissingDependency = errors.New("temporal: parent event not recorded")

	ErrInvalidEventType = errors.New("temporal: unknown event type")
	ErrDuplicateEvent   = errors.New("temporal: event id already recorded")
)

// branch_action actors are constrained to a bounded identifier shape.
var branchActorPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]{0,63}$`)

// Clock supplies timestamps, injectable for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// QueryFilter narrows Query results. Zero values match everything.
type QueryFilter struct {
	EventType EventType
	Actor     string
	From      time.Time
	To        time.Time
}

// Engine is the append-only constitutional event log. All mutating and
// reading operations take the engine lock; events are immutable once
// recorded.
type Engine struct {
	mu sync.Mutex

	anchor           anchor.Hash
	snapshotInterval int
	clock            Clock
	store            SnapshotStore // nil disables snapshot persistence
	logger           *slog.Logger

	events   map[string]*Event
	byTime   []*Event // kept sorted by timestamp, append order for ties
	byActor  map[string][]*Event
	byType   map[EventType][]*Event
	children map[string][]string

	state     Snapshot // current derived state
	snapshots []Snapshot
	lastTS    time.Time
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Anchor           anchor.Hash
	SnapshotInterval int
	Clock            Clock
	Store            SnapshotStore
}

// NewEngine creates an event engine. Construction fails when the
// configured anchor does not match the process anchor.
func NewEngine(opts EngineOptions, processAnchor anchor.Hash) (*Engine, error) {
	if opts.Anchor == "" {
		opts.Anchor = anchor.Default
	}
	if err := anchor.Verify(opts.Anchor, processAnchor); err != nil {
		return nil, err
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 100
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	e := &Engine{
		anchor:           opts.Anchor,
		snapshotInterval: opts.SnapshotInterval,
		clock:            opts.Clock,
		store:            opts.Store,
		logger:           slog.Default().With("component", "temporal_engine"),
		events:           make(map[string]*Event),
		byActor:          make(map[string][]*Event),
		byType:           make(map[EventType][]*Event),
		children:         make(map[string][]string),
		state:            newSnapshotState(),
	}
	if opts.Store != nil {
		if snaps, err := opts.Store.LoadAll(context.Background()); err != nil {
			e.logger.Warn("could not load persisted snapshots", "error", err)
		} else {
			e.snapshots = snaps
		}
	}
	return e, nil
}

// Record appends a new event. Parent ids must reference recorded events,
// parent timestamps must strictly precede the new event, and the parent
// graph must stay acyclic.
func (e *Engine) Record(ctx context.Context, eventType EventType, actor string, payload map[string]interface{}, parentIDs []string) (*Event, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if eventType == EventBranchAction && !branchActorPattern.MatchString(actor) {
		return nil, fmt.Errorf("temporal: branch_action actor %q violates identifier shape", actor)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pid := range parentIDs {
		if _, ok := e.events[pid]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, pid)
		}
	}

	ts := e.clock.Now().UTC()
	// Timestamps along a chain are strictly increasing even when the
	// clock resolution cannot separate two records.
	if !ts.After(e.lastTS) {
		ts = e.lastTS.Add(time.Nanosecond)
	}
	for _, pid := range parentIDs {
		if !e.events[pid].Timestamp.Before(ts) {
			return nil, fmt.Errorf("temporal: parent %s does not precede child timestamp", pid)
		}
	}

	id, err := eventID(eventType, ts, actor, payload)
	if err != nil {
		return nil, err
	}
	if _, exists := e.events[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, id)
	}
	if e.wouldCreateCycle(id, parentIDs) {
		return nil, fmt.Errorf("temporal: recording %s would create a causal cycle", id)
	}

	chash, err := causalHash(id, parentIDs, payload)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		ID:                 id,
		Type:               eventType,
		Timestamp:          ts,
		Actor:              actor,
		Payload:            payload,
		ParentIDs:          append([]string(nil), parentIDs...),
		CausalHash:         chash,
		ConstitutionalHash: e.anchor,
	}

	e.events[id] = ev
	e.byTime = append(e.byTime, ev)
	e.byActor[actor] = append(e.byActor[actor], ev)
	e.byType[eventType] = append(e.byType[eventType], ev)
	for _, pid := range parentIDs {
		e.children[pid] = append(e.children[pid], id)
	}
	e.lastTS = ts

	e.applyTransition(&e.state, ev)
	for _, pid := range parentIDs {
		delete(e.state.CausalFrontier, pid)
	}
	e.state.CausalFrontier[id] = true
	e.state.Timestamp = ts
	e.state.EventCount = len(e.events)

	if len(e.events)%e.snapshotInterval == 0 {
		e.snapshotLocked(ctx)
	}
	return ev, nil
}

// wouldCreateCycle runs a DFS over the child adjacency from the candidate
// id; reaching any declared parent means that parent already descends
// from the candidate.
func (e *Engine) wouldCreateCycle(id string, parentIDs []string) bool {
	if len(parentIDs) == 0 {
		return false
	}
	parents := make(map[string]bool, len(parentIDs))
	for _, pid := range parentIDs {
		parents[pid] = true
	}
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		if parents[n] && n != id {
			return true
		}
		stack = append(stack, e.children[n]...)
	}
	return false
}

// applyTransition folds an event into derived state.
func (e *Engine) applyTransition(s *Snapshot, ev *Event) {
	switch ev.Type {
	case EventPolicyCreated:
		if pid, ok := ev.Payload["policy_id"].(string); ok && pid != "" {
			s.ActivePolicies[pid] = true
		}
	case EventDecisionMade:
		if did, ok := ev.Payload["decision_id"].(string); ok && did != "" {
			s.PendingDecisions[did] = true
		}
	case EventPolicyExecuted:
		if did, ok := ev.Payload["decision_id"].(string); ok && did != "" {
			delete(s.PendingDecisions, did)
		}
	case EventBranchAction:
		if branch, ok := ev.Payload["branch_id"].(string); ok && branch != "" {
			s.BranchStates[branch] = ev.Payload["state"]
		}
	}
}

func (e *Engine) snapshotLocked(ctx context.Context) {
	snap := e.state.clone()
	e.snapshots = append(e.snapshots, snap)
	if e.store != nil {
		if err := e.store.Save(ctx, snap); err != nil {
			e.logger.Warn("snapshot persistence failed", "event_count", snap.EventCount, "error", err)
		}
	}
	e.logger.Debug("snapshot taken", "event_count", snap.EventCount)
}

// Validate classifies an event against the recorded log without
// mutating it.
func (e *Engine) Validate(ev *Event) (ConsistencyStatus, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pid := range ev.ParentIDs {
		if _, ok := e.events[pid]; !ok {
			return StatusMissingDependencies, fmt.Sprintf("parent %s not recorded", pid)
		}
	}
	for _, pid := range ev.ParentIDs {
		if !e.events[pid].Timestamp.Before(ev.Timestamp) {
			return StatusTemporallyInconsistent, fmt.Sprintf("parent %s does not precede event", pid)
		}
	}
	if err := anchor.Verify(ev.ConstitutionalHash, e.anchor); err != nil {
		return StatusCausallyInconsistent, "constitutional anchor mismatch"
	}
	expected, err := causalHash(ev.ID, ev.ParentIDs, ev.Payload)
	if err != nil || expected != ev.CausalHash {
		return StatusCausallyInconsistent, "causal hash mismatch"
	}
	if e.wouldCreateCycle(ev.ID, ev.ParentIDs) {
		return StatusCausallyInconsistent, "event would create a causal cycle"
	}
	return StatusConsistent, ""
}

// Query returns matching events, most recent first.
func (e *Engine) Query(filter QueryFilter, limit int) []*Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Event
	for i := len(e.byTime) - 1; i >= 0; i-- {
		ev := e.byTime[i]
		if filter.EventType != "" && ev.Type != filter.EventType {
			continue
		}
		if filter.Actor != "" && ev.Actor != filter.Actor {
			continue
		}
		if !filter.From.IsZero() && ev.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && ev.Timestamp.After(filter.To) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns a recorded event by id.
func (e *Engine) Get(id string) (*Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	return ev, ok
}

// StateAt reconstructs derived state as of t by replaying events after
// the nearest snapshot at or before t.
func (e *Engine) StateAt(t time.Time) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := newSnapshotState()
	for i := len(e.snapshots) - 1; i >= 0; i-- {
		if !e.snapshots[i].Timestamp.After(t) {
			base = e.snapshots[i].clone()
			break
		}
	}

	// byTime is sorted; replay everything in (base.Timestamp, t].
	start := sort.Search(len(e.byTime), func(i int) bool {
		return e.byTime[i].Timestamp.After(base.Timestamp)
	})
	for _, ev := range e.byTime[start:] {
		if ev.Timestamp.After(t) {
			break
		}
		e.applyTransition(&base, ev)
		for _, pid := range ev.ParentIDs {
			delete(base.CausalFrontier, pid)
		}
		base.CausalFrontier[ev.ID] = true
		base.Timestamp = ev.Timestamp
		base.EventCount++
	}
	return base
}

// CurrentState returns a copy of the live derived state.
func (e *Engine) CurrentState() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// ValidateAll re-validates every recorded event in time order.
func (e *Engine) ValidateAll() (bool, []string) {
	e.mu.Lock()
	events := append([]*Event(nil), e.byTime...)
	e.mu.Unlock()

	var errs []string
	for _, ev := range events {
		if status, msg := e.Validate(ev); status != StatusConsistent {
			errs = append(errs, fmt.Sprintf("%s: %s (%s)", ev.ID, status, msg))
		}
	}
	return len(errs) == 0, errs
}

// EventCount returns the number of recorded events.
func (e *Engine) EventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

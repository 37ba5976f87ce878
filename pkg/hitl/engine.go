package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/ledger"
	"github.com/governd/cgr/pkg/temporal"
)

// LedgerRecorder receives validation records for batch anchoring.
type LedgerRecorder interface {
	Submit(record ledger.ValidationRecord) (string, error)
}

// EventRecorder receives lifecycle events for causal tracking.
type EventRecorder interface {
	Record(ctx context.Context, eventType temporal.EventType, actor string, payload map[string]interface{}, parentIDs []string) (*temporal.Event, error)
}

// Notifier fans a notification out to configured channels.
type Notifier interface {
	Notify(ctx context.Context, msg NotificationMessage)
}

var (
	ErrUnknownChain    = fmt.Errorf("hitl: unknown approval chain")
	ErrUnknownRequest  = fmt.Errorf("hitl: unknown approval request")
	ErrTerminalState   = fmt.Errorf("hitl: request is in a terminal state")
	ErrNotAuthorized   = fmt.Errorf("hitl: actor not authorized for this step")
	ErrAlreadyApproved = fmt.Errorf("hitl: actor already approved this step")
)

// defaultMaxEscalations bounds how many times an unanswered request is
// escalated before it expires.
const defaultMaxEscalations = 3

// EngineOptions configures the approval engine.
type EngineOptions struct {
	Anchor         anchor.Hash
	Chains         []ChainDefinition
	Timers         *TimerEngine
	Trail          *AuditTrail
	SLA            *SLATracker
	Notifier       Notifier
	Ledger         LedgerRecorder
	Events         EventRecorder
	MaxEscalations int
	ApprovalURL    string // base URL for review links
}

// Engine is the approval chain state machine. Requests move
// pending -> approved | rejected | expired | cancelled; terminal states
// admit no further transitions and the current step index never
// decreases.
type Engine struct {
	mu sync.Mutex

	anchor         anchor.Hash
	chains         map[string]ChainDefinition
	requests       map[string]*Request
	timers         *TimerEngine
	trail          *AuditTrail
	sla            *SLATracker
	notifier       Notifier
	ledgerRec      LedgerRecorder
	events         EventRecorder
	maxEscalations int
	approvalURL    string
	onResolve      func(ctx context.Context, req *Request)

	logger *slog.Logger
}

// NewEngine validates the chain definitions, verifies the anchor, and
// registers the expiry handler on the timer engine.
func NewEngine(opts EngineOptions, processAnchor anchor.Hash) (*Engine, error) {
	if opts.Anchor == "" {
		opts.Anchor = anchor.Default
	}
	if err := anchor.Verify(opts.Anchor, processAnchor); err != nil {
		return nil, err
	}
	chains := make(map[string]ChainDefinition, len(opts.Chains))
	for _, c := range opts.Chains {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		chains[c.ID] = c
	}
	if opts.MaxEscalations <= 0 {
		opts.MaxEscalations = defaultMaxEscalations
	}
	e := &Engine{
		anchor:         opts.Anchor,
		chains:         chains,
		requests:       make(map[string]*Request),
		timers:         opts.Timers,
		trail:          opts.Trail,
		sla:            opts.SLA,
		notifier:       opts.Notifier,
		ledgerRec:      opts.Ledger,
		events:         opts.Events,
		maxEscalations: opts.MaxEscalations,
		approvalURL:    opts.ApprovalURL,
		logger:         slog.Default().With("component", "hitl_engine"),
	}
	if e.timers != nil {
		e.timers.RegisterCallback(e.handleExpiry)
	}
	return e, nil
}

// OnResolve registers a hook invoked after every terminal transition,
// including timer-driven expiry, with a detached copy of the resolved
// request. Registering again replaces the hook.
func (e *Engine) OnResolve(fn func(ctx context.Context, req *Request)) {
	e.mu.Lock()
	e.onResolve = fn
	e.mu.Unlock()
}

// RegisterChain adds or replaces a chain definition at runtime.
func (e *Engine) RegisterChain(def ChainDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.chains[def.ID] = def
	e.mu.Unlock()
	return nil
}

// CreateParams describes a new approval request.
type CreateParams struct {
	ChainID         string
	DecisionID      string
	TenantID        string
	Requester       string
	Title           string
	Description     string
	Priority        Priority
	Context         map[string]interface{}
	TimeoutOverride time.Duration
}

// Create opens a pending request on the named chain, schedules its
// escalation timer, and notifies the first step's approvers.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Request, error) {
	e.mu.Lock()
	chain, ok := e.chains[p.ChainID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, p.ChainID)
	}
	if p.Priority == "" {
		p.Priority = PriorityStandard
	}

	now := time.Now().UTC()
	req := &Request{
		ID:               uuid.NewString(),
		ChainID:          chain.ID,
		ChainVersion:     chain.Version,
		DecisionID:       p.DecisionID,
		TenantID:         p.TenantID,
		Requester:        p.Requester,
		Title:            p.Title,
		Description:      p.Description,
		Priority:         p.Priority,
		Context:          p.Context,
		Status:           StatusPending,
		CurrentStepIndex: 0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if e.timers != nil {
		timer, err := e.timers.Set(ctx, req.ID, req.Priority, 0, 0, p.TimeoutOverride)
		if err != nil {
			return nil, fmt.Errorf("hitl: schedule escalation timer: %w", err)
		}
		req.ExpiresAt = timer.ExpiresAt
	}

	e.mu.Lock()
	e.requests[req.ID] = req
	e.mu.Unlock()

	e.recordAudit(ctx, EntryApprovalCreated,
		Actor{ID: p.Requester, Type: "human"},
		req, "", string(StatusPending), p.Description,
		map[string]interface{}{"chain_id": chain.ID, "priority": string(p.Priority)})
	e.recordEvent(ctx, temporal.EventDecisionMade, p.Requester, map[string]interface{}{
		"decision_id": req.DecisionID,
		"request_id":  req.ID,
		"chain_id":    chain.ID,
		"action":      "approval_requested",
	})
	e.recordLedger(req, true, nil, "created")
	e.notify(ctx, req, fmt.Sprintf("Approval required: %s", req.Title), req.Description)

	e.logger.Info("approval request created",
		"request_id", req.ID, "chain_id", chain.ID, "priority", req.Priority)
	return e.snapshot(req.ID), nil
}

// Approve records one approver's decision at the current step. When the
// step's quorum is reached the request advances; approval at the final
// step resolves the request.
func (e *Engine) Approve(ctx context.Context, requestID, approver, role, rationale string) (*Request, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, requestID, req.Status)
	}
	chain := e.chains[req.ChainID]
	step := chain.Steps[req.CurrentStepIndex]
	if !stepAllows(step, approver, role) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at step %d", ErrNotAuthorized, approver, req.CurrentStepIndex)
	}
	if req.hasApproved(req.CurrentStepIndex, approver) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at step %d", ErrAlreadyApproved, approver, req.CurrentStepIndex)
	}

	now := time.Now().UTC()
	req.Approvals = append(req.Approvals, StepApproval{
		Approver:  approver,
		StepIndex: req.CurrentStepIndex,
		Decision:  "approve",
		Rationale: rationale,
		Timestamp: now,
	})
	req.UpdatedAt = now

	stepIndex := req.CurrentStepIndex
	quorumMet := req.stepApprovalCount(stepIndex) >= step.Quorum
	lastStep := stepIndex == len(chain.Steps)-1
	resolved := quorumMet && lastStep
	if quorumMet && !lastStep {
		// The step index only ever moves forward.
		req.CurrentStepIndex++
	}
	if resolved {
		req.Status = StatusApproved
	}
	e.mu.Unlock()

	actor := Actor{ID: approver, Type: "human", Role: role}
	switch {
	case resolved:
		e.resolve(ctx, requestID, actor, StatusApproved, rationale)
	case quorumMet:
		if e.timers != nil {
			if _, err := e.timers.Reset(ctx, requestID); err != nil {
				e.logger.Warn("timer reset failed on step advance", "request_id", requestID, "error", err)
			}
		}
		e.recordAudit(ctx, EntryApprovalApproved, actor, req,
			string(StatusPending), string(StatusPending), rationale,
			map[string]interface{}{"step_advanced": true, "step_index": stepIndex + 1})
		e.notify(ctx, req,
			fmt.Sprintf("Approval %s advanced to step %d", requestID, stepIndex+1),
			chain.Steps[stepIndex+1].Name)
	default:
		e.recordAudit(ctx, EntryApprovalApproved, actor, req,
			string(StatusPending), string(StatusPending), rationale,
			map[string]interface{}{"step_index": stepIndex, "quorum": step.Quorum,
				"approvals": req.stepApprovalCount(stepIndex)})
	}
	return e.snapshot(requestID), nil
}

// Reject resolves the request as rejected. A single rejection at any
// step is final.
func (e *Engine) Reject(ctx context.Context, requestID, approver, role, rationale string) (*Request, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, requestID, req.Status)
	}
	chain := e.chains[req.ChainID]
	step := chain.Steps[req.CurrentStepIndex]
	if !stepAllows(step, approver, role) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at step %d", ErrNotAuthorized, approver, req.CurrentStepIndex)
	}
	now := time.Now().UTC()
	req.Approvals = append(req.Approvals, StepApproval{
		Approver:  approver,
		StepIndex: req.CurrentStepIndex,
		Decision:  "reject",
		Rationale: rationale,
		Timestamp: now,
	})
	req.Status = StatusRejected
	req.UpdatedAt = now
	e.mu.Unlock()

	e.resolve(ctx, requestID, Actor{ID: approver, Type: "human", Role: role}, StatusRejected, rationale)
	return e.snapshot(requestID), nil
}

// Cancel withdraws a pending request. Only the requester or an admin
// may cancel.
func (e *Engine) Cancel(ctx context.Context, requestID, actorID, role, rationale string) (*Request, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, requestID, req.Status)
	}
	if actorID != req.Requester && role != "admin" {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: only the requester or an admin may cancel", ErrNotAuthorized)
	}
	req.Status = StatusCancelled
	req.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	e.resolve(ctx, requestID, Actor{ID: actorID, Type: "human", Role: role}, StatusCancelled, rationale)
	return e.snapshot(requestID), nil
}

// handleExpiry is the registered timer callback. Below the escalation
// bound the request escalates and the timer reschedules; at the bound
// the request expires.
func (e *Engine) handleExpiry(ctx context.Context, timer Timer) error {
	e.mu.Lock()
	req, ok := e.requests[timer.RequestID]
	if !ok || req.Status.Terminal() {
		// Resolved between expiry and sweep; nothing to do.
		e.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	if timer.EscalationCount < e.maxEscalations {
		level := timer.Level + 1
		req.Escalations = append(req.Escalations, EscalationRecord{
			Level:     level,
			Timestamp: now,
			Reason:    "response timeout",
		})
		req.UpdatedAt = now
		e.mu.Unlock()

		next, err := e.timers.Set(ctx, timer.RequestID, timer.Priority, level, timer.EscalationCount+1, 0)
		if err != nil {
			return fmt.Errorf("hitl: reschedule escalation timer: %w", err)
		}
		e.mu.Lock()
		req.ExpiresAt = next.ExpiresAt
		e.mu.Unlock()

		e.recordAudit(ctx, EntryApprovalEscalated,
			Actor{ID: "escalation-timer", Type: "timer"}, req,
			string(StatusPending), string(StatusPending), "response timeout",
			map[string]interface{}{"level": level, "escalation_count": timer.EscalationCount + 1})
		e.recordEvent(ctx, temporal.EventDecisionMade, "escalation-timer", map[string]interface{}{
			"decision_id": req.DecisionID,
			"request_id":  req.ID,
			"action":      "approval_escalated",
			"level":       level,
		})
		e.notify(ctx, req,
			fmt.Sprintf("Approval %s escalated to level %d", req.ID, level),
			"No response within the timeout window")
		e.logger.Warn("approval escalated",
			"request_id", req.ID, "level", level, "count", timer.EscalationCount+1)
		return nil
	}

	req.Status = StatusExpired
	req.UpdatedAt = now
	e.mu.Unlock()

	e.resolve(ctx, timer.RequestID, Actor{ID: "escalation-timer", Type: "timer"},
		StatusExpired, "escalation bound reached without response")
	return nil
}

// resolve performs the shared terminal-transition bookkeeping: timer
// cancellation, SLA accounting, audit, causal event, ledger record, and
// resolution notification. The request status must already be set.
func (e *Engine) resolve(ctx context.Context, requestID string, actor Actor, status Status, rationale string) {
	e.mu.Lock()
	req := e.requests[requestID]
	responseTime := req.UpdatedAt.Sub(req.CreatedAt)
	e.mu.Unlock()

	if e.timers != nil {
		if err := e.timers.Cancel(ctx, requestID); err != nil {
			e.logger.Warn("timer cancel failed at resolution", "request_id", requestID, "error", err)
		}
	}
	if e.sla != nil {
		e.sla.RecordCompletion(requestID, req.Priority, responseTime)
	}

	entryType := map[Status]EntryType{
		StatusApproved:  EntryApprovalApproved,
		StatusRejected:  EntryApprovalRejected,
		StatusExpired:   EntryApprovalExpired,
		StatusCancelled: EntryApprovalCancelled,
	}[status]
	e.recordAudit(ctx, entryType, actor, req, string(StatusPending), string(status), rationale,
		map[string]interface{}{"response_time_seconds": responseTime.Seconds()})
	e.recordEvent(ctx, temporal.EventPolicyExecuted, actor.ID, map[string]interface{}{
		"decision_id": req.DecisionID,
		"request_id":  req.ID,
		"action":      "approval_" + string(status),
	})
	e.recordLedger(req, status == StatusApproved, req.terminalErrors(status), string(status))
	e.notify(ctx, req, resolutionTitle(status, requestID), rationale)

	e.logger.Info("approval resolved",
		"request_id", requestID, "status", status, "response_time", responseTime)

	e.mu.Lock()
	hook := e.onResolve
	e.mu.Unlock()
	if hook != nil {
		hook(ctx, e.snapshot(requestID))
	}
}

// terminalErrors maps non-approved outcomes to ledger error strings.
func (r *Request) terminalErrors(status Status) []string {
	if status == StatusApproved {
		return nil
	}
	return []string{"approval_" + string(status)}
}

func (e *Engine) recordAudit(ctx context.Context, entryType EntryType, actor Actor, req *Request, prev, next, rationale string, details map[string]interface{}) {
	if e.trail == nil {
		return
	}
	_, err := e.trail.Append(ctx, entryType, actor,
		Target{Kind: "request", ID: req.ID}, prev, next, rationale, details)
	if err != nil {
		e.logger.Warn("audit append failed", "request_id", req.ID, "error", err)
	}
}

func (e *Engine) recordEvent(ctx context.Context, eventType temporal.EventType, actor string, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Record(ctx, eventType, actor, payload, nil); err != nil {
		e.logger.Warn("causal event record failed", "error", err)
	}
}

func (e *Engine) recordLedger(req *Request, valid bool, errs []string, outcome string) {
	if e.ledgerRec == nil {
		return
	}
	_, err := e.ledgerRec.Submit(ledger.ValidationRecord{
		IsValid: valid,
		Errors:  errs,
		Metadata: map[string]interface{}{
			"source":      "hitl",
			"request_id":  req.ID,
			"decision_id": req.DecisionID,
			"tenant_id":   req.TenantID,
			"chain_id":    req.ChainID,
			"outcome":     outcome,
		},
		ConstitutionalHash: e.anchor,
	})
	if err != nil {
		e.logger.Warn("ledger submit failed", "request_id", req.ID, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, req *Request, title, message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, NotificationMessage{
		Title:       title,
		Message:     message,
		Priority:    req.Priority,
		RequestID:   req.ID,
		ApprovalURL: e.approvalURL + "/" + req.ID,
		TenantID:    req.TenantID,
	})
}

// Get returns a copy of the request.
func (e *Engine) Get(requestID string) (*Request, bool) {
	r := e.snapshot(requestID)
	return r, r != nil
}

// Pending lists non-terminal requests.
func (e *Engine) Pending() []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Request
	for _, req := range e.requests {
		if !req.Status.Terminal() {
			clone := cloneRequest(req)
			out = append(out, clone)
		}
	}
	return out
}

// snapshot returns a copy detached from engine-internal state.
func (e *Engine) snapshot(requestID string) *Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return nil
	}
	return cloneRequest(req)
}

func cloneRequest(req *Request) *Request {
	clone := *req
	clone.Approvals = append([]StepApproval(nil), req.Approvals...)
	clone.Escalations = append([]EscalationRecord(nil), req.Escalations...)
	return &clone
}

// stepAllows checks whether the actor may act at the step, either named
// directly or through a role.
func stepAllows(step Step, approver, role string) bool {
	for _, a := range step.Approvers {
		if a == approver {
			return true
		}
	}
	if role == "" {
		return false
	}
	for _, r := range step.Roles {
		if r == role {
			return true
		}
	}
	return role == step.EscalationRole
}

// Package runtime composes the governance subsystems into one decision
// surface: envelopes are routed between the fast lane and human
// deliberation, guardrail verdicts and approval outcomes feed the causal
// event engine and the batched audit ledger, and approval resolutions
// close the routing feedback loop.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/envelope"
	"github.com/governd/cgr/pkg/guardrails"
	"github.com/governd/cgr/pkg/hitl"
	"github.com/governd/cgr/pkg/ledger"
	"github.com/governd/cgr/pkg/observability"
	"github.com/governd/cgr/pkg/router"
	"github.com/governd/cgr/pkg/temporal"
)

// Outcome is the runtime's answer for one processed envelope.
type Outcome struct {
	EnvelopeID        string               `json:"envelope_id"`
	Allowed           bool                 `json:"allowed"`
	Lane              router.Lane          `json:"lane,omitempty"`
	Pipeline          *guardrails.Decision `json:"pipeline"`
	Route             *router.Decision     `json:"route,omitempty"`
	ApprovalRequestID string               `json:"approval_request_id,omitempty"`
	Status            envelope.Status      `json:"status"`
}

// Options wires the runtime's subsystems. Ledger, Temporal, Pipeline,
// and Approvals are required; Scorer defaults to a neutral scorer and
// Observability to a disabled provider.
type Options struct {
	Anchor        anchor.Hash
	Ledger        *ledger.AuditLedger
	Temporal      *temporal.Engine
	Pipeline      *guardrails.Pipeline
	Approvals     *hitl.Engine
	Timers        *hitl.TimerEngine
	Scorer        router.ImpactScorer
	Threshold     float64
	ChainID       string // approval chain for deliberation requests
	TimerConfig   hitl.TimerConfig
	Observability *observability.Provider
}

// Runtime is the composed governance surface.
type Runtime struct {
	anchor    anchor.Hash
	ledger    *ledger.AuditLedger
	temporal  *temporal.Engine
	pipeline  *guardrails.Pipeline
	approvals *hitl.Engine
	timers    *hitl.TimerEngine
	router    *router.Router
	queue     *approvalQueue
	obs       *observability.Provider
	logger    *slog.Logger
}

// New verifies the anchor and builds the router with the approval queue
// bridging high-impact envelopes into the approval chain.
func New(opts Options, processAnchor anchor.Hash) (*Runtime, error) {
	if opts.Anchor == "" {
		opts.Anchor = anchor.Default
	}
	if err := anchor.Verify(opts.Anchor, processAnchor); err != nil {
		return nil, err
	}
	if opts.Ledger == nil || opts.Temporal == nil || opts.Pipeline == nil || opts.Approvals == nil {
		return nil, fmt.Errorf("runtime: ledger, temporal, pipeline, and approvals are required")
	}
	timerCfg := opts.TimerConfig
	if timerCfg.DefaultTimeout <= 0 {
		timerCfg.DefaultTimeout = 30 * time.Minute
	}
	if timerCfg.CriticalTimeout <= 0 {
		timerCfg.CriticalTimeout = 15 * time.Minute
	}

	queue := &approvalQueue{
		approvals: opts.Approvals,
		chainID:   opts.ChainID,
		timeouts:  timerCfg,
		byRequest: make(map[string]string),
	}
	r := &Runtime{
		anchor:    opts.Anchor,
		ledger:    opts.Ledger,
		temporal:  opts.Temporal,
		pipeline:  opts.Pipeline,
		approvals: opts.Approvals,
		timers:    opts.Timers,
		queue:     queue,
		obs:       opts.Observability,
		logger:    slog.Default().With("component", "runtime"),
	}
	r.router = router.New(router.Options{
		ImpactThreshold: opts.Threshold,
		Scorer:          opts.Scorer,
		Queue:           queue,
	})
	opts.Approvals.OnResolve(r.onApprovalResolved)
	return r, nil
}

// Start launches the background workers: ledger batching and the
// escalation timer sweep.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.ledger.Start(ctx); err != nil {
		return err
	}
	if r.timers != nil {
		r.timers.Start()
	}
	r.logger.Info("governance runtime started")
	return nil
}

// Shutdown stops the workers, committing any partial ledger batch.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error
	if r.timers != nil {
		if err := r.timers.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if _, err := r.ledger.ForceCommit(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.ledger.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if r.obs != nil {
		if err := r.obs.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logger.Info("governance runtime stopped")
	return firstErr
}

// Process runs one envelope through the guardrail pipeline and then the
// deliberation router. Blocked envelopes never reach the router; verdicts
// escalated by the pipeline force deliberation regardless of score.
func (r *Runtime) Process(ctx context.Context, env *envelope.Envelope) (*Outcome, error) {
	start := time.Now()
	if err := env.VerifyAnchor(r.anchor); err != nil {
		return nil, err
	}

	sc := &guardrails.StageContext{
		EnvelopeID:  env.ID,
		TenantID:    env.TenantID,
		ActorID:     env.ActorID,
		MessageType: string(env.MessageType),
	}
	verdict := r.pipeline.Process(ctx, env.Payload, sc)
	r.recordValidation(ctx, env, verdict)

	outcome := &Outcome{
		EnvelopeID: env.ID,
		Allowed:    verdict.Allowed,
		Pipeline:   verdict,
		Status:     env.Status,
	}
	if !verdict.Allowed {
		if r.obs != nil {
			r.obs.RecordDecision(ctx, string(verdict.Action), true)
			r.obs.RecordDuration(ctx, time.Since(start))
		}
		return outcome, nil
	}
	env.Payload = verdict.FinalData

	var route *router.Decision
	var err error
	if verdict.Action == guardrails.ActionEscalate {
		route, err = r.router.ForceDeliberation(ctx, env, "guardrail escalation")
	} else {
		route, err = r.router.Route(ctx, env)
	}
	if err != nil {
		if r.obs != nil {
			r.obs.RecordError(ctx, err)
		}
		return nil, err
	}

	outcome.Lane = route.Lane
	outcome.Route = route
	outcome.Status = env.Status
	if route.Lane == router.LaneDeliberation {
		outcome.ApprovalRequestID = route.ItemID
		if r.obs != nil {
			r.obs.HITLOpened(ctx)
		}
	}
	if r.obs != nil {
		r.obs.RecordDecision(ctx, string(verdict.Action), false)
		r.obs.RecordDuration(ctx, time.Since(start))
	}
	return outcome, nil
}

// recordValidation feeds the pipeline verdict into the causal event
// engine. Failures are logged, not surfaced; the pipeline's own audit
// sink already reached the ledger.
func (r *Runtime) recordValidation(ctx context.Context, env *envelope.Envelope, verdict *guardrails.Decision) {
	_, err := r.temporal.Record(ctx, temporal.EventValidationCompleted, env.ActorID, map[string]interface{}{
		"envelope_id": env.ID,
		"trace_id":    verdict.TraceID,
		"allowed":     verdict.Allowed,
		"action":      string(verdict.Action),
		"violations":  len(verdict.Violations),
	}, nil)
	if err != nil {
		r.logger.Warn("validation event record failed", "envelope_id", env.ID, "error", err)
	}
}

// Approve records a human approval. Resolution feeds back to the router
// through the approval engine's resolve hook.
func (r *Runtime) Approve(ctx context.Context, requestID, approver, role, rationale string) (*hitl.Request, error) {
	return r.approvals.Approve(ctx, requestID, approver, role, rationale)
}

// Reject records a human rejection; rejection always resolves.
func (r *Runtime) Reject(ctx context.Context, requestID, approver, role, rationale string) (*hitl.Request, error) {
	return r.approvals.Reject(ctx, requestID, approver, role, rationale)
}

// CancelApproval withdraws a pending request.
func (r *Runtime) CancelApproval(ctx context.Context, requestID, actorID, role, rationale string) (*hitl.Request, error) {
	return r.approvals.Cancel(ctx, requestID, actorID, role, rationale)
}

// onApprovalResolved closes the routing feedback loop for every
// terminal transition. Timer-driven expiry records a timeout outcome so
// routing history and stats learn of unanswered requests.
func (r *Runtime) onApprovalResolved(ctx context.Context, req *hitl.Request) {
	var outcome router.Outcome
	switch req.Status {
	case hitl.StatusApproved:
		outcome = router.OutcomeApproved
	case hitl.StatusExpired:
		outcome = router.OutcomeTimeout
	default:
		outcome = router.OutcomeRejected
	}
	r.closeFeedback(ctx, req, outcome)
}

// closeFeedback maps the resolved request back to its envelope and
// updates routing history and the pending gauge.
func (r *Runtime) closeFeedback(ctx context.Context, req *hitl.Request, outcome router.Outcome) {
	envID, ok := r.queue.envelopeFor(req.ID)
	if !ok {
		return
	}
	processing := req.UpdatedAt.Sub(req.CreatedAt)
	if err := r.router.UpdateFeedback(envID, outcome, processing, nil); err != nil {
		r.logger.Warn("routing feedback update failed", "envelope_id", envID, "error", err)
	}
	if r.obs != nil {
		r.obs.HITLClosed(ctx)
	}
}

// Router exposes the deliberation router for threshold tuning and stats.
func (r *Runtime) Router() *router.Router { return r.router }

// Ledger exposes the audit ledger for proof queries.
func (r *Runtime) Ledger() *ledger.AuditLedger { return r.ledger }

// Temporal exposes the causal event engine.
func (r *Runtime) Temporal() *temporal.Engine { return r.temporal }

// Approvals exposes the approval engine.
func (r *Runtime) Approvals() *hitl.Engine { return r.approvals }

// approvalQueue bridges the router's deliberation lane into the approval
// chain: each enqueued envelope opens one approval request, with the
// priority derived from the impact score.
type approvalQueue struct {
	approvals *hitl.Engine
	chainID   string
	timeouts  hitl.TimerConfig

	mu        sync.Mutex
	byRequest map[string]string // request id -> envelope id
}

// priorityForImpact maps the impact score to an approval priority.
func priorityForImpact(impact float64) hitl.Priority {
	switch {
	case impact >= 0.95:
		return hitl.PriorityCritical
	case impact >= 0.85:
		return hitl.PriorityHigh
	default:
		return hitl.PriorityStandard
	}
}

func (q *approvalQueue) Enqueue(ctx context.Context, env *envelope.Envelope, impact float64) (string, time.Duration, error) {
	priority := priorityForImpact(impact)
	req, err := q.approvals.Create(ctx, hitl.CreateParams{
		ChainID:     q.chainID,
		DecisionID:  env.ID,
		TenantID:    env.TenantID,
		Requester:   env.ActorID,
		Title:       fmt.Sprintf("High-impact %s from %s", env.MessageType, env.ActorID),
		Description: fmt.Sprintf("Impact score %.2f requires human deliberation", impact),
		Priority:    priority,
		Context:     env.Payload,
	})
	if err != nil {
		return "", 0, err
	}
	q.mu.Lock()
	q.byRequest[req.ID] = env.ID
	q.mu.Unlock()
	return req.ID, q.timeouts.TimeoutFor(priority), nil
}

func (q *approvalQueue) envelopeFor(requestID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byRequest[requestID]
	return id, ok
}

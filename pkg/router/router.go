// Package router dispatches envelopes between the fast lane and the
// deliberation queue based on impact scoring, and learns from feedback.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/governd/cgr/pkg/envelope"
)

// Lane identifies the dispatch path chosen for an envelope.
type Lane string

const (
	LaneFast         Lane = "fast"
	LaneDeliberation Lane = "deliberation"
)

// defaultImpactScore is substituted when the scorer fails.
const defaultImpactScore = 0.3

// historyCap bounds the rolling feedback history.
const historyCap = 1000

// ImpactScorer estimates an envelope payload's impact in [0,1]. Must be
// deterministic for a given input.
type ImpactScorer interface {
	Score(ctx context.Context, payload map[string]interface{}) (float64, error)
}

// DeliberationQueue receives high-impact envelopes (component E's input).
type DeliberationQueue interface {
	Enqueue(ctx context.Context, env *envelope.Envelope, impact float64) (itemID string, estimatedWait time.Duration, err error)
}

// Learner is an optional hook fed with routing feedback.
type Learner interface {
	Observe(entry HistoryEntry)
}

// Decision describes where an envelope was sent.
type Decision struct {
	Lane          Lane          `json:"lane"`
	ImpactScore   float64       `json:"impact_score"`
	ItemID        string        `json:"item_id,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
	Forced        bool          `json:"forced,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// Outcome closes the loop on a routed envelope.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimeout  Outcome = "timeout"
)

// HistoryEntry is one row of the rolling feedback history.
type HistoryEntry struct {
	EnvelopeID     string
	Impact         float64
	Lane           Lane
	Outcome        Outcome
	ProcessingTime time.Duration
	FeedbackScore  *float64
	RoutedAt       time.Time
}

// Stats is a point-in-time view of routing counters.
type Stats struct {
	Total             int     `json:"total"`
	FastCount         int     `json:"fast_count"`
	DeliberationCount int     `json:"deliberation_count"`
	ApprovalRate      float64 `json:"approval_rate"`
	TimeoutCount      int     `json:"timeout_count"`
	FastLanePercent   float64 `json:"fast_lane_pct"`
	Threshold         float64 `json:"threshold"`
	LearningEnabled   bool    `json:"learning_enabled"`
}

// Router is the single dispatch point for envelopes.
type Router struct {
	mu sync.Mutex

	threshold float64
	scorer    ImpactScorer
	queue     DeliberationQueue
	learner   Learner // nil disables learning

	total             int
	fastCount         int
	deliberationCount int
	approvedCount     int
	timeoutCount      int
	outcomeCount      int

	history map[string]*HistoryEntry
	order   []string // FIFO eviction order

	logger *slog.Logger
}

// Options configures a Router.
type Options struct {
	ImpactThreshold float64
	Scorer          ImpactScorer
	Queue           DeliberationQueue
	Learner         Learner
}

// New creates a router. The threshold defaults to 0.8.
func New(opts Options) *Router {
	threshold := opts.ImpactThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Router{
		threshold: threshold,
		scorer:    opts.Scorer,
		queue:     opts.Queue,
		learner:   opts.Learner,
		history:   make(map[string]*HistoryEntry),
		logger:    slog.Default().With("component", "deliberation_router"),
	}
}

// Route scores the envelope (if unscored) and dispatches it. Scoring
// errors fall back to the default score with a warning; enqueue failures
// propagate.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (*Decision, error) {
	return r.route(ctx, env, false, "")
}

// ForceDeliberation dispatches the envelope to the deliberation queue
// regardless of its score, restoring the original score afterwards.
func (r *Router) ForceDeliberation(ctx context.Context, env *envelope.Envelope, reason string) (*Decision, error) {
	return r.route(ctx, env, true, reason)
}

func (r *Router) route(ctx context.Context, env *envelope.Envelope, forced bool, reason string) (*Decision, error) {
	impact := r.resolveImpact(ctx, env)

	original := env.ImpactScore
	effective := impact
	if forced {
		effective = 1.0
	}
	env.SetImpactScore(effective)

	r.mu.Lock()
	threshold := r.threshold
	r.mu.Unlock()

	decision := &Decision{ImpactScore: impact, Forced: forced, Reason: reason}

	if effective >= threshold {
		if r.queue == nil {
			return nil, fmt.Errorf("router: no deliberation queue configured")
		}
		itemID, wait, err := r.queue.Enqueue(ctx, env, effective)
		if err != nil {
			return nil, fmt.Errorf("router: enqueue for deliberation: %w", err)
		}
		if err := env.SetStatus(envelope.StatusQueued); err != nil {
			r.logger.Warn("status transition rejected", "envelope_id", env.ID, "error", err)
		}
		decision.Lane = LaneDeliberation
		decision.ItemID = itemID
		decision.EstimatedWait = wait
	} else {
		if err := env.SetStatus(envelope.StatusDelivered); err != nil {
			r.logger.Warn("status transition rejected", "envelope_id", env.ID, "error", err)
		}
		decision.Lane = LaneFast
	}

	if forced {
		// A forced dispatch must not contaminate the recorded score.
		if original != nil {
			env.SetImpactScore(*original)
		} else {
			env.SetImpactScore(impact)
		}
	}

	r.mu.Lock()
	r.total++
	if decision.Lane == LaneFast {
		r.fastCount++
	} else {
		r.deliberationCount++
	}
	r.recordHistoryLocked(&HistoryEntry{
		EnvelopeID: env.ID,
		Impact:     impact,
		Lane:       decision.Lane,
		RoutedAt:   time.Now().UTC(),
	})
	r.mu.Unlock()

	return decision, nil
}

// resolveImpact uses the envelope's score when present, otherwise the
// scorer, otherwise the default.
func (r *Router) resolveImpact(ctx context.Context, env *envelope.Envelope) float64 {
	if env.ImpactScore != nil {
		return *env.ImpactScore
	}
	if r.scorer == nil {
		return defaultImpactScore
	}
	score, err := r.scorer.Score(ctx, env.Payload)
	if err != nil {
		r.logger.Warn("impact scoring failed, using default",
			"envelope_id", env.ID, "default", defaultImpactScore, "error", err)
		return defaultImpactScore
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// recordHistoryLocked appends to the FIFO-bounded history. Callers hold
// r.mu.
func (r *Router) recordHistoryLocked(entry *HistoryEntry) {
	if entry.EnvelopeID == "" {
		entry.EnvelopeID = uuid.NewString()
	}
	if _, exists := r.history[entry.EnvelopeID]; !exists {
		r.order = append(r.order, entry.EnvelopeID)
	}
	r.history[entry.EnvelopeID] = entry
	for len(r.order) > historyCap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.history, oldest)
	}
}

// UpdateFeedback closes the loop for a routed envelope and feeds the
// learner when configured.
func (r *Router) UpdateFeedback(envelopeID string, outcome Outcome, processingTime time.Duration, feedbackScore *float64) error {
	r.mu.Lock()
	entry, ok := r.history[envelopeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("router: envelope %s not in history", envelopeID)
	}
	entry.Outcome = outcome
	entry.ProcessingTime = processingTime
	entry.FeedbackScore = feedbackScore

	r.outcomeCount++
	switch outcome {
	case OutcomeApproved:
		r.approvedCount++
	case OutcomeTimeout:
		r.timeoutCount++
	}
	learner := r.learner
	snapshot := *entry
	r.mu.Unlock()

	if learner != nil {
		learner.Observe(snapshot)
	}
	return nil
}

// SetImpactThreshold overrides the threshold, clamped to [0,1].
func (r *Router) SetImpactThreshold(x float64) {
	if x < 0 {
		x = 0
	}
	if x > 1 {
		x = 1
	}
	r.mu.Lock()
	r.threshold = x
	r.mu.Unlock()
}

// Stats reports routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Total:             r.total,
		FastCount:         r.fastCount,
		DeliberationCount: r.deliberationCount,
		TimeoutCount:      r.timeoutCount,
		Threshold:         r.threshold,
		LearningEnabled:   r.learner != nil,
	}
	if r.outcomeCount > 0 {
		s.ApprovalRate = float64(r.approvedCount) / float64(r.outcomeCount)
	}
	if r.total > 0 {
		s.FastLanePercent = float64(r.fastCount) / float64(r.total) * 100
	}
	return s
}

// HistoryLen reports the current rolling-history size.
func (r *Router) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

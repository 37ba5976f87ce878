package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/envelope"
)

type stubScorer struct {
	score float64
	err   error
	calls int
}

func (s *stubScorer) Score(ctx context.Context, payload map[string]interface{}) (float64, error) {
	s.calls++
	return s.score, s.err
}

type stubQueue struct {
	enqueued []string
	err      error
}

func (q *stubQueue) Enqueue(ctx context.Context, env *envelope.Envelope, impact float64) (string, time.Duration, error) {
	if q.err != nil {
		return "", 0, q.err
	}
	q.enqueued = append(q.enqueued, env.ID)
	return "item-" + env.ID, 5 * time.Minute, nil
}

func newEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	return envelope.New("tenant-1", "actor-1", "governance", envelope.TypeQuery,
		map[string]interface{}{"q": "weather today"}, anchor.Default)
}

func TestFastLaneBelowThreshold(t *testing.T) {
	q := &stubQueue{}
	r := New(Options{Scorer: &stubScorer{score: 0.2}, Queue: q})

	env := newEnvelope(t)
	d, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, LaneFast, d.Lane)
	assert.Equal(t, 0.2, d.ImpactScore)
	assert.Equal(t, envelope.StatusDelivered, env.Status)
	assert.Empty(t, q.enqueued)
}

func TestDeliberationAtThreshold(t *testing.T) {
	q := &stubQueue{}
	r := New(Options{Scorer: &stubScorer{score: 0.95}, Queue: q})

	env := newEnvelope(t)
	d, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, LaneDeliberation, d.Lane)
	assert.Equal(t, "item-"+env.ID, d.ItemID)
	assert.Equal(t, envelope.StatusQueued, env.Status)
	assert.Len(t, q.enqueued, 1)
}

func TestExistingScoreSkipsScorer(t *testing.T) {
	scorer := &stubScorer{score: 0.9}
	r := New(Options{Scorer: scorer, Queue: &stubQueue{}})

	env := newEnvelope(t)
	env.SetImpactScore(0.1)
	d, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, LaneFast, d.Lane)
	assert.Zero(t, scorer.calls)
}

func TestScorerErrorUsesDefaultScore(t *testing.T) {
	r := New(Options{Scorer: &stubScorer{err: errors.New("model down")}, Queue: &stubQueue{}})

	env := newEnvelope(t)
	d, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 0.3, d.ImpactScore)
	assert.Equal(t, LaneFast, d.Lane)
}

func TestEnqueueFailurePropagates(t *testing.T) {
	r := New(Options{Scorer: &stubScorer{score: 0.9}, Queue: &stubQueue{err: errors.New("queue full")}})
	_, err := r.Route(context.Background(), newEnvelope(t))
	assert.Error(t, err)
}

func TestForceDeliberationRestoresScore(t *testing.T) {
	q := &stubQueue{}
	r := New(Options{Scorer: &stubScorer{score: 0.2}, Queue: q})

	env := newEnvelope(t)
	env.SetImpactScore(0.2)
	d, err := r.ForceDeliberation(context.Background(), env, "manual review")
	require.NoError(t, err)
	assert.Equal(t, LaneDeliberation, d.Lane)
	assert.True(t, d.Forced)
	assert.Equal(t, "manual review", d.Reason)
	require.NotNil(t, env.ImpactScore)
	assert.Equal(t, 0.2, *env.ImpactScore)
	assert.Len(t, q.enqueued, 1)
}

func TestSetImpactThresholdBounded(t *testing.T) {
	r := New(Options{})
	r.SetImpactThreshold(1.7)
	assert.Equal(t, 1.0, r.Stats().Threshold)
	r.SetImpactThreshold(-0.5)
	assert.Equal(t, 0.0, r.Stats().Threshold)
	r.SetImpactThreshold(0.6)
	assert.Equal(t, 0.6, r.Stats().Threshold)
}

func TestFeedbackUpdatesStats(t *testing.T) {
	r := New(Options{Scorer: &stubScorer{score: 0.1}, Queue: &stubQueue{}})

	env := newEnvelope(t)
	_, err := r.Route(context.Background(), env)
	require.NoError(t, err)

	require.NoError(t, r.UpdateFeedback(env.ID, OutcomeApproved, time.Second, nil))
	stats := r.Stats()
	assert.Equal(t, 1.0, stats.ApprovalRate)
	assert.Equal(t, 100.0, stats.FastLanePercent)

	err = r.UpdateFeedback("unknown", OutcomeRejected, 0, nil)
	assert.Error(t, err)
}

func TestTimeoutOutcomeCountsAgainstApprovalRate(t *testing.T) {
	r := New(Options{Scorer: &stubScorer{score: 0.1}, Queue: &stubQueue{}})

	approved := newEnvelope(t)
	_, err := r.Route(context.Background(), approved)
	require.NoError(t, err)
	timedOut := newEnvelope(t)
	_, err = r.Route(context.Background(), timedOut)
	require.NoError(t, err)

	require.NoError(t, r.UpdateFeedback(approved.ID, OutcomeApproved, time.Second, nil))
	require.NoError(t, r.UpdateFeedback(timedOut.ID, OutcomeTimeout, time.Minute, nil))

	stats := r.Stats()
	assert.Equal(t, 1, stats.TimeoutCount)
	assert.InDelta(t, 0.5, stats.ApprovalRate, 1e-9)
}

type countingLearner struct{ entries []HistoryEntry }

func (l *countingLearner) Observe(entry HistoryEntry) { l.entries = append(l.entries, entry) }

func TestLearnerObservesFeedback(t *testing.T) {
	learner := &countingLearner{}
	r := New(Options{Scorer: &stubScorer{score: 0.1}, Queue: &stubQueue{}, Learner: learner})

	env := newEnvelope(t)
	_, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	require.NoError(t, r.UpdateFeedback(env.ID, OutcomeTimeout, time.Minute, nil))

	require.Len(t, learner.entries, 1)
	assert.Equal(t, OutcomeTimeout, learner.entries[0].Outcome)
	assert.True(t, r.Stats().LearningEnabled)
}

func TestHistoryEvictsFIFO(t *testing.T) {
	r := New(Options{Scorer: &stubScorer{score: 0.1}, Queue: &stubQueue{}})

	var first string
	for i := 0; i < historyCap+10; i++ {
		env := envelope.New("tenant-1", fmt.Sprintf("actor-%d", i), "governance", envelope.TypeQuery,
			map[string]interface{}{"i": i}, anchor.Default)
		if i == 0 {
			first = env.ID
		}
		_, err := r.Route(context.Background(), env)
		require.NoError(t, err)
	}

	assert.Equal(t, historyCap, r.HistoryLen())
	err := r.UpdateFeedback(first, OutcomeApproved, 0, nil)
	assert.Error(t, err, "oldest entry should have been evicted")
}

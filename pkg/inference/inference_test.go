package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedServesFromCache(t *testing.T) {
	calls := 0
	engine := EngineFunc(func(_ context.Context, _ string, _ map[string]interface{}) (Result, error) {
		calls++
		return Result{Probability: 0.7, Evidence: []string{"obs-1"}}, nil
	})
	cached := NewCached(engine, time.Minute, 0)
	ctx := context.Background()
	doc := map[string]interface{}{"actor": "agent-1", "risk": 0.2}

	first, err := cached.Probability(ctx, "is this safe", doc)
	require.NoError(t, err)
	second, err := cached.Probability(ctx, "is this safe", doc)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Probability, second.Probability)

	hits, misses, size := cached.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
	assert.Equal(t, 1, size)
}

func TestCacheKeyIgnoresMapOrder(t *testing.T) {
	calls := 0
	engine := EngineFunc(func(_ context.Context, _ string, _ map[string]interface{}) (Result, error) {
		calls++
		return Result{Probability: 0.5}, nil
	})
	cached := NewCached(engine, time.Minute, 0)
	ctx := context.Background()

	_, err := cached.Probability(ctx, "q", map[string]interface{}{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	_, err = cached.Probability(ctx, "q", map[string]interface{}{"b": 2.0, "a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "logically identical contexts must share a cache entry")
}

func TestDistinctQueriesMiss(t *testing.T) {
	calls := 0
	engine := EngineFunc(func(_ context.Context, _ string, _ map[string]interface{}) (Result, error) {
		calls++
		return Result{}, nil
	})
	cached := NewCached(engine, time.Minute, 0)
	ctx := context.Background()
	doc := map[string]interface{}{"x": 1.0}

	_, _ = cached.Probability(ctx, "q1", doc)
	_, _ = cached.Probability(ctx, "q2", doc)
	assert.Equal(t, 2, calls)
}

func TestExpiredEntriesRefetch(t *testing.T) {
	calls := 0
	engine := EngineFunc(func(_ context.Context, _ string, _ map[string]interface{}) (Result, error) {
		calls++
		return Result{Probability: 0.9}, nil
	})
	cached := NewCached(engine, time.Millisecond, 0)
	ctx := context.Background()
	doc := map[string]interface{}{"x": 1.0}

	_, err := cached.Probability(ctx, "q", doc)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = cached.Probability(ctx, "q", doc)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestErrorsNotCached(t *testing.T) {
	calls := 0
	engine := EngineFunc(func(_ context.Context, _ string, _ map[string]interface{}) (Result, error) {
		calls++
		if calls == 1 {
			return Result{}, errors.New("backend down")
		}
		return Result{Probability: 0.4}, nil
	})
	cached := NewCached(engine, time.Minute, 0)
	ctx := context.Background()
	doc := map[string]interface{}{"x": 1.0}

	_, err := cached.Probability(ctx, "q", doc)
	require.Error(t, err)
	got, err := cached.Probability(ctx, "q", doc)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Probability, 1e-9)
}

func TestEvictionBound(t *testing.T) {
	engine := Static{Score: 0.5}
	cached := NewCached(engine, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		doc := map[string]interface{}{"i": float64(i)}
		_, err := cached.Probability(ctx, "q", doc)
		require.NoError(t, err)
	}
	_, _, size := cached.Stats()
	assert.Equal(t, 3, size)
}

func TestStaticEngine(t *testing.T) {
	got, err := Static{Score: 0.8}.Probability(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.Probability, 1e-9)
	assert.NotEmpty(t, got.Evidence)
}

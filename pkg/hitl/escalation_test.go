package hitl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTimerFixture(t *testing.T) (*TimerEngine, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	engine := NewTimerEngine(client, TimerConfig{CheckInterval: 10 * time.Millisecond})
	return engine, mr, client
}

func TestTimeoutForPriority(t *testing.T) {
	cfg := TimerConfig{DefaultTimeout: 40 * time.Minute, CriticalTimeout: 10 * time.Minute}
	cfg.fill()
	assert.Equal(t, 10*time.Minute, cfg.TimeoutFor(PriorityCritical))
	assert.Equal(t, 30*time.Minute, cfg.TimeoutFor(PriorityHigh))
	assert.Equal(t, 40*time.Minute, cfg.TimeoutFor(PriorityStandard))
	assert.Equal(t, 60*time.Minute, cfg.TimeoutFor(PriorityLow))
}

func TestSetPersistsTimerWithExpiryScore(t *testing.T) {
	engine, mr, client := newTimerFixture(t)
	ctx := context.Background()

	timer, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "req-1", timer.RequestID)
	assert.True(t, timer.ExpiresAt.After(timer.CreatedAt))

	score, err := client.ZScore(ctx, keyEscalationTimers, "req-1").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(timer.ExpiresAt.Unix()), score)

	assert.True(t, mr.Exists(keyEscalationData("req-1")))
}

func TestGetRoundTrip(t *testing.T) {
	engine, _, _ := newTimerFixture(t)
	ctx := context.Background()

	set, err := engine.Set(ctx, "req-1", PriorityHigh, 2, 1, 0)
	require.NoError(t, err)

	got, ok, err := engine.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, set.RequestID, got.RequestID)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, 1, got.EscalationCount)

	_, ok, err = engine.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelRemovesTimer(t *testing.T) {
	engine, mr, _ := newTimerFixture(t)
	ctx := context.Background()

	_, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, engine.Cancel(ctx, "req-1"))

	_, ok, err := engine.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(keyEscalationData("req-1")))
}

func TestExtendPushesExpiry(t *testing.T) {
	engine, _, _ := newTimerFixture(t)
	ctx := context.Background()

	set, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, 0)
	require.NoError(t, err)

	extended, err := engine.Extend(ctx, "req-1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, set.ExpiresAt.Add(10*time.Minute).Unix(), extended.ExpiresAt.Unix())

	_, err = engine.Extend(ctx, "missing", time.Minute)
	assert.Error(t, err)
}

func TestResetRestartsFromNow(t *testing.T) {
	engine, _, _ := newTimerFixture(t)
	ctx := context.Background()

	_, err := engine.Set(ctx, "req-1", PriorityCritical, 1, 1, 0)
	require.NoError(t, err)

	reset, err := engine.Reset(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, reset.Priority)
	assert.Equal(t, 1, reset.Level)

	_, err = engine.Reset(ctx, "missing")
	assert.Error(t, err)
}

func TestSweepFiresAndRemovesExpired(t *testing.T) {
	engine, mr, _ := newTimerFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var fired []string
	engine.RegisterCallback(func(_ context.Context, timer Timer) error {
		mu.Lock()
		fired = append(fired, timer.RequestID)
		mu.Unlock()
		return nil
	})

	// Already expired relative to server time.
	_, err := engine.Set(ctx, "req-due", PriorityStandard, 0, 0, time.Second)
	require.NoError(t, err)
	_, err = engine.Set(ctx, "req-later", PriorityStandard, 0, 0, time.Hour)
	require.NoError(t, err)
	mr.SetTime(time.Now().Add(2 * time.Second))

	engine.Sweep(ctx)

	mu.Lock()
	assert.Equal(t, []string{"req-due"}, fired)
	mu.Unlock()

	_, ok, err := engine.Get(ctx, "req-due")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = engine.Get(ctx, "req-later")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepDeduplicatesWithinWindow(t *testing.T) {
	engine, mr, _ := newTimerFixture(t)
	ctx := context.Background()

	calls := 0
	engine.RegisterCallback(func(_ context.Context, _ Timer) error {
		calls++
		return nil
	})

	first, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, time.Second)
	require.NoError(t, err)
	mr.SetTime(time.Now().Add(2 * time.Second))

	engine.Sweep(ctx)
	require.Equal(t, 1, calls)

	// Re-persist the same timer to simulate a second instance racing the
	// removal; the dedup set suppresses the duplicate fire.
	require.NoError(t, engine.persist(ctx, first))
	engine.Sweep(ctx)

	assert.Equal(t, 1, calls)
}

func TestCallbackFailureRetries(t *testing.T) {
	engine, mr, _ := newTimerFixture(t)
	ctx := context.Background()

	attempts := 0
	engine.RegisterCallback(func(_ context.Context, _ Timer) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})

	_, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, time.Second)
	require.NoError(t, err)
	mr.SetTime(time.Now().Add(2 * time.Second))

	engine.Sweep(ctx) // fails, timer kept
	_, ok, err := engine.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, ok)

	engine.Sweep(ctx) // succeeds, timer removed
	assert.Equal(t, 2, attempts)
	_, ok, err = engine.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallbackRescheduleSurvivesSweep(t *testing.T) {
	engine, mr, _ := newTimerFixture(t)
	ctx := context.Background()

	engine.RegisterCallback(func(cbCtx context.Context, timer Timer) error {
		if timer.EscalationCount < 1 {
			_, err := engine.Set(cbCtx, timer.RequestID, timer.Priority, timer.Level+1, timer.EscalationCount+1, time.Hour)
			return err
		}
		return nil
	})

	_, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, time.Second)
	require.NoError(t, err)
	mr.SetTime(time.Now().Add(2 * time.Second))

	engine.Sweep(ctx)

	got, ok, err := engine.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok, "rescheduled timer must survive the sweep")
	assert.Equal(t, 1, got.EscalationCount)
}

func TestInMemoryFallbackAndFlush(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	engine := NewTimerEngine(client, TimerConfig{})
	ctx := context.Background()

	mr.Close() // store down
	timer, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "req-1", timer.RequestID)

	got, ok, err := engine.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, timer.ExpiresAt.Unix(), got.ExpiresAt.Unix())

	require.NoError(t, mr.Restart())
	_, err = engine.Set(ctx, "req-2", PriorityStandard, 0, 0, time.Hour)
	require.NoError(t, err)

	// The fallback timer was flushed back to the store.
	score, err := client.ZScore(ctx, keyEscalationTimers, "req-1").Result()
	require.NoError(t, err)
	assert.Greater(t, score, float64(0))
}

func TestInMemorySweepWithoutStore(t *testing.T) {
	engine := NewTimerEngine(nil, TimerConfig{})
	ctx := context.Background()

	fired := 0
	engine.RegisterCallback(func(_ context.Context, _ Timer) error {
		fired++
		return nil
	})

	_, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	engine.Sweep(ctx)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, engine.PendingCount(ctx))
}

func TestStartStopSweepLoop(t *testing.T) {
	engine, mr, _ := newTimerFixture(t)
	ctx := context.Background()

	done := make(chan struct{})
	var once sync.Once
	engine.RegisterCallback(func(_ context.Context, _ Timer) error {
		once.Do(func() { close(done) })
		return nil
	})

	_, err := engine.Set(ctx, "req-1", PriorityStandard, 0, 0, time.Second)
	require.NoError(t, err)
	mr.SetTime(time.Now().Add(2 * time.Second))

	engine.Start()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop never fired the expired timer")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(stopCtx))
}

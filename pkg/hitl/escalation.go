package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyEscalationTimers = "hitl:escalation:timers"

	// dedupTrimAt/dedupKeep bound the processed-id memory: once the set
	// grows past the trim threshold only the most recent ids are kept.
	dedupTrimAt = 1000
	dedupKeep   = 500
)

func keyEscalationData(id string) string { return "hitl:escalation:data:" + id }

// Timer is the stored escalation timer for one approval request.
type Timer struct {
	RequestID       string            `json:"request_id"`
	Priority        Priority          `json:"priority"`
	TimeoutMinutes  float64           `json:"timeout_minutes"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Level           int               `json:"current_level"`
	EscalationCount int               `json:"escalation_count"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ExpiryCallback handles a fired timer. Implementations must be
// idempotent; the engine deduplicates within the polling window but
// redelivery across restarts is possible.
type ExpiryCallback func(ctx context.Context, timer Timer) error

// TimerConfig tunes the escalation engine.
type TimerConfig struct {
	DefaultTimeout  time.Duration // medium/standard priority
	CriticalTimeout time.Duration
	CheckInterval   time.Duration
}

func (c *TimerConfig) fill() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.CriticalTimeout <= 0 {
		c.CriticalTimeout = 15 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
}

// TimeoutFor maps a priority to its escalation timeout: critical uses
// the critical timeout, high three quarters of the default, standard the
// default, low one and a half times the default.
func (c TimerConfig) TimeoutFor(priority Priority) time.Duration {
	switch priority {
	case PriorityCritical:
		return c.CriticalTimeout
	case PriorityHigh:
		return time.Duration(float64(c.DefaultTimeout) * 0.75)
	case PriorityLow:
		return time.Duration(float64(c.DefaultTimeout) * 1.5)
	default:
		return c.DefaultTimeout
	}
}

// TimerEngine stores escalation timers in a Redis sorted set scored by
// expiry and sweeps for expirations on an interval. Timestamps come from
// the store's server time so multiple instances agree. When the store is
// unreachable timers fall back to bounded in-process storage and are
// flushed back on reconnect.
type TimerEngine struct {
	mu sync.Mutex

	client    *redis.Client
	config    TimerConfig
	callbacks []ExpiryCallback

	// dedup of processed ids within the polling window
	processed      map[string]bool
	processedOrder []string

	// in-memory fallback, active while the store is unreachable
	memTimers map[string]Timer
	memActive bool

	done   chan struct{}
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewTimerEngine creates the engine; Start launches the sweep loop.
func NewTimerEngine(client *redis.Client, config TimerConfig) *TimerEngine {
	config.fill()
	return &TimerEngine{
		client:    client,
		config:    config,
		processed: make(map[string]bool),
		memTimers: make(map[string]Timer),
		logger:    slog.Default().With("component", "escalation_timers"),
	}
}

// RegisterCallback adds an expiry handler. Not safe to call after Start.
func (t *TimerEngine) RegisterCallback(cb ExpiryCallback) {
	t.callbacks = append(t.callbacks, cb)
}

// Start launches the background sweep loop.
func (t *TimerEngine) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return
	}
	t.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.sweepLoop(ctx)
}

// Stop halts the sweep loop.
func (t *TimerEngine) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serverNow reads the store's server time, falling back to local time
// when the store is unreachable.
func (t *TimerEngine) serverNow(ctx context.Context) (time.Time, bool) {
	if t.client == nil {
		return time.Now().UTC(), false
	}
	srv, err := t.client.Time(ctx).Result()
	if err != nil {
		return time.Now().UTC(), false
	}
	return srv.UTC(), true
}

// Set creates or replaces the timer for a request. A zero override uses
// the priority-derived timeout.
func (t *TimerEngine) Set(ctx context.Context, requestID string, priority Priority, level int, escalationCount int, override time.Duration) (Timer, error) {
	timeout := override
	if timeout <= 0 {
		timeout = t.config.TimeoutFor(priority)
	}
	// A rescheduled timer for the same request must fire again.
	t.unmarkProcessed(requestID)

	now, fromServer := t.serverNow(ctx)
	timer := Timer{
		RequestID:       requestID,
		Priority:        priority,
		TimeoutMinutes:  timeout.Minutes(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(timeout),
		Level:           level,
		EscalationCount: escalationCount,
	}

	if t.client == nil || !fromServer {
		t.storeInMemory(timer, "store unreachable at set")
		return timer, nil
	}
	if err := t.persist(ctx, timer); err != nil {
		t.storeInMemory(timer, err.Error())
		return timer, nil
	}
	t.flushMemory(ctx)
	return timer, nil
}

func (t *TimerEngine) persist(ctx context.Context, timer Timer) error {
	payload, err := json.Marshal(timer)
	if err != nil {
		return fmt.Errorf("hitl: encode timer: %w", err)
	}
	pipe := t.client.TxPipeline()
	pipe.ZAdd(ctx, keyEscalationTimers, redis.Z{
		Score:  float64(timer.ExpiresAt.Unix()),
		Member: timer.RequestID,
	})
	pipe.HSet(ctx, keyEscalationData(timer.RequestID), "timer", payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (t *TimerEngine) storeInMemory(timer Timer, reason string) {
	t.mu.Lock()
	wasActive := t.memActive
	t.memTimers[timer.RequestID] = timer
	t.memActive = true
	t.mu.Unlock()
	if !wasActive {
		t.logger.Warn("escalation store unreachable, timers held in memory only (not durable)", "reason", reason)
	}
}

// flushMemory pushes fallback timers back to the store after reconnect.
func (t *TimerEngine) flushMemory(ctx context.Context) {
	t.mu.Lock()
	if !t.memActive {
		t.mu.Unlock()
		return
	}
	pending := make([]Timer, 0, len(t.memTimers))
	for _, timer := range t.memTimers {
		pending = append(pending, timer)
	}
	t.mu.Unlock()

	flushed := 0
	for _, timer := range pending {
		if err := t.persist(ctx, timer); err != nil {
			return // still down, keep the rest in memory
		}
		t.mu.Lock()
		delete(t.memTimers, timer.RequestID)
		t.mu.Unlock()
		flushed++
	}
	t.mu.Lock()
	if len(t.memTimers) == 0 {
		t.memActive = false
	}
	t.mu.Unlock()
	if flushed > 0 {
		t.logger.Info("flushed in-memory timers to store", "count", flushed)
	}
}

// Cancel removes a request's timer.
func (t *TimerEngine) Cancel(ctx context.Context, requestID string) error {
	t.mu.Lock()
	delete(t.memTimers, requestID)
	t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, keyEscalationTimers, requestID)
	pipe.Del(ctx, keyEscalationData(requestID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hitl: cancel timer %s: %w", requestID, err)
	}
	return nil
}

// Get loads a request's timer.
func (t *TimerEngine) Get(ctx context.Context, requestID string) (Timer, bool, error) {
	t.mu.Lock()
	if timer, ok := t.memTimers[requestID]; ok {
		t.mu.Unlock()
		return timer, true, nil
	}
	t.mu.Unlock()

	if t.client == nil {
		return Timer{}, false, nil
	}
	raw, err := t.client.HGet(ctx, keyEscalationData(requestID), "timer").Bytes()
	if err == redis.Nil {
		return Timer{}, false, nil
	}
	if err != nil {
		return Timer{}, false, err
	}
	var timer Timer
	if err := json.Unmarshal(raw, &timer); err != nil {
		return Timer{}, false, fmt.Errorf("hitl: decode timer: %w", err)
	}
	return timer, true, nil
}

// Reset restarts a timer from now with its original priority timeout.
func (t *TimerEngine) Reset(ctx context.Context, requestID string) (Timer, error) {
	timer, ok, err := t.Get(ctx, requestID)
	if err != nil {
		return Timer{}, err
	}
	if !ok {
		return Timer{}, fmt.Errorf("hitl: no timer for request %s", requestID)
	}
	return t.Set(ctx, requestID, timer.Priority, timer.Level, timer.EscalationCount, 0)
}

// Extend pushes a timer's expiry out by d.
func (t *TimerEngine) Extend(ctx context.Context, requestID string, d time.Duration) (Timer, error) {
	timer, ok, err := t.Get(ctx, requestID)
	if err != nil {
		return Timer{}, err
	}
	if !ok {
		return Timer{}, fmt.Errorf("hitl: no timer for request %s", requestID)
	}
	timer.ExpiresAt = timer.ExpiresAt.Add(d)

	t.mu.Lock()
	if _, inMem := t.memTimers[requestID]; inMem {
		t.memTimers[requestID] = timer
		t.mu.Unlock()
		return timer, nil
	}
	t.mu.Unlock()

	if err := t.persist(ctx, timer); err != nil {
		t.storeInMemory(timer, err.Error())
	}
	return timer, nil
}

func (t *TimerEngine) sweepLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep processes every expired timer once: range query on the sorted
// set, idempotent callback invocation behind the dedup set, then timer
// removal. Public so tests and single-shot maintenance can drive it.
func (t *TimerEngine) Sweep(ctx context.Context) {
	now, fromServer := t.serverNow(ctx)

	var expired []Timer
	if t.client != nil && fromServer {
		t.flushMemory(ctx)
		ids, err := t.client.ZRangeByScore(ctx, keyEscalationTimers, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.Unix(), 10),
		}).Result()
		if err != nil {
			t.logger.Warn("expiration range query failed", "error", err)
		} else {
			for _, id := range ids {
				timer, ok, err := t.Get(ctx, id)
				if err != nil || !ok {
					// Orphaned index member; drop it.
					t.client.ZRem(ctx, keyEscalationTimers, id)
					continue
				}
				expired = append(expired, timer)
			}
		}
	}

	t.mu.Lock()
	for _, timer := range t.memTimers {
		if !timer.ExpiresAt.After(now) {
			// Removal happens in Cancel after a successful fire so a
			// failed callback keeps the timer for retry.
			expired = append(expired, timer)
		}
	}
	t.mu.Unlock()

	for _, timer := range expired {
		if !t.markProcessed(timer.RequestID) {
			continue
		}
		if err := t.fire(ctx, timer); err != nil {
			t.logger.Warn("expiry callback failed, allowing retry", "request_id", timer.RequestID, "error", err)
			t.unmarkProcessed(timer.RequestID)
			continue
		}
		if current, ok, err := t.Get(ctx, timer.RequestID); err == nil && ok && current.ExpiresAt.After(timer.ExpiresAt) {
			// The callback rescheduled this request; keep the new timer.
			continue
		}
		if err := t.Cancel(ctx, timer.RequestID); err != nil {
			t.logger.Warn("expired timer removal failed", "request_id", timer.RequestID, "error", err)
		}
	}
}

func (t *TimerEngine) fire(ctx context.Context, timer Timer) error {
	for _, cb := range t.callbacks {
		if err := cb(ctx, timer); err != nil {
			return err
		}
	}
	return nil
}

// markProcessed returns false when the id was already handled in this
// window. The set is trimmed to the most recent ids once it grows past
// the threshold.
func (t *TimerEngine) markProcessed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.processed[id] {
		return false
	}
	t.processed[id] = true
	t.processedOrder = append(t.processedOrder, id)
	if len(t.processedOrder) > dedupTrimAt {
		drop := t.processedOrder[:len(t.processedOrder)-dedupKeep]
		t.processedOrder = append([]string(nil), t.processedOrder[len(t.processedOrder)-dedupKeep:]...)
		for _, old := range drop {
			delete(t.processed, old)
		}
	}
	return true
}

func (t *TimerEngine) unmarkProcessed(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processed, id)
}

// PendingCount reports timers currently scheduled (store + memory).
func (t *TimerEngine) PendingCount(ctx context.Context) int {
	count := 0
	if t.client != nil {
		if n, err := t.client.ZCard(ctx, keyEscalationTimers).Result(); err == nil {
			count += int(n)
		}
	}
	t.mu.Lock()
	count += len(t.memTimers)
	t.mu.Unlock()
	return count
}

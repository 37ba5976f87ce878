package hitl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/canonicalize"
)

// EntryType enumerates recordable approval lifecycle actions.
type EntryType string

const (
	EntryApprovalCreated   EntryType = "approval_created"
	EntryApprovalApproved  EntryType = "approval_approved"
	EntryApprovalRejected  EntryType = "approval_rejected"
	EntryApprovalEscalated EntryType = "approval_escalated"
	EntryApprovalExpired   EntryType = "approval_expired"
	EntryApprovalCancelled EntryType = "approval_cancelled"
)

// Actor identifies who performed an audited action.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"` // human | system | timer
	Role string `json:"role"`
}

// Target identifies what an audited action applied to.
type Target struct {
	Kind string `json:"kind"` // request | chain | policy
	ID   string `json:"id"`
}

// AuditEntry is one immutable link of the chain-local audit trail.
type AuditEntry struct {
	ID                 string                 `json:"id"`
	EntryType          EntryType              `json:"entry_type"`
	Timestamp          time.Time              `json:"timestamp"`
	Actor              Actor                  `json:"actor"`
	Target             Target                 `json:"target"`
	PreviousState      string                 `json:"previous_state"`
	NewState           string                 `json:"new_state"`
	Details            map[string]interface{} `json:"details,omitempty"`
	Rationale          string                 `json:"rationale"`
	ParentEntryID      string                 `json:"parent_entry_id"`
	ConstitutionalHash anchor.Hash            `json:"constitutional_hash"`
	Checksum           string                 `json:"checksum"`
}

// computeChecksum hashes the canonical form of every field except the
// checksum itself.
func computeChecksum(e *AuditEntry) (string, error) {
	clone := *e
	clone.Checksum = ""
	canonical, err := canonicalize.JCS(clone)
	if err != nil {
		return "", fmt.Errorf("hitl: canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// TrailStore persists audit entries and their secondary indexes.
type TrailStore interface {
	SaveEntry(ctx context.Context, e *AuditEntry) error
	LastEntryID(ctx context.Context) (string, error)
	EntriesByTime(ctx context.Context, limit int) ([]*AuditEntry, error)
	EntriesByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error)
	EntriesByActor(ctx context.Context, actorID string) ([]*AuditEntry, error)
	Clear(ctx context.Context) error
}

// AuditTrail is the append-only, checksum-chained decision log. Appends
// are serialized process-wide so parent_entry_id forms a single chain.
type AuditTrail struct {
	mu     sync.Mutex
	store  TrailStore
	anchor anchor.Hash
	lastID string
	logger *slog.Logger
}

// NewAuditTrail binds the trail to a store and recovers the chain head.
func NewAuditTrail(ctx context.Context, store TrailStore, processAnchor anchor.Hash) (*AuditTrail, error) {
	if processAnchor == "" {
		processAnchor = anchor.Default
	}
	if !processAnchor.Valid() {
		return nil, anchor.ErrMalformed
	}
	t := &AuditTrail{
		store:  store,
		anchor: processAnchor,
		logger: slog.Default().With("component", "hitl_audit"),
	}
	last, err := store.LastEntryID(ctx)
	if err != nil {
		t.logger.Warn("could not recover chain head, starting fresh", "error", err)
	} else {
		t.lastID = last
	}
	return t, nil
}

// Append writes one entry to the chain. The in-process lock makes parent
// assignment and persistence atomic.
func (t *AuditTrail) Append(ctx context.Context, entryType EntryType, actor Actor, target Target, previousState, newState, rationale string, details map[string]interface{}) (*AuditEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &AuditEntry{
		ID:                 uuid.NewString(),
		EntryType:          entryType,
		Timestamp:          time.Now().UTC(),
		Actor:              actor,
		Target:             target,
		PreviousState:      previousState,
		NewState:           newState,
		Details:            details,
		Rationale:          rationale,
		ParentEntryID:      t.lastID,
		ConstitutionalHash: t.anchor,
	}
	checksum, err := computeChecksum(entry)
	if err != nil {
		return nil, err
	}
	entry.Checksum = checksum

	if err := t.store.SaveEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("hitl: persist audit entry: %w", err)
	}
	t.lastID = entry.ID
	return entry, nil
}

// VerifyIntegrity walks entries in time order checking checksums, parent
// links, and timestamp monotonicity.
func (t *AuditTrail) VerifyIntegrity(ctx context.Context, limit int) (bool, []string) {
	entries, err := t.store.EntriesByTime(ctx, limit)
	if err != nil {
		return false, []string{fmt.Sprintf("load entries: %v", err)}
	}

	var errs []string
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.ID] = true
	}

	var prev *AuditEntry
	for i, e := range entries {
		expected, err := computeChecksum(e)
		if err != nil {
			errs = append(errs, fmt.Sprintf("checksum compute failed for entry %s: %v", e.ID, err))
			continue
		}
		if expected != e.Checksum {
			errs = append(errs, fmt.Sprintf("checksum mismatch for entry %s", e.ID))
		}
		if i == 0 {
			if e.ParentEntryID != "" && !known[e.ParentEntryID] {
				errs = append(errs, fmt.Sprintf("entry %s parent %s not found", e.ID, e.ParentEntryID))
			}
		} else if e.ParentEntryID == "" {
			errs = append(errs, fmt.Sprintf("entry %s missing parent link", e.ID))
		} else if !known[e.ParentEntryID] {
			errs = append(errs, fmt.Sprintf("entry %s parent %s not found", e.ID, e.ParentEntryID))
		}
		if prev != nil && e.Timestamp.Before(prev.Timestamp) {
			errs = append(errs, fmt.Sprintf("entry %s timestamp precedes predecessor", e.ID))
		}
		prev = e
	}
	return len(errs) == 0, errs
}

// QueryByRequest returns the entries recorded for one request.
func (t *AuditTrail) QueryByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	return t.store.EntriesByRequest(ctx, requestID)
}

// QueryByActor returns the entries recorded for one actor.
func (t *AuditTrail) QueryByActor(ctx context.Context, actorID string) ([]*AuditEntry, error) {
	return t.store.EntriesByActor(ctx, actorID)
}

// Clear destroys the trail. Test-only bypass: it breaks the immutability
// guarantee and must never run in production paths.
func (t *AuditTrail) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Clear(ctx); err != nil {
		return err
	}
	t.lastID = ""
	return nil
}

const (
	keyAuditEntries   = "hitl:audit:entries"
	keyAuditLastEntry = "hitl:audit:last_entry"
)

func keyAuditData(id string) string    { return "hitl:audit:data:" + id }
func keyAuditRequest(id string) string { return "hitl:audit:request:" + id }
func keyAuditActor(id string) string   { return "hitl:audit:actor:" + id }
func keyAuditType(t EntryType) string  { return "hitl:audit:type:" + string(t) }

// RedisTrailStore persists the trail with a by-time sorted set, a hash
// per entry, and secondary indexes by request, actor, and type. All keys
// carry the retention TTL.
type RedisTrailStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisTrailStore wraps a client with the configured retention.
func NewRedisTrailStore(client *redis.Client, retention time.Duration) *RedisTrailStore {
	return &RedisTrailStore{client: client, retention: retention}
}

func (s *RedisTrailStore) SaveEntry(ctx context.Context, e *AuditEntry) error {
	payload, err := canonicalize.JCS(e)
	if err != nil {
		return fmt.Errorf("hitl: encode audit entry: %w", err)
	}
	score := float64(e.Timestamp.UnixNano()) / 1e9

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, keyAuditData(e.ID), "entry", payload)
	pipe.ZAdd(ctx, keyAuditEntries, redis.Z{Score: score, Member: e.ID})
	if e.Target.Kind == "request" {
		pipe.ZAdd(ctx, keyAuditRequest(e.Target.ID), redis.Z{Score: score, Member: e.ID})
	}
	pipe.ZAdd(ctx, keyAuditActor(e.Actor.ID), redis.Z{Score: score, Member: e.ID})
	pipe.ZAdd(ctx, keyAuditType(e.EntryType), redis.Z{Score: score, Member: e.ID})
	pipe.Set(ctx, keyAuditLastEntry, e.ID, 0)
	if s.retention > 0 {
		pipe.Expire(ctx, keyAuditData(e.ID), s.retention)
		pipe.Expire(ctx, keyAuditEntries, s.retention)
		if e.Target.Kind == "request" {
			pipe.Expire(ctx, keyAuditRequest(e.Target.ID), s.retention)
		}
		pipe.Expire(ctx, keyAuditActor(e.Actor.ID), s.retention)
		pipe.Expire(ctx, keyAuditType(e.EntryType), s.retention)
		pipe.Expire(ctx, keyAuditLastEntry, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hitl: save audit entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisTrailStore) LastEntryID(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, keyAuditLastEntry).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

func (s *RedisTrailStore) loadByIDs(ctx context.Context, ids []string) ([]*AuditEntry, error) {
	out := make([]*AuditEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.HGet(ctx, keyAuditData(id), "entry").Bytes()
		if err == redis.Nil {
			continue // expired under retention
		}
		if err != nil {
			return nil, fmt.Errorf("hitl: load audit entry %s: %w", id, err)
		}
		var entry AuditEntry
		if err := unmarshalEntry(raw, &entry); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (s *RedisTrailStore) EntriesByTime(ctx context.Context, limit int) ([]*AuditEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, keyAuditEntries, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("hitl: range audit entries: %w", err)
	}
	return s.loadByIDs(ctx, ids)
}

func (s *RedisTrailStore) EntriesByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	ids, err := s.client.ZRange(ctx, keyAuditRequest(requestID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadByIDs(ctx, ids)
}

func (s *RedisTrailStore) EntriesByActor(ctx context.Context, actorID string) ([]*AuditEntry, error) {
	ids, err := s.client.ZRange(ctx, keyAuditActor(actorID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadByIDs(ctx, ids)
}

func (s *RedisTrailStore) Clear(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, keyAuditEntries, 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, keyAuditData(id))
	}
	pipe.Del(ctx, keyAuditEntries, keyAuditLastEntry)
	_, err = pipe.Exec(ctx)
	return err
}

// MemoryTrailStore is the in-process store used by tests and as a
// fallback when Redis is unavailable.
type MemoryTrailStore struct {
	mu      sync.Mutex
	entries map[string]*AuditEntry
	order   []string
	lastID  string
}

func NewMemoryTrailStore() *MemoryTrailStore {
	return &MemoryTrailStore{entries: make(map[string]*AuditEntry)}
}

func (s *MemoryTrailStore) SaveEntry(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *e
	s.entries[e.ID] = &clone
	s.order = append(s.order, e.ID)
	s.lastID = e.ID
	return nil
}

func (s *MemoryTrailStore) LastEntryID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID, nil
}

func (s *MemoryTrailStore) EntriesByTime(ctx context.Context, limit int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryTrailStore) filter(pred func(*AuditEntry) bool) []*AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for _, id := range s.order {
		if e := s.entries[id]; pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryTrailStore) EntriesByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	return s.filter(func(e *AuditEntry) bool {
		return e.Target.Kind == "request" && e.Target.ID == requestID
	}), nil
}

func (s *MemoryTrailStore) EntriesByActor(ctx context.Context, actorID string) ([]*AuditEntry, error) {
	return s.filter(func(e *AuditEntry) bool { return e.Actor.ID == actorID }), nil
}

func (s *MemoryTrailStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*AuditEntry)
	s.order = nil
	s.lastID = ""
	return nil
}

// Tamper mutates a stored entry in place. Test hook for integrity
// verification scenarios.
func (s *MemoryTrailStore) Tamper(id string, mutate func(*AuditEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if ok {
		mutate(e)
	}
	return ok
}

func unmarshalEntry(raw []byte, entry *AuditEntry) error {
	if err := json.Unmarshal(raw, entry); err != nil {
		return fmt.Errorf("hitl: decode audit entry: %w", err)
	}
	return nil
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// PersistedState is the durable form of the committed ledger.
type PersistedState struct {
	BatchCounter int               `json:"batch_counter"`
	Order        []string          `json:"order"`
	Roots        map[string]string `json:"roots"`
	Entries      []Entry           `json:"entries"`
}

// Store persists committed batches and rehydrates the ledger on restart.
type Store interface {
	SaveBatch(ctx context.Context, batchID, root string, entries []Entry, batchCounter int) error
	Load(ctx context.Context) (*PersistedState, error)
}

const (
	keyBatches      = "ledger:batches"
	keyBatchCounter = "ledger:batch_counter"
)

func keyBatchRoot(id string) string    { return "ledger:batch:" + id + ":root" }
func keyBatchEntries(id string) string { return "ledger:batch:" + id + ":entries" }

// RedisStore persists batches to Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SaveBatch writes the batch root, its entries, and the counter in one
// pipeline round trip.
func (s *RedisStore) SaveBatch(ctx context.Context, batchID, root string, entries []Entry, batchCounter int) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("redis store: marshal entries: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyBatchRoot(batchID), root, 0)
	pipe.Set(ctx, keyBatchEntries(batchID), payload, 0)
	pipe.RPush(ctx, keyBatches, batchID)
	pipe.Set(ctx, keyBatchCounter, batchCounter, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: save batch %s: %w", batchID, err)
	}
	return nil
}

// Load rebuilds the persisted state from Redis, batch by batch.
func (s *RedisStore) Load(ctx context.Context) (*PersistedState, error) {
	ids, err := s.client.LRange(ctx, keyBatches, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list batches: %w", err)
	}

	state := &PersistedState{Roots: make(map[string]string)}
	if raw, err := s.client.Get(ctx, keyBatchCounter).Result(); err == nil {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			state.BatchCounter = n
		}
	}

	for _, id := range ids {
		root, err := s.client.Get(ctx, keyBatchRoot(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis store: root for %s: %w", id, err)
		}
		raw, err := s.client.Get(ctx, keyBatchEntries(id)).Bytes()
		if err != nil {
			return nil, fmt.Errorf("redis store: entries for %s: %w", id, err)
		}
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("redis store: decode entries for %s: %w", id, err)
		}
		state.Order = append(state.Order, id)
		state.Roots[id] = root
		state.Entries = append(state.Entries, entries...)
	}
	if state.BatchCounter < len(state.Order) {
		state.BatchCounter = len(state.Order)
	}
	return state, nil
}

// FileStore persists the full ledger state as a single JSON document,
// replaced atomically on every commit.
type FileStore struct {
	path string

	// cached state so SaveBatch can append without a read-modify cycle
	// racing other writers; the ledger serializes commits already.
	state PersistedState
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, state: PersistedState{Roots: make(map[string]string)}}
}

func (s *FileStore) SaveBatch(ctx context.Context, batchID, root string, entries []Entry, batchCounter int) error {
	s.state.BatchCounter = batchCounter
	s.state.Order = append(s.state.Order, batchID)
	s.state.Roots[batchID] = root
	s.state.Entries = append(s.state.Entries, entries...)

	payload, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("file store: replace: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*PersistedState, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("file store: read: %w", err)
	}
	var state PersistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("file store: decode: %w", err)
	}
	if state.Roots == nil {
		state.Roots = make(map[string]string)
	}
	s.state = state
	return &state, nil
}

// FallbackStore writes to a primary store and falls back to a secondary
// when the primary is unreachable. Loads prefer the primary.
type FallbackStore struct {
	primary   Store
	secondary Store
	logger    *slog.Logger
}

// NewFallbackStore layers secondary under primary.
func NewFallbackStore(primary, secondary Store) *FallbackStore {
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    slog.Default().With("component", "ledger_store"),
	}
}

func (s *FallbackStore) SaveBatch(ctx context.Context, batchID, root string, entries []Entry, batchCounter int) error {
	err := s.primary.SaveBatch(ctx, batchID, root, entries, batchCounter)
	if err == nil {
		// Keep the secondary warm so a later failover loses nothing.
		if sErr := s.secondary.SaveBatch(ctx, batchID, root, entries, batchCounter); sErr != nil {
			s.logger.Warn("secondary store write failed", "batch_id", batchID, "error", sErr)
		}
		return nil
	}
	s.logger.Warn("primary store write failed, using fallback", "batch_id", batchID, "error", err)
	return s.secondary.SaveBatch(ctx, batchID, root, entries, batchCounter)
}

func (s *FallbackStore) Load(ctx context.Context) (*PersistedState, error) {
	state, err := s.primary.Load(ctx)
	if err == nil && len(state.Order) > 0 {
		return state, nil
	}
	if err != nil {
		s.logger.Warn("primary store load failed, trying fallback", "error", err)
	}
	return s.secondary.Load(ctx)
}

// EnsureDir creates the parent directory of a file path.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

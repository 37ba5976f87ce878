package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Snapshot captures derived state at a point in the log. Snapshots are
// retained without expiry.
type Snapshot struct {
	Timestamp        time.Time              `json:"timestamp"`
	EventCount       int                    `json:"event_count"`
	ActivePolicies   map[string]bool        `json:"active_policies"`
	PendingDecisions map[string]bool        `json:"pending_decisions"`
	BranchStates     map[string]interface{} `json:"branch_states"`
	CausalFrontier   map[string]bool        `json:"causal_frontier"`
}

func newSnapshotState() Snapshot {
	return Snapshot{
		ActivePolicies:   make(map[string]bool),
		PendingDecisions: make(map[string]bool),
		BranchStates:     make(map[string]interface{}),
		CausalFrontier:   make(map[string]bool),
	}
}

// clone deep-copies a snapshot so replay never mutates stored state.
func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Timestamp:        s.Timestamp,
		EventCount:       s.EventCount,
		ActivePolicies:   make(map[string]bool, len(s.ActivePolicies)),
		PendingDecisions: make(map[string]bool, len(s.PendingDecisions)),
		BranchStates:     make(map[string]interface{}, len(s.BranchStates)),
		CausalFrontier:   make(map[string]bool, len(s.CausalFrontier)),
	}
	for k, v := range s.ActivePolicies {
		out.ActivePolicies[k] = v
	}
	for k, v := range s.PendingDecisions {
		out.PendingDecisions[k] = v
	}
	for k, v := range s.BranchStates {
		out.BranchStates[k] = v
	}
	for k, v := range s.CausalFrontier {
		out.CausalFrontier[k] = v
	}
	return out
}

// SnapshotStore persists snapshots for restart-surviving historical queries.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	LoadAll(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// SQLiteSnapshotStore keeps snapshots in a local SQLite database.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens (or creates) the snapshot database at path.
func NewSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: open %s: %w", path, err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS snapshots (
		taken_at    TEXT NOT NULL,
		event_count INTEGER NOT NULL,
		state       TEXT NOT NULL,
		PRIMARY KEY (taken_at, event_count)
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot store: init schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot store: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (taken_at, event_count, state) VALUES (?, ?, ?)`,
		snap.Timestamp.UTC().Format(time.RFC3339Nano), snap.EventCount, string(payload))
	if err != nil {
		return fmt.Errorf("snapshot store: save: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM snapshots ORDER BY taken_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: query: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("snapshot store: scan: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("snapshot store: decode: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteSnapshotStore) Close() error { return s.db.Close() }

// Package ledger implements the batched, Merkle-anchored audit ledger.
// Validation outcomes are queued, batched into immutable Merkle trees, and
// issued inclusion proofs. Commitments persist to Redis with a JSON file
// fallback, and batch roots may additionally be anchored externally.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/governd/cgr/pkg/anchor"
	"github.com/governd/cgr/pkg/canonicalize"
	"github.com/governd/cgr/pkg/merkle"
)

// ValidationRecord is the payload consumers submit for audit.
type ValidationRecord struct {
	IsValid            bool                   `json:"is_valid"`
	Errors             []string               `json:"errors"`
	Warnings           []string               `json:"warnings"`
	Metadata           map[string]interface{} `json:"metadata"`
	ConstitutionalHash anchor.Hash            `json:"constitutional_hash"`
}

// Entry is a write-once ledger entry. BatchID and Proof stay empty until
// the entry's batch commits.
type Entry struct {
	Record    ValidationRecord   `json:"validation_result"`
	Hash      string             `json:"hash"`
	Timestamp time.Time          `json:"timestamp"`
	BatchID   string             `json:"batch_id,omitempty"`
	Proof     []merkle.ProofStep `json:"merkle_proof,omitempty"`
}

// Stats is a point-in-time snapshot of ledger state.
type Stats struct {
	TotalEntries     int    `json:"total_entries"`
	CurrentBatchSize int    `json:"current_batch_size"`
	BatchesCommitted int    `json:"batches_committed"`
	QueueDepth       int    `json:"queue_depth"`
	CurrentRootHash  string `json:"current_root_hash"`
	AnchorAttempts   int    `json:"anchor_attempts"`
	AnchorFailures   int    `json:"anchor_failures"`
}

// Options configures an AuditLedger.
type Options struct {
	BatchSize     int
	QueueSize     int
	Anchor        anchor.Hash
	Store         Store       // nil disables persistence
	RootAnchor    RootAnchor  // nil disables external anchoring
	IdleCommit    bool        // commit partial batches when the queue drains
	TickInterval  time.Duration
}

func (o *Options) fill() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 10000
	}
	if o.Anchor == "" {
		o.Anchor = anchor.Default
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
}

type pendingSubmit struct {
	hash      string
	record    ValidationRecord
	timestamp time.Time
}

// AuditLedger batches validation records into Merkle commitments.
type AuditLedger struct {
	mu sync.Mutex

	opts    Options
	entries []Entry
	batch   []ValidationRecord // records awaiting commit
	pending []pendingSubmit    // submit queue, drained by the worker
	roots   map[string]string  // batch id → root hash
	order   []string           // batch ids in commit order

	batchCounter int
	currentRoot  string

	anchorAttempts int
	anchorFailures int

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	logger *slog.Logger
}

// New creates an AuditLedger. It refuses construction when the configured
// anchor does not match the process anchor.
func New(opts Options, processAnchor anchor.Hash) (*AuditLedger, error) {
	opts.fill()
	if err := anchor.Verify(opts.Anchor, processAnchor); err != nil {
		return nil, err
	}
	return &AuditLedger{
		opts:   opts,
		roots:  make(map[string]string),
		wake:   make(chan struct{}, 1),
		logger: slog.Default().With("component", "audit_ledger"),
	}, nil
}

// Start rehydrates persisted state and launches the background worker.
func (l *AuditLedger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return nil
	}
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.rehydrate(ctx)

	workerCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(workerCtx)
	return nil
}

// Stop flushes the queue, commits any partial batch, and halts the worker.
func (l *AuditLedger) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := l.ForceCommit(ctx)
	return err
}

// Submit enqueues a validation record and returns its deterministic entry
// hash. It never blocks: on overflow the oldest un-batched submit is
// dropped with a warning, and the caller still receives a hash.
func (l *AuditLedger) Submit(record ValidationRecord) (string, error) {
	if err := anchor.Verify(record.ConstitutionalHash, l.opts.Anchor); err != nil {
		return "", err
	}

	hash, err := canonicalize.CanonicalHash(record)
	if err != nil {
		return "", fmt.Errorf("ledger: hash record: %w", err)
	}

	l.mu.Lock()
	if len(l.pending) >= l.opts.QueueSize {
		dropped := l.pending[0]
		l.pending = l.pending[1:]
		l.logger.Warn("submit queue overflow, dropping oldest entry", "dropped_hash", dropped.hash)
	}
	l.pending = append(l.pending, pendingSubmit{hash: hash, record: record, timestamp: time.Now().UTC()})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return hash, nil
}

// run is the single background worker draining the submit queue.
func (l *AuditLedger) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain(context.Background(), false)
			return
		case <-l.wake:
			l.drain(ctx, false)
		case <-ticker.C:
			l.drain(ctx, l.opts.IdleCommit)
		}
	}
}

// drain moves pending submits into the current batch and commits full
// batches. With idle set, a non-empty partial batch also commits once the
// queue is empty.
func (l *AuditLedger) drain(ctx context.Context, idle bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	moved := len(l.pending)
	for _, p := range l.pending {
		l.entries = append(l.entries, Entry{Record: p.record, Hash: p.hash, Timestamp: p.timestamp})
		l.batch = append(l.batch, p.record)
		if len(l.batch) >= l.opts.BatchSize {
			if _, err := l.commitLocked(ctx); err != nil {
				l.logger.Error("batch commit failed, retaining batch", "error", err)
			}
		}
	}
	l.pending = l.pending[:0]

	if idle && moved == 0 && len(l.batch) > 0 {
		if _, err := l.commitLocked(ctx); err != nil {
			l.logger.Error("idle commit failed, retaining batch", "error", err)
		}
	}
}

// ForceCommit flushes any partial batch and returns the committed batch id
// (empty when there was nothing to commit).
func (l *AuditLedger) ForceCommit(ctx context.Context) (string, error) {
	l.drain(ctx, false)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked(ctx)
}

// commitLocked builds the Merkle tree over the current batch, attaches
// proofs, persists the commitment, and dispatches external anchoring.
// Callers hold l.mu.
func (l *AuditLedger) commitLocked(ctx context.Context) (string, error) {
	if len(l.batch) == 0 {
		return "", nil
	}

	leaves := make([][]byte, len(l.batch))
	for i, record := range l.batch {
		b, err := canonicalize.JCS(record)
		if err != nil {
			return "", fmt.Errorf("ledger: canonicalize leaf %d: %w", i, err)
		}
		leaves[i] = b
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return "", fmt.Errorf("ledger: build tree: %w", err)
	}

	batchID := fmt.Sprintf("batch_%d_%d", l.batchCounter, time.Now().Unix())
	l.batchCounter++

	n := len(l.batch)
	committed := l.entries[len(l.entries)-n:]
	for i := range committed {
		committed[i].BatchID = batchID
		proof, err := tree.Proof(i)
		if err != nil {
			return "", fmt.Errorf("ledger: proof for leaf %d: %w", i, err)
		}
		committed[i].Proof = proof
	}

	l.roots[batchID] = tree.Root
	l.order = append(l.order, batchID)
	l.currentRoot = tree.Root
	l.batch = l.batch[:0]

	l.logger.Info("committed batch", "batch_id", batchID, "root", tree.Root, "entries", n)

	if l.opts.Store != nil {
		snapshot := make([]Entry, n)
		copy(snapshot, committed)
		if err := l.opts.Store.SaveBatch(ctx, batchID, tree.Root, snapshot, l.batchCounter); err != nil {
			l.logger.Error("persist batch failed", "batch_id", batchID, "error", err)
		}
	}

	if l.opts.RootAnchor != nil {
		l.anchorAttempts++
		hashes := make([]string, n)
		for i := range committed {
			hashes[i] = committed[i].Hash
		}
		go l.anchorRoot(batchID, tree.Root, hashes)
	}

	return batchID, nil
}

// anchorRoot pushes the commitment to the external anchor, fire-and-forget.
func (l *AuditLedger) anchorRoot(batchID, root string, entryHashes []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	meta := map[string]interface{}{
		"entry_count":         len(entryHashes),
		"entries_hashes":      entryHashes,
		"constitutional_hash": l.opts.Anchor.String(),
	}
	if err := l.opts.RootAnchor.AnchorRoot(ctx, batchID, root, meta); err != nil {
		l.mu.Lock()
		l.anchorFailures++
		l.mu.Unlock()
		l.logger.Warn("external anchoring failed", "batch_id", batchID, "error", err)
	}
}

// Verify recomputes the Merkle root from an entry hash and sibling path
// and compares it with the supplied root.
func (l *AuditLedger) Verify(entryHash string, proof []merkle.ProofStep, root string) bool {
	return merkle.VerifyFromLeafHash(entryHash, proof, root)
}

// QueryByBatch returns the committed entries of a batch, submission order.
func (l *AuditLedger) QueryByBatch(batchID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out
}

// BatchRoot returns the committed root for a batch id.
func (l *AuditLedger) BatchRoot(batchID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	root, ok := l.roots[batchID]
	return root, ok
}

// Stats reports ledger counters.
func (l *AuditLedger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalEntries:     len(l.entries),
		CurrentBatchSize: len(l.batch),
		BatchesCommitted: l.batchCounter,
		QueueDepth:       len(l.pending),
		CurrentRootHash:  l.currentRoot,
		AnchorAttempts:   l.anchorAttempts,
		AnchorFailures:   l.anchorFailures,
	}
}

// rehydrate restores entries and roots from whichever store is reachable.
// Rehydrated entries keep their original proofs.
func (l *AuditLedger) rehydrate(ctx context.Context) {
	if l.opts.Store == nil {
		return
	}
	state, err := l.opts.Store.Load(ctx)
	if err != nil {
		l.logger.Warn("starting empty, could not load persisted state", "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batchCounter = state.BatchCounter
	l.order = state.Order
	l.roots = state.Roots
	l.entries = state.Entries
	if len(state.Order) > 0 {
		l.currentRoot = state.Roots[state.Order[len(state.Order)-1]]
	}
	l.logger.Info("rehydrated ledger", "entries", len(l.entries), "batches", len(l.order))
}

package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/governd/cgr/pkg/anchor"
)

func newMemoryTrail(t *testing.T) (*AuditTrail, *MemoryTrailStore) {
	t.Helper()
	store := NewMemoryTrailStore()
	trail, err := NewAuditTrail(context.Background(), store, anchor.Default)
	require.NoError(t, err)
	return trail, store
}

func appendTestEntry(t *testing.T, trail *AuditTrail, entryType EntryType, requestID string) *AuditEntry {
	t.Helper()
	entry, err := trail.Append(context.Background(), entryType,
		Actor{ID: "alice", Type: "human", Role: "approver"},
		Target{Kind: "request", ID: requestID},
		"pending", "pending", "because", nil)
	require.NoError(t, err)
	return entry
}

func TestAppendChainsEntries(t *testing.T) {
	trail, _ := newMemoryTrail(t)

	first := appendTestEntry(t, trail, EntryApprovalCreated, "req-1")
	second := appendTestEntry(t, trail, EntryApprovalApproved, "req-1")
	third := appendTestEntry(t, trail, EntryApprovalRejected, "req-1")

	assert.Empty(t, first.ParentEntryID)
	assert.Equal(t, first.ID, second.ParentEntryID)
	assert.Equal(t, second.ID, third.ParentEntryID)
	assert.Equal(t, anchor.Default, third.ConstitutionalHash)
	assert.NotEmpty(t, third.Checksum)
}

func TestChecksumCoversAllFields(t *testing.T) {
	trail, _ := newMemoryTrail(t)
	entry := appendTestEntry(t, trail, EntryApprovalCreated, "req-1")

	recomputed, err := computeChecksum(entry)
	require.NoError(t, err)
	assert.Equal(t, entry.Checksum, recomputed)

	mutated := *entry
	mutated.Rationale = "changed"
	altered, err := computeChecksum(&mutated)
	require.NoError(t, err)
	assert.NotEqual(t, entry.Checksum, altered)
}

func TestVerifyIntegrityClean(t *testing.T) {
	trail, _ := newMemoryTrail(t)
	for i := 0; i < 5; i++ {
		appendTestEntry(t, trail, EntryApprovalApproved, "req-1")
	}
	ok, errs := trail.VerifyIntegrity(context.Background(), 0)
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	trail, store := newMemoryTrail(t)
	appendTestEntry(t, trail, EntryApprovalCreated, "req-1")
	victim := appendTestEntry(t, trail, EntryApprovalApproved, "req-1")
	appendTestEntry(t, trail, EntryApprovalRejected, "req-1")

	require.True(t, store.Tamper(victim.ID, func(e *AuditEntry) {
		e.NewState = "approved"
		e.Rationale = "forged"
	}))

	ok, errs := trail.VerifyIntegrity(context.Background(), 0)
	assert.False(t, ok)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "checksum mismatch")
	assert.Contains(t, errs[0], victim.ID)
}

func TestVerifyIntegrityDetectsBrokenParentLink(t *testing.T) {
	trail, store := newMemoryTrail(t)
	appendTestEntry(t, trail, EntryApprovalCreated, "req-1")
	victim := appendTestEntry(t, trail, EntryApprovalApproved, "req-1")

	require.True(t, store.Tamper(victim.ID, func(e *AuditEntry) {
		e.ParentEntryID = "no-such-entry"
		// Recompute so only the link is wrong, not the checksum.
		sum, err := computeChecksum(e)
		require.NoError(t, err)
		e.Checksum = sum
	}))

	ok, errs := trail.VerifyIntegrity(context.Background(), 0)
	assert.False(t, ok)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "parent")
}

func TestQueryByRequestAndActor(t *testing.T) {
	trail, _ := newMemoryTrail(t)
	appendTestEntry(t, trail, EntryApprovalCreated, "req-1")
	appendTestEntry(t, trail, EntryApprovalCreated, "req-2")
	appendTestEntry(t, trail, EntryApprovalApproved, "req-1")

	byReq, err := trail.QueryByRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Len(t, byReq, 2)

	byActor, err := trail.QueryByActor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, byActor, 3)
}

func TestClearResetsChainHead(t *testing.T) {
	trail, _ := newMemoryTrail(t)
	appendTestEntry(t, trail, EntryApprovalCreated, "req-1")
	require.NoError(t, trail.Clear(context.Background()))

	fresh := appendTestEntry(t, trail, EntryApprovalCreated, "req-2")
	assert.Empty(t, fresh.ParentEntryID)
}

func TestRedisTrailStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisTrailStore(client, 24*time.Hour)

	trail, err := NewAuditTrail(context.Background(), store, anchor.Default)
	require.NoError(t, err)
	first := appendTestEntry(t, trail, EntryApprovalCreated, "req-1")
	appendTestEntry(t, trail, EntryApprovalApproved, "req-1")

	entries, err := store.EntriesByTime(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, first.Checksum, entries[0].Checksum)

	byReq, err := store.EntriesByRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Len(t, byReq, 2)

	last, err := store.LastEntryID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries[1].ID, last)

	// Retention TTL is applied to the per-entry hash.
	assert.Greater(t, mr.TTL(keyAuditData(first.ID)), time.Duration(0))

	ok, errs := trail.VerifyIntegrity(context.Background(), 0)
	assert.True(t, ok, "integrity errors: %v", errs)
}

func TestTrailRecoversChainHeadFromStore(t *testing.T) {
	store := NewMemoryTrailStore()
	trail, err := NewAuditTrail(context.Background(), store, anchor.Default)
	require.NoError(t, err)
	head := appendTestEntry(t, trail, EntryApprovalCreated, "req-1")

	reopened, err := NewAuditTrail(context.Background(), store, anchor.Default)
	require.NoError(t, err)
	next := appendTestEntry(t, reopened, EntryApprovalApproved, "req-1")
	assert.Equal(t, head.ID, next.ParentEntryID)
}

func TestTrailRejectsMalformedAnchor(t *testing.T) {
	_, err := NewAuditTrail(context.Background(), NewMemoryTrailStore(), "short")
	assert.ErrorIs(t, err, anchor.ErrMalformed)
}

package batch

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/merkle"
	"github.com/provenplay/matchproof/pkg/storage"
)

func testLeaves(n int) []Leaf {
	leaves := make([]Leaf, n)
	for i := range leaves {
		id := fmt.Sprintf("m%d", i+1)
		leaves[i] = Leaf{MatchID: id, Hash: crypto.HashBytes([]byte(id))}
	}
	return leaves
}

// fastConfig keeps retry delays in the low milliseconds so failure-path
// tests stay quick.
func fastConfig(maxSize, maxAttempts int) Config {
	return Config{
		MaxSize:     maxSize,
		MaxWait:     time.Hour,
		MaxAttempts: maxAttempts,
		Backoff:     BackoffPolicy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 0},
	}
}

func waitForManifests(t *testing.T, m *Manager, n int, state AnchorState) []*Manifest {
	t.Helper()
	ctx := context.Background()
	var manifests []*Manifest
	require.Eventually(t, func() bool {
		all, err := m.Manifests(ctx)
		if err != nil {
			return false
		}
		matching := all[:0:0]
		for _, mf := range all {
			if mf.State == state {
				matching = append(matching, mf)
			}
		}
		manifests = matching
		return len(matching) == n
	}, 3*time.Second, 5*time.Millisecond, "expected %d manifests in state %s", n, state)
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.Before(manifests[j].CreatedAt)
	})
	return manifests
}

func TestManifestRootAndProofs(t *testing.T) {
	leaves := testLeaves(3)
	manifest, err := NewManifest("b1", leaves, time.Now())
	require.NoError(t, err)

	tree, err := merkle.Build([]crypto.Digest{leaves[0].Hash, leaves[1].Hash, leaves[2].Hash})
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), manifest.MerkleRoot)
	assert.Equal(t, "m1", manifest.First())
	assert.Equal(t, "m3", manifest.Last())
	assert.Equal(t, 3, manifest.Count())
	assert.Equal(t, StatePending, manifest.State)

	for _, leaf := range leaves {
		proof, err := manifest.Proof(leaf.MatchID)
		require.NoError(t, err)
		assert.True(t, merkle.VerifyProof(leaf.Hash, *proof, manifest.MerkleRoot),
			"proof for %s must verify against the manifest root", leaf.MatchID)
	}

	_, err = manifest.Proof("stranger")
	require.Error(t, err)

	_, err = NewManifest("b2", nil, time.Now())
	require.Error(t, err, "an empty batch has no root to anchor")

	data, err := manifest.Encode()
	require.NoError(t, err)
	decoded, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, manifest.MerkleRoot, decoded.MerkleRoot)
	assert.Equal(t, manifest.Leaves, decoded.Leaves)
}

// Five sequential hashes through a size-2 manager land as batches of
// 2, 2, and 1, with the tail flushed by shutdown.
func TestBatchSizesTwoTwoOne(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemory(ledger.MemoryConfig{})
	store := storage.NewMemory()
	mgr := NewManager(fastConfig(2, 3), store, chain)

	for _, leaf := range testLeaves(5) {
		require.NoError(t, mgr.Add(ctx, leaf.MatchID, leaf.Hash))
	}

	// The two full batches flush on size; m5 waits for the timer.
	waitForManifests(t, mgr, 2, StateAnchored)
	require.Eventually(t, func() bool { return mgr.QueueLen() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Close())

	manifests := waitForManifests(t, mgr, 3, StateAnchored)
	var sizes []int
	var order []string
	for _, mf := range manifests {
		sizes = append(sizes, mf.Count())
		for _, leaf := range mf.Leaves {
			order = append(order, leaf.MatchID)
		}
		assert.NotEmpty(t, mf.TxSignature)
		anchor, err := chain.GetBatchAnchor(ctx, mf.BatchID)
		require.NoError(t, err)
		assert.Equal(t, mf.MerkleRoot, anchor.MerkleRoot)
		assert.Equal(t, mf.First(), anchor.FirstMatchID)
		assert.Equal(t, mf.Last(), anchor.LastMatchID)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, order,
		"flush order must preserve submission order")
}

func TestManifestPersistedBeforeAnchor(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemory(ledger.MemoryConfig{})
	chain.FailNextAnchors(1000)
	store := storage.NewMemory()
	cfg := fastConfig(1, 1000)
	// Slow retries so the pending state is observable for the whole test.
	cfg.Backoff = BackoffPolicy{BaseMs: 200, MaxMs: 500, MaxJitterMs: 0}
	mgr := NewManager(cfg, store, chain)
	defer mgr.Close()

	require.NoError(t, mgr.Add(ctx, "m1", crypto.HashBytes([]byte("m1"))))

	// While the chain keeps rejecting, the manifest is already durable.
	var manifest *Manifest
	require.Eventually(t, func() bool {
		all, err := mgr.Manifests(ctx)
		if err != nil || len(all) != 1 {
			return false
		}
		manifest = all[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StatePending, manifest.State)
	assert.Equal(t, "m1", manifest.First())
	_, err := chain.GetBatchAnchor(ctx, manifest.BatchID)
	require.ErrorIs(t, err, ledger.ErrAnchorNotFound,
		"nothing may reach the chain before the manifest is persisted")
}

func TestAnchorRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemory(ledger.MemoryConfig{})
	chain.FailNextAnchors(2)
	store := storage.NewMemory()
	mgr := NewManager(fastConfig(1, 5), store, chain)
	defer mgr.Close()

	require.NoError(t, mgr.Add(ctx, "m1", crypto.HashBytes([]byte("m1"))))

	manifests := waitForManifests(t, mgr, 1, StateAnchored)
	assert.Equal(t, 3, manifests[0].Attempts, "two failures then one success")
	assert.Empty(t, manifests[0].LastError, "last error clears on success")
	require.NotNil(t, manifests[0].AnchoredAt)
	_, err := chain.GetBatchAnchor(ctx, manifests[0].BatchID)
	require.NoError(t, err)
}

func TestAlertAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemory(ledger.MemoryConfig{})
	chain.FailNextAnchors(1000)
	store := storage.NewMemory()

	alerts := make(chan string, 1)
	mgr := NewManager(fastConfig(1, 2), store, chain, WithAlert(func(m *Manifest, err error) {
		assert.Error(t, err)
		alerts <- m.BatchID
	}))
	defer mgr.Close()

	require.NoError(t, mgr.Add(ctx, "m1", crypto.HashBytes([]byte("m1"))))

	var batchID string
	select {
	case batchID = <-alerts:
	case <-time.After(3 * time.Second):
		t.Fatal("alert hook never fired")
	}

	manifests := waitForManifests(t, mgr, 1, StateFailed)
	assert.Equal(t, batchID, manifests[0].BatchID)
	assert.Equal(t, 2, manifests[0].Attempts)
	assert.NotEmpty(t, manifests[0].LastError)
	assert.Equal(t, "m1", manifests[0].First(),
		"a failed batch keeps its hashes; failure is alerted, never dropped")
}

func TestRecoverFinishesPendingManifest(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemory(ledger.MemoryConfig{})
	store := storage.NewMemory()

	// A previous process persisted this manifest and crashed before the
	// anchor landed.
	orphan, err := NewManifest("orphan-batch", testLeaves(2), time.Now())
	require.NoError(t, err)
	data, err := orphan.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Persist(ctx, manifestKey(orphan.BatchID), data))

	// An already-failed manifest must be left alone.
	failed, err := NewManifest("failed-batch", testLeaves(1), time.Now())
	require.NoError(t, err)
	failed.State = StateFailed
	data, err = failed.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Persist(ctx, manifestKey(failed.BatchID), data))

	mgr := NewManager(fastConfig(10, 3), store, chain)
	defer mgr.Close()
	require.NoError(t, mgr.Recover(ctx))

	recovered, err := mgr.Manifest(ctx, "orphan-batch")
	require.NoError(t, err)
	assert.Equal(t, StateAnchored, recovered.State)
	_, err = chain.GetBatchAnchor(ctx, "orphan-batch")
	require.NoError(t, err)

	skipped, err := mgr.Manifest(ctx, "failed-batch")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, skipped.State)
	_, err = chain.GetBatchAnchor(ctx, "failed-batch")
	require.ErrorIs(t, err, ledger.ErrAnchorNotFound)
}

func TestFlushForcesShortBatch(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemory(ledger.MemoryConfig{})
	store := storage.NewMemory()
	mgr := NewManager(fastConfig(100, 3), store, chain)
	defer mgr.Close()

	require.NoError(t, mgr.Add(ctx, "m1", crypto.HashBytes([]byte("m1"))))
	require.NoError(t, mgr.Add(ctx, "m2", crypto.HashBytes([]byte("m2"))))
	mgr.Flush()

	manifests := waitForManifests(t, mgr, 1, StateAnchored)
	assert.Equal(t, 2, manifests[0].Count())
}

func TestTimerFlushesShortBatch(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemory(ledger.MemoryConfig{})
	store := storage.NewMemory()
	cfg := fastConfig(100, 3)
	cfg.MaxWait = 20 * time.Millisecond
	mgr := NewManager(cfg, store, chain)
	defer mgr.Close()

	require.NoError(t, mgr.Add(ctx, "m1", crypto.HashBytes([]byte("m1"))))

	manifests := waitForManifests(t, mgr, 1, StateAnchored)
	assert.Equal(t, 1, manifests[0].Count())
}

func TestAddAfterClose(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fastConfig(10, 3), storage.NewMemory(), ledger.NewMemory(ledger.MemoryConfig{}))
	require.NoError(t, mgr.Close())
	err := mgr.Add(ctx, "m1", crypto.HashBytes([]byte("m1")))
	require.ErrorIs(t, err, ErrClosed)
}

func TestComputeBackoff(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 1000, MaxMs: 30000, MaxJitterMs: 500}

	d1 := ComputeBackoff("batch-a", 1, policy)
	d2 := ComputeBackoff("batch-a", 2, policy)
	assert.Greater(t, d2, d1, "delay must grow with the attempt")

	// Deterministic in (batch, attempt).
	assert.Equal(t, d1, ComputeBackoff("batch-a", 1, policy))
	assert.NotEqual(t, ComputeBackoff("batch-a", 1, policy), ComputeBackoff("batch-b", 1, policy),
		"jitter must differ across batches")

	capped := ComputeBackoff("batch-a", 20, policy)
	assert.LessOrEqual(t, capped, time.Duration(policy.MaxMs+policy.MaxJitterMs)*time.Millisecond)
}

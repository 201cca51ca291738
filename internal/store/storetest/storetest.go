// Package storetest holds the behavioral tests every changelog store
// backend must pass.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/treesync/treesync/crypto/merkle"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/types"
)

// Factory returns an empty store. The store is closed by the caller.
type Factory func(t testing.TB) store.ChangelogStore

// TreeKey returns a deterministic tree address for tests.
func TreeKey(b byte) types.Pubkey {
	var pk types.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

// TxSig returns a deterministic signature for tests.
func TxSig(seq uint64) types.Signature {
	var sig types.Signature
	sig[0] = 0xAA
	for i := 0; i < 8; i++ {
		sig[63-i] = byte(seq >> (8 * uint(i)))
	}
	return sig
}

// EventAt builds a changelog event for leafIndex in a tree of the given
// depth whose hashes are derived from seq.
func EventAt(tree types.Pubkey, depth int, leafIndex, seq uint64) types.ChangelogEvent {
	idx := merkle.LeafNodeIndex(leafIndex, depth)
	path := make([]types.PathNodeEvent, 0, depth+1)
	for l := 0; l <= depth; l++ {
		h := merkle.HashLeaf([]byte{byte(l)}, types.Hash{byte(seq), byte(seq >> 8)}.Bytes())
		path = append(path, types.PathNodeEvent{Node: h, Index: uint32(idx)})
		idx >>= 1
	}
	return types.ChangelogEvent{Tree: tree, Path: path, Seq: seq, Index: uint32(leafIndex)}
}

// MetaFor returns the apply metadata used for seq by the suite.
func MetaFor(seq uint64) types.ApplyMeta {
	return types.ApplyMeta{Tx: TxSig(seq), Slot: 1000 + seq, Kind: types.KindTransfer, Backfilled: true}
}

// ApplySeqs applies one event per sequence number to tree.
func ApplySeqs(t testing.TB, s store.ChangelogStore, tree types.Pubkey, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		_, err := s.Apply(context.Background(), EventAt(tree, 5, seq%32, seq), MetaFor(seq))
		require.NoError(t, err)
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.ChangelogStore)
	}{
		{"Idempotence", testIdempotence},
		{"ConvergenceEitherOrder", testConvergenceEitherOrder},
		{"ConcurrentConvergence", testConcurrentConvergence},
		{"SequenceGaps", testSequenceGaps},
		{"EmptyTree", testEmptyTree},
		{"SignatureAtOrAfter", testSignatureAtOrAfter},
		{"ForceCheck", testForceCheck},
		{"Completeness", testCompleteness},
		{"ReadMany", testReadMany},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}

	t.Run("ConvergenceProperty", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			s := newStore(t)
			defer s.Close()
			testConvergenceProperty(rt, s)
		})
	})
}

func testIdempotence(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(1)
	ev := EventAt(tree, 4, 3, 1)

	created, err := s.Apply(ctx, ev, MetaFor(1))
	require.NoError(t, err)
	assert.True(t, created)

	before, err := s.ReadMany(ctx, tree, nodeIndices(ev))
	require.NoError(t, err)

	created, err = s.Apply(ctx, ev, MetaFor(1))
	require.NoError(t, err)
	assert.False(t, created)

	after, err := s.ReadMany(ctx, tree, nodeIndices(ev))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.Len(t, after, len(ev.Path))

	leaf := after[uint64(ev.Path[0].Index)]
	assert.EqualValues(t, 3, leaf.LeafIndex)
	assert.EqualValues(t, 0, leaf.Level)
	root := after[1]
	assert.EqualValues(t, 4, root.Level)
	assert.Equal(t, ev.Root(), root.Hash)
}

// The (T, 0, 42) race: seq 7 and seq 3 in either order keep seq 7.
func testConvergenceEitherOrder(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	const leaf = 42 - 32 // node 42 in a depth 5 tree

	for i, order := range [][]uint64{{7, 3}, {3, 7}} {
		tree := TreeKey(byte(10 + i))
		for _, seq := range order {
			_, err := s.Apply(ctx, EventAt(tree, 5, leaf, seq), MetaFor(seq))
			require.NoError(t, err)
		}
		n, err := s.Read(ctx, tree, 42)
		require.NoError(t, err)
		want := EventAt(tree, 5, leaf, 7).Path[0].Node
		assert.EqualValues(t, 7, n.Seq)
		assert.Equal(t, want, n.Hash)
		assert.EqualValues(t, 0, n.Level)
	}
}

func testConcurrentConvergence(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(20)

	var wg sync.WaitGroup
	for seq := uint64(1); seq <= 40; seq++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_, err := s.Apply(ctx, EventAt(tree, 5, 10, seq), MetaFor(seq))
			assert.NoError(t, err)
		}(seq)
	}
	wg.Wait()

	want := EventAt(tree, 5, 10, 40)
	got, err := s.ReadMany(ctx, tree, nodeIndices(want))
	require.NoError(t, err)
	for _, p := range want.Path {
		n := got[uint64(p.Index)]
		assert.EqualValues(t, 40, n.Seq, "node %d", p.Index)
		assert.Equal(t, p.Node, n.Hash, "node %d", p.Index)
	}
}

func testConvergenceProperty(t *rapid.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(30)
	seqs := rapid.SliceOfN(rapid.Uint64Range(1, 500), 1, 20).Draw(t, "seqs").([]uint64)

	var max uint64
	for _, seq := range seqs {
		if seq > max {
			max = seq
		}
		if _, err := s.Apply(ctx, EventAt(tree, 3, 5, seq), MetaFor(seq)); err != nil {
			t.Fatalf("apply seq %d: %v", seq, err)
		}
	}
	want := EventAt(tree, 3, 5, max)
	for _, p := range want.Path {
		n, err := s.Read(ctx, tree, uint64(p.Index))
		if err != nil {
			t.Fatalf("read %d: %v", p.Index, err)
		}
		if n.Seq != max || n.Hash != p.Node {
			t.Fatalf("node %d holds seq %d, want %d", p.Index, n.Seq, max)
		}
	}
}

func testSequenceGaps(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(40)
	ApplySeqs(t, s, tree, 10, 1, 6, 2, 5)

	gaps, err := s.SequenceGaps(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []store.SeqWindow{
		{PrevSeq: 2, PrevTx: TxSig(2), NextSeq: 5, NextTx: TxSig(5)},
		{PrevSeq: 6, PrevTx: TxSig(6), NextSeq: 10, NextTx: TxSig(10)},
	}, gaps)

	b, err := s.SequenceBounds(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, store.Bounds{MinSeq: 1, MinTx: TxSig(1), MaxSeq: 10, MaxTx: TxSig(10)}, b)

	// rows of another tree are not visible
	other, err := s.SequenceGaps(ctx, TreeKey(41))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testEmptyTree(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(50)

	_, err := s.SequenceBounds(ctx, tree)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Read(ctx, tree, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	c, err := s.Completeness(ctx, tree)
	require.NoError(t, err)
	assert.False(t, c.Complete())
}

func testSignatureAtOrAfter(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(60)
	ApplySeqs(t, s, tree, 3, 8, 20)

	sig, err := s.SignatureAtOrAfter(ctx, tree, 4)
	require.NoError(t, err)
	assert.Equal(t, TxSig(8), sig)

	sig, err = s.SignatureAtOrAfter(ctx, tree, 8)
	require.NoError(t, err)
	assert.Equal(t, TxSig(8), sig)

	_, err = s.SignatureAtOrAfter(ctx, tree, 21)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testForceCheck(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	late, early := TreeKey(70), TreeKey(71)

	// first observed seq above 1 implies unobserved history
	ApplySeqs(t, s, late, 5)
	ApplySeqs(t, s, early, 1, 2)

	trees, err := s.ForceCheckTrees(ctx)
	require.NoError(t, err)
	assert.Contains(t, trees, late)
	assert.NotContains(t, trees, early)

	require.NoError(t, s.MarkForceCheck(ctx, early))
	require.NoError(t, s.ClearForceCheck(ctx, late))
	trees, err = s.ForceCheckTrees(ctx)
	require.NoError(t, err)
	assert.Contains(t, trees, early)
	assert.NotContains(t, trees, late)
}

func testCompleteness(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(80)
	ApplySeqs(t, s, tree, 1, 2, 4)

	c, err := s.Completeness(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, store.Completeness{MaxSeq: 4, Covered: 3}, c)
	assert.False(t, c.Complete())

	ApplySeqs(t, s, tree, 3)
	c, err = s.Completeness(ctx, tree)
	require.NoError(t, err)
	assert.True(t, c.Complete())

	require.NoError(t, s.MarkForceCheck(ctx, tree))
	c, err = s.Completeness(ctx, tree)
	require.NoError(t, err)
	assert.False(t, c.Complete())
}

func testReadMany(t *testing.T, s store.ChangelogStore) {
	ctx := context.Background()
	tree := TreeKey(90)
	ApplySeqs(t, s, tree, 1)

	got, err := s.ReadMany(ctx, tree, []uint64{1, 2, 3, 9999})
	require.NoError(t, err)
	assert.Contains(t, got, uint64(1))
	assert.NotContains(t, got, uint64(9999))
}

func nodeIndices(ev types.ChangelogEvent) []uint64 {
	out := make([]uint64, len(ev.Path))
	for i, p := range ev.Path {
		out[i] = uint64(p.Index)
	}
	return out
}

package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/treesync/treesync/types"
)

func TestEmptyNode(t *testing.T) {
	assert.Equal(t, types.Hash{}, EmptyNode(0))
	assert.Equal(t, HashNodes(types.Hash{}, types.Hash{}), EmptyNode(1))
	assert.Equal(t, HashNodes(EmptyNode(4), EmptyNode(4)), EmptyNode(5))
	assert.Panics(t, func() { EmptyNode(MaxDepth + 1) })
}

func TestRequiredIndices(t *testing.T) {
	// depth 3, leaf 5 is node 13: siblings 12, 7, 2 then root.
	assert.Equal(t, []uint64{12, 7, 2, 1}, RequiredIndices(5, 3))
	assert.Equal(t, []uint64{9, 5, 3, 1}, RequiredIndices(0, 3))
	assert.Equal(t, 0, NodeLevel(13, 3))
	assert.Equal(t, 3, NodeLevel(1, 3))
}

func TestEmptyTreeRoot(t *testing.T) {
	tr := NewTree(14)
	assert.Equal(t, EmptyNode(14), tr.Root())
	assert.True(t, Verify(types.Hash{}, 77, tr.Proof(77), tr.Root()))
}

func TestTreeChangelogMatchesRoot(t *testing.T) {
	tr := NewTree(5)
	ev := tr.SetLeaf(types.Pubkey{1}, 9, HashLeaf([]byte("leaf")))
	require.NoError(t, ev.ValidateBasic())
	assert.EqualValues(t, 1, ev.Seq)
	assert.EqualValues(t, 9, ev.LeafIndex())
	assert.Equal(t, tr.Root(), ev.Root())
}

func TestProofRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		depth := rapid.IntRange(1, 10).Draw(t, "depth").(int)
		tr := NewTree(depth)
		writes := rapid.IntRange(1, 30).Draw(t, "writes").(int)
		capacity := 1 << uint(depth)
		for i := 0; i < writes; i++ {
			idx := uint64(rapid.IntRange(0, capacity-1).Draw(t, "idx").(int))
			tr.SetLeaf(types.Pubkey{}, idx, HashLeaf([]byte{byte(i)}, []byte{byte(idx)}))
		}
		leaf := uint64(rapid.IntRange(0, capacity-1).Draw(t, "leaf").(int))
		proof := tr.Proof(leaf)
		root := tr.Root()
		if !Verify(tr.Node(LeafNodeIndex(leaf, depth)), leaf, proof, root) {
			t.Fatalf("proof for leaf %d did not verify", leaf)
		}
		bad := append([]types.Hash(nil), proof...)
		bad[0][0] ^= 0xff
		if Verify(tr.Node(LeafNodeIndex(leaf, depth)), leaf, bad, root) {
			t.Fatalf("tampered proof for leaf %d verified", leaf)
		}
	})
}

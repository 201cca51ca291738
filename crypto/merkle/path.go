package merkle

import (
	"fmt"

	"github.com/treesync/treesync/types"
)

// LeafNodeIndex returns the 1-based node index of a leaf in a tree of the
// given depth. The root is node 1 and children of n are 2n and 2n+1.
func LeafNodeIndex(leafIndex uint64, depth int) uint64 {
	return leafIndex + uint64(1)<<uint(depth)
}

// RequiredIndices returns the node indices needed to prove a leaf: the
// sibling at every level from the leaf upwards, followed by the root.
func RequiredIndices(leafIndex uint64, depth int) []uint64 {
	idx := LeafNodeIndex(leafIndex, depth)
	out := make([]uint64, 0, depth+1)
	for idx > 1 {
		out = append(out, idx^1)
		idx >>= 1
	}
	return append(out, 1)
}

// NodeLevel returns the height of a node above the leaves.
func NodeLevel(nodeIndex uint64, depth int) int {
	l := 0
	for n := nodeIndex; n > 1; n >>= 1 {
		l++
	}
	return depth - l
}

// ComputeRoot walks proof from the leaf upwards. Bit i of index selects
// whether the running hash is the left or right child at level i.
func ComputeRoot(leaf types.Hash, index uint64, proof []types.Hash) types.Hash {
	node := leaf
	for i, sibling := range proof {
		if (index>>uint(i))&1 == 0 {
			node = HashNodes(node, sibling)
		} else {
			node = HashNodes(sibling, node)
		}
	}
	return node
}

// Verify reports whether proof authenticates leaf at index under root.
func Verify(leaf types.Hash, index uint64, proof []types.Hash, root types.Hash) bool {
	return ComputeRoot(leaf, index, proof) == root
}

// ValidateDepth rejects depths the program cannot create.
func ValidateDepth(depth int) error {
	if depth < 1 || depth > MaxDepth {
		return fmt.Errorf("tree depth %d out of range [1, %d]", depth, MaxDepth)
	}
	return nil
}

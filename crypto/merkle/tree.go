package merkle

import (
	"github.com/treesync/treesync/types"
)

// Tree is an in-memory sparse concurrent merkle tree. It mirrors what the
// on-chain program does for a single writer and produces the changelog
// paths the program would emit. Unset nodes are empty subtrees.
type Tree struct {
	depth int
	seq   uint64
	nodes map[uint64]types.Hash
}

// NewTree returns an empty tree of the given depth.
func NewTree(depth int) *Tree {
	if err := ValidateDepth(depth); err != nil {
		panic(err)
	}
	return &Tree{depth: depth, nodes: make(map[uint64]types.Hash)}
}

func (t *Tree) Depth() int { return t.depth }

func (t *Tree) Seq() uint64 { return t.seq }

// Node returns the hash at nodeIndex.
func (t *Tree) Node(nodeIndex uint64) types.Hash {
	if h, ok := t.nodes[nodeIndex]; ok {
		return h
	}
	return EmptyNode(NodeLevel(nodeIndex, t.depth))
}

func (t *Tree) Root() types.Hash { return t.Node(1) }

// SetLeaf replaces a leaf, bumps the sequence number and returns the
// changelog event describing the write.
func (t *Tree) SetLeaf(tree types.Pubkey, leafIndex uint64, leaf types.Hash) types.ChangelogEvent {
	t.seq++
	idx := LeafNodeIndex(leafIndex, t.depth)
	t.nodes[idx] = leaf

	path := make([]types.PathNodeEvent, 0, t.depth+1)
	path = append(path, types.PathNodeEvent{Node: leaf, Index: uint32(idx)})
	node := leaf
	for idx > 1 {
		sibling := t.Node(idx ^ 1)
		if idx&1 == 0 {
			node = HashNodes(node, sibling)
		} else {
			node = HashNodes(sibling, node)
		}
		idx >>= 1
		t.nodes[idx] = node
		path = append(path, types.PathNodeEvent{Node: node, Index: uint32(idx)})
	}
	return types.ChangelogEvent{
		Tree:  tree,
		Path:  path,
		Seq:   t.seq,
		Index: uint32(leafIndex),
	}
}

// Proof returns the sibling path for a leaf, bottom to top, without the root.
func (t *Tree) Proof(leafIndex uint64) []types.Hash {
	indices := RequiredIndices(leafIndex, t.depth)
	proof := make([]types.Hash, 0, len(indices)-1)
	for _, idx := range indices[:len(indices)-1] {
		proof = append(proof, t.Node(idx))
	}
	return proof
}

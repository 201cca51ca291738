// Package proof rebuilds merkle inclusion proofs from the changelog store
// and checks them.
package proof

import (
	"context"
	"errors"
	"fmt"

	"github.com/treesync/treesync/crypto/merkle"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/types"
)

// Engine builds proofs out of the stored path nodes of a tree.
type Engine struct {
	store store.ChangelogStore
}

// NewEngine returns an Engine reading from s.
func NewEngine(s store.ChangelogStore) *Engine {
	return &Engine{store: s}
}

// BuildProof assembles the proof of a leaf: the sibling at every level from
// the leaf upwards, then the root. Siblings never written are the empty
// subtree hash of their level. It returns store.ErrNotFound when the tree
// or the leaf has no stored row.
func (e *Engine) BuildProof(ctx context.Context, tree types.Pubkey, leafIndex uint64) (*types.AssetProof, error) {
	root, err := e.store.Read(ctx, tree, 1)
	if err != nil {
		return nil, fmt.Errorf("reading root of %v: %w", tree, err)
	}
	depth := int(root.Level)
	if err := merkle.ValidateDepth(depth); err != nil {
		return nil, fmt.Errorf("tree %v: %w", tree, err)
	}
	if leafIndex >= uint64(1)<<uint(depth) {
		return nil, fmt.Errorf("leaf %d of %v: %w", leafIndex, tree, store.ErrNotFound)
	}

	leafNode := merkle.LeafNodeIndex(leafIndex, depth)
	indices := merkle.RequiredIndices(leafIndex, depth)
	nodes, err := e.store.ReadMany(ctx, tree, append(indices, leafNode))
	if err != nil {
		return nil, fmt.Errorf("reading proof nodes of %v: %w", tree, err)
	}

	leaf, ok := nodes[leafNode]
	if !ok {
		return nil, fmt.Errorf("leaf %d of %v: %w", leafIndex, tree, store.ErrNotFound)
	}

	siblings := indices[:len(indices)-1]
	p := &types.AssetProof{
		Root:      root.Hash,
		Leaf:      leaf.Hash,
		Proof:     make([]types.Hash, len(siblings)),
		NodeIndex: leafNode,
		TreeID:    tree,
	}
	for i, idx := range siblings {
		if n, ok := nodes[idx]; ok {
			p.Proof[i] = n.Hash
		} else {
			p.Proof[i] = merkle.EmptyNode(i)
		}
	}
	return p, nil
}

// VerifyProof checks raw proof bytes. Any value that is not 32 bytes long
// makes the proof Corrupt. index is the leaf or node index of the leaf.
func VerifyProof(leaf []byte, index uint64, proof [][]byte, root []byte) types.ProofStatus {
	leafHash, err := types.HashFromBytes(leaf)
	if err != nil {
		return types.ProofCorrupt
	}
	rootHash, err := types.HashFromBytes(root)
	if err != nil {
		return types.ProofCorrupt
	}
	path := make([]types.Hash, len(proof))
	for i, bz := range proof {
		if path[i], err = types.HashFromBytes(bz); err != nil {
			return types.ProofCorrupt
		}
	}
	if merkle.Verify(leafHash, index, path, rootHash) {
		return types.ProofCorrect
	}
	return types.ProofIncorrect
}

// Verify checks an assembled proof.
func Verify(p *types.AssetProof) types.ProofStatus {
	if p == nil {
		return types.ProofNotFound
	}
	if merkle.Verify(p.Leaf, p.NodeIndex, p.Proof, p.Root) {
		return types.ProofCorrect
	}
	return types.ProofIncorrect
}

// Status builds and verifies the proof of a leaf. A tree or leaf without
// stored rows is NotFound; only storage failures are errors.
func (e *Engine) Status(ctx context.Context, tree types.Pubkey, leafIndex uint64) (types.ProofStatus, *types.AssetProof, error) {
	p, err := e.BuildProof(ctx, tree, leafIndex)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return types.ProofNotFound, nil, nil
	case err != nil:
		return types.ProofNotFound, nil, err
	}
	return Verify(p), p, nil
}

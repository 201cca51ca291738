package merkle

import (
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/treesync/treesync/types"
)

// MaxDepth is the deepest tree the account-compression program allows.
const MaxDepth = 30

// HashNodes returns keccak256(left || right).
func HashNodes(left, right types.Hash) types.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(left[:])
	h.Write(right[:])
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// HashLeaf hashes arbitrary bytes with keccak256.
func HashLeaf(data ...[]byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, bz := range data {
		h.Write(bz)
	}
	var out types.Hash
	h.Sum(out[:0])
	return out
}

var (
	emptyOnce  sync.Once
	emptyNodes [MaxDepth + 1]types.Hash
)

// EmptyNode returns the root of an empty subtree of the given height. Height
// 0 is the empty leaf (all zeroes).
func EmptyNode(height int) types.Hash {
	emptyOnce.Do(func() {
		for i := 1; i <= MaxDepth; i++ {
			emptyNodes[i] = HashNodes(emptyNodes[i-1], emptyNodes[i-1])
		}
	})
	if height < 0 || height > MaxDepth {
		panic("merkle: empty node height out of range")
	}
	return emptyNodes[height]
}

package types

import "fmt"

// Tree describes a concurrent merkle tree account. The structural fields are
// fixed when the account is created; Seq only grows.
type Tree struct {
	Address       Pubkey
	MaxDepth      uint32
	MaxBufferSize uint32
	Authority     Pubkey
	CreationSlot  uint64
	// Seq is the last sequence number the ledger reported for the tree.
	Seq uint64
}

func (t Tree) String() string {
	return fmt.Sprintf("Tree{%v depth=%d buffer=%d seq=%d}", t.Address, t.MaxDepth, t.MaxBufferSize, t.Seq)
}

// Capacity returns the number of leaves the tree can hold.
func (t Tree) Capacity() uint64 { return uint64(1) << t.MaxDepth }

package types

import (
	"errors"
	"fmt"
)

// PathNodeEvent is one node of a changelog path as emitted by the ledger.
type PathNodeEvent struct {
	Node  Hash
	Index uint32
}

// ChangelogEvent is the node path written to a tree at Seq. Path is ordered
// from the leaf (level 0) to the root (index 1).
type ChangelogEvent struct {
	Tree  Pubkey
	Path  []PathNodeEvent
	Seq   uint64
	Index uint32
}

// Depth returns the tree depth implied by the path length.
func (e ChangelogEvent) Depth() int { return len(e.Path) - 1 }

// Root returns the root hash written by the event.
func (e ChangelogEvent) Root() Hash { return e.Path[len(e.Path)-1].Node }

// LeafIndex returns the index of the leaf touched by the event.
func (e ChangelogEvent) LeafIndex() uint64 {
	return uint64(e.Path[0].Index) - uint64(1)<<uint(e.Depth())
}

// ValidateBasic checks that the path is a well formed leaf-to-root chain.
func (e ChangelogEvent) ValidateBasic() error {
	if len(e.Path) == 0 {
		return errors.New("empty changelog path")
	}
	if e.Seq == 0 {
		return errors.New("changelog seq must be positive")
	}
	if e.Path[len(e.Path)-1].Index != 1 {
		return fmt.Errorf("changelog path must end at the root, got index %d", e.Path[len(e.Path)-1].Index)
	}
	for i := 1; i < len(e.Path); i++ {
		if e.Path[i].Index != e.Path[i-1].Index>>1 {
			return fmt.Errorf("changelog path level %d index %d is not the parent of %d",
				i, e.Path[i].Index, e.Path[i-1].Index)
		}
	}
	return nil
}

// PathNodes converts the event into the rows it writes.
func (e ChangelogEvent) PathNodes() []PathNode {
	depth := e.Depth()
	nodes := make([]PathNode, len(e.Path))
	for i, p := range e.Path {
		nodes[i] = PathNode{
			Tree:      e.Tree,
			Level:     uint32(i),
			NodeIndex: uint64(p.Index),
			Hash:      p.Node,
			Seq:       e.Seq,
		}
		if i == 0 {
			nodes[i].LeafIndex = uint64(p.Index) - uint64(1)<<uint(depth)
		}
	}
	return nodes
}

// PathNode is the stored copy of a tree node. For a given (Tree, NodeIndex)
// the store keeps only the row with the highest Seq.
type PathNode struct {
	Tree      Pubkey
	Level     uint32
	NodeIndex uint64
	Hash      Hash
	Seq       uint64
	// LeafIndex is only meaningful when Level is 0.
	LeafIndex uint64
}

// LeafEvent is the leaf schema emitted alongside a changelog by the asset
// program.
type LeafEvent struct {
	ID          Pubkey
	Owner       Pubkey
	Delegate    Pubkey
	Nonce       uint64
	DataHash    Hash
	CreatorHash Hash
	LeafHash    Hash
}

// InstructionKind names a tree mutating instruction.
type InstructionKind string

const (
	KindUnknown                InstructionKind = "Unknown"
	KindCreateTree             InstructionKind = "CreateTree"
	KindMintV1                 InstructionKind = "MintV1"
	KindMintToCollectionV1     InstructionKind = "MintToCollectionV1"
	KindTransfer               InstructionKind = "Transfer"
	KindBurn                   InstructionKind = "Burn"
	KindDelegate               InstructionKind = "Delegate"
	KindRedeem                 InstructionKind = "Redeem"
	KindCancelRedeem           InstructionKind = "CancelRedeem"
	KindDecompressV1           InstructionKind = "DecompressV1"
	KindVerifyCreator          InstructionKind = "VerifyCreator"
	KindUnverifyCreator        InstructionKind = "UnverifyCreator"
	KindVerifyCollection       InstructionKind = "VerifyCollection"
	KindUnverifyCollection     InstructionKind = "UnverifyCollection"
	KindSetAndVerifyCollection InstructionKind = "SetAndVerifyCollection"
	KindUpdateMetadata         InstructionKind = "UpdateMetadata"
	KindInitEmptyMerkleTree    InstructionKind = "InitEmptyMerkleTree"
	KindAppend                 InstructionKind = "Append"
	KindReplaceLeaf            InstructionKind = "ReplaceLeaf"
	KindInsertOrAppend         InstructionKind = "InsertOrAppend"
	KindTransferAuthority      InstructionKind = "TransferAuthority"
	KindCloseEmptyTree         InstructionKind = "CloseEmptyTree"
	KindVerifyLeaf             InstructionKind = "VerifyLeaf"
	KindSetTreeDelegate        InstructionKind = "SetTreeDelegate"
	KindSetDecompressible      InstructionKind = "SetDecompressibleState"
	KindCompress               InstructionKind = "Compress"
)

// ApplyMeta carries the provenance of a changelog event being applied.
type ApplyMeta struct {
	Tx         Signature
	Slot       uint64
	Kind       InstructionKind
	Backfilled bool
}

// ChangelogAuditRecord is one applied tree mutation.
type ChangelogAuditRecord struct {
	Tree            Pubkey
	Seq             uint64
	Tx              Signature
	InstructionKind InstructionKind
	LeafIndex       uint64
}

// BackfillCompleteness records that every level of Seq's path was stored.
type BackfillCompleteness struct {
	Tree       Pubkey
	Seq        uint64
	Slot       uint64
	ForceCheck bool
	Backfilled bool
	Failed     bool
}

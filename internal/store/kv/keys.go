package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/google/orderedcode"

	"github.com/treesync/treesync/types"
)

const (
	// prefixes are unique across all key types
	prefixPathNode = int64(1)
	prefixAudit    = int64(2)
	prefixComplete = int64(3)
	prefixForce    = int64(4)
)

func pathNodeKey(tree types.Pubkey, nodeIndex uint64) []byte {
	key, err := orderedcode.Append(nil, prefixPathNode, string(tree[:]), nodeIndex)
	if err != nil {
		panic(err)
	}
	return key
}

func auditKey(tree types.Pubkey, seq uint64) []byte {
	key, err := orderedcode.Append(nil, prefixAudit, string(tree[:]), seq)
	if err != nil {
		panic(err)
	}
	return key
}

func completenessKey(tree types.Pubkey, seq uint64) []byte {
	key, err := orderedcode.Append(nil, prefixComplete, string(tree[:]), seq)
	if err != nil {
		panic(err)
	}
	return key
}

func forceCheckKey(tree types.Pubkey) []byte {
	key, err := orderedcode.Append(nil, prefixForce, string(tree[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func treePrefix(prefix int64, tree types.Pubkey) []byte {
	key, err := orderedcode.Append(nil, prefix, string(tree[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func kindPrefix(prefix int64) []byte {
	key, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	return key
}

// prefixEnd returns the exclusive upper bound of all keys starting with
// prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// decodeSeqKey returns the trailing sequence of an audit or completeness key.
func decodeSeqKey(key []byte, want int64) (uint64, error) {
	var (
		prefix int64
		tree   string
		seq    uint64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &tree, &seq)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %x", remaining)
	}
	if prefix != want {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", want, prefix)
	}
	return seq, nil
}

func decodeForceCheckKey(key []byte) (types.Pubkey, error) {
	var (
		prefix int64
		tree   string
	)
	if _, err := orderedcode.Parse(string(key), &prefix, &tree); err != nil {
		return types.Pubkey{}, err
	}
	if prefix != prefixForce {
		return types.Pubkey{}, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixForce, prefix)
	}
	return types.PubkeyFromBytes([]byte(tree))
}

//-----------------------------------------------------------------------------
// values

const pathNodeValueSize = 4 + types.HashSize + 8 + 8

func encodePathNode(n types.PathNode) []byte {
	bz := make([]byte, pathNodeValueSize)
	binary.BigEndian.PutUint32(bz[0:4], n.Level)
	copy(bz[4:36], n.Hash[:])
	binary.BigEndian.PutUint64(bz[36:44], n.Seq)
	binary.BigEndian.PutUint64(bz[44:52], n.LeafIndex)
	return bz
}

func decodePathNode(tree types.Pubkey, nodeIndex uint64, bz []byte) (types.PathNode, error) {
	if len(bz) != pathNodeValueSize {
		return types.PathNode{}, fmt.Errorf("path node value has %d bytes, want %d", len(bz), pathNodeValueSize)
	}
	n := types.PathNode{
		Tree:      tree,
		NodeIndex: nodeIndex,
		Level:     binary.BigEndian.Uint32(bz[0:4]),
		Seq:       binary.BigEndian.Uint64(bz[36:44]),
		LeafIndex: binary.BigEndian.Uint64(bz[44:52]),
	}
	copy(n.Hash[:], bz[4:36])
	return n, nil
}

func encodeAudit(r types.ChangelogAuditRecord) []byte {
	bz := make([]byte, types.SignatureSize+8, types.SignatureSize+8+len(r.InstructionKind))
	copy(bz, r.Tx[:])
	binary.BigEndian.PutUint64(bz[types.SignatureSize:], r.LeafIndex)
	return append(bz, r.InstructionKind...)
}

func decodeAudit(tree types.Pubkey, seq uint64, bz []byte) (types.ChangelogAuditRecord, error) {
	if len(bz) < types.SignatureSize+8 {
		return types.ChangelogAuditRecord{}, fmt.Errorf("audit value has %d bytes", len(bz))
	}
	r := types.ChangelogAuditRecord{
		Tree:            tree,
		Seq:             seq,
		LeafIndex:       binary.BigEndian.Uint64(bz[types.SignatureSize:]),
		InstructionKind: types.InstructionKind(bz[types.SignatureSize+8:]),
	}
	copy(r.Tx[:], bz[:types.SignatureSize])
	return r, nil
}

const (
	flagForceCheck = 1 << iota
	flagBackfilled
	flagFailed
)

func encodeCompleteness(c types.BackfillCompleteness) []byte {
	bz := make([]byte, 9)
	binary.BigEndian.PutUint64(bz[:8], c.Slot)
	if c.ForceCheck {
		bz[8] |= flagForceCheck
	}
	if c.Backfilled {
		bz[8] |= flagBackfilled
	}
	if c.Failed {
		bz[8] |= flagFailed
	}
	return bz
}

func decodeCompleteness(tree types.Pubkey, seq uint64, bz []byte) (types.BackfillCompleteness, error) {
	if len(bz) != 9 {
		return types.BackfillCompleteness{}, fmt.Errorf("completeness value has %d bytes", len(bz))
	}
	return types.BackfillCompleteness{
		Tree:       tree,
		Seq:        seq,
		Slot:       binary.BigEndian.Uint64(bz[:8]),
		ForceCheck: bz[8]&flagForceCheck != 0,
		Backfilled: bz[8]&flagBackfilled != 0,
		Failed:     bz[8]&flagFailed != 0,
	}, nil
}

// Package parsertest builds ledger transactions that the parser accepts.
package parsertest

import (
	"encoding/binary"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/parser"
	"github.com/treesync/treesync/types"
)

var (
	CompressionID = types.MustPubkeyFromBase58(config.SPLCompressionProgram)
	NoopID        = types.MustPubkeyFromBase58(config.SPLNoopProgram)
)

// EncodeChangelog returns the borsh form of ev as logged through the noop
// program.
func EncodeChangelog(ev types.ChangelogEvent) []byte {
	bz := []byte{0, 0} // ChangeLog, V1
	bz = append(bz, ev.Tree[:]...)
	bz = binary.LittleEndian.AppendUint32(bz, uint32(len(ev.Path)))
	for _, p := range ev.Path {
		bz = append(bz, p.Node[:]...)
		bz = binary.LittleEndian.AppendUint32(bz, p.Index)
	}
	bz = binary.LittleEndian.AppendUint64(bz, ev.Seq)
	return binary.LittleEndian.AppendUint32(bz, ev.Index)
}

// ReplaceLeafTx returns a successful transaction in which the compression
// program replaces a leaf and logs ev.
func ReplaceLeafTx(sig types.Signature, slot uint64, ev types.ChangelogEvent) *types.Transaction {
	authority := types.Pubkey{0xA1}
	return &types.Transaction{
		Signature:   sig,
		Slot:        slot,
		AccountKeys: []types.Pubkey{authority, ev.Tree, CompressionID, NoopID},
		Instructions: []types.CompiledInstruction{{
			ProgramIDIndex: 2,
			Accounts:       []int{1, 0, 3},
			Data:           append(parser.Discriminator("replace_leaf"), make([]byte, 32*3+4)...),
		}},
		InnerInstructions: []types.InnerInstructions{{
			Index: 0,
			Instructions: []types.CompiledInstruction{
				{ProgramIDIndex: 3, Data: EncodeChangelog(ev), StackHeight: 2},
			},
		}},
	}
}

// GarbageTx returns a transaction calling the compression program with an
// unknown instruction.
func GarbageTx(sig types.Signature, slot uint64, tree types.Pubkey) *types.Transaction {
	return &types.Transaction{
		Signature:   sig,
		Slot:        slot,
		AccountKeys: []types.Pubkey{{0xA1}, tree, CompressionID},
		Instructions: []types.CompiledInstruction{{
			ProgramIDIndex: 2,
			Accounts:       []int{1, 0},
			Data:           []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0},
		}},
	}
}

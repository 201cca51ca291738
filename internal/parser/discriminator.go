package parser

import (
	"crypto/sha256"

	"github.com/treesync/treesync/types"
)

const discriminatorSize = 8

type discriminator [discriminatorSize]byte

// anchorDiscriminator is the first eight bytes of sha256("global:<name>").
func anchorDiscriminator(name string) discriminator {
	sum := sha256.Sum256([]byte("global:" + name))
	var d discriminator
	copy(d[:], sum[:discriminatorSize])
	return d
}

func kindTable(names map[string]types.InstructionKind) map[discriminator]types.InstructionKind {
	out := make(map[discriminator]types.InstructionKind, len(names))
	for name, kind := range names {
		out[anchorDiscriminator(name)] = kind
	}
	return out
}

var bubblegumKinds = kindTable(map[string]types.InstructionKind{
	"create_tree":               types.KindCreateTree,
	"mint_v1":                   types.KindMintV1,
	"mint_to_collection_v1":     types.KindMintToCollectionV1,
	"transfer":                  types.KindTransfer,
	"burn":                      types.KindBurn,
	"delegate":                  types.KindDelegate,
	"redeem":                    types.KindRedeem,
	"cancel_redeem":             types.KindCancelRedeem,
	"decompress_v1":             types.KindDecompressV1,
	"verify_creator":            types.KindVerifyCreator,
	"unverify_creator":          types.KindUnverifyCreator,
	"verify_collection":         types.KindVerifyCollection,
	"unverify_collection":       types.KindUnverifyCollection,
	"set_and_verify_collection": types.KindSetAndVerifyCollection,
	"update_metadata":           types.KindUpdateMetadata,
	"set_tree_delegate":         types.KindSetTreeDelegate,
	"set_decompressible_state":  types.KindSetDecompressible,
	"set_decompressable_state":  types.KindSetDecompressible,
	"compress":                  types.KindCompress,
})

var compressionKinds = kindTable(map[string]types.InstructionKind{
	"init_empty_merkle_tree": types.KindInitEmptyMerkleTree,
	"append":                 types.KindAppend,
	"replace_leaf":           types.KindReplaceLeaf,
	"insert_or_append":       types.KindInsertOrAppend,
	"transfer_authority":     types.KindTransferAuthority,
	"close_empty_tree":       types.KindCloseEmptyTree,
	"verify_leaf":            types.KindVerifyLeaf,
})

// Discriminator returns the instruction discriminator bubblegum or the
// compression program use for an instruction name. Exported for tests and
// fixtures.
func Discriminator(name string) []byte {
	d := anchorDiscriminator(name)
	return d[:]
}

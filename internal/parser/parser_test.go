package parser

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/crypto/merkle"
	"github.com/treesync/treesync/types"
)

var (
	bubblegumID   = types.MustPubkeyFromBase58(config.BubblegumProgramID)
	compressionID = types.MustPubkeyFromBase58(config.SPLCompressionProgram)
	noopID        = types.MustPubkeyFromBase58(config.SPLNoopProgram)
	otherID       = types.Pubkey{0xEE}
)

type encoder struct{ buf []byte }

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.raw([]byte(s))
}

func encodeChangelog(ev types.ChangelogEvent) []byte {
	e := &encoder{}
	e.u8(eventChangeLog)
	e.u8(changeLogV1)
	e.raw(ev.Tree[:])
	e.u32(uint32(len(ev.Path)))
	for _, p := range ev.Path {
		e.raw(p.Node[:])
		e.u32(p.Index)
	}
	e.u64(ev.Seq)
	e.u32(ev.Index)
	return e.buf
}

func encodeLeafEvent(l types.LeafEvent) []byte {
	inner := &encoder{}
	inner.u8(bubblegumEventLeafSchema)
	inner.u8(bubblegumVersionV1)
	inner.u8(leafSchemaV1)
	inner.raw(l.ID[:])
	inner.raw(l.Owner[:])
	inner.raw(l.Delegate[:])
	inner.u64(l.Nonce)
	inner.raw(l.DataHash[:])
	inner.raw(l.CreatorHash[:])
	inner.raw(l.LeafHash[:])

	e := &encoder{}
	e.u8(eventApplicationData)
	e.u8(applicationDataV1)
	e.u32(uint32(len(inner.buf)))
	e.raw(inner.buf)
	return e.buf
}

func encodeMetadata(name, symbol, uri string, creator types.Pubkey) []byte {
	e := &encoder{}
	e.str(name)
	e.str(symbol)
	e.str(uri)
	e.u16(500)
	e.u8(0) // primary sale
	e.u8(1) // mutable
	e.u8(1) // edition nonce
	e.u8(255)
	e.u8(0) // token standard
	e.u8(1) // collection
	e.u8(0)
	e.raw(types.Pubkey{0xC0}.Bytes())
	e.u8(0) // uses
	e.u8(0) // token program version
	e.u32(1)
	e.raw(creator[:])
	e.u8(1)
	e.u8(100)
	return e.buf
}

// transferTx builds a bubblegum transfer of leaf 3 in a depth 4 tree. The
// key list is: payer, tree authority, owner, delegate, new owner, tree,
// bubblegum, compression, noop.
func transferTx(t *testing.T) (*types.Transaction, types.ChangelogEvent, types.LeafEvent) {
	t.Helper()
	keys := []types.Pubkey{{1}, {2}, {3}, {4}, {5}, {6}, bubblegumID, compressionID, noopID}
	tree := keys[5]
	mt := merkle.NewTree(4)
	ev := mt.SetLeaf(tree, 3, merkle.HashLeaf([]byte("leaf")))
	leaf := types.LeafEvent{ID: types.Pubkey{9}, Owner: keys[4], Delegate: keys[4], Nonce: 3, LeafHash: ev.Path[0].Node}

	tx := &types.Transaction{
		AccountKeys: keys,
		Instructions: []types.CompiledInstruction{{
			ProgramIDIndex: 6,
			Accounts:       []int{1, 2, 3, 4, 5, 8, 7},
			Data:           append(Discriminator("transfer"), make([]byte, 108)...),
		}},
		InnerInstructions: []types.InnerInstructions{{
			Index: 0,
			Instructions: []types.CompiledInstruction{
				{ProgramIDIndex: 8, Data: encodeLeafEvent(leaf)},
				{ProgramIDIndex: 7, Accounts: []int{5, 1, 8}, Data: Discriminator("replace_leaf")},
				{ProgramIDIndex: 8, Data: encodeChangelog(ev)},
			},
		}},
	}
	return tx, ev, leaf
}

func TestExtractAndParseTransfer(t *testing.T) {
	tx, ev, leaf := transferTx(t)

	bundles, err := Extract(tx, DefaultPrograms())
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	b := bundles[0]
	assert.Equal(t, ProgramBubblegum, b.Program)
	assert.Equal(t, 0, b.Level)
	require.Len(t, b.Inner, 4)
	// the first inner instruction is the outer one itself
	assert.Equal(t, b.Instruction, b.Inner[0])

	res, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, types.KindTransfer, res.Kind)
	assert.Equal(t, ev.Tree, res.Tree)
	require.Len(t, res.Changelogs, 1)
	if diff := cmp.Diff(ev, res.Changelogs[0]); diff != "" {
		t.Errorf("changelog mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, res.Leaf)
	assert.Equal(t, leaf, *res.Leaf)
	assert.Equal(t, TransferPayload{
		Owner:    tx.AccountKeys[2],
		Delegate: tx.AccountKeys[3],
		NewOwner: tx.AccountKeys[4],
	}, res.Payload)
}

func TestExtractDroppedAccounts(t *testing.T) {
	tx, _, _ := transferTx(t)
	tx.Instructions[0].Accounts[2] = 99

	bundles, err := Extract(tx, DefaultPrograms())
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, 1, bundles[0].DroppedAccounts)
	assert.Equal(t, types.Pubkey{}, bundles[0].Instruction.Account(2))
	// later positions are not shifted
	assert.Equal(t, tx.AccountKeys[4], bundles[0].Instruction.Account(3))

	res, err := Parse(bundles[0])
	require.NoError(t, err)
	assert.True(t, res.Payload.(TransferPayload).Delegate.IsZero())
}

func TestExtractInvokedInstructions(t *testing.T) {
	keys := []types.Pubkey{{1}, {6}, otherID, compressionID, noopID}
	mt := merkle.NewTree(3)
	first := mt.SetLeaf(keys[1], 0, types.Hash{1})
	second := mt.SetLeaf(keys[1], 1, types.Hash{2})
	tx := &types.Transaction{
		AccountKeys: keys,
		Instructions: []types.CompiledInstruction{
			{ProgramIDIndex: 2},
		},
		InnerInstructions: []types.InnerInstructions{{
			Index: 0,
			Instructions: []types.CompiledInstruction{
				{ProgramIDIndex: 3, Accounts: []int{1, 0, 4}, Data: Discriminator("append")},
				{ProgramIDIndex: 4, Data: encodeChangelog(first)},
				{ProgramIDIndex: 3, Accounts: []int{1, 0, 4}, Data: Discriminator("append")},
				{ProgramIDIndex: 4, Data: encodeChangelog(second)},
			},
		}},
	}

	bundles, err := Extract(tx, DefaultPrograms())
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	for i, want := range []types.ChangelogEvent{first, second} {
		assert.Equal(t, 1, bundles[i].Level)
		assert.Equal(t, ProgramAccountCompression, bundles[i].Program)
		res, err := Parse(bundles[i])
		require.NoError(t, err)
		assert.Equal(t, types.KindAppend, res.Kind)
		assert.Equal(t, keys[1], res.Tree)
		require.Len(t, res.Changelogs, 1)
		assert.Equal(t, want.Seq, res.Changelogs[0].Seq)
	}
}

// A third party program invokes bubblegum, which in turn invokes the
// compression program.
func TestExtractBubblegumThroughCPI(t *testing.T) {
	testCases := []struct {
		name    string
		heights []int
	}{
		{"stack heights", []int{2, 3, 3, 4}},
		{"no stack heights", []int{0, 0, 0, 0}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tx, ev, leaf := transferTx(t)
			keys := append(tx.AccountKeys, otherID)
			transfer := tx.Instructions[0]
			nested := tx.InnerInstructions[0].Instructions
			tx.AccountKeys = keys
			tx.Instructions = []types.CompiledInstruction{{ProgramIDIndex: len(keys) - 1}}
			inner := []types.CompiledInstruction{transfer, nested[0], nested[1], nested[2]}
			for k := range inner {
				inner[k].StackHeight = tc.heights[k]
			}
			tx.InnerInstructions = []types.InnerInstructions{{Index: 0, Instructions: inner}}

			bundles, err := Extract(tx, DefaultPrograms())
			require.NoError(t, err)
			require.Len(t, bundles, 1)
			b := bundles[0]
			assert.Equal(t, ProgramBubblegum, b.Program)
			assert.Equal(t, 1, b.Level)
			assert.Len(t, b.Inner, 3)

			res, err := Parse(b)
			require.NoError(t, err)
			assert.Equal(t, types.KindTransfer, res.Kind)
			require.Len(t, res.Changelogs, 1)
			assert.Equal(t, ev.Seq, res.Changelogs[0].Seq)
			assert.Equal(t, ev.Tree, res.Tree)
			require.NotNil(t, res.Leaf)
			assert.Equal(t, leaf, *res.Leaf)
		})
	}
}

func TestExtractStackHeightEndsBundle(t *testing.T) {
	keys := []types.Pubkey{{1}, {6}, otherID, compressionID, noopID}
	mt := merkle.NewTree(3)
	ev := mt.SetLeaf(keys[1], 0, types.Hash{1})
	tx := &types.Transaction{
		AccountKeys:  keys,
		Instructions: []types.CompiledInstruction{{ProgramIDIndex: 2}},
		InnerInstructions: []types.InnerInstructions{{
			Index: 0,
			Instructions: []types.CompiledInstruction{
				{ProgramIDIndex: 3, Accounts: []int{1, 0, 4}, Data: Discriminator("append"), StackHeight: 2},
				{ProgramIDIndex: 4, Data: encodeChangelog(ev), StackHeight: 3},
				// invoked by the outer program, not by the compression call
				{ProgramIDIndex: 4, Data: []byte{7, 0}, StackHeight: 2},
			},
		}},
	}

	bundles, err := Extract(tx, DefaultPrograms())
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Len(t, bundles[0].Inner, 1)

	res, err := Parse(bundles[0])
	require.NoError(t, err)
	require.Len(t, res.Changelogs, 1)
}

func TestExtractIgnoresOtherPrograms(t *testing.T) {
	tx := &types.Transaction{
		AccountKeys:  []types.Pubkey{{1}, otherID},
		Instructions: []types.CompiledInstruction{{ProgramIDIndex: 1}},
	}
	bundles, err := Extract(tx, DefaultPrograms())
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestExtractBadProgramIndex(t *testing.T) {
	tx := &types.Transaction{
		AccountKeys:  []types.Pubkey{{1}},
		Instructions: []types.CompiledInstruction{{ProgramIDIndex: 4}},
	}
	_, err := Extract(tx, DefaultPrograms())
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestParseMint(t *testing.T) {
	creator := types.Pubkey{0xCC}
	ix := Instruction{
		ProgramID: bubblegumID,
		Accounts:  []types.Pubkey{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}},
		Data:      append(Discriminator("mint_to_collection_v1"), encodeMetadata("Gem", "GEM", "https://x/1.json", creator)...),
	}
	res, err := Parse(InstructionBundle{Program: ProgramBubblegum, Instruction: ix, Inner: []Instruction{ix}})
	require.NoError(t, err)
	assert.Equal(t, types.KindMintToCollectionV1, res.Kind)
	assert.Equal(t, types.Pubkey{4}, res.Tree)
	assert.False(t, res.HasChangelog())

	p, ok := res.Payload.(MintPayload)
	require.True(t, ok)
	assert.Equal(t, "Gem", p.Metadata.Name)
	assert.Equal(t, "GEM", p.Metadata.Symbol)
	assert.Equal(t, "https://x/1.json", p.Metadata.URI)
	assert.EqualValues(t, 500, p.Metadata.SellerFeeBasisPoints)
	require.NotNil(t, p.Metadata.Collection)
	assert.Equal(t, types.Pubkey{0xC0}, p.Metadata.Collection.Key)
	require.Len(t, p.Metadata.Creators, 1)
	assert.Equal(t, creator, p.Metadata.Creators[0].Address)
	assert.Equal(t, types.Pubkey{9}, p.CollectionMint)
}

func TestParseMalformed(t *testing.T) {
	tx, ev, _ := transferTx(t)
	bundles, err := Extract(tx, DefaultPrograms())
	require.NoError(t, err)

	testCases := []struct {
		name   string
		modify func(*InstructionBundle)
	}{
		{"truncated changelog", func(b *InstructionBundle) {
			b.Inner[3].Data = encodeChangelog(ev)[:40]
		}},
		{"unknown event", func(b *InstructionBundle) {
			b.Inner[3].Data = []byte{7, 0}
		}},
		{"unknown discriminator", func(b *InstructionBundle) {
			b.Instruction.Data = []byte{1, 2, 3, 4, 5, 6, 7, 8}
		}},
		{"short data", func(b *InstructionBundle) {
			b.Instruction.Data = []byte{1}
		}},
		{"broken path", func(b *InstructionBundle) {
			bad := ev
			bad.Path = append([]types.PathNodeEvent(nil), ev.Path...)
			bad.Path[1].Index = 77
			b.Inner[3].Data = encodeChangelog(bad)
		}},
		{"unknown program kind", func(b *InstructionBundle) {
			b.Program = ProgramUnknown
		}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b := bundles[0]
			b.Inner = append([]Instruction(nil), b.Inner...)
			tc.modify(&b)
			_, err := Parse(b)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), err)
		})
	}
}

func TestDecoderErrorSticks(t *testing.T) {
	d := newDecoder([]byte{1, 2, 3})
	assert.EqualValues(t, 1, d.u8())
	assert.Zero(t, d.u32())
	require.Error(t, d.err)
	assert.True(t, errors.Is(d.err, ErrMalformed))
	// bytes are left but the decoder stays failed
	assert.Zero(t, d.u8())

	d = newDecoder([]byte{2})
	assert.False(t, d.boolean())
	assert.True(t, errors.Is(d.err, ErrMalformed))
}

func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bz := rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "bz").([]byte)
		_, _ = decodeCompressionEvent(bz)
		_, _ = decodeLeafSchemaEvent(bz)
		_ = decodeMetadataArgs(newDecoder(bz))
	})
}

func TestProgramsFromConfig(t *testing.T) {
	cfg := config.DefaultProgramsConfig()
	p, err := ProgramsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ProgramBubblegum, p.Kind(bubblegumID))
	assert.Equal(t, ProgramAccountCompression, p.Kind(types.MustPubkeyFromBase58(config.MPLCompressionProgram)))
	assert.True(t, p.IsNoop(types.MustPubkeyFromBase58(config.MPLNoopProgram)))
	assert.Equal(t, ProgramUnknown, p.Kind(noopID))

	cfg.Bubblegum = "bad"
	_, err = ProgramsFromConfig(cfg)
	assert.Error(t, err)
}

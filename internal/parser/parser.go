package parser

import (
	"fmt"

	"github.com/treesync/treesync/types"
)

// ParseResult is everything one instruction bundle contributes.
type ParseResult struct {
	Program    ProgramKind
	Kind       types.InstructionKind
	Tree       types.Pubkey
	Changelogs []types.ChangelogEvent
	Leaf       *types.LeafEvent
	Payload    Payload
}

// HasChangelog reports whether the instruction wrote to a tree.
func (r *ParseResult) HasChangelog() bool { return len(r.Changelogs) > 0 }

type parseFunc func(InstructionBundle) (*ParseResult, error)

// parsers is indexed by ProgramKind.
var parsers = [...]parseFunc{
	ProgramUnknown:            nil,
	ProgramBubblegum:          parseBubblegum,
	ProgramAccountCompression: parseCompression,
}

// Parse decodes a bundle produced by Extract. It performs no I/O. Errors
// wrap ErrMalformed.
func Parse(b InstructionBundle) (*ParseResult, error) {
	if int(b.Program) <= 0 || int(b.Program) >= len(parsers) {
		return nil, fmt.Errorf("%w: no parser for program kind %v", ErrMalformed, b.Program)
	}
	return parsers[b.Program](b)
}

func instructionKind(data []byte, table map[discriminator]types.InstructionKind) (types.InstructionKind, error) {
	if len(data) < discriminatorSize {
		return types.KindUnknown, fmt.Errorf("%w: instruction data has %d bytes", ErrMalformed, len(data))
	}
	var d discriminator
	copy(d[:], data)
	kind, ok := table[d]
	if !ok {
		return types.KindUnknown, fmt.Errorf("%w: unknown discriminator %x", ErrMalformed, d[:])
	}
	return kind, nil
}

// collectEvents decodes the noop payloads among the inner instructions.
// Application data is decoded as a bubblegum leaf event when decodeLeaf
// is set.
func collectEvents(r *ParseResult, inner []Instruction, decodeLeaf bool) error {
	for i, ix := range inner {
		if !ix.Noop {
			continue
		}
		ev, err := decodeCompressionEvent(ix.Data)
		if err != nil {
			return fmt.Errorf("inner instruction %d: %w", i, err)
		}
		switch {
		case ev.changelog != nil:
			r.Changelogs = append(r.Changelogs, *ev.changelog)
		case decodeLeaf:
			leaf, err := decodeLeafSchemaEvent(ev.appData)
			if err != nil {
				return fmt.Errorf("inner instruction %d: %w", i, err)
			}
			if leaf != nil {
				r.Leaf = leaf
			}
		}
	}
	if len(r.Changelogs) > 0 {
		r.Tree = r.Changelogs[0].Tree
	}
	return nil
}

//-----------------------------------------------------------------------------
// bubblegum

// merkle tree account position per instruction kind
var bubblegumTreeAccount = map[types.InstructionKind]int{
	types.KindCreateTree:             1,
	types.KindMintV1:                 3,
	types.KindMintToCollectionV1:     3,
	types.KindTransfer:               4,
	types.KindBurn:                   3,
	types.KindDelegate:               4,
	types.KindRedeem:                 3,
	types.KindCancelRedeem:           2,
	types.KindVerifyCreator:          3,
	types.KindUnverifyCreator:        3,
	types.KindVerifyCollection:       3,
	types.KindUnverifyCollection:     3,
	types.KindSetAndVerifyCollection: 3,
	types.KindUpdateMetadata:         8,
	types.KindSetTreeDelegate:        1,
}

// verification instructions carry root, data hash, creator hash, nonce and
// index before their metadata argument
const verifyArgsPrefix = 32 + 32 + 32 + 8 + 4

func parseBubblegum(b InstructionBundle) (*ParseResult, error) {
	ix := b.Instruction
	kind, err := instructionKind(ix.Data, bubblegumKinds)
	if err != nil {
		return nil, err
	}
	r := &ParseResult{Program: ProgramBubblegum, Kind: kind}
	if pos, ok := bubblegumTreeAccount[kind]; ok {
		r.Tree = ix.Account(pos)
	}
	if err := collectEvents(r, b.Inner, true); err != nil {
		return nil, err
	}

	args := ix.Data[discriminatorSize:]
	switch kind {
	case types.KindMintV1, types.KindMintToCollectionV1:
		d := newDecoder(args)
		p := MintPayload{
			Owner:    ix.Account(1),
			Delegate: ix.Account(2),
			Metadata: decodeMetadataArgs(d),
			Raw:      args,
		}
		if kind == types.KindMintToCollectionV1 {
			p.CollectionMint = ix.Account(8)
		}
		if d.err != nil {
			return nil, fmt.Errorf("%v args: %w", kind, d.err)
		}
		r.Payload = p
	case types.KindTransfer:
		r.Payload = TransferPayload{Owner: ix.Account(1), Delegate: ix.Account(2), NewOwner: ix.Account(3)}
	case types.KindBurn:
		r.Payload = BurnPayload{Owner: ix.Account(1), Delegate: ix.Account(2)}
	case types.KindDelegate:
		r.Payload = DelegatePayload{Owner: ix.Account(1), PreviousDelegate: ix.Account(2), NewDelegate: ix.Account(3)}
	case types.KindRedeem:
		r.Payload = RedeemPayload{Owner: ix.Account(1), Voucher: ix.Account(4)}
	case types.KindCancelRedeem:
		r.Payload = RedeemPayload{Owner: ix.Account(1), Voucher: ix.Account(3)}
	case types.KindDecompressV1:
		r.Payload = RedeemPayload{Owner: ix.Account(1), Voucher: ix.Account(0)}
	case types.KindVerifyCreator, types.KindUnverifyCreator:
		d := newDecoder(args)
		d.take(verifyArgsPrefix)
		p := CreatorPayload{
			Creator:  ix.Account(5),
			Verified: kind == types.KindVerifyCreator,
			Metadata: decodeMetadataArgs(d),
		}
		if d.err != nil {
			return nil, fmt.Errorf("%v args: %w", kind, d.err)
		}
		r.Payload = p
	case types.KindVerifyCollection, types.KindUnverifyCollection, types.KindSetAndVerifyCollection:
		d := newDecoder(args)
		d.take(verifyArgsPrefix)
		p := CollectionPayload{
			CollectionMint: ix.Account(8),
			Verified:       kind != types.KindUnverifyCollection,
			Metadata:       decodeMetadataArgs(d),
		}
		if d.err != nil {
			return nil, fmt.Errorf("%v args: %w", kind, d.err)
		}
		r.Payload = p
	case types.KindUpdateMetadata:
		r.Payload = UpdateMetadataPayload{CollectionMint: ix.Account(2), Owner: ix.Account(5), Raw: args}
	case types.KindCreateTree:
		r.Payload = CreateTreePayload{Creator: ix.Account(3), Raw: args}
	}
	return r, nil
}

//-----------------------------------------------------------------------------
// account compression

func parseCompression(b InstructionBundle) (*ParseResult, error) {
	ix := b.Instruction
	kind, err := instructionKind(ix.Data, compressionKinds)
	if err != nil {
		return nil, err
	}
	r := &ParseResult{
		Program: ProgramAccountCompression,
		Kind:    kind,
		Tree:    ix.Account(0),
		Payload: CompressionPayload{Authority: ix.Account(1)},
	}
	if err := collectEvents(r, b.Inner, false); err != nil {
		return nil, err
	}
	return r, nil
}

package parser

import "github.com/treesync/treesync/types"

// Payload is the instruction specific data forwarded to asset state
// handling. It is opaque to tree reconciliation.
type Payload interface {
	payload()
}

// Creator is a metadata creator entry.
type Creator struct {
	Address  types.Pubkey
	Verified bool
	Share    uint8
}

// Collection is the optional collection of a metadata entry.
type Collection struct {
	Verified bool
	Key      types.Pubkey
}

// Uses is the optional uses entry of metadata.
type Uses struct {
	UseMethod uint8
	Remaining uint64
	Total     uint64
}

// MetadataArgs are the bubblegum metadata arguments of a mint.
type MetadataArgs struct {
	Name                 string
	Symbol               string
	URI                  string
	SellerFeeBasisPoints uint16
	PrimarySaleHappened  bool
	IsMutable            bool
	EditionNonce         *uint8
	TokenStandard        *uint8
	Collection           *Collection
	Uses                 *Uses
	TokenProgramVersion  uint8
	Creators             []Creator
}

func decodeMetadataArgs(d *decoder) MetadataArgs {
	m := MetadataArgs{
		Name:                 d.str(),
		Symbol:               d.str(),
		URI:                  d.str(),
		SellerFeeBasisPoints: d.u16(),
		PrimarySaleHappened:  d.boolean(),
		IsMutable:            d.boolean(),
	}
	if d.option() {
		v := d.u8()
		m.EditionNonce = &v
	}
	if d.option() {
		v := d.u8()
		m.TokenStandard = &v
	}
	if d.option() {
		m.Collection = &Collection{Verified: d.boolean(), Key: d.pubkey()}
	}
	if d.option() {
		m.Uses = &Uses{UseMethod: d.u8(), Remaining: d.u64(), Total: d.u64()}
	}
	m.TokenProgramVersion = d.u8()
	n := d.vecLen()
	for i := 0; i < n && d.err == nil; i++ {
		m.Creators = append(m.Creators, Creator{Address: d.pubkey(), Verified: d.boolean(), Share: d.u8()})
	}
	return m
}

// MintPayload is produced by mint_v1 and mint_to_collection_v1.
type MintPayload struct {
	Owner          types.Pubkey
	Delegate       types.Pubkey
	Metadata       MetadataArgs
	CollectionMint types.Pubkey
	Raw            []byte
}

// TransferPayload is produced by transfer.
type TransferPayload struct {
	Owner    types.Pubkey
	Delegate types.Pubkey
	NewOwner types.Pubkey
}

// BurnPayload is produced by burn.
type BurnPayload struct {
	Owner    types.Pubkey
	Delegate types.Pubkey
}

// DelegatePayload is produced by delegate.
type DelegatePayload struct {
	Owner            types.Pubkey
	PreviousDelegate types.Pubkey
	NewDelegate      types.Pubkey
}

// RedeemPayload is produced by redeem, cancel_redeem and decompress_v1.
type RedeemPayload struct {
	Owner   types.Pubkey
	Voucher types.Pubkey
}

// CreatorPayload is produced by verify_creator and unverify_creator.
type CreatorPayload struct {
	Creator  types.Pubkey
	Verified bool
	Metadata MetadataArgs
}

// CollectionPayload is produced by the collection verification
// instructions.
type CollectionPayload struct {
	CollectionMint types.Pubkey
	Verified       bool
	Metadata       MetadataArgs
}

// UpdateMetadataPayload is produced by update_metadata. Raw holds the
// instruction arguments after the discriminator.
type UpdateMetadataPayload struct {
	CollectionMint types.Pubkey
	Owner          types.Pubkey
	Raw            []byte
}

// CreateTreePayload is produced by create_tree.
type CreateTreePayload struct {
	Creator types.Pubkey
	Raw     []byte
}

// CompressionPayload is produced by account-compression instructions.
type CompressionPayload struct {
	Authority types.Pubkey
}

func (MintPayload) payload()           {}
func (TransferPayload) payload()       {}
func (BurnPayload) payload()           {}
func (DelegatePayload) payload()       {}
func (RedeemPayload) payload()         {}
func (CreatorPayload) payload()        {}
func (CollectionPayload) payload()     {}
func (UpdateMetadataPayload) payload() {}
func (CreateTreePayload) payload()     {}
func (CompressionPayload) payload()    {}

package ledger

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/treesync/treesync/types"
)

const (
	// accountTypeMerkleTree tags concurrent merkle tree accounts in the
	// first byte of their data.
	accountTypeMerkleTree = 1
	headerVersionV1       = 0

	// account type (1) + header version (1) + V1 header (54)
	treeHeaderSize = 56
	// The tree body begins with the sequence number.
	treeSeqOffset = treeHeaderSize
)

// DecodeTreeHeader decodes the header and current sequence number of a
// concurrent merkle tree account.
func DecodeTreeHeader(addr types.Pubkey, data []byte) (types.Tree, error) {
	if len(data) < treeSeqOffset+8 {
		return types.Tree{}, fmt.Errorf("%w: tree account %v has %d bytes", ErrDecode, addr, len(data))
	}
	if data[0] != accountTypeMerkleTree {
		return types.Tree{}, fmt.Errorf("%w: account %v is not a merkle tree (type %d)", ErrDecode, addr, data[0])
	}
	if data[1] != headerVersionV1 {
		return types.Tree{}, fmt.Errorf("%w: tree %v has unsupported header version %d", ErrDecode, addr, data[1])
	}

	t := types.Tree{
		Address:       addr,
		MaxBufferSize: binary.LittleEndian.Uint32(data[2:6]),
		MaxDepth:      binary.LittleEndian.Uint32(data[6:10]),
		CreationSlot:  binary.LittleEndian.Uint64(data[42:50]),
		Seq:           binary.LittleEndian.Uint64(data[treeSeqOffset : treeSeqOffset+8]),
	}
	copy(t.Authority[:], data[10:42])
	return t, nil
}

// TreeFetcher reads tree accounts. Concurrent reads of the same tree share
// one request.
type TreeFetcher struct {
	ledger Ledger
	group  singleflight.Group
}

// NewTreeFetcher returns a TreeFetcher reading from l.
func NewTreeFetcher(l Ledger) *TreeFetcher {
	return &TreeFetcher{ledger: l}
}

// FetchTree returns the current header and sequence number of a tree.
func (f *TreeFetcher) FetchTree(ctx context.Context, addr types.Pubkey) (types.Tree, error) {
	v, err, _ := f.group.Do(addr.String(), func() (interface{}, error) {
		acc, err := f.ledger.GetAccount(ctx, addr)
		if err != nil {
			return types.Tree{}, err
		}
		return DecodeTreeHeader(addr, acc.Data)
	})
	if err != nil {
		return types.Tree{}, err
	}
	return v.(types.Tree), nil
}

// ListTrees returns every merkle tree account owned by the given
// compression programs. Accounts that fail to decode are skipped.
func (f *TreeFetcher) ListTrees(ctx context.Context, programs []types.Pubkey) ([]types.Tree, error) {
	var trees []types.Tree
	for _, program := range programs {
		accs, err := f.ledger.GetProgramAccounts(ctx, program, MemcmpFilter{
			Offset: 0,
			Bytes:  []byte{accountTypeMerkleTree},
		})
		if err != nil {
			return nil, fmt.Errorf("listing trees of %v: %w", program, err)
		}
		for _, acc := range accs {
			t, err := DecodeTreeHeader(acc.Pubkey, acc.Account.Data)
			if err != nil {
				continue
			}
			trees = append(trees, t)
		}
	}
	return trees, nil
}

// Package store defines the changelog store: the sequence-gated writer and
// reader over tree path nodes, the audit trail of applied instructions and
// backfill completeness rows.
package store

import (
	"context"
	"errors"

	"github.com/treesync/treesync/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SeqWindow is a pair of consecutive audit rows whose sequence numbers are
// more than one apart.
type SeqWindow struct {
	PrevSeq uint64
	PrevTx  types.Signature
	NextSeq uint64
	NextTx  types.Signature
}

// Bounds are the lowest and highest audited sequence numbers of a tree.
type Bounds struct {
	MinSeq uint64
	MinTx  types.Signature
	MaxSeq uint64
	MaxTx  types.Signature
}

// Completeness summarizes the backfill_completeness rows of a tree.
type Completeness struct {
	// MaxSeq is the highest sequence with a completeness row.
	MaxSeq uint64
	// Covered is the number of distinct sequences with a completeness row.
	Covered uint64
	// ForceCheck is set while the tree is flagged for re-examination.
	ForceCheck bool
}

// Complete reports whether every sequence from 1 to MaxSeq is recorded and
// nothing is pending re-examination.
func (c Completeness) Complete() bool {
	return !c.ForceCheck && c.MaxSeq > 0 && c.Covered == c.MaxSeq
}

// ChangelogStore persists changelog events. Apply must be safe for
// concurrent use: two appliers racing on one (tree, node index) converge
// to the row with the higher sequence number regardless of order.
type ChangelogStore interface {
	// Apply writes every level of the event's path with a max-by-seq
	// compare-and-set, records the audit row and, when all levels were
	// written, the completeness row, all as one atomic unit. It reports
	// whether the audit row was new.
	Apply(ctx context.Context, ev types.ChangelogEvent, meta types.ApplyMeta) (bool, error)

	// Read returns the stored node at nodeIndex or ErrNotFound.
	Read(ctx context.Context, tree types.Pubkey, nodeIndex uint64) (types.PathNode, error)
	// ReadMany returns the stored nodes among nodeIndices keyed by index.
	// Missing nodes are absent from the map.
	ReadMany(ctx context.Context, tree types.Pubkey, nodeIndices []uint64) (map[uint64]types.PathNode, error)

	// SequenceGaps returns, in ascending order, every pair of consecutive
	// audit rows whose sequence numbers differ by more than one.
	SequenceGaps(ctx context.Context, tree types.Pubkey) ([]SeqWindow, error)
	// SequenceBounds returns the lowest and highest audit rows or
	// ErrNotFound when the tree has none.
	SequenceBounds(ctx context.Context, tree types.Pubkey) (Bounds, error)
	// SignatureAtOrAfter returns the transaction of the first audit row
	// with a sequence at or above seq, or ErrNotFound.
	SignatureAtOrAfter(ctx context.Context, tree types.Pubkey, seq uint64) (types.Signature, error)

	// MarkForceCheck flags a tree for re-examination by the next pass.
	MarkForceCheck(ctx context.Context, tree types.Pubkey) error
	// ClearForceCheck removes the flag after a clean pass.
	ClearForceCheck(ctx context.Context, tree types.Pubkey) error
	// ForceCheckTrees lists the flagged trees.
	ForceCheckTrees(ctx context.Context) ([]types.Pubkey, error)

	// Completeness summarizes the completeness rows of a tree.
	Completeness(ctx context.Context, tree types.Pubkey) (Completeness, error)

	Close() error
}

package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/types"
)

// GapOptions tune gap detection.
type GapOptions struct {
	// GapLimit is the width below which a gap gets an overfetch hint.
	GapLimit uint64
	// Force drops the anchor of the upper boundary gap so that the whole
	// history is crawled.
	Force bool
	// OnChainSeq is the sequence number the ledger reports for the tree.
	// It only matters when the store has no rows for the tree.
	OnChainSeq uint64
}

// FindGaps lists the ranges of sequence numbers missing for tree, ordered
// from the oldest history to the newest: the lower boundary gap, the
// windows between audit rows and the upper boundary gap. Overlapping
// records are kept apart.
func FindGaps(ctx context.Context, s store.ChangelogStore, tree types.Pubkey, opts GapOptions) ([]types.GapRecord, error) {
	bounds, err := s.SequenceBounds(ctx, tree)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if opts.OnChainSeq == 0 {
			return nil, nil
		}
		return []types.GapRecord{{Tree: tree, StartSeq: 0, EndSeq: types.UnboundedSeq}}, nil
	case err != nil:
		return nil, fmt.Errorf("reading sequence bounds: %w", err)
	}

	var gaps []types.GapRecord
	if bounds.MinSeq > 1 {
		gaps = append(gaps, types.GapRecord{
			Tree:         tree,
			StartSeq:     0,
			EndSeq:       bounds.MinSeq,
			UpperBoundTx: bounds.MinTx,
		})
	}

	windows, err := s.SequenceGaps(ctx, tree)
	if err != nil {
		return nil, fmt.Errorf("reading sequence gaps: %w", err)
	}
	for _, w := range windows {
		gap := types.GapRecord{
			Tree:         tree,
			StartSeq:     w.PrevSeq,
			EndSeq:       w.NextSeq,
			LowerBoundTx: w.PrevTx,
			UpperBoundTx: w.NextTx,
		}
		if opts.GapLimit > 0 && gap.EndSeq-gap.StartSeq < opts.GapLimit {
			over, err := s.SignatureAtOrAfter(ctx, tree, gap.StartSeq+opts.GapLimit)
			switch {
			case errors.Is(err, store.ErrNotFound):
				over = gap.LowerBoundTx
			case err != nil:
				return nil, fmt.Errorf("looking up overfetch start: %w", err)
			}
			if over != gap.LowerBoundTx {
				gap.OverfetchTx = over
			}
		}
		gaps = append(gaps, gap)
	}

	upper := types.GapRecord{
		Tree:         tree,
		StartSeq:     bounds.MaxSeq,
		EndSeq:       types.UnboundedSeq,
		LowerBoundTx: bounds.MaxTx,
	}
	if opts.Force {
		upper.StartSeq = 0
		upper.LowerBoundTx = types.Signature{}
	}
	return append(gaps, upper), nil
}

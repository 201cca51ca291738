package backfill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/treesync/treesync/internal/store/storetest"
	"github.com/treesync/treesync/types"
)

func TestFindGaps(t *testing.T) {
	ctx := context.Background()
	tree := storetest.TreeKey(1)
	sig := storetest.TxSig

	testCases := []struct {
		name string
		seqs []uint64
		opts GapOptions
		want []types.GapRecord
	}{
		{
			name: "empty tree without history",
			opts: GapOptions{GapLimit: 100},
		},
		{
			name: "empty tree with history",
			opts: GapOptions{GapLimit: 100, OnChainSeq: 12},
			want: []types.GapRecord{{Tree: tree, StartSeq: 0, EndSeq: types.UnboundedSeq}},
		},
		{
			name: "windows and upper boundary",
			seqs: []uint64{1, 2, 5, 6, 10},
			opts: GapOptions{GapLimit: 100},
			want: []types.GapRecord{
				{Tree: tree, StartSeq: 2, EndSeq: 5, LowerBoundTx: sig(2), UpperBoundTx: sig(5)},
				{Tree: tree, StartSeq: 6, EndSeq: 10, LowerBoundTx: sig(6), UpperBoundTx: sig(10)},
				{Tree: tree, StartSeq: 10, EndSeq: types.UnboundedSeq, LowerBoundTx: sig(10)},
			},
		},
		{
			name: "small gap gets overfetch hint",
			seqs: []uint64{1, 2, 5, 6, 10},
			opts: GapOptions{GapLimit: 4},
			want: []types.GapRecord{
				{Tree: tree, StartSeq: 2, EndSeq: 5, LowerBoundTx: sig(2), UpperBoundTx: sig(5), OverfetchTx: sig(6)},
				{Tree: tree, StartSeq: 6, EndSeq: 10, LowerBoundTx: sig(6), UpperBoundTx: sig(10)},
				{Tree: tree, StartSeq: 10, EndSeq: types.UnboundedSeq, LowerBoundTx: sig(10)},
			},
		},
		{
			name: "lower boundary",
			seqs: []uint64{3, 4},
			opts: GapOptions{GapLimit: 100},
			want: []types.GapRecord{
				{Tree: tree, StartSeq: 0, EndSeq: 3, UpperBoundTx: sig(3)},
				{Tree: tree, StartSeq: 4, EndSeq: types.UnboundedSeq, LowerBoundTx: sig(4)},
			},
		},
		{
			name: "force drops the upper anchor",
			seqs: []uint64{1, 2, 3},
			opts: GapOptions{GapLimit: 100, Force: true},
			want: []types.GapRecord{
				{Tree: tree, StartSeq: 0, EndSeq: types.UnboundedSeq},
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newMemStore()
			storetest.ApplySeqs(t, s, tree, tc.seqs...)

			gaps, err := FindGaps(ctx, s, tree, tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, gaps)
		})
	}
}

// Every sequence missing from the store lies strictly inside some gap.
func TestGapCoverageProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint64Range(1, 60).Draw(t, "n").(uint64)
		present := rapid.SliceOfN(rapid.Uint64Range(1, n), 0, int(n)).Draw(t, "present").([]uint64)
		limit := rapid.Uint64Range(1, 20).Draw(t, "limit").(uint64)

		tree := storetest.TreeKey(2)
		s := newMemStore()
		for _, seq := range present {
			_, err := s.Apply(context.Background(), storetest.EventAt(tree, 5, seq%32, seq), storetest.MetaFor(seq))
			require.NoError(t, err)
		}

		gaps, err := FindGaps(context.Background(), s, tree, GapOptions{GapLimit: limit, OnChainSeq: n})
		require.NoError(t, err)

		have := make(map[uint64]bool, len(present))
		for _, seq := range present {
			have[seq] = true
		}
		for seq := uint64(1); seq <= n; seq++ {
			if have[seq] {
				continue
			}
			covered := false
			for _, g := range gaps {
				if g.StartSeq < seq && seq < g.EndSeq {
					covered = true
					break
				}
			}
			if !covered {
				t.Fatalf("seq %d missing from store but not inside any gap %v", seq, gaps)
			}
		}
		for _, g := range gaps {
			if g.HasOverfetch() {
				require.NotEqual(t, g.LowerBoundTx, g.OverfetchTx)
			}
		}
	})
}

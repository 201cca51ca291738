package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pathFor(leafIndex uint64, depth int) []PathNodeEvent {
	idx := uint32(leafIndex + 1<<uint(depth))
	path := make([]PathNodeEvent, 0, depth+1)
	for l := 0; l <= depth; l++ {
		path = append(path, PathNodeEvent{Node: Hash{byte(l + 1)}, Index: idx})
		idx >>= 1
	}
	return path
}

func TestChangelogEventDerived(t *testing.T) {
	ev := ChangelogEvent{Seq: 3, Index: 5, Path: pathFor(5, 3)}
	require.NoError(t, ev.ValidateBasic())
	assert.Equal(t, 3, ev.Depth())
	assert.EqualValues(t, 5, ev.LeafIndex())
	assert.Equal(t, Hash{4}, ev.Root())

	nodes := ev.PathNodes()
	require.Len(t, nodes, 4)
	assert.EqualValues(t, 13, nodes[0].NodeIndex)
	assert.EqualValues(t, 5, nodes[0].LeafIndex)
	assert.EqualValues(t, 0, nodes[0].Level)
	assert.EqualValues(t, 1, nodes[3].NodeIndex)
	assert.EqualValues(t, 3, nodes[3].Level)
	for _, n := range nodes {
		assert.EqualValues(t, 3, n.Seq)
	}
}

func TestChangelogEventValidateBasic(t *testing.T) {
	testCases := []struct {
		name   string
		ev     ChangelogEvent
		errStr string
	}{
		{"empty path", ChangelogEvent{Seq: 1}, "empty"},
		{"zero seq", ChangelogEvent{Path: pathFor(0, 2)}, "seq"},
		{"no root", ChangelogEvent{Seq: 1, Path: pathFor(0, 2)[:2]}, "root"},
		{"broken chain", ChangelogEvent{Seq: 1, Path: []PathNodeEvent{{Index: 4}, {Index: 3}, {Index: 1}}}, "parent"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.ValidateBasic()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errStr)
		})
	}
}

func TestGapRecordBounds(t *testing.T) {
	upper := GapRecord{StartSeq: 10, EndSeq: UnboundedSeq}
	assert.True(t, upper.IsUpperBoundary())
	assert.False(t, upper.IsLowerBoundary())
	assert.Contains(t, upper.String(), "∞")

	lower := GapRecord{StartSeq: 0, EndSeq: 4}
	assert.True(t, lower.IsLowerBoundary())
	assert.False(t, lower.HasOverfetch())

	assert.Equal(t, "not_found", ProofNotFound.String())
}

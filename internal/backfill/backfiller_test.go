package backfill

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/parser"
	"github.com/treesync/treesync/internal/parser/parsertest"
	"github.com/treesync/treesync/internal/proof"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/internal/store/storetest"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

func newTestBackfiller(l *fakeLedger, s store.ChangelogStore, opts ...BackfillerOption) *Backfiller {
	return NewBackfiller(config.TestBackfillConfig(), s, l, parser.DefaultPrograms(), log.TestingLogger(), opts...)
}

func TestBackfillFillsGaps(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx := context.Background()
	tree := storetest.TreeKey(1)
	l := newFakeLedger()
	mt, events := l.chain(tree, 12)

	s := newMemStore()
	applyEvents(t, s, events, 1, 2, 5, 6, 10)

	reports, err := newTestBackfiller(l, s).Run(ctx, []types.Pubkey{tree})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, Report{
		Tree:          tree,
		GapsFound:     3,
		GapsFilled:    3,
		Signatures:    7,
		EventsApplied: 7,
	}, reports[0])

	windows, err := s.SequenceGaps(ctx, tree)
	require.NoError(t, err)
	assert.Empty(t, windows)

	bounds, err := s.SequenceBounds(ctx, tree)
	require.NoError(t, err)
	assert.EqualValues(t, 1, bounds.MinSeq)
	assert.EqualValues(t, 12, bounds.MaxSeq)

	c, err := s.Completeness(ctx, tree)
	require.NoError(t, err)
	assert.True(t, c.Complete(), "%+v", c)

	// the stored tree matches the ledger's
	e := proof.NewEngine(s)
	for leaf := uint64(0); leaf < 12; leaf++ {
		p, err := e.BuildProof(ctx, tree, leaf)
		require.NoError(t, err)
		assert.Equal(t, mt.Root(), p.Root)
		assert.Equal(t, types.ProofCorrect, proof.Verify(p))
	}

	// a second pass only walks the upper boundary
	reports, err = newTestBackfiller(l, s).Run(ctx, []types.Pubkey{tree})
	require.NoError(t, err)
	assert.Equal(t, 1, reports[0].GapsFound)
	assert.Equal(t, 0, reports[0].EventsApplied)
}

func TestBackfillEmptyStore(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx := context.Background()
	l := newFakeLedger()
	full, empty := storetest.TreeKey(1), storetest.TreeKey(2)
	_, _ = l.chain(full, 9)
	_, _ = l.chain(empty, 0)

	s := newMemStore()
	reports, err := newTestBackfiller(l, s).Run(ctx, []types.Pubkey{full, empty})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, 1, reports[0].GapsFound)
	assert.Equal(t, 9, reports[0].EventsApplied)
	assert.Equal(t, Report{Tree: empty}, reports[1])

	c, err := s.Completeness(ctx, full)
	require.NoError(t, err)
	assert.EqualValues(t, 9, c.Covered)
	// crawling newest first flags the tree, the clean pass clears the flag
	assert.False(t, c.ForceCheck)
	assert.True(t, c.Complete())
}

func TestBackfillUnknownTree(t *testing.T) {
	l := newFakeLedger()
	reports, err := newTestBackfiller(l, newMemStore()).Run(context.Background(), []types.Pubkey{storetest.TreeKey(7)})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Error(t, reports[0].Err)
}

func TestBackfillParseFailureFlagsTree(t *testing.T) {
	ctx := context.Background()
	tree := storetest.TreeKey(1)
	l := newFakeLedger()
	_, events := l.chain(tree, 3)
	l.push(tree, parsertest.GarbageTx(types.Signature{0xEE}, 200, tree), false)

	s := newMemStore()
	applyEvents(t, s, events, 1)

	reports, err := newTestBackfiller(l, s).Run(ctx, []types.Pubkey{tree})
	require.NoError(t, err)
	assert.Equal(t, 1, reports[0].ParseFailures)
	assert.Equal(t, 2, reports[0].EventsApplied)

	flagged, err := s.ForceCheckTrees(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Pubkey{tree}, flagged)
}

func TestBackfillFailedGapIsReported(t *testing.T) {
	ctx := context.Background()
	tree := storetest.TreeKey(1)
	l := newFakeLedger()
	_, events := l.chain(tree, 4)
	l.pageErr = context.DeadlineExceeded

	s := newMemStore()
	applyEvents(t, s, events, 1, 3)
	require.NoError(t, s.MarkForceCheck(ctx, tree))

	reports, err := newTestBackfiller(l, s).Run(ctx, []types.Pubkey{tree})
	require.NoError(t, err)
	assert.Equal(t, 2, reports[0].GapsFound)
	assert.Equal(t, 2, reports[0].GapsFailed)

	// still flagged
	flagged, err := s.ForceCheckTrees(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Pubkey{tree}, flagged)
}

type recordingSink struct {
	mtx   sync.Mutex
	kinds []types.InstructionKind
}

func (r *recordingSink) HandleInstruction(_ context.Context, _ *types.Transaction, res *parser.ParseResult) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.kinds = append(r.kinds, res.Kind)
	return nil
}

func TestBackfillForwardsToAssetSink(t *testing.T) {
	tree := storetest.TreeKey(1)
	l := newFakeLedger()
	_, _ = l.chain(tree, 4)

	sink := &recordingSink{}
	_, err := newTestBackfiller(l, newMemStore(), WithAssetSink(sink)).Run(context.Background(), []types.Pubkey{tree})
	require.NoError(t, err)
	assert.Equal(t, []types.InstructionKind{
		types.KindReplaceLeaf, types.KindReplaceLeaf, types.KindReplaceLeaf, types.KindReplaceLeaf,
	}, sink.kinds)
}

func TestBackfillCanceled(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	l := newFakeLedger()
	_, _ = l.chain(storetest.TreeKey(1), 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestBackfiller(l, newMemStore()).Run(ctx, []types.Pubkey{storetest.TreeKey(1)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetcherRejectsAfterClose(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	f := NewFetcher(newFakeLedger(), newMemStore(), parser.DefaultPrograms(), 1, log.TestingLogger(), NopMetrics())
	f.Start(context.Background(), 2)
	require.NoError(t, f.Submit(context.Background(), Job{Tree: storetest.TreeKey(1), Signature: storetest.TxSig(1)}))
	f.Close()
	f.Close()
	require.ErrorIs(t, f.Submit(context.Background(), Job{}), ErrFetcherClosed)
	f.Wait()
}

func TestFetcherDrainsQueueAfterCancel(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	tree := storetest.TreeKey(1)
	l := newFakeLedger()
	_, _ = l.chain(tree, 5)
	s := newMemStore()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(l, s, parser.DefaultPrograms(), 5, log.TestingLogger(), NopMetrics())
	var tl tally
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, f.Submit(ctx, Job{Tree: tree, Signature: storetest.TxSig(seq), tally: &tl}))
	}
	cancel()

	// a canceled context refuses new work
	require.ErrorIs(t, f.Submit(ctx, Job{Tree: tree, Signature: storetest.TxSig(6)}), context.Canceled)

	f.Start(ctx, 2)
	f.Close()
	f.Wait()

	bounds, err := s.SequenceBounds(context.Background(), tree)
	require.NoError(t, err)
	assert.Equal(t, store.Bounds{MinSeq: 1, MinTx: storetest.TxSig(1), MaxSeq: 5, MaxTx: storetest.TxSig(5)}, bounds)
	assert.EqualValues(t, 5, atomic.LoadInt64(&tl.eventsApplied))
}

package backfill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/internal/parser"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

// ErrFetcherClosed is returned by Submit after Close.
var ErrFetcherClosed = errors.New("fetcher closed")

// AssetSink receives every parsed instruction after its changelogs were
// applied. Asset level indexing plugs in here.
type AssetSink interface {
	HandleInstruction(ctx context.Context, tx *types.Transaction, res *parser.ParseResult) error
}

// tally accumulates the per tree counters of a pass.
type tally struct {
	signatures    int64
	eventsApplied int64
	parseFailures int64
}

// Job is one transaction to fetch, attributed to the tree whose history
// produced it.
type Job struct {
	Tree      types.Pubkey
	Signature types.Signature

	tally *tally
}

// Fetcher is a fixed pool of workers that fetch, parse and apply
// transactions.
type Fetcher struct {
	ledger   ledger.Ledger
	store    store.ChangelogStore
	programs *parser.Programs
	sink     AssetSink
	logger   log.Logger
	metrics  *Metrics

	jobs chan Job
	wg   sync.WaitGroup

	mtx    sync.RWMutex
	closed bool
}

// NewFetcher creates a Fetcher whose queue holds up to queueSize
// signatures.
func NewFetcher(
	l ledger.Ledger,
	s store.ChangelogStore,
	programs *parser.Programs,
	queueSize int,
	logger log.Logger,
	metrics *Metrics,
) *Fetcher {
	return &Fetcher{
		ledger:   l,
		store:    s,
		programs: programs,
		logger:   logger,
		metrics:  metrics,
		jobs:     make(chan Job, queueSize),
	}
}

// SetAssetSink registers the consumer of parsed instructions. It must be
// called before Start.
func (f *Fetcher) SetAssetSink(sink AssetSink) { f.sink = sink }

// Start launches the workers. They stop once Close was called and the
// queue is drained. Cancelling ctx does not reach the workers: jobs that
// were queued are still fetched and applied, only Submit gives up.
func (f *Fetcher) Start(ctx context.Context, workers int) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for j := range f.jobs {
				f.process(ctx, j)
			}
		}()
	}
}

// Submit queues a signature, blocking while the queue is full.
func (f *Fetcher) Submit(ctx context.Context, j Job) error {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	if f.closed {
		return ErrFetcherClosed
	}
	select {
	case f.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting signatures. Queued signatures are still processed.
func (f *Fetcher) Close() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if !f.closed {
		f.closed = true
		close(f.jobs)
	}
}

// Wait blocks until every worker has exited.
func (f *Fetcher) Wait() { f.wg.Wait() }

func (f *Fetcher) process(ctx context.Context, j Job) {
	logger := f.logger.With("tree", j.Tree, "tx", j.Signature)

	tx, err := f.ledger.GetTransaction(ctx, j.Signature)
	if err != nil {
		f.metrics.TransactionsFetched.With("outcome", "error").Add(1)
		logger.Error("failed to fetch transaction", "err", err)
		return
	}
	f.metrics.TransactionsFetched.With("outcome", "ok").Add(1)
	if tx.Failed {
		return
	}

	bundles, err := parser.Extract(tx, f.programs)
	if err != nil {
		f.parseFailed(ctx, logger, j, err)
		return
	}
	for _, b := range bundles {
		if b.DroppedAccounts > 0 {
			logger.Debug("instruction references missing accounts",
				"outer", b.Outer, "level", b.Level, "dropped", b.DroppedAccounts)
		}
		res, err := parser.Parse(b)
		if err != nil {
			f.parseFailed(ctx, logger, j, err)
			continue
		}
		if !res.HasChangelog() {
			logger.Debug("instruction wrote no changelog", "program", res.Program, "kind", res.Kind)
		}
		if !f.apply(ctx, logger, j, tx, res) {
			continue
		}
		if f.sink != nil {
			if err := f.sink.HandleInstruction(ctx, tx, res); err != nil {
				logger.Error("asset sink rejected instruction", "kind", res.Kind, "err", err)
			}
		}
	}
}

// apply writes the changelogs of res and reports whether all of them were
// stored.
func (f *Fetcher) apply(ctx context.Context, logger log.Logger, j Job, tx *types.Transaction, res *parser.ParseResult) bool {
	meta := types.ApplyMeta{
		Tx:         tx.Signature,
		Slot:       tx.Slot,
		Kind:       res.Kind,
		Backfilled: true,
	}
	for _, ev := range res.Changelogs {
		if err := ev.ValidateBasic(); err != nil {
			f.parseFailed(ctx, logger, j, err)
			return false
		}
		if _, err := f.store.Apply(ctx, ev, meta); err != nil {
			logger.Error("failed to apply changelog", "seq", ev.Seq, "err", err)
			return false
		}
		if j.tally != nil {
			atomic.AddInt64(&j.tally.eventsApplied, 1)
		}
		f.metrics.EventsApplied.Add(1)
	}
	return true
}

func (f *Fetcher) parseFailed(ctx context.Context, logger log.Logger, j Job, err error) {
	if j.tally != nil {
		atomic.AddInt64(&j.tally.parseFailures, 1)
	}
	f.metrics.ParseFailures.Add(1)
	logger.Error("skipping unparsable instruction", "err", err)
	if err := f.store.MarkForceCheck(ctx, j.Tree); err != nil {
		logger.Error("failed to flag tree for re-examination", "err", err)
	}
}

// Package backfill finds the sequence numbers missing from the changelog
// store and fills them by crawling each tree's transaction history.
//
// A pass runs three bounded stages. Trees are processed concurrently up to
// TreeConcurrency. Within a tree, up to CrawlerConcurrency gaps are crawled
// at once. Every crawler feeds one shared Fetcher whose workers fetch,
// parse and apply transactions.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/internal/parser"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

// Report is the outcome of one pass over one tree.
type Report struct {
	Tree          types.Pubkey
	GapsFound     int
	GapsFilled    int
	GapsFailed    int
	Signatures    int
	EventsApplied int
	ParseFailures int
	// Err is set when the tree could not be examined at all.
	Err error
}

// Backfiller coordinates backfill passes.
type Backfiller struct {
	cfg      *config.BackfillConfig
	store    store.ChangelogStore
	ledger   ledger.Ledger
	trees    *ledger.TreeFetcher
	programs *parser.Programs
	crawler  *Crawler
	sink     AssetSink
	logger   log.Logger
	metrics  *Metrics
}

// BackfillerOption sets an optional parameter on the Backfiller.
type BackfillerOption func(*Backfiller)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) BackfillerOption {
	return func(b *Backfiller) { b.metrics = metrics }
}

// WithAssetSink forwards parsed instructions to sink.
func WithAssetSink(sink AssetSink) BackfillerOption {
	return func(b *Backfiller) { b.sink = sink }
}

// NewBackfiller returns a Backfiller writing to s and reading from l.
func NewBackfiller(
	cfg *config.BackfillConfig,
	s store.ChangelogStore,
	l ledger.Ledger,
	programs *parser.Programs,
	logger log.Logger,
	options ...BackfillerOption,
) *Backfiller {
	b := &Backfiller{
		cfg:      cfg,
		store:    s,
		ledger:   l,
		trees:    ledger.NewTreeFetcher(l),
		programs: programs,
		crawler:  NewCrawler(l, cfg.OverfetchLimit, logger.With("module", "crawler")),
		logger:   logger,
		metrics:  NopMetrics(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Run performs one pass over trees and returns a report per tree in the
// same order. A failing tree does not stop the others; the returned error
// is only set when ctx ends first.
func (b *Backfiller) Run(ctx context.Context, trees []types.Pubkey) ([]Report, error) {
	start := time.Now()
	logger := b.logger.With("pass", uuid.New().String())
	logger.Info("starting backfill pass", "trees", len(trees))

	fetcher := NewFetcher(b.ledger, b.store, b.programs, b.cfg.SignatureChannelSize,
		logger.With("module", "fetcher"), b.metrics)
	fetcher.SetAssetSink(b.sink)
	fetcher.Start(ctx, b.cfg.SignatureWorkers)

	reports := make([]Report, len(trees))
	tallies := make([]tally, len(trees))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.TreeConcurrency)
	for i, tree := range trees {
		i, tree := i, tree
		g.Go(func() error {
			b.metrics.TreesInFlight.Add(1)
			defer b.metrics.TreesInFlight.Add(-1)

			reports[i] = b.backfillTree(gctx, logger.With("tree", tree), tree, fetcher, &tallies[i])
			return nil
		})
	}
	_ = g.Wait()

	fetcher.Close()
	fetcher.Wait()

	for i := range reports {
		reports[i].Signatures = int(atomic.LoadInt64(&tallies[i].signatures))
		reports[i].EventsApplied = int(atomic.LoadInt64(&tallies[i].eventsApplied))
		reports[i].ParseFailures = int(atomic.LoadInt64(&tallies[i].parseFailures))
		b.settle(ctx, logger, &reports[i])
	}

	b.metrics.PassDuration.Observe(time.Since(start).Seconds())
	logger.Info("finished backfill pass", "trees", len(trees), "took", time.Since(start))
	return reports, ctx.Err()
}

// settle clears the force check flag of a tree whose pass went through
// without failures.
func (b *Backfiller) settle(ctx context.Context, logger log.Logger, r *Report) {
	logger = logger.With("tree", r.Tree)
	if r.Err != nil || r.GapsFailed > 0 || r.ParseFailures > 0 {
		logger.Info("tree backfill incomplete",
			"gaps_found", r.GapsFound, "gaps_failed", r.GapsFailed,
			"parse_failures", r.ParseFailures, "err", r.Err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := b.store.ClearForceCheck(ctx, r.Tree); err != nil {
		logger.Error("failed to clear force check", "err", err)
		return
	}
	logger.Debug("tree backfilled",
		"gaps", r.GapsFound, "signatures", r.Signatures, "events", r.EventsApplied)
}

func (b *Backfiller) backfillTree(
	ctx context.Context,
	logger log.Logger,
	tree types.Pubkey,
	fetcher *Fetcher,
	t *tally,
) Report {
	report := Report{Tree: tree}

	opts := GapOptions{GapLimit: b.cfg.GapLimit, Force: b.cfg.Force}
	if _, err := b.store.SequenceBounds(ctx, tree); errors.Is(err, store.ErrNotFound) {
		header, err := b.trees.FetchTree(ctx, tree)
		if err != nil {
			report.Err = fmt.Errorf("fetching tree header: %w", err)
			return report
		}
		opts.OnChainSeq = header.Seq
	}

	gaps, err := FindGaps(ctx, b.store, tree, opts)
	if err != nil {
		report.Err = err
		return report
	}
	report.GapsFound = len(gaps)
	b.metrics.GapsFound.Add(float64(len(gaps)))
	logger.Debug("found gaps", "count", len(gaps))

	var (
		sem    = semaphore.NewWeighted(int64(b.cfg.CrawlerConcurrency))
		wg     sync.WaitGroup
		filled int64
	)
	for _, gap := range gaps {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(gap types.GapRecord) {
			defer wg.Done()
			defer sem.Release(1)

			if err := b.crawlGap(ctx, gap, fetcher, t); err != nil {
				logger.Error("gap crawl failed", "gap", gap, "err", err)
				b.metrics.GapsFailed.Add(1)
				return
			}
			atomic.AddInt64(&filled, 1)
			b.metrics.GapsFilled.Add(1)
		}(gap)
	}
	wg.Wait()

	// gaps skipped because ctx ended count as failed
	report.GapsFilled = int(filled)
	report.GapsFailed = report.GapsFound - report.GapsFilled
	return report
}

// crawlGap forwards the signatures of one gap to the fetcher.
func (b *Backfiller) crawlGap(ctx context.Context, gap types.GapRecord, fetcher *Fetcher, t *tally) error {
	sigs := make(chan types.Signature)
	done := make(chan error, 1)
	go func() {
		var submitErr error
		for sig := range sigs {
			if submitErr != nil {
				continue
			}
			submitErr = fetcher.Submit(ctx, Job{Tree: gap.Tree, Signature: sig, tally: t})
			if submitErr == nil {
				atomic.AddInt64(&t.signatures, 1)
				b.metrics.SignaturesCrawled.Add(1)
			}
		}
		done <- submitErr
	}()

	err := b.crawler.Crawl(ctx, gap, sigs)
	close(sigs)
	if submitErr := <-done; err == nil {
		err = submitErr
	}
	return err
}

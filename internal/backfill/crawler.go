package backfill

import (
	"context"
	"fmt"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

// Crawler pages backwards through the transaction history of a tree.
type Crawler struct {
	ledger         ledger.Ledger
	pageLimit      int
	overfetchLimit int
	logger         log.Logger
}

// NewCrawler returns a Crawler reading history from l.
func NewCrawler(l ledger.Ledger, overfetchLimit int, logger log.Logger) *Crawler {
	return &Crawler{
		ledger:         l,
		pageLimit:      config.SignaturePageLimit,
		overfetchLimit: overfetchLimit,
		logger:         logger,
	}
}

// Crawl sends the successful transactions inside gap to sink, newest
// first. It stops at the gap's lower bound, which is not sent, or when the
// history is exhausted. Sends block until sink is read. A failed page
// aborts the crawl.
func (c *Crawler) Crawl(ctx context.Context, gap types.GapRecord, sink chan<- types.Signature) error {
	var (
		before = gap.UpperBoundTx
		until  = gap.LowerBoundTx
		opts   = ledger.SignaturesOpts{Before: before, Until: until, Limit: c.pageLimit}
		pages  int
	)
	if gap.HasOverfetch() {
		opts = ledger.SignaturesOpts{Before: gap.OverfetchTx, Limit: c.overfetchLimit}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := c.ledger.GetSignaturesForAddress(ctx, gap.Tree, opts)
		if err != nil {
			return fmt.Errorf("crawling %v page %d: %w", gap, pages, err)
		}
		pages++

		for _, info := range page {
			if !until.IsZero() && info.Signature == until {
				c.logger.Debug("reached lower bound", "gap", gap, "pages", pages)
				return nil
			}
			if info.Failed() {
				continue
			}
			select {
			case sink <- info.Signature:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if len(page) < opts.Limit {
			c.logger.Debug("history exhausted", "gap", gap, "pages", pages)
			return nil
		}
		opts = ledger.SignaturesOpts{
			Before: page[len(page)-1].Signature,
			Until:  until,
			Limit:  c.pageLimit,
		}
	}
}

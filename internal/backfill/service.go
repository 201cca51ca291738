package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/internal/store"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/libs/service"
	"github.com/treesync/treesync/types"
)

// TreeSource lists the trees a pass should cover.
type TreeSource func(ctx context.Context) ([]types.Pubkey, error)

// StaticTrees always returns trees.
func StaticTrees(trees ...types.Pubkey) TreeSource {
	return func(context.Context) ([]types.Pubkey, error) { return trees, nil }
}

// LedgerTrees discovers the trees owned by the compression programs.
func LedgerTrees(f *ledger.TreeFetcher, programs []types.Pubkey) TreeSource {
	return func(ctx context.Context) ([]types.Pubkey, error) {
		trees, err := f.ListTrees(ctx, programs)
		if err != nil {
			return nil, err
		}
		out := make([]types.Pubkey, len(trees))
		for i, t := range trees {
			out[i] = t.Address
		}
		return out, nil
	}
}

// Service runs a backfill pass every interval until it is stopped. Trees
// flagged for re-examination are added to every pass.
type Service struct {
	service.BaseService

	backfiller *Backfiller
	store      store.ChangelogStore
	source     TreeSource
	interval   time.Duration
	logger     log.Logger

	// OnPass, when set, receives the reports of every completed pass.
	OnPass func([]Report)

	done chan struct{}
}

// NewService creates a Service. It is started with Start.
func NewService(
	b *Backfiller,
	s store.ChangelogStore,
	source TreeSource,
	interval time.Duration,
	logger log.Logger,
) *Service {
	svc := &Service{
		backfiller: b,
		store:      s,
		source:     source,
		interval:   interval,
		logger:     logger,
		done:       make(chan struct{}),
	}
	svc.BaseService = *service.NewBaseService(logger, "Backfill", svc)
	return svc
}

// OnStart implements service.Service.
func (s *Service) OnStart(ctx context.Context) error {
	go s.loop(ctx)
	return nil
}

// OnStop implements service.Service. It returns once the running pass has
// drained.
func (s *Service) OnStop() { <-s.done }

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.pass(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("backfill pass failed", "err", err)
		}
		timer.Reset(s.interval)
	}
}

func (s *Service) pass(ctx context.Context) error {
	trees, err := s.source(ctx)
	if err != nil {
		return fmt.Errorf("listing trees: %w", err)
	}
	flagged, err := s.store.ForceCheckTrees(ctx)
	if err != nil {
		return fmt.Errorf("listing flagged trees: %w", err)
	}

	seen := make(map[types.Pubkey]bool, len(trees)+len(flagged))
	all := make([]types.Pubkey, 0, len(trees)+len(flagged))
	for _, t := range append(trees, flagged...) {
		if !seen[t] {
			seen[t] = true
			all = append(all, t)
		}
	}

	reports, err := s.backfiller.Run(ctx, all)
	if err != nil {
		return err
	}
	if s.OnPass != nil {
		s.OnPass(reports)
	}
	return nil
}

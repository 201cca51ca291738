package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/backfill"
	"github.com/treesync/treesync/internal/ledger"
	"github.com/treesync/treesync/internal/parser"
	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

// MakeBackfillCommand returns the command that runs a single backfill
// pass and prints a report per tree.
func MakeBackfillCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill [tree...]",
		Short: "Run one backfill pass over the given trees, or every tree on the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openStore(conf)
			if err != nil {
				return err
			}
			defer s.Close()

			programs, err := parser.ProgramsFromConfig(conf.Programs)
			if err != nil {
				return err
			}
			client := newLedgerClient(conf, logger)

			trees, err := parseTrees(args)
			if err != nil {
				return err
			}
			if len(trees) == 0 {
				compression, err := compressionPrograms(conf)
				if err != nil {
					return err
				}
				if trees, err = backfill.LedgerTrees(ledger.NewTreeFetcher(client), compression)(ctx); err != nil {
					return err
				}
			}

			b := backfill.NewBackfiller(conf.Backfill, s, client, programs, logger.With("module", "backfill"))
			reports, err := b.Run(ctx, trees)
			printReports(cmd, reports)
			if err != nil {
				return err
			}
			for _, r := range reports {
				if r.Err != nil || r.GapsFailed > 0 {
					return errors.New("backfill incomplete for some trees")
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("backfill.force", conf.Backfill.Force, "crawl the whole history of every tree")
	cmd.Flags().Uint64("backfill.gap-limit", conf.Backfill.GapLimit, "width below which gaps are overfetched")
	return cmd
}

func printReports(cmd *cobra.Command, reports []backfill.Report) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TREE\tGAPS\tFILLED\tFAILED\tSIGNATURES\tEVENTS\tPARSE ERRORS\tERROR")
	for _, r := range reports {
		errStr := ""
		if r.Err != nil {
			errStr = r.Err.Error()
		}
		fmt.Fprintf(w, "%v\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n", r.Tree, r.GapsFound, r.GapsFilled,
			r.GapsFailed, r.Signatures, r.EventsApplied, r.ParseFailures, errStr)
	}
	w.Flush()
}

func singleTree(args []string) (types.Pubkey, error) {
	trees, err := parseTrees(args[:1])
	if err != nil {
		return types.Pubkey{}, err
	}
	return trees[0], nil
}

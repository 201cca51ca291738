package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/backfill"
	"github.com/treesync/treesync/internal/store"
)

// MakeGapsCommand returns the command that prints the gaps of a tree and
// whether it is completely backfilled.
func MakeGapsCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "gaps <tree>",
		Short: "Print the missing sequence ranges of a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tree, err := singleTree(args)
			if err != nil {
				return err
			}

			s, err := openStore(conf)
			if err != nil {
				return err
			}
			defer s.Close()

			gaps, err := backfill.FindGaps(ctx, s, tree, backfill.GapOptions{
				GapLimit: conf.Backfill.GapLimit,
				Force:    conf.Backfill.Force,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, g := range gaps {
				fmt.Fprintf(out, "%v lower=%v upper=%v", g, g.LowerBoundTx, g.UpperBoundTx)
				if g.HasOverfetch() {
					fmt.Fprintf(out, " overfetch=%v", g.OverfetchTx)
				}
				fmt.Fprintln(out)
			}

			c, err := s.Completeness(ctx, tree)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			fmt.Fprintf(out, "complete=%t max_seq=%d covered=%d force_check=%t\n",
				c.Complete(), c.MaxSeq, c.Covered, c.ForceCheck)
			return nil
		},
	}
}

package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/internal/proof"
	"github.com/treesync/treesync/types"
)

type proofOutput struct {
	Status    string       `json:"status"`
	TreeID    types.Pubkey `json:"tree_id"`
	NodeIndex uint64       `json:"node_index,omitempty"`
	Root      *types.Hash  `json:"root,omitempty"`
	Leaf      *types.Hash  `json:"leaf,omitempty"`
	Proof     []types.Hash `json:"proof,omitempty"`
}

// MakeProofCommand returns the command that rebuilds and verifies the
// proof of one leaf.
func MakeProofCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "proof <tree> <leaf-index>",
		Short: "Build and verify the inclusion proof of a leaf",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := singleTree(args)
			if err != nil {
				return err
			}
			leafIndex, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("leaf index %q: %w", args[1], err)
			}

			s, err := openStore(conf)
			if err != nil {
				return err
			}
			defer s.Close()

			status, p, err := proof.NewEngine(s).Status(cmd.Context(), tree, leafIndex)
			if err != nil {
				return err
			}
			out := proofOutput{Status: status.String(), TreeID: tree}
			if p != nil {
				out.NodeIndex = p.NodeIndex
				out.Root = &p.Root
				out.Leaf = &p.Leaf
				out.Proof = p.Proof
			}
			bz, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(bz))
			return nil
		},
	}
}

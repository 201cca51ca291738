package commands

import (
	"github.com/spf13/cobra"

	"github.com/treesync/treesync/config"
	tsos "github.com/treesync/treesync/libs/os"
)

// MakeInitCommand returns the command that writes a config file into the
// home directory unless one exists.
func MakeInitCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the treesync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ConfigFile(conf.RootDir)
			if tsos.FileExists(path) {
				cmd.Printf("Found config file %s\n", path)
				return nil
			}
			if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
				return err
			}
			cmd.Printf("Generated config file %s\n", path)
			return nil
		},
	}
}

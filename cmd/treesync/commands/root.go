package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/libs/cli"
	"github.com/treesync/treesync/libs/log"
)

// ParseConfig retrieves the default environment configuration, sets up
// the treesync root and validates the result.
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point for treesync.
func RootCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "treesync",
		Short:         "Index compressed merkle trees and serve their proofs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}

			return cli.ConcatCobraCmdFuncs(cli.BindFlagsLoadViper, func(*cobra.Command, []string) error {
				pconf, err := ParseConfig(conf)
				if err != nil {
					return err
				}
				*conf = *pconf
				if err := config.EnsureRoot(conf.RootDir); err != nil {
					return err
				}
				return log.OverrideWithNewLogger(logger, conf.LogFormat, conf.LogLevel)
			})(cmd, args)
		},
	}
	cmd.PersistentFlags().StringP(cli.HomeFlag, "", os.ExpandEnv(filepath.Join("$HOME", config.DefaultTreesyncDir)), "directory for config and data")
	cmd.PersistentFlags().Bool(cli.TraceFlag, false, "print out full stack trace on errors")
	cmd.PersistentFlags().String("log-level", conf.LogLevel, "log level")
	cmd.PersistentFlags().String("log-format", conf.LogFormat, "log format (plain | json)")
	cobra.OnInitialize(func() { cli.InitEnv(cli.EnvPrefix) })
	return cmd
}

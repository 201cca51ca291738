package main

import (
	"context"
	"fmt"
	"os"

	"github.com/treesync/treesync/cmd/treesync/commands"
	"github.com/treesync/treesync/config"
	"github.com/treesync/treesync/libs/log"
)

func main() {
	ctx := context.Background()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitCommand(conf),
		commands.MakeStartCommand(conf, logger),
		commands.MakeBackfillCommand(conf, logger),
		commands.MakeGapsCommand(conf),
		commands.MakeProofCommand(conf),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
)

type globalOptions struct {
	logLevel string
}

func (o *globalOptions) logger() *log.Logger {
	return log.New(log.ParseLevel(o.logLevel))
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "syncmesh",
		Short: "Coordination sessions over a shared hub",
		Long: `syncmesh runs nodes that discover each other through a hub, elect a
coordinator and exchange coordination messages and data streams.

Start a hub first, then point any number of nodes at it.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error, silent)")

	cmd.AddCommand(newHubCommand(opts), newNodeCommand(opts))
	return cmd
}

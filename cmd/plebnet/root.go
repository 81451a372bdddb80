package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd returns the plebnet command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "plebnet",
		Short:         "Exercise the plebnet stream and datagram transports",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().String("log-level", "info", "debug, info, warn, error")
	root.PersistentFlags().String("log-format", "console", "console or json")
	root.PersistentFlags().String("log-file", "", "also write JSON logs to this rotated file")
	root.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml)")

	root.AddCommand(NewPingPongCmd())
	root.AddCommand(NewEchoCmd())

	return root
}

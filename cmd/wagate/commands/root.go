// Package commands implements the wagate CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wagate",
		Short: "WAGate - per-contact WhatsApp messaging gateway",
		Long: `WAGate runs WhatsApp sessions as a gateway daemon: it pairs
devices, aggregates each contact's messages into conversation turns,
dispatches them to a model, and delivers replies reliably across
reconnects.

Examples:
  wagate serve
  wagate serve --session main
  wagate setup
  wagate status`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newStatusCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

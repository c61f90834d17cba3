// Package main is the entry point for the fedgate binary, the federation
// request gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for fedgate
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fedgate",
		Short: "Federation request authentication and dispatch gateway",
		Long: `fedgate terminates inbound server-to-server federation requests.

It verifies X-Matrix signatures, applies per-origin rate limits and
admission policy, continues trusted trace context, and dispatches the
request to the registered servlet.

Example:
  fedgate serve --config fedgate.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable human readable logs")

	rootCmd.AddCommand(newServeCmd(), newDBCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fedgate version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fedgate %s\n", version)
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "creditledger",
	Short:         "Payment reconciliation and credit ledger service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(serveOptions())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the sweep loop in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(serveOptions())
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(apiOptions())
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the subscription sweep loop only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(schedulerOptions())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "creditledger %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, apiCmd, schedulerCmd, migrateCmd, sweepCmd, hashKeyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

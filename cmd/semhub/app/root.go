// Package app defines the semhub CLI.
package app

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the semhub command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "semhub",
		Short: "Protocol-manifest registry service",
		Long: `semhub runs the semantext-hub registry: a lifecycle-governed store of
protocol manifests with capability discovery and dependency-graph queries.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

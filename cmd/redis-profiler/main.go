package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}

// New builds the root command
func New() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "redis-profiler",
		Short:        "Live command monitoring for Redis databases",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Help()
		},
	}
	// by default, it falls back to stderr
	rootCmd.SetOut(os.Stdout)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTailCmd())
	rootCmd.AddCommand(newDatabasesCmd())
	return rootCmd
}

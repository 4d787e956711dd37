// Package cli implements the agentrink command, which runs a scheduler
// against etcd and hosts a placeholder runnable for every configured task.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the agentrink command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentrink",
		Short: "Coordinator-free task assignment on etcd",
		Long: `agentrink assigns named tasks to exactly one of a dynamic set of
clients sharing an etcd namespace. One task, "leader", is always held by
exactly one connected client.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml)")
	root.AddCommand(newRunCmd())
	return root
}

// Execute runs the root command until ctx is done.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

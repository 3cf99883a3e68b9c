// Package commands implements the fleetwise CLI: the two long-running
// workers (decision-engine, applier) and the operator commands (sync,
// status).
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetwise",
		Short: "Fleetwise - cloud infrastructure optimization",
		Long: `Fleetwise audits a cloud's data model against optimization goals and
turns strategy solutions into executable action plans.

Workers:
  decision-engine  claims audits, runs strategies, and recommends plans
  applier          executes recommended action plans as a DAG

Operator commands:
  sync             reconciles the plugin catalog with the store
  status           prints services, audits, and plans`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(newDecisionEngineCommand())
	rootCmd.AddCommand(newApplierCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwise/fleetwise/pkg/config"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/syncer"

	// Registers the catalog plugins the syncer discovers.
	_ "github.com/fleetwise/fleetwise/pkg/scoring"
	_ "github.com/fleetwise/fleetwise/pkg/strategy"
)

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the plugin catalog with the store",
		Long: `Diffs the goals, strategies, and scoring engines declared by the
loaded plugins against the persisted catalog, soft-deleting changed
rows, creating fresh ones, and rewriting references on templates and
audits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tel, err := buildTelemetry(cfg, "fleetwise-sync", "")
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(sctx)
			}()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			result, err := syncer.NewSyncer(store, plugins.Default(), tel).Sync(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Goals:            %d synced, %d removed\n", result.GoalsSynced, result.GoalsRemoved)
			fmt.Fprintf(out, "Strategies:       %d synced, %d removed\n", result.StrategiesSynced, result.StrategiesRemoved)
			fmt.Fprintf(out, "Scoring engines:  %d synced, %d removed\n", result.EnginesSynced, result.EnginesRemoved)
			fmt.Fprintf(out, "Audits rewritten: %d\n", result.AuditsRewritten)
			fmt.Fprintf(out, "Templates fixed:  %d\n", result.TemplatesRewritten)
			fmt.Fprintf(out, "Plans cancelled:  %d\n", result.PlansCancelled)
			return nil
		},
	}
}

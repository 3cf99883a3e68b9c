package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwise/fleetwise/pkg/config"
	"github.com/fleetwise/fleetwise/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print services, audits, and action plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			services, err := store.ListServices(ctx)
			if err != nil {
				return err
			}
			audits, err := store.ListAudits(ctx, stores.AuditFilter{})
			if err != nil {
				return err
			}
			plans, err := store.ListActionPlans(ctx, stores.PlanFilter{})
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			fmt.Fprintln(w, "SERVICE\tHOST\tSTATUS\tLAST SEEN")
			for _, svc := range services {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					svc.Name, svc.Host, svc.Status(now, cfg.ServiceDownTime),
					svc.LastSeenUp.UTC().Format(time.RFC3339))
			}

			fmt.Fprintln(w, "\nAUDIT\tNAME\tTYPE\tSTATE\tHOST")
			for _, audit := range audits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					audit.UUID, audit.Name, audit.AuditType, audit.State, audit.Hostname)
			}

			fmt.Fprintln(w, "\nPLAN\tAUDIT ID\tSTATE\tHOST")
			for _, plan := range plans {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					plan.UUID, plan.AuditID, plan.State, plan.Hostname)
			}

			return w.Flush()
		},
	}
}

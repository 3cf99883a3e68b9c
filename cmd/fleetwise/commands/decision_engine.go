package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwise/fleetwise/pkg/collector"
	"github.com/fleetwise/fleetwise/pkg/config"
	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/decision"
	"github.com/fleetwise/fleetwise/pkg/monitor"
	"github.com/fleetwise/fleetwise/pkg/planner"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/rpc"
	"github.com/fleetwise/fleetwise/pkg/strategy"
	"github.com/fleetwise/fleetwise/pkg/syncer"

	// Registers the scoring plugins the syncer discovers.
	_ "github.com/fleetwise/fleetwise/pkg/scoring"
)

func newDecisionEngineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decision-engine",
		Short: "Run the decision-engine worker",
		Long: `Runs the decision-engine worker: reconciles the plugin catalog,
collects the cluster data model, claims and schedules audits for this
host, executes strategies, and records recommended action plans.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecisionEngine(cmd.Context())
		},
	}
}

func runDecisionEngine(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tel, err := buildTelemetry(cfg, core.ServiceDecisionEngine, "")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()
	logger := tel.Logger.NewComponentLogger("startup")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := plugins.Default()

	// Reconcile the plugin catalog before anything reads it.
	result, err := syncer.NewSyncer(store, registry, tel).Sync(ctx)
	if err != nil {
		return err
	}
	logger.WithField("goals", result.GoalsSynced).
		WithField("strategies", result.StrategiesSynced).
		WithField("engines", result.EnginesSynced).
		Info("plugin catalog reconciled")

	svc, err := store.UpsertServiceHeartbeat(ctx, core.ServiceDecisionEngine, cfg.Host)
	if err != nil {
		return err
	}

	manager, err := collector.NewManager(registry, cfg.Collector.CollectorPlugins, tel)
	if err != nil {
		return err
	}

	backends := buildBackends(tel, cfg.DecisionEngine.Datasources)
	runner := strategy.NewRunner(registry, manager, backends, cfg.DecisionEngine.Datasources, tel)
	plans, err := planner.NewService(registry, "weight", store, tel)
	if err != nil {
		return err
	}
	handler := decision.NewHandler(store, runner, plans, tel)

	dcfg := decision.DefaultConfig(cfg.Host)
	dcfg.MaxWorkers = cfg.DecisionEngine.MaxWorkers
	dcfg.ContinuousAuditInterval = cfg.DecisionEngine.ContinuousAuditInterval
	dcfg.CheckPeriodicInterval = cfg.DecisionEngine.CheckPeriodicInterval
	dcfg.ActionPlanExpiry = cfg.DecisionEngine.ActionPlanExpiry
	engine := decision.NewEngine(store, store, handler, svc.ID, dcfg, tel)

	server := rpc.NewServer(core.ServiceDecisionEngine, tel)
	rpc.RegisterDecisionEndpoints(server, engine, store, manager)

	mcfg := monitor.DefaultConfig(core.ServiceDecisionEngine, cfg.Host)
	mcfg.ServiceDownTime = cfg.ServiceDownTime
	mon := monitor.NewMonitor(store, nil, mcfg, tel)

	if err := tel.StartMetricsServer(); err != nil {
		return err
	}

	launcher := config.NewLauncher(tel)
	if err := launcher.Launch(ctx, "collector", collectorService{manager}); err != nil {
		return err
	}
	if err := launcher.Launch(ctx, "monitor", mon); err != nil {
		return err
	}
	if err := launcher.Launch(ctx, "decision-engine", engine); err != nil {
		return err
	}
	launcher.WaitForSignals(ctx)
	return nil
}

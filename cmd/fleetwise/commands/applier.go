package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwise/fleetwise/pkg/applier"
	"github.com/fleetwise/fleetwise/pkg/config"
	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/monitor"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/policy"
	"github.com/fleetwise/fleetwise/pkg/rpc"
)

func newApplierCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "applier",
		Short: "Run the applier worker",
		Long: `Runs the applier worker: serves launch requests for recommended
action plans, executes each plan's DAG with a bounded worker pool, and
recovers plans owned by failed peers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApplier(cmd.Context())
		},
	}
}

func runApplier(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tel, err := buildTelemetry(cfg, core.ServiceApplier, cfg.Applier.PublisherID)
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

	acfg := applier.DefaultConfig()
	acfg.MaxWorkers = cfg.Applier.MaxWorkers
	engine := applier.NewEngine(plugins.Default(), store, acfg, tel)

	admission, err := policy.NewEngine(tel)
	if err != nil {
		return err
	}
	engine.SetAdmitter(admission)

	server := rpc.NewServer(core.ServiceApplier, tel)
	rpc.RegisterApplierEndpoints(server, engine)
	client := rpc.NewClient(server)

	mcfg := monitor.DefaultConfig(core.ServiceApplier, cfg.Host)
	mcfg.ServiceDownTime = cfg.ServiceDownTime
	mon := monitor.NewMonitor(store, client, mcfg, tel)

	if err := tel.StartMetricsServer(); err != nil {
		return err
	}

	launcher := config.NewLauncher(tel)
	policies := &admissionService{
		engine: admission,
		loader: policy.NewLoader(tel.Logger.NewComponentLogger("policy")),
		paths:  cfg.PolicyPaths,
	}
	if err := launcher.Launch(ctx, "admission", policies); err != nil {
		return err
	}
	if err := launcher.Launch(ctx, "monitor", mon); err != nil {
		return err
	}
	launcher.WaitForSignals(ctx)
	return nil
}

// admissionService manages the file-sourced admission policies: loaded
// at start, reloaded on file change and on SIGHUP.
type admissionService struct {
	engine *policy.Engine
	loader *policy.Loader
	paths  []string
}

func (s *admissionService) Start(ctx context.Context) error {
	if len(s.paths) == 0 {
		return nil
	}
	if err := s.engine.LoadPolicies(ctx, s.paths); err != nil {
		return err
	}
	return s.loader.Watch(ctx, s.paths, func(policies []policy.Policy) error {
		return s.engine.SetPolicies(context.Background(), policies)
	})
}

func (s *admissionService) Stop() {
	s.loader.StopWatching()
}

func (s *admissionService) Reset(ctx context.Context) error {
	if len(s.paths) == 0 {
		return nil
	}
	policies, err := s.loader.LoadFromPaths(ctx, s.paths)
	if err != nil {
		return err
	}
	return s.engine.SetPolicies(ctx, policies)
}

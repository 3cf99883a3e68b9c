package commands

import (
	"context"

	"github.com/fleetwise/fleetwise/pkg/collector"
	"github.com/fleetwise/fleetwise/pkg/config"
	"github.com/fleetwise/fleetwise/pkg/datasource"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// buildTelemetry derives the telemetry configuration of one worker.
// publisherID overrides the default "<service>:<host>" identity.
func buildTelemetry(cfg *config.Config, service, publisherID string) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = service
	tcfg.Notifications.Level = cfg.NotificationLevel
	if publisherID == "" {
		publisherID = service + ":" + cfg.Host
	}
	tcfg.Notifications.PublisherID = publisherID
	return telemetry.NewTelemetry(tcfg)
}

// openStore opens, initializes, and migrates the shared store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// buildBackends materializes the configured datasource backends. Only
// the fake backend ships in-tree; unknown names are skipped so a worker
// still starts when a backend is not deployed.
func buildBackends(tel *telemetry.Telemetry, names []string) []datasource.Backend {
	var backends []datasource.Backend
	for _, name := range names {
		switch name {
		case "fake":
			backends = append(backends, datasource.NewFakeBackend("fake",
				datasource.MetricHostCPUUsage,
				datasource.MetricHostMemoryUsage,
				datasource.MetricHostOutletTemp,
				datasource.MetricHostAirflow,
				datasource.MetricHostPower,
				datasource.MetricInstanceCPUUsage,
				datasource.MetricInstanceMemUsage,
				datasource.MetricInstanceL3Cache,
			))
		default:
			tel.Logger.WithField("datasource", name).Warn("unknown datasource backend, skipping")
		}
	}
	return backends
}

// collectorService adapts collector.Manager to the launcher contract.
type collectorService struct {
	*collector.Manager
}

func (s collectorService) Start(ctx context.Context) error {
	s.Manager.Start(ctx)
	return nil
}

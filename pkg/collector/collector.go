// Package collector maintains the live cluster data models. One
// collector plugin per namespace rebuilds its model periodically and
// applies external notifications incrementally; the manager owns the
// refresh loops and hands out the current model to strategies.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/model"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Collector is the plugin contract of one model namespace.
type Collector interface {
	// Name is the collector namespace, e.g. compute, storage, baremetal.
	Name() string

	// Period is the refresh interval. It also bounds a single
	// Synchronize call: running past it marks the model stale.
	Period() time.Duration

	// Synchronize rebuilds the model from external APIs.
	Synchronize(ctx context.Context) (*model.Model, error)

	// NotificationEndpoints lists the external event handlers that
	// update the model incrementally between refreshes.
	NotificationEndpoints() []NotificationEndpoint
}

// NotificationEndpoint handles one external event type against the
// current model.
type NotificationEndpoint struct {
	EventType string
	Handle    func(m *model.Model, payload json.RawMessage) error
}

// Manager runs the refresh loop of every configured collector and
// serves the current model per namespace.
type Manager struct {
	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	mu         sync.RWMutex
	collectors map[string]Collector
	models     map[string]*model.Model
	endpoints  map[string]map[string]NotificationEndpoint

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager loads the named collector plugins from the registry.
func NewManager(registry *plugins.Registry, names []string, tel *telemetry.Telemetry) (*Manager, error) {
	m := &Manager{
		logger:     tel.Logger.NewComponentLogger("collector"),
		tracer:     tel.Tracer,
		metrics:    tel.Metrics,
		collectors: map[string]Collector{},
		models:     map[string]*model.Model{},
		endpoints:  map[string]map[string]NotificationEndpoint{},
	}

	for _, name := range names {
		instance, err := registry.Load(plugins.NamespaceCollectors, name, nil)
		if err != nil {
			return nil, err
		}
		collector, ok := instance.(Collector)
		if !ok {
			return nil, fmt.Errorf("plugin %s is not a collector", name)
		}
		m.collectors[collector.Name()] = collector

		endpoints := map[string]NotificationEndpoint{}
		for _, ep := range collector.NotificationEndpoints() {
			endpoints[ep.EventType] = ep
		}
		m.endpoints[collector.Name()] = endpoints
	}

	return m, nil
}

// Start performs an initial synchronize of every collector, then runs
// one refresh loop per collector until Stop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	for _, collector := range m.collectors {
		m.synchronize(ctx, collector)

		m.wg.Add(1)
		go func(c Collector) {
			defer m.wg.Done()
			ticker := time.NewTicker(c.Period())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.synchronize(ctx, c)
				}
			}
		}(collector)
	}
}

// Stop terminates the refresh loops and waits for them.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// synchronize rebuilds one collector's model with the period as its
// deadline. On failure the current model is marked stale rather than
// dropped so strategies can fail fast with a precise error.
func (m *Manager) synchronize(ctx context.Context, c Collector) {
	ctx, span := m.tracer.StartSyncSpan(ctx, c.Name())
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.Period())
	defer cancel()

	start := time.Now()
	fresh, err := c.Synchronize(ctx)
	duration := time.Since(start)

	if err != nil {
		telemetry.RecordError(span, err)
		m.metrics.RecordModelSync(c.Name(), "error", duration)
		m.metrics.SetModelStale(c.Name(), true)
		m.logger.WithError(err).WithField("collector", c.Name()).Warn("model synchronization failed")

		m.mu.Lock()
		if current, ok := m.models[c.Name()]; ok {
			current.SetStale(true)
		}
		m.mu.Unlock()
		return
	}

	fresh.SetStale(false)
	fresh.Touch()

	m.mu.Lock()
	m.models[c.Name()] = fresh
	m.mu.Unlock()

	telemetry.RecordSuccess(span)
	m.metrics.RecordModelSync(c.Name(), "success", duration)
	m.metrics.SetModelStale(c.Name(), false)
	m.logger.WithField("collector", c.Name()).
		WithField("duration_ms", duration.Milliseconds()).
		Debug("model synchronized")
}

// GetModel returns the current model of one namespace.
func (m *Manager) GetModel(name string) (*model.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current, ok := m.models[name]
	if !ok {
		return nil, core.NewTransientError(fmt.Sprintf("no cluster data model for %s", name), nil).
			WithCode(core.ErrCodeClusterStateAbsent).WithEntity(name)
	}
	return current, nil
}

// HandleEvent applies one external event to the current model of a
// namespace. Unknown event types are ignored.
func (m *Manager) HandleEvent(name, eventType string, payload json.RawMessage) error {
	m.mu.RLock()
	current, hasModel := m.models[name]
	endpoint, hasEndpoint := m.endpoints[name][eventType]
	m.mu.RUnlock()

	if !hasEndpoint {
		return nil
	}
	if !hasModel {
		return core.NewTransientError(fmt.Sprintf("no cluster data model for %s", name), nil).
			WithCode(core.ErrCodeClusterStateAbsent).WithEntity(name)
	}

	if err := endpoint.Handle(current, payload); err != nil {
		return fmt.Errorf("failed to handle %s event: %w", eventType, err)
	}
	return nil
}

// Info returns the element counts and freshness of every model.
func (m *Manager) Info() map[string]model.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := make(map[string]model.Info, len(m.models))
	for name, current := range m.models {
		info[name] = current.Info()
	}
	return info
}

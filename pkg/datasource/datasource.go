// Package datasource abstracts the metric backends strategies read
// cluster telemetry from. Strategies declare the metrics they need; the
// selector walks the configured backend order and picks the first one
// exposing every declared metric, so a repeated audit always lands on
// the same backend.
package datasource

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Well-known metric names strategies declare.
const (
	MetricHostCPUUsage     = "host_cpu_usage"
	MetricHostMemoryUsage  = "host_ram_usage"
	MetricHostOutletTemp   = "host_outlet_temp"
	MetricHostAirflow      = "host_airflow"
	MetricHostPower        = "host_power"
	MetricInstanceCPUUsage = "instance_cpu_usage"
	MetricInstanceMemUsage = "instance_ram_usage"
	MetricInstanceL3Cache  = "instance_l3_cache_usage"
)

// Backend is one metric source.
type Backend interface {
	// Name identifies the backend in configuration.
	Name() string

	// AvailableMetrics lists every metric the backend can serve.
	AvailableMetrics() []string

	// StatisticAggregation returns the aggregated value of one metric
	// for one resource over the given period in seconds.
	StatisticAggregation(ctx context.Context, resourceUUID, metric string, periodSec int, aggregate string) (float64, error)
}

// Select walks the preferred backend order and returns the first
// backend exposing every required metric.
func Select(backends []Backend, preferred []string, required []string) (Backend, error) {
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}

	order := preferred
	if len(order) == 0 {
		for _, b := range backends {
			order = append(order, b.Name())
		}
	}

	for _, name := range order {
		backend, ok := byName[name]
		if !ok {
			continue
		}
		if exposesAll(backend, required) {
			return backend, nil
		}
	}

	return nil, core.NewPermanentError(
		fmt.Sprintf("no datasource exposes metrics: %s", strings.Join(required, ", ")), nil).
		WithCode(core.ErrCodeConfiguration)
}

func exposesAll(backend Backend, required []string) bool {
	available := map[string]struct{}{}
	for _, m := range backend.AvailableMetrics() {
		available[m] = struct{}{}
	}
	for _, m := range required {
		if _, ok := available[m]; !ok {
			return false
		}
	}
	return true
}

// FakeBackend serves fixed metric values. It backs local runs and tests.
type FakeBackend struct {
	name    string
	metrics []string

	mu     sync.RWMutex
	values map[string]float64
}

// NewFakeBackend builds a backend serving the given metrics. Values
// default to zero until set.
func NewFakeBackend(name string, metrics ...string) *FakeBackend {
	return &FakeBackend{
		name:    name,
		metrics: metrics,
		values:  map[string]float64{},
	}
}

func (f *FakeBackend) Name() string { return f.name }

func (f *FakeBackend) AvailableMetrics() []string {
	return append([]string(nil), f.metrics...)
}

// SetValue fixes the value served for (resource, metric).
func (f *FakeBackend) SetValue(resourceUUID, metric string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[resourceUUID+"/"+metric] = value
}

func (f *FakeBackend) StatisticAggregation(ctx context.Context, resourceUUID, metric string, periodSec int, aggregate string) (float64, error) {
	if !exposesAll(f, []string{metric}) {
		return 0, core.NewPermanentError(fmt.Sprintf("metric not served: %s", metric), nil).
			WithCode(core.ErrCodeConfiguration)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values[resourceUUID+"/"+metric], nil
}

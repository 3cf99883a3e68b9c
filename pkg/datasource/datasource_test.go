package datasource

import (
	"context"
	"testing"
)

func TestSelectFallsBackInOrder(t *testing.T) {
	partial := NewFakeBackend("partial", MetricHostCPUUsage)
	full := NewFakeBackend("full", MetricHostCPUUsage, MetricHostMemoryUsage)

	backend, err := Select(
		[]Backend{partial, full},
		[]string{"partial", "full"},
		[]string{MetricHostCPUUsage, MetricHostMemoryUsage},
	)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if backend.Name() != "full" {
		t.Errorf("selected %s, want full", backend.Name())
	}
}

func TestSelectDeterministic(t *testing.T) {
	a := NewFakeBackend("a", MetricHostCPUUsage)
	b := NewFakeBackend("b", MetricHostCPUUsage)

	for i := 0; i < 5; i++ {
		backend, err := Select([]Backend{a, b}, []string{"b", "a"}, []string{MetricHostCPUUsage})
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if backend.Name() != "b" {
			t.Fatalf("run %d selected %s, want b", i, backend.Name())
		}
	}
}

func TestSelectNoBackendServesAll(t *testing.T) {
	a := NewFakeBackend("a", MetricHostCPUUsage)
	_, err := Select([]Backend{a}, nil, []string{MetricHostPower})
	if err == nil {
		t.Fatal("Select() should fail when no backend serves the metrics")
	}
}

func TestFakeBackendValues(t *testing.T) {
	f := NewFakeBackend("fake", MetricHostCPUUsage)
	f.SetValue("node-1", MetricHostCPUUsage, 73.5)

	got, err := f.StatisticAggregation(context.Background(), "node-1", MetricHostCPUUsage, 300, "mean")
	if err != nil {
		t.Fatalf("StatisticAggregation() error = %v", err)
	}
	if got != 73.5 {
		t.Errorf("value = %v, want 73.5", got)
	}

	if _, err := f.StatisticAggregation(context.Background(), "node-1", MetricHostPower, 300, "mean"); err == nil {
		t.Error("unserved metric should fail")
	}
}

package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/datasource"
	"github.com/fleetwise/fleetwise/pkg/model"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

func newTestTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Notifications.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	})
	return tel
}

type staticModels struct {
	m *model.Model
}

func (s *staticModels) GetModel(name string) (*model.Model, error) {
	if s.m == nil {
		return nil, core.NewTransientError("no model", nil).WithCode(core.ErrCodeClusterStateAbsent)
	}
	return s.m, nil
}

func newComputeModel(t *testing.T) *model.Model {
	t.Helper()
	m := model.NewModel()
	for _, uuid := range []string{"node-1", "node-2"} {
		m.AddComputeNode(&model.ComputeNode{
			UUID: uuid, Status: model.NodeEnabled, State: model.NodeUp,
			Capacity: model.Resources{VCPUs: 8, MemoryMB: 16384, DiskGB: 200},
		})
	}
	if err := m.AddInstance(&model.Instance{
		UUID: "inst-1", State: model.InstanceActive,
		Demand: model.Resources{VCPUs: 2, MemoryMB: 4096, DiskGB: 40},
	}, "node-1"); err != nil {
		t.Fatalf("AddInstance() error = %v", err)
	}
	return m
}

func newTestRunner(t *testing.T, m *model.Model, backends ...datasource.Backend) *Runner {
	t.Helper()
	r := plugins.NewRegistry()
	r.MustRegister(plugins.NamespaceStrategies, "dummy", NewDummyStrategy)
	r.MustRegister(plugins.NamespaceStrategies, "basic_consolidation", NewConsolidationStrategy)
	return NewRunner(r, &staticModels{m: m}, backends, nil, newTestTelemetry(t))
}

func testAudit(params string) *core.Audit {
	audit := &core.Audit{
		UUID:      uuid.New().String(),
		Name:      "test audit",
		AuditType: core.AuditTypeOneshot,
		State:     core.AuditOngoing,
	}
	if params != "" {
		audit.Parameters = json.RawMessage(params)
	}
	return audit
}

func TestDummyStrategyExecution(t *testing.T) {
	runner := newTestRunner(t, newComputeModel(t))
	strat, err := runner.LoadStrategy("dummy")
	if err != nil {
		t.Fatalf("LoadStrategy() error = %v", err)
	}

	solution, err := runner.Execute(context.Background(), strat, testAudit(`{"para1": 4.0, "para2": "Hi"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(solution.Actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(solution.Actions))
	}
	wantTypes := []string{"nop", "nop", "sleep"}
	for i, want := range wantTypes {
		if solution.Actions[i].ActionType != want {
			t.Errorf("action %d type = %s, want %s", i, solution.Actions[i].ActionType, want)
		}
	}
	if msg := solution.Actions[0].InputParameters["message"]; msg != "Hi" {
		t.Errorf("first nop message = %v, want Hi", msg)
	}
	if len(solution.Efficacy) != 0 {
		t.Errorf("dummy strategy reported efficacy %v", solution.Efficacy)
	}
}

func TestDummyStrategyDefaults(t *testing.T) {
	runner := newTestRunner(t, newComputeModel(t))
	strat, _ := runner.LoadStrategy("dummy")

	solution, err := runner.Execute(context.Background(), strat, testAudit(""))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if msg := solution.Actions[0].InputParameters["message"]; msg != "hello" {
		t.Errorf("default message = %v, want hello", msg)
	}
}

func TestUndeclaredParameterFailsAudit(t *testing.T) {
	runner := newTestRunner(t, newComputeModel(t))
	strat, _ := runner.LoadStrategy("dummy")

	_, err := runner.Execute(context.Background(), strat, testAudit(`{"para3": 1}`))
	if err == nil {
		t.Fatal("undeclared parameter should fail the execution")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrCodeParameterInvalid {
		t.Errorf("error = %v, want AUDIT_PARAMETER_INVALID", err)
	}
}

func TestStaleModelFailsFast(t *testing.T) {
	m := newComputeModel(t)
	m.SetStale(true)
	runner := newTestRunner(t, m)
	strat, _ := runner.LoadStrategy("dummy")

	_, err := runner.Execute(context.Background(), strat, testAudit(""))
	if err == nil {
		t.Fatal("stale model should fail the execution")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrCodeClusterStateStale {
		t.Errorf("error = %v, want CLUSTER_STATE_STALE", err)
	}
}

func TestConsolidationStrategy(t *testing.T) {
	m := newComputeModel(t)

	backend := datasource.NewFakeBackend("fake", datasource.MetricHostCPUUsage)
	backend.SetValue("node-1", datasource.MetricHostCPUUsage, 5)
	backend.SetValue("node-2", datasource.MetricHostCPUUsage, 60)

	runner := newTestRunner(t, m, backend)
	strat, err := runner.LoadStrategy("basic_consolidation")
	if err != nil {
		t.Fatalf("LoadStrategy() error = %v", err)
	}

	solution, err := runner.Execute(context.Background(), strat, testAudit(""))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var migrates, disables int
	for _, action := range solution.Actions {
		switch action.ActionType {
		case "migrate":
			migrates++
			if action.InputParameters["source_node"] != "node-1" {
				t.Errorf("migrate source = %v", action.InputParameters["source_node"])
			}
		case "change_compute_service_state":
			disables++
			if action.ResourceID != "node-1" {
				t.Errorf("disabled node = %s, want node-1", action.ResourceID)
			}
		}
	}
	if migrates != 1 || disables != 1 {
		t.Errorf("migrates=%d disables=%d, want 1 and 1", migrates, disables)
	}

	if len(solution.Efficacy) != 1 || solution.Efficacy[0].Name != "released_nodes_ratio" {
		t.Fatalf("efficacy = %+v", solution.Efficacy)
	}
	if solution.Efficacy[0].Value != 50 {
		t.Errorf("released_nodes_ratio = %v, want 50", solution.Efficacy[0].Value)
	}
}

func TestScopedExecutionExcludesNodes(t *testing.T) {
	m := newComputeModel(t)

	backend := datasource.NewFakeBackend("fake", datasource.MetricHostCPUUsage)
	backend.SetValue("node-1", datasource.MetricHostCPUUsage, 5)
	backend.SetValue("node-2", datasource.MetricHostCPUUsage, 5)

	runner := newTestRunner(t, m, backend)
	strat, _ := runner.LoadStrategy("basic_consolidation")

	audit := testAudit("")
	audit.Scope = []core.ScopeClause{
		{Kind: core.ScopeComputeNode, Exclude: true, Values: []string{"node-1"}},
	}

	solution, err := runner.Execute(context.Background(), strat, audit)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, action := range solution.Actions {
		if action.ResourceID == "node-1" {
			t.Errorf("excluded node targeted by %s", action.ActionType)
		}
	}
}

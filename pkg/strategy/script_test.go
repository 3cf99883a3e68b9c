package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetwise/fleetwise/pkg/plugins"
)

const testScript = `
NAME = "script_drainer"
DISPLAY_NAME = "Script drainer"
GOAL_NAME = "dummy"
SCHEMA = """
#Parameters: {
	max_actions: int | *2
}
"""

def solution(params, nodes, instances):
    actions = []
    for inst in instances:
        if len(actions) >= params["max_actions"]:
            break
        if inst["excluded"]:
            continue
        actions.append({
            "action_type": "nop",
            "resource_id": inst["uuid"],
            "input_parameters": {"message": inst["name"]},
        })
    return {"actions": actions, "efficacy": {"touched": float(len(actions))}}
`

func TestScriptStrategyDeclarations(t *testing.T) {
	s, err := NewScriptStrategy("test.star", testScript, 0)
	if err != nil {
		t.Fatalf("NewScriptStrategy() error = %v", err)
	}
	if s.Name() != "script_drainer" || s.GoalName() != "dummy" {
		t.Errorf("declarations: name=%s goal=%s", s.Name(), s.GoalName())
	}
}

func TestScriptStrategyExecution(t *testing.T) {
	m := newComputeModel(t)

	r := plugins.NewRegistry()
	script, err := NewScriptStrategy("test.star", testScript, 0)
	if err != nil {
		t.Fatalf("NewScriptStrategy() error = %v", err)
	}
	r.MustRegister(plugins.NamespaceStrategies, script.Name(), func(args map[string]interface{}) (interface{}, error) {
		return script, nil
	})

	runner := NewRunner(r, &staticModels{m: m}, nil, nil, newTestTelemetry(t))
	strat, err := runner.LoadStrategy("script_drainer")
	if err != nil {
		t.Fatalf("LoadStrategy() error = %v", err)
	}

	solution, err := runner.Execute(context.Background(), strat, testAudit(`{"max_actions": 1}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(solution.Actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(solution.Actions))
	}
	if solution.Actions[0].ResourceID != "inst-1" {
		t.Errorf("resource = %s, want inst-1", solution.Actions[0].ResourceID)
	}
	if len(solution.Efficacy) != 1 || solution.Efficacy[0].Value != 1 {
		t.Errorf("efficacy = %+v", solution.Efficacy)
	}
}

func TestScriptStrategyMissingDeclaration(t *testing.T) {
	_, err := NewScriptStrategy("broken.star", `NAME = "x"`, 0)
	if err == nil {
		t.Fatal("script without declarations should be rejected")
	}
}

func TestScriptLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "drainer.star"), []byte(testScript), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r := plugins.NewRegistry()
	loader, err := NewScriptLoader(r, dir, time.Second, newTestTelemetry(t).Logger)
	if err != nil {
		t.Fatalf("NewScriptLoader() error = %v", err)
	}
	t.Cleanup(func() { _ = loader.Close() })

	names := loader.Names()
	if len(names) != 1 || names[0] != "script_drainer" {
		t.Fatalf("Names() = %v", names)
	}

	instance, err := r.Load(plugins.NamespaceStrategies, "script_drainer", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := instance.(Strategy); !ok {
		t.Errorf("loaded instance is %T, not a Strategy", instance)
	}
}

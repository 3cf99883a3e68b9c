package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const drainRego = `# Vetoes plans touching drained nodes.
package fleetwise.policies.no_drained

import rego.v1

deny contains violation if {
	some a in input.plan.actions
	a.action_type == "change_compute_service_state"
	violation := {"message": "service state changes are frozen", "severity": "error"}
}
`

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "no-drained.rego"), []byte(drainRego), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loader := NewLoader(newTestTelemetry(t).Logger)
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}

	p := policies[0]
	if p.Name != "no-drained" {
		t.Errorf("name = %q, want no-drained", p.Name)
	}
	if p.Description != "Vetoes plans touching drained nodes." {
		t.Errorf("description = %q", p.Description)
	}
	if p.Severity != SeverityWarning || !p.Enabled {
		t.Errorf("policy defaults = %+v", p)
	}
	if p.Source == "" {
		t.Error("file-sourced policy has no source")
	}
}

func TestLoadJSONPolicy(t *testing.T) {
	dir := t.TempDir()
	doc := `{
	"name": "frozen-cluster",
	"severity": "critical",
	"enabled": true,
	"rego": "package fleetwise.policies.frozen\n\nimport rego.v1\n\ndeny contains \"cluster is frozen\" if {\n\tcount(input.plan.actions) > 0\n}\n"
}`
	if err := os.WriteFile(filepath.Join(dir, "frozen.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loader := NewLoader(newTestTelemetry(t).Logger)
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "frozen-cluster" || policies[0].Severity != SeverityCritical {
		t.Errorf("policies = %+v", policies)
	}
}

func TestLoadedPolicyCompilesIntoEngine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "no-drained.rego"), []byte(drainRego), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if _, err := e.GetPolicy("no-drained"); err != nil {
		t.Errorf("GetPolicy(no-drained) error = %v", err)
	}
}

func TestMissingPathRejected(t *testing.T) {
	loader := NewLoader(newTestTelemetry(t).Logger)
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Fatal("LoadFromPaths() on a missing path succeeded")
	}
}

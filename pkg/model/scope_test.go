package model

import (
	"testing"

	"github.com/fleetwise/fleetwise/pkg/core"
)

func TestScopeIncludeByZone(t *testing.T) {
	m := newTestModel(t)

	scoped, err := BuildScopedModel(m, []core.ScopeClause{
		{Kind: core.ScopeAvailabilityZone, Values: []string{"az1"}},
	})
	if err != nil {
		t.Fatalf("BuildScopedModel() error = %v", err)
	}

	n1, _ := scoped.GetComputeNode("node-1")
	n2, _ := scoped.GetComputeNode("node-2")
	if n1.Excluded {
		t.Error("node-1 is in az1 and should stay in scope")
	}
	if !n2.Excluded {
		t.Error("node-2 is outside az1 and should be flagged")
	}

	// Excluded elements remain enumerable.
	if len(scoped.ComputeNodes()) != 2 {
		t.Errorf("scoped model hides elements: %d nodes", len(scoped.ComputeNodes()))
	}
}

func TestScopeInstancesInheritHostExclusion(t *testing.T) {
	m := newTestModel(t)

	scoped, err := BuildScopedModel(m, []core.ScopeClause{
		{Kind: core.ScopeComputeNode, Exclude: true, Values: []string{"node-1"}},
	})
	if err != nil {
		t.Fatalf("BuildScopedModel() error = %v", err)
	}

	for _, uuid := range []string{"inst-a", "inst-b"} {
		inst, err := scoped.GetInstance(uuid)
		if err != nil {
			t.Fatalf("GetInstance(%s) error = %v", uuid, err)
		}
		if !inst.Excluded {
			t.Errorf("%s hosted on excluded node should be excluded", uuid)
		}
	}
}

func TestScopeInstanceMetadata(t *testing.T) {
	m := newTestModel(t)

	scoped, err := BuildScopedModel(m, []core.ScopeClause{
		{Kind: core.ScopeInstanceMetadata, Exclude: true, Metadata: map[string]string{"tier": "db"}},
	})
	if err != nil {
		t.Fatalf("BuildScopedModel() error = %v", err)
	}

	a, _ := scoped.GetInstance("inst-a")
	b, _ := scoped.GetInstance("inst-b")
	if !a.Excluded {
		t.Error("inst-a matches the metadata clause and should be excluded")
	}
	if b.Excluded {
		t.Error("inst-b does not match and should stay in scope")
	}
}

func TestScopeAggregateInclude(t *testing.T) {
	m := newTestModel(t)

	scoped, err := BuildScopedModel(m, []core.ScopeClause{
		{Kind: core.ScopeHostAggregate, Values: []string{"agg-gold"}},
	})
	if err != nil {
		t.Fatalf("BuildScopedModel() error = %v", err)
	}

	n1, _ := scoped.GetComputeNode("node-1")
	n2, _ := scoped.GetComputeNode("node-2")
	if n1.Excluded || !n2.Excluded {
		t.Errorf("aggregate include: node-1 excluded=%v node-2 excluded=%v", n1.Excluded, n2.Excluded)
	}
}

func TestEmptyScopeKeepsEverything(t *testing.T) {
	m := newTestModel(t)

	scoped, err := BuildScopedModel(m, nil)
	if err != nil {
		t.Fatalf("BuildScopedModel() error = %v", err)
	}
	for _, node := range scoped.ComputeNodes() {
		if node.Excluded {
			t.Errorf("node %s excluded by empty scope", node.UUID)
		}
	}
	for _, inst := range scoped.Instances() {
		if inst.Excluded {
			t.Errorf("instance %s excluded by empty scope", inst.UUID)
		}
	}
}

func TestScopeDoesNotMutateOriginal(t *testing.T) {
	m := newTestModel(t)

	if _, err := BuildScopedModel(m, []core.ScopeClause{
		{Kind: core.ScopeComputeNode, Exclude: true, Values: []string{"node-1"}},
	}); err != nil {
		t.Fatalf("BuildScopedModel() error = %v", err)
	}

	n1, _ := m.GetComputeNode("node-1")
	if n1.Excluded {
		t.Error("scope projection mutated the live model")
	}
}

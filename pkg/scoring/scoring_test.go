package scoring

import (
	"encoding/json"
	"testing"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
)

func newTestRegistry(t *testing.T) *plugins.Registry {
	t.Helper()
	r := plugins.NewRegistry()
	r.MustRegister(plugins.NamespaceScoringEngines, "dummy_scorer", NewDummyScorer)
	r.MustRegister(plugins.NamespaceScoringContainers, "dummy_scoring_container", NewDummyContainer)
	return r
}

func TestDummyScorerCalculate(t *testing.T) {
	instance, err := NewDummyScorer(nil)
	if err != nil {
		t.Fatalf("NewDummyScorer() error = %v", err)
	}
	scorer := instance.(*DummyScorer)

	out, err := scorer.Calculate(`[1, 2, 3]`)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	var result map[string]float64
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output %q is not JSON: %v", out, err)
	}
	if result["score"] != 2 {
		t.Errorf("score = %v, want 2", result["score"])
	}

	if _, err := scorer.Calculate(`not json`); err == nil {
		t.Error("Calculate() should fail on malformed features")
	}
}

func TestSelectorMergesContainers(t *testing.T) {
	s := NewSelector(newTestRegistry(t))

	merged, err := s.ListEngines()
	if err != nil {
		t.Fatalf("ListEngines() error = %v", err)
	}
	for _, name := range []string{"dummy_scorer", "dummy_scorer_0", "dummy_scorer_1"} {
		if _, ok := merged[name]; !ok {
			t.Errorf("merged map missing %s", name)
		}
	}
}

func TestSelectorCache(t *testing.T) {
	s := NewSelector(newTestRegistry(t))

	first, err := s.GetEngine("dummy_scorer_0")
	if err != nil {
		t.Fatalf("GetEngine() error = %v", err)
	}
	second, err := s.GetEngine("dummy_scorer_0")
	if err != nil {
		t.Fatalf("GetEngine() error = %v", err)
	}
	if first != second {
		t.Error("cached lookup returned a different instance")
	}

	s.Invalidate()
	third, err := s.GetEngine("dummy_scorer_0")
	if err != nil {
		t.Fatalf("GetEngine() after Invalidate() error = %v", err)
	}
	if third == nil {
		t.Error("GetEngine() returned nil after invalidation")
	}
}

func TestSelectorUnknownEngine(t *testing.T) {
	s := NewSelector(newTestRegistry(t))
	_, err := s.GetEngine("no_such_engine")
	if err == nil {
		t.Fatal("GetEngine() of unknown engine should fail")
	}
	if !core.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}

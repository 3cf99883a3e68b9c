package scoring

import (
	"encoding/json"
	"fmt"

	"github.com/fleetwise/fleetwise/pkg/plugins"
)

func init() {
	plugins.MustRegister(plugins.NamespaceScoringEngines, "dummy_scorer", NewDummyScorer)
	plugins.MustRegister(plugins.NamespaceScoringContainers, "dummy_scoring_container", NewDummyContainer)
}

// DummyScorer averages a JSON array of numbers. It exists to exercise
// the scoring pipeline end to end without a real model behind it.
type DummyScorer struct {
	name string
}

// NewDummyScorer is the factory registered under scoring-engines.
func NewDummyScorer(args map[string]interface{}) (interface{}, error) {
	name := "dummy_scorer"
	if v, ok := args["name"].(string); ok && v != "" {
		name = v
	}
	return &DummyScorer{name: name}, nil
}

func (d *DummyScorer) Name() string        { return d.name }
func (d *DummyScorer) Description() string { return "Dummy scorer averaging its input features" }

func (d *DummyScorer) Metainfo() string {
	return `{"algorithm": "mean", "version": "1.0"}`
}

// Calculate expects a JSON array of numbers and returns {"score": mean}.
func (d *DummyScorer) Calculate(features string) (string, error) {
	var values []float64
	if err := json.Unmarshal([]byte(features), &values); err != nil {
		return "", fmt.Errorf("failed to parse features: %w", err)
	}
	if len(values) == 0 {
		return `{"score": 0}`, nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	out, err := json.Marshal(map[string]float64{"score": sum / float64(len(values))})
	if err != nil {
		return "", fmt.Errorf("failed to encode score: %w", err)
	}
	return string(out), nil
}

// DummyContainer discovers a fixed pair of scorers at runtime.
type DummyContainer struct{}

// NewDummyContainer is the factory registered under scoring-containers.
func NewDummyContainer(args map[string]interface{}) (interface{}, error) {
	return &DummyContainer{}, nil
}

// ScoringEngineList returns the container's discovered engines.
func (c *DummyContainer) ScoringEngineList() []Engine {
	return []Engine{
		&DummyScorer{name: "dummy_scorer_0"},
		&DummyScorer{name: "dummy_scorer_1"},
	}
}

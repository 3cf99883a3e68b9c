package strategy

import (
	"context"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
)

func init() {
	plugins.MustRegister(plugins.NamespaceStrategies, "dummy", NewDummyStrategy)
}

// DummyStrategy emits a fixed nop/nop/sleep plan. It exercises the
// whole pipeline from parameter validation to plan execution without
// touching the cluster.
type DummyStrategy struct{}

// NewDummyStrategy is the factory registered under strategies.
func NewDummyStrategy(args map[string]interface{}) (interface{}, error) {
	return &DummyStrategy{}, nil
}

func (s *DummyStrategy) Name() string        { return "dummy" }
func (s *DummyStrategy) DisplayName() string { return "Dummy strategy" }
func (s *DummyStrategy) GoalName() string    { return "dummy" }

func (s *DummyStrategy) Schema() string {
	return `
#Parameters: {
	para1: number | *3.2
	para2: string | *"hello"
}
`
}

func (s *DummyStrategy) EfficacySpecification() []core.IndicatorSpec { return nil }
func (s *DummyStrategy) DatasourceMetrics() []string                 { return nil }

func (s *DummyStrategy) PreExecute(ctx context.Context, ex *Execution) error {
	return ex.Model.CheckFresh()
}

func (s *DummyStrategy) DoExecute(ctx context.Context, ex *Execution) error {
	ex.Logger.WithField("para1", ex.ParamFloat("para1")).Debug("executing dummy strategy")

	ex.Solution.AddAction("nop", "", map[string]interface{}{"message": ex.ParamString("para2")})
	ex.Solution.AddAction("nop", "", map[string]interface{}{"message": "Welcome"})
	ex.Solution.AddAction("sleep", "", map[string]interface{}{"duration": 5.0})
	return nil
}

func (s *DummyStrategy) PostExecute(ctx context.Context, ex *Execution) error {
	return nil
}

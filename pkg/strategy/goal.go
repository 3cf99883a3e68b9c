package strategy

import (
	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
)

// Goal is the plugin contract of an optimization goal. Goals are
// declared by plugins and written to the catalog only by the sync
// reconciler.
type Goal interface {
	Name() string
	DisplayName() string
	EfficacySpecification() []core.IndicatorSpec
}

// SimpleGoal is a static goal declaration.
type SimpleGoal struct {
	GoalName        string
	GoalDisplayName string
	Efficacy        []core.IndicatorSpec
}

func (g *SimpleGoal) Name() string        { return g.GoalName }
func (g *SimpleGoal) DisplayName() string { return g.GoalDisplayName }

func (g *SimpleGoal) EfficacySpecification() []core.IndicatorSpec {
	return append([]core.IndicatorSpec(nil), g.Efficacy...)
}

func init() {
	plugins.MustRegister(plugins.NamespaceGoals, "dummy", func(args map[string]interface{}) (interface{}, error) {
		return &SimpleGoal{GoalName: "dummy", GoalDisplayName: "Dummy goal"}, nil
	})
	plugins.MustRegister(plugins.NamespaceGoals, "server_consolidation", func(args map[string]interface{}) (interface{}, error) {
		return &SimpleGoal{
			GoalName:        "server_consolidation",
			GoalDisplayName: "Server Consolidation",
			Efficacy: []core.IndicatorSpec{
				{
					Name:        "released_nodes_ratio",
					Description: "Ratio of compute nodes released by the plan",
					Unit:        "%",
				},
			},
		}, nil
	})
}

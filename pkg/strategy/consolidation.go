package strategy

import (
	"context"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/datasource"
	"github.com/fleetwise/fleetwise/pkg/model"
	"github.com/fleetwise/fleetwise/pkg/plugins"
)

func init() {
	plugins.MustRegister(plugins.NamespaceStrategies, "basic_consolidation", NewConsolidationStrategy)
}

// ConsolidationStrategy drains underloaded compute nodes by migrating
// their instances onto the remaining nodes, then disables the drained
// nodes. A node is a drain candidate when its CPU usage sits below the
// configured threshold.
type ConsolidationStrategy struct {
	drained int
	total   int
}

// NewConsolidationStrategy is the factory registered under strategies.
func NewConsolidationStrategy(args map[string]interface{}) (interface{}, error) {
	return &ConsolidationStrategy{}, nil
}

func (s *ConsolidationStrategy) Name() string        { return "basic_consolidation" }
func (s *ConsolidationStrategy) DisplayName() string { return "Basic server consolidation" }
func (s *ConsolidationStrategy) GoalName() string    { return "server_consolidation" }

func (s *ConsolidationStrategy) Schema() string {
	return `
#Parameters: {
	cpu_threshold: number | *20.0
	period:        int | *300
}
`
}

func (s *ConsolidationStrategy) EfficacySpecification() []core.IndicatorSpec {
	return []core.IndicatorSpec{
		{
			Name:        "released_nodes_ratio",
			Description: "Ratio of compute nodes released by the plan",
			Unit:        "%",
		},
	}
}

func (s *ConsolidationStrategy) DatasourceMetrics() []string {
	return []string{datasource.MetricHostCPUUsage}
}

func (s *ConsolidationStrategy) PreExecute(ctx context.Context, ex *Execution) error {
	s.drained = 0
	s.total = 0
	return ex.Model.CheckFresh()
}

func (s *ConsolidationStrategy) DoExecute(ctx context.Context, ex *Execution) error {
	threshold := ex.ParamFloat("cpu_threshold")
	period := int(ex.ParamFloat("period"))

	nodes := []*model.ComputeNode{}
	for _, node := range ex.Model.ComputeNodes() {
		if node.Excluded || node.Status != model.NodeEnabled || node.State != model.NodeUp {
			continue
		}
		nodes = append(nodes, node)
	}
	s.total = len(nodes)

	for _, node := range nodes {
		usage, err := ex.Datasource.StatisticAggregation(ctx, node.UUID, datasource.MetricHostCPUUsage, period, "mean")
		if err != nil {
			return err
		}
		if usage >= threshold {
			continue
		}

		if !s.drainNode(ex, node, nodes) {
			continue
		}

		ex.Solution.AddAction("change_compute_service_state", node.UUID, map[string]interface{}{
			"state": model.NodeDisabled,
		})
		s.drained++
	}

	return nil
}

// drainNode moves every instance off one node, emitting migrate actions
// as the in-memory moves succeed. Returns false when any instance has
// no destination, leaving the already-emitted migrations in place: a
// partial drain still reduces load.
func (s *ConsolidationStrategy) drainNode(ex *Execution, node *model.ComputeNode, candidates []*model.ComputeNode) bool {
	complete := true
	for _, inst := range ex.Model.InstancesOnNode(node.UUID) {
		if inst.Excluded {
			complete = false
			continue
		}

		moved := false
		for _, dst := range candidates {
			if dst.UUID == node.UUID || dst.Excluded {
				continue
			}
			ok, err := ex.Model.MigrateInstance(inst.UUID, node.UUID, dst.UUID)
			if err != nil {
				continue
			}
			if ok {
				ex.Solution.AddAction("migrate", inst.UUID, map[string]interface{}{
					"migration_type":   "live",
					"source_node":      node.UUID,
					"destination_node": dst.UUID,
				})
				moved = true
				break
			}
		}
		if !moved {
			complete = false
		}
	}
	return complete
}

func (s *ConsolidationStrategy) PostExecute(ctx context.Context, ex *Execution) error {
	ratio := 0.0
	if s.total > 0 {
		ratio = float64(s.drained) / float64(s.total) * 100
	}
	ex.Solution.SetEfficacy("released_nodes_ratio", ratio)
	ex.Solution.Model = ex.Model
	return nil
}

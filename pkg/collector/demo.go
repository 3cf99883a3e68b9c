package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetwise/fleetwise/pkg/model"
	"github.com/fleetwise/fleetwise/pkg/plugins"
)

func init() {
	plugins.MustRegister(plugins.NamespaceCollectors, "demo", NewDemoCollector)
}

// DemoCollector builds a synthetic compute model. It backs local runs
// and the end-to-end tests that need a populated cluster without real
// provider APIs behind it.
type DemoCollector struct {
	nodes     int
	instances int
	period    time.Duration
}

// NewDemoCollector is the factory registered under cdm-collectors.
// Recognized args: nodes (int), instances_per_node (int), period_seconds (int).
func NewDemoCollector(args map[string]interface{}) (interface{}, error) {
	c := &DemoCollector{nodes: 4, instances: 2, period: time.Hour}
	if v, ok := args["nodes"].(int); ok && v > 0 {
		c.nodes = v
	}
	if v, ok := args["instances_per_node"].(int); ok && v >= 0 {
		c.instances = v
	}
	if v, ok := args["period_seconds"].(int); ok && v > 0 {
		c.period = time.Duration(v) * time.Second
	}
	return c, nil
}

func (c *DemoCollector) Name() string          { return "compute" }
func (c *DemoCollector) Period() time.Duration { return c.period }

// ConfigOpts declares the collector's configuration options.
func (c *DemoCollector) ConfigOpts() []plugins.ConfigOption {
	return []plugins.ConfigOption{
		{Name: "nodes", Default: 4, Description: "number of synthetic compute nodes"},
		{Name: "instances_per_node", Default: 2, Description: "instances hosted per node"},
		{Name: "period_seconds", Default: 3600, Description: "model refresh interval"},
	}
}

// Synchronize rebuilds the synthetic model from scratch.
func (c *DemoCollector) Synchronize(ctx context.Context) (*model.Model, error) {
	m := model.NewModel()

	for n := 0; n < c.nodes; n++ {
		node := &model.ComputeNode{
			UUID:             fmt.Sprintf("node-%d", n),
			Hostname:         fmt.Sprintf("compute-%d", n),
			Status:           model.NodeEnabled,
			State:            model.NodeUp,
			AvailabilityZone: fmt.Sprintf("az%d", n%2),
			Capacity:         model.Resources{VCPUs: 16, MemoryMB: 65536, DiskGB: 500},
		}
		m.AddComputeNode(node)

		for i := 0; i < c.instances; i++ {
			inst := &model.Instance{
				UUID:   fmt.Sprintf("instance-%d-%d", n, i),
				Name:   fmt.Sprintf("vm-%d-%d", n, i),
				State:  model.InstanceActive,
				Demand: model.Resources{VCPUs: 2, MemoryMB: 4096, DiskGB: 40},
			}
			if err := m.AddInstance(inst, node.UUID); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// demoInstanceEvent is the payload of the demo instance events.
type demoInstanceEvent struct {
	UUID     string          `json:"uuid"`
	NodeUUID string          `json:"node_uuid"`
	State    string          `json:"state"`
	Demand   model.Resources `json:"demand"`
}

// NotificationEndpoints applies instance lifecycle events between
// refreshes.
func (c *DemoCollector) NotificationEndpoints() []NotificationEndpoint {
	return []NotificationEndpoint{
		{
			EventType: "instance.create",
			Handle: func(m *model.Model, payload json.RawMessage) error {
				var ev demoInstanceEvent
				if err := json.Unmarshal(payload, &ev); err != nil {
					return err
				}
				state := ev.State
				if state == "" {
					state = model.InstanceActive
				}
				return m.AddInstance(&model.Instance{UUID: ev.UUID, State: state, Demand: ev.Demand}, ev.NodeUUID)
			},
		},
		{
			EventType: "instance.delete",
			Handle: func(m *model.Model, payload json.RawMessage) error {
				var ev demoInstanceEvent
				if err := json.Unmarshal(payload, &ev); err != nil {
					return err
				}
				m.RemoveInstance(ev.UUID)
				return nil
			},
		},
		{
			EventType: "instance.live_migration",
			Handle: func(m *model.Model, payload json.RawMessage) error {
				var ev demoInstanceEvent
				if err := json.Unmarshal(payload, &ev); err != nil {
					return err
				}
				return m.MapInstance(ev.UUID, ev.NodeUUID)
			},
		},
	}
}

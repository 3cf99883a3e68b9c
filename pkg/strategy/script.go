package strategy

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/model"
)

// ScriptStrategy runs a Starlark script as a strategy. The script
// declares NAME, DISPLAY_NAME, GOAL_NAME, and SCHEMA globals plus a
// solution(params, nodes, instances) function returning
// {"actions": [...], "efficacy": {...}}.
type ScriptStrategy struct {
	name        string
	displayName string
	goalName    string
	schema      string
	metrics     []string

	fn      starlark.Value
	timeout time.Duration
}

// NewScriptStrategy compiles one script and reads its declarations.
func NewScriptStrategy(filename, source string, timeout time.Duration) (*ScriptStrategy, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	thread := &starlark.Thread{Name: "strategy-script"}
	predeclared := starlark.StringDict{"struct": starlarkstruct.Default}

	globals, err := starlark.ExecFile(thread, filename, source, predeclared)
	if err != nil {
		return nil, core.NewPermanentError(fmt.Sprintf("failed to load strategy script %s", filename), err).
			WithCode(core.ErrCodeConfiguration)
	}

	s := &ScriptStrategy{timeout: timeout}
	if s.name, err = scriptString(globals, "NAME"); err != nil {
		return nil, err
	}
	if s.displayName, err = scriptString(globals, "DISPLAY_NAME"); err != nil {
		return nil, err
	}
	if s.goalName, err = scriptString(globals, "GOAL_NAME"); err != nil {
		return nil, err
	}
	if s.schema, err = scriptString(globals, "SCHEMA"); err != nil {
		return nil, err
	}
	if metrics, ok := globals["DATASOURCE_METRICS"]; ok {
		raw, err := fromStarlarkValue(metrics)
		if err != nil {
			return nil, err
		}
		if list, ok := raw.([]interface{}); ok {
			for _, m := range list {
				if name, ok := m.(string); ok {
					s.metrics = append(s.metrics, name)
				}
			}
		}
	}

	fn, ok := globals["solution"]
	if !ok {
		return nil, core.NewPermanentError(
			fmt.Sprintf("strategy script %s declares no solution function", filename), nil).
			WithCode(core.ErrCodeConfiguration)
	}
	s.fn = fn

	return s, nil
}

func scriptString(globals starlark.StringDict, name string) (string, error) {
	v, ok := globals[name]
	if !ok {
		return "", core.NewPermanentError(fmt.Sprintf("strategy script declares no %s", name), nil).
			WithCode(core.ErrCodeConfiguration)
	}
	str, ok := v.(starlark.String)
	if !ok {
		return "", core.NewPermanentError(fmt.Sprintf("strategy script global %s is not a string", name), nil).
			WithCode(core.ErrCodeConfiguration)
	}
	return string(str), nil
}

func (s *ScriptStrategy) Name() string        { return s.name }
func (s *ScriptStrategy) DisplayName() string { return s.displayName }
func (s *ScriptStrategy) GoalName() string    { return s.goalName }
func (s *ScriptStrategy) Schema() string      { return s.schema }

func (s *ScriptStrategy) EfficacySpecification() []core.IndicatorSpec { return nil }

func (s *ScriptStrategy) DatasourceMetrics() []string {
	return append([]string(nil), s.metrics...)
}

func (s *ScriptStrategy) PreExecute(ctx context.Context, ex *Execution) error {
	return ex.Model.CheckFresh()
}

// DoExecute calls the script's solution function with the validated
// parameters and a projection of the scoped model. The call runs on its
// own goroutine so a runaway script cannot block the audit past the
// timeout.
func (s *ScriptStrategy) DoExecute(ctx context.Context, ex *Execution) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := s.call(ex)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return core.NewTransientError(
			fmt.Sprintf("strategy script %s timed out after %v", s.name, s.timeout), ctx.Err())
	case out := <-done:
		if out.err != nil {
			return out.err
		}
		return s.collect(ex, out.result)
	}
}

func (s *ScriptStrategy) call(ex *Execution) (interface{}, error) {
	params, err := toStarlarkValue(ex.Parameters)
	if err != nil {
		return nil, err
	}
	nodes, err := toStarlarkValue(nodesView(ex.Model))
	if err != nil {
		return nil, err
	}
	instances, err := toStarlarkValue(instancesView(ex.Model))
	if err != nil {
		return nil, err
	}

	thread := &starlark.Thread{Name: "strategy-script"}
	result, err := starlark.Call(thread, s.fn, starlark.Tuple{params, nodes, instances}, nil)
	if err != nil {
		return nil, fmt.Errorf("strategy script failed: %w", err)
	}
	return fromStarlarkValue(result)
}

// collect reads the actions and efficacy values out of the script result.
func (s *ScriptStrategy) collect(ex *Execution, raw interface{}) error {
	result, ok := raw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("strategy script returned %T, want dict", raw)
	}

	if actions, ok := result["actions"].([]interface{}); ok {
		for _, entry := range actions {
			action, ok := entry.(map[string]interface{})
			if !ok {
				return fmt.Errorf("strategy script action is %T, want dict", entry)
			}
			actionType, _ := action["action_type"].(string)
			if actionType == "" {
				return fmt.Errorf("strategy script action without action_type")
			}
			resourceID, _ := action["resource_id"].(string)
			params, _ := action["input_parameters"].(map[string]interface{})
			ex.Solution.AddAction(actionType, resourceID, params)
		}
	}

	if efficacy, ok := result["efficacy"].(map[string]interface{}); ok {
		for name, value := range efficacy {
			if v, ok := value.(float64); ok {
				ex.Solution.SetEfficacy(name, v)
			}
		}
	}

	return nil
}

func (s *ScriptStrategy) PostExecute(ctx context.Context, ex *Execution) error {
	return nil
}

// nodesView projects the model's compute nodes for script consumption.
func nodesView(m *model.Model) []interface{} {
	nodes := []interface{}{}
	for _, node := range m.ComputeNodes() {
		free, err := m.FreeResources(node.UUID)
		if err != nil {
			continue
		}
		nodes = append(nodes, map[string]interface{}{
			"uuid":      node.UUID,
			"hostname":  node.Hostname,
			"status":    node.Status,
			"state":     node.State,
			"zone":      node.AvailabilityZone,
			"excluded":  node.Excluded,
			"vcpus":     node.Capacity.VCPUs,
			"memory_mb": node.Capacity.MemoryMB,
			"disk_gb":   node.Capacity.DiskGB,
			"free": map[string]interface{}{
				"vcpus":     free.VCPUs,
				"memory_mb": free.MemoryMB,
				"disk_gb":   free.DiskGB,
			},
		})
	}
	return nodes
}

// instancesView projects the model's instances for script consumption.
func instancesView(m *model.Model) []interface{} {
	instances := []interface{}{}
	for _, inst := range m.Instances() {
		host, err := m.HostOf(inst.UUID)
		if err != nil {
			host = ""
		}
		meta := map[string]interface{}{}
		for k, v := range inst.Metadata {
			meta[k] = v
		}
		instances = append(instances, map[string]interface{}{
			"uuid":      inst.UUID,
			"name":      inst.Name,
			"state":     inst.State,
			"excluded":  inst.Excluded,
			"node_uuid": host,
			"vcpus":     inst.Demand.VCPUs,
			"memory_mb": inst.Demand.MemoryMB,
			"disk_gb":   inst.Demand.DiskGB,
			"metadata":  meta,
		})
	}
	return instances
}

// toStarlarkValue converts a Go value for script consumption.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported script input type: %T", v)
	}
}

// fromStarlarkValue converts a script result back to Go values.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer result too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("script dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported script result type: %s", v.Type())
	}
}

// Package strategy defines the optimization strategy contract and the
// runtime that executes strategies against a scoped cluster model,
// collecting their recommended actions into a Solution for the planner.
package strategy

import (
	"context"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/datasource"
	"github.com/fleetwise/fleetwise/pkg/model"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Strategy is the plugin contract every optimization strategy implements.
type Strategy interface {
	// Name uniquely identifies the strategy.
	Name() string

	// DisplayName is the human readable name shown in catalogs.
	DisplayName() string

	// GoalName names the goal the strategy achieves.
	GoalName() string

	// Schema is the CUE schema of the strategy's input parameters,
	// declared under #Parameters.
	Schema() string

	// EfficacySpecification lists the indicators the strategy reports.
	// An empty list means the emitted plans carry no global efficacy.
	EfficacySpecification() []core.IndicatorSpec

	// DatasourceMetrics lists the metrics the strategy reads. The
	// runtime selects the first configured backend serving all of them.
	DatasourceMetrics() []string

	// PreExecute checks preconditions, e.g. model freshness.
	PreExecute(ctx context.Context, ex *Execution) error

	// DoExecute computes the solution.
	DoExecute(ctx context.Context, ex *Execution) error

	// PostExecute finalizes the solution, e.g. computes efficacy values.
	PostExecute(ctx context.Context, ex *Execution) error
}

// Execution carries everything a strategy run needs and collects its
// output. The runtime builds one per audit execution.
type Execution struct {
	// Audit is the audit being executed.
	Audit *core.Audit

	// Parameters are the audit parameters after strict validation, with
	// schema defaults injected.
	Parameters map[string]interface{}

	// Model is the scoped cluster data model. Elements outside the
	// audit's scope carry the Excluded flag.
	Model *model.Model

	// Datasource serves the strategy's declared metrics. Nil when the
	// strategy declares none.
	Datasource datasource.Backend

	// Solution accumulates the strategy's output.
	Solution *Solution

	// Logger is scoped to the audit.
	Logger *telemetry.Logger
}

// ParamFloat reads one numeric parameter.
func (ex *Execution) ParamFloat(name string) float64 {
	v, _ := ex.Parameters[name].(float64)
	return v
}

// ParamString reads one string parameter.
func (ex *Execution) ParamString(name string) string {
	v, _ := ex.Parameters[name].(string)
	return v
}

// SolutionAction is one recommended action before planning.
type SolutionAction struct {
	ActionType      string
	ResourceID      string
	InputParameters map[string]interface{}
}

// Solution is the outcome of one strategy execution: the recommended
// actions in emission order, the efficacy indicator values, and
// optionally the model post-state.
type Solution struct {
	Actions  []SolutionAction
	Efficacy []core.EfficacyValue
	Model    *model.Model
}

// AddAction appends one recommended action.
func (s *Solution) AddAction(actionType, resourceID string, params map[string]interface{}) {
	s.Actions = append(s.Actions, SolutionAction{
		ActionType:      actionType,
		ResourceID:      resourceID,
		InputParameters: params,
	})
}

// SetEfficacy records one indicator value, replacing a prior value of
// the same name.
func (s *Solution) SetEfficacy(name string, value float64) {
	for i := range s.Efficacy {
		if s.Efficacy[i].Name == name {
			s.Efficacy[i].Value = value
			return
		}
	}
	s.Efficacy = append(s.Efficacy, core.EfficacyValue{Name: name, Value: value})
}

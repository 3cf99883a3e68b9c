// Package planner turns a strategy Solution into a persisted action
// plan with its action DAG. The default planner is weight based: action
// types are grouped and ordered by weight, the per-type parent policy
// decides chaining inside a group, and groups are linked so lower
// priority work waits for higher priority work.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/strategy"
)

func init() {
	plugins.MustRegister(plugins.NamespacePlanners, "weight", func(args map[string]interface{}) (interface{}, error) {
		return NewWeightPlanner(DefaultConfig()), nil
	})
}

// Planner is the plugin contract: build the plan entities for one
// solution. Persistence is the plan service's concern.
type Planner interface {
	Build(ctx context.Context, audit *core.Audit, strategyID int64, sol *strategy.Solution, spec []core.IndicatorSpec) (*core.ActionPlan, []*core.Action, []*core.EfficacyIndicator, error)
}

// TypeConfig is the planning policy of one action type.
type TypeConfig struct {
	// Weight orders the type's group; higher weight runs earlier.
	Weight int

	// Chain links actions of the type into a sequence. False lets them
	// run in parallel inside their group.
	Chain bool
}

// Config is the weight planner configuration.
type Config struct {
	// Types maps action type to its planning policy.
	Types map[string]TypeConfig

	// DefaultWeight applies to action types missing from Types.
	DefaultWeight int

	// LinkGroups makes each group depend on the one before it. Without
	// it all groups start in parallel.
	LinkGroups bool
}

// DefaultConfig mirrors the stock weight table.
func DefaultConfig() Config {
	return Config{
		Types: map[string]TypeConfig{
			"change_node_power_state":      {Weight: 90, Chain: true},
			"volume_migrate":               {Weight: 70, Chain: true},
			"nop":                          {Weight: 60, Chain: true},
			"change_compute_service_state": {Weight: 50, Chain: false},
			"sleep":                        {Weight: 40, Chain: true},
			"migrate":                      {Weight: 30, Chain: true},
			"resize":                       {Weight: 20, Chain: true},
		},
		DefaultWeight: 10,
		LinkGroups:    true,
	}
}

// WeightPlanner is the default planner.
type WeightPlanner struct {
	cfg Config
}

// NewWeightPlanner builds a planner over one weight table.
func NewWeightPlanner(cfg Config) *WeightPlanner {
	return &WeightPlanner{cfg: cfg}
}

type group struct {
	actionType string
	weight     int
	chain      bool
	actions    []*core.Action
}

// Build creates the plan, its action DAG, and the efficacy indicators.
// Indicator names must match the goal's efficacy specification.
func (p *WeightPlanner) Build(ctx context.Context, audit *core.Audit, strategyID int64, sol *strategy.Solution, spec []core.IndicatorSpec) (*core.ActionPlan, []*core.Action, []*core.EfficacyIndicator, error) {
	plan := &core.ActionPlan{
		UUID:       uuid.New().String(),
		AuditID:    audit.ID,
		StrategyID: strategyID,
		State:      core.PlanRecommended,
	}

	actions, err := p.buildDAG(plan, sol)
	if err != nil {
		return nil, nil, nil, err
	}

	indicators, globalEfficacy, err := buildIndicators(plan, sol, spec)
	if err != nil {
		return nil, nil, nil, err
	}
	plan.GlobalEfficacy = globalEfficacy

	return plan, actions, indicators, nil
}

// buildDAG groups the solution's actions by type, orders the groups by
// weight descending, and wires parents per policy. Emission order is
// preserved inside each group.
func (p *WeightPlanner) buildDAG(plan *core.ActionPlan, sol *strategy.Solution) ([]*core.Action, error) {
	groups := map[string]*group{}
	order := []string{}

	for _, sa := range sol.Actions {
		params := map[string]interface{}{}
		for k, v := range sa.InputParameters {
			params[k] = v
		}
		if sa.ResourceID != "" {
			params["resource_id"] = sa.ResourceID
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode action parameters: %w", err)
		}

		action := &core.Action{
			UUID:            uuid.New().String(),
			ActionType:      sa.ActionType,
			InputParameters: raw,
			State:           core.ActionPending,
		}

		g, ok := groups[sa.ActionType]
		if !ok {
			tc, declared := p.cfg.Types[sa.ActionType]
			if !declared {
				tc = TypeConfig{Weight: p.cfg.DefaultWeight, Chain: true}
			}
			g = &group{actionType: sa.ActionType, weight: tc.Weight, chain: tc.Chain}
			groups[sa.ActionType] = g
			order = append(order, sa.ActionType)
		}
		g.actions = append(g.actions, action)
	}

	sorted := make([]*group, 0, len(groups))
	for _, name := range order {
		sorted = append(sorted, groups[name])
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].weight > sorted[j].weight })

	actions := []*core.Action{}
	var previous *group
	for _, g := range sorted {
		for i, action := range g.actions {
			if g.chain && i > 0 {
				action.Parents = []string{g.actions[i-1].UUID}
			} else if p.cfg.LinkGroups && previous != nil {
				action.Parents = groupTerminals(previous)
			}
			actions = append(actions, action)
		}
		previous = g
	}

	return actions, nil
}

// groupTerminals returns the UUIDs later groups must wait for: the last
// action of a chained group, every action of a parallel one.
func groupTerminals(g *group) []string {
	if g.chain {
		return []string{g.actions[len(g.actions)-1].UUID}
	}
	terminals := make([]string, 0, len(g.actions))
	for _, action := range g.actions {
		terminals = append(terminals, action.UUID)
	}
	return terminals
}

// buildIndicators joins the solution's efficacy values with the goal's
// indicator specifications.
func buildIndicators(plan *core.ActionPlan, sol *strategy.Solution, spec []core.IndicatorSpec) ([]*core.EfficacyIndicator, []core.EfficacyValue, error) {
	byName := map[string]core.IndicatorSpec{}
	for _, s := range spec {
		byName[s.Name] = s
	}

	indicators := []*core.EfficacyIndicator{}
	values := []core.EfficacyValue{}
	for _, ev := range sol.Efficacy {
		s, ok := byName[ev.Name]
		if !ok {
			return nil, nil, core.NewPermanentError(
				fmt.Sprintf("efficacy indicator %s not declared by the goal", ev.Name), nil).
				WithCode(core.ErrCodeValidation).WithEntity(ev.Name)
		}
		indicators = append(indicators, &core.EfficacyIndicator{
			UUID:        uuid.New().String(),
			Name:        ev.Name,
			Description: s.Description,
			Unit:        s.Unit,
			Value:       ev.Value,
		})
		values = append(values, ev)
	}

	return indicators, values, nil
}

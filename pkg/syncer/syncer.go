// Package syncer reconciles the persisted goal/strategy/scoring-engine
// catalog with what the loaded plugins declare. It runs at startup and
// on demand; re-running against an unchanged catalog writes nothing.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/scoring"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/strategy"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Store is the persistence surface of the reconciler. Satisfied by
// stores.SQLiteStore.
type Store interface {
	ListGoals(ctx context.Context) ([]*core.Goal, error)
	CreateGoal(ctx context.Context, goal *core.Goal) error
	SoftDeleteGoal(ctx context.Context, id int64) error

	ListStrategies(ctx context.Context) ([]*core.Strategy, error)
	CreateStrategy(ctx context.Context, strategy *core.Strategy) error
	SoftDeleteStrategy(ctx context.Context, id int64) error

	ListScoringEngines(ctx context.Context) ([]*core.ScoringEngine, error)
	CreateScoringEngine(ctx context.Context, engine *core.ScoringEngine) error
	SoftDeleteScoringEngine(ctx context.Context, id int64) error

	ListAuditTemplatesByGoal(ctx context.Context, goalID int64) ([]*core.AuditTemplate, error)
	ListAuditTemplatesByStrategy(ctx context.Context, strategyID int64) ([]*core.AuditTemplate, error)
	UpdateAuditTemplateRefs(ctx context.Context, id, goalID int64, strategyID *int64) error

	ListAudits(ctx context.Context, filter stores.AuditFilter) ([]*core.Audit, error)
	UpdateAudit(ctx context.Context, audit *core.Audit) error

	ListActionPlans(ctx context.Context, filter stores.PlanFilter) ([]*core.ActionPlan, error)
	UpdateActionPlanState(ctx context.Context, uuid string, state core.ActionPlanState) error
}

// Result summarizes one reconciliation pass. A pass over an unchanged
// catalog reports zero everywhere.
type Result struct {
	GoalsSynced        int
	StrategiesSynced   int
	EnginesSynced      int
	GoalsRemoved       int
	StrategiesRemoved  int
	EnginesRemoved     int
	AuditsRewritten    int
	TemplatesRewritten int
	PlansCancelled     int
}

// Syncer reconciles the catalog tables against the plugin registry.
type Syncer struct {
	store    Store
	registry *plugins.Registry
	logger   *telemetry.Logger
}

// NewSyncer wires a reconciler over one registry and store.
func NewSyncer(store Store, registry *plugins.Registry, tel *telemetry.Telemetry) *Syncer {
	return &Syncer{
		store:    store,
		registry: registry,
		logger:   tel.Logger.NewComponentLogger("syncer"),
	}
}

// discoveredGoal is one goal as the plugins declare it.
type discoveredGoal struct {
	name        string
	displayName string
	efficacy    []core.IndicatorSpec
}

// discoveredStrategy is one strategy as the plugins declare it.
type discoveredStrategy struct {
	name           string
	displayName    string
	goalName       string
	parametersSpec json.RawMessage
}

// Sync runs one full reconciliation pass.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	result := &Result{}

	goals, strategies, engines, err := s.discover()
	if err != nil {
		return nil, err
	}

	goalMapping, goalIdentityChanged, err := s.syncGoals(ctx, goals, result)
	if err != nil {
		return nil, err
	}
	strategyMapping, strategyIdentityChanged, err := s.syncStrategies(ctx, strategies, goalMapping, result)
	if err != nil {
		return nil, err
	}
	if err := s.syncScoringEngines(ctx, engines, result); err != nil {
		return nil, err
	}

	if err := s.cascadeGoals(ctx, goalMapping, strategyMapping, goalIdentityChanged, result); err != nil {
		return nil, err
	}
	if err := s.cascadeStrategies(ctx, strategyMapping, strategyIdentityChanged, result); err != nil {
		return nil, err
	}
	return result, nil
}

// discover reads the plugin catalog.
func (s *Syncer) discover() ([]discoveredGoal, []discoveredStrategy, []scoring.Engine, error) {
	var goals []discoveredGoal
	for _, name := range s.registry.Names(plugins.NamespaceGoals) {
		instance, err := s.registry.Load(plugins.NamespaceGoals, name, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		goal, ok := instance.(strategy.Goal)
		if !ok {
			return nil, nil, nil, core.NewPermanentError("plugin "+name+" is not a goal", nil).
				WithCode(core.ErrCodeConfiguration)
		}
		goals = append(goals, discoveredGoal{
			name:        goal.Name(),
			displayName: goal.DisplayName(),
			efficacy:    goal.EfficacySpecification(),
		})
	}

	var strategies []discoveredStrategy
	for _, name := range s.registry.Names(plugins.NamespaceStrategies) {
		instance, err := s.registry.Load(plugins.NamespaceStrategies, name, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		strat, ok := instance.(strategy.Strategy)
		if !ok {
			return nil, nil, nil, core.NewPermanentError("plugin "+name+" is not a strategy", nil).
				WithCode(core.ErrCodeConfiguration)
		}
		spec, err := json.Marshal(strat.Schema())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode parameters spec of %s: %w", name, err)
		}
		strategies = append(strategies, discoveredStrategy{
			name:           strat.Name(),
			displayName:    strat.DisplayName(),
			goalName:       strat.GoalName(),
			parametersSpec: spec,
		})
	}

	var engines []scoring.Engine
	for _, name := range s.registry.Names(plugins.NamespaceScoringEngines) {
		instance, err := s.registry.Load(plugins.NamespaceScoringEngines, name, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		engine, ok := instance.(scoring.Engine)
		if !ok {
			continue
		}
		engines = append(engines, engine)
	}
	return goals, strategies, engines, nil
}

// syncGoals reconciles goal rows. It returns old-id to new-id mappings
// for re-created goals, plus the old ids whose change went beyond the
// display name.
func (s *Syncer) syncGoals(ctx context.Context, discovered []discoveredGoal, result *Result) (map[int64]int64, map[int64]bool, error) {
	existing, err := s.store.ListGoals(ctx)
	if err != nil {
		return nil, nil, err
	}
	byName := map[string]*core.Goal{}
	for _, g := range existing {
		byName[g.Name] = g
	}

	mapping := map[int64]int64{}
	identityChanged := map[int64]bool{}
	seen := map[string]bool{}

	for _, d := range discovered {
		seen[d.name] = true
		old, ok := byName[d.name]
		if ok && old.DisplayName == d.displayName && indicatorSpecsEqual(old.Efficacy, d.efficacy) {
			continue
		}

		created := &core.Goal{
			UUID:        uuid.NewString(),
			Name:        d.name,
			DisplayName: d.displayName,
			Efficacy:    d.efficacy,
		}
		if ok {
			if err := s.store.SoftDeleteGoal(ctx, old.ID); err != nil {
				return nil, nil, err
			}
		}
		if err := s.store.CreateGoal(ctx, created); err != nil {
			return nil, nil, err
		}
		result.GoalsSynced++
		if ok {
			mapping[old.ID] = created.ID
			identityChanged[old.ID] = !indicatorSpecsEqual(old.Efficacy, d.efficacy)
			s.logger.WithField("goal", d.name).Info("re-created stale goal row")
		} else {
			s.logger.WithField("goal", d.name).Info("created goal row")
		}
	}

	// Goals removed from the catalog.
	for _, old := range existing {
		if seen[old.Name] {
			continue
		}
		if err := s.store.SoftDeleteGoal(ctx, old.ID); err != nil {
			return nil, nil, err
		}
		result.GoalsRemoved++
		identityChanged[old.ID] = true
		s.logger.WithField("goal", old.Name).Warn("goal removed from the plugin catalog")
	}
	return mapping, identityChanged, nil
}

// syncStrategies reconciles strategy rows against the discovered
// catalog and the fresh goal mapping.
func (s *Syncer) syncStrategies(ctx context.Context, discovered []discoveredStrategy, goalMapping map[int64]int64, result *Result) (map[int64]int64, map[int64]bool, error) {
	existing, err := s.store.ListStrategies(ctx)
	if err != nil {
		return nil, nil, err
	}
	byName := map[string]*core.Strategy{}
	for _, st := range existing {
		byName[st.Name] = st
	}

	goals, err := s.store.ListGoals(ctx)
	if err != nil {
		return nil, nil, err
	}
	goalIDByName := map[string]int64{}
	for _, g := range goals {
		goalIDByName[g.Name] = g.ID
	}

	mapping := map[int64]int64{}
	identityChanged := map[int64]bool{}
	seen := map[string]bool{}

	for _, d := range discovered {
		seen[d.name] = true
		goalID, ok := goalIDByName[d.goalName]
		if !ok {
			s.logger.WithStrategy(d.name, d.goalName).Warn("strategy declares an unknown goal")
			continue
		}

		old, exists := byName[d.name]

		// A goal re-creation moves the FK without changing what the
		// strategy means. Compare against the remapped goal id.
		effectiveGoalID := int64(0)
		if exists {
			effectiveGoalID = old.GoalID
			if remappedGoal, ok := goalMapping[old.GoalID]; ok {
				effectiveGoalID = remappedGoal
			}
		}
		if exists && old.DisplayName == d.displayName && old.GoalID == goalID &&
			rawJSONEqual(old.ParametersSpec, d.parametersSpec) {
			continue
		}

		created := &core.Strategy{
			UUID:           uuid.NewString(),
			Name:           d.name,
			DisplayName:    d.displayName,
			GoalID:         goalID,
			ParametersSpec: d.parametersSpec,
		}
		if exists {
			if err := s.store.SoftDeleteStrategy(ctx, old.ID); err != nil {
				return nil, nil, err
			}
		}
		if err := s.store.CreateStrategy(ctx, created); err != nil {
			return nil, nil, err
		}
		result.StrategiesSynced++
		if exists {
			mapping[old.ID] = created.ID
			identityChanged[old.ID] = effectiveGoalID != goalID || !rawJSONEqual(old.ParametersSpec, d.parametersSpec)
			s.logger.WithStrategy(d.name, d.goalName).Info("re-created stale strategy row")
		} else {
			s.logger.WithStrategy(d.name, d.goalName).Info("created strategy row")
		}
	}

	for _, old := range existing {
		if seen[old.Name] {
			continue
		}
		if err := s.store.SoftDeleteStrategy(ctx, old.ID); err != nil {
			return nil, nil, err
		}
		result.StrategiesRemoved++
		identityChanged[old.ID] = true
		s.logger.WithField("strategy", old.Name).Warn("strategy removed from the plugin catalog")
	}
	return mapping, identityChanged, nil
}

// syncScoringEngines reconciles scoring engine rows, matching on
// description and metainfo.
func (s *Syncer) syncScoringEngines(ctx context.Context, discovered []scoring.Engine, result *Result) error {
	existing, err := s.store.ListScoringEngines(ctx)
	if err != nil {
		return err
	}
	byName := map[string]*core.ScoringEngine{}
	for _, e := range existing {
		byName[e.Name] = e
	}

	seen := map[string]bool{}
	for _, d := range discovered {
		seen[d.Name()] = true
		old, ok := byName[d.Name()]
		if ok && old.Description == d.Description() && old.Metainfo == d.Metainfo() {
			continue
		}
		if ok {
			if err := s.store.SoftDeleteScoringEngine(ctx, old.ID); err != nil {
				return err
			}
		}
		created := &core.ScoringEngine{
			UUID:        uuid.NewString(),
			Name:        d.Name(),
			Description: d.Description(),
			Metainfo:    d.Metainfo(),
		}
		if err := s.store.CreateScoringEngine(ctx, created); err != nil {
			return err
		}
		result.EnginesSynced++
	}

	for _, old := range existing {
		if seen[old.Name] {
			continue
		}
		if err := s.store.SoftDeleteScoringEngine(ctx, old.ID); err != nil {
			return err
		}
		result.EnginesRemoved++
	}
	return nil
}

// cascadeGoals rewrites every template and audit referencing a
// re-created goal. Audits keep their state unless the goal's efficacy
// specification changed or the goal vanished; plans are cancelled only
// on identity changes.
func (s *Syncer) cascadeGoals(ctx context.Context, mapping map[int64]int64, strategyMapping map[int64]int64, identityChanged map[int64]bool, result *Result) error {
	stale := map[int64]bool{}
	for oldID := range mapping {
		stale[oldID] = true
	}
	for oldID := range identityChanged {
		stale[oldID] = true
	}

	for oldID := range stale {
		newID, remapped := mapping[oldID]
		if !remapped {
			// Removed goal. Dependents keep the soft-deleted row's id.
			newID = oldID
		}

		templates, err := s.store.ListAuditTemplatesByGoal(ctx, oldID)
		if err != nil {
			return err
		}
		for _, tpl := range templates {
			strategyID := remapOptional(tpl.StrategyID, strategyMapping)
			if err := s.store.UpdateAuditTemplateRefs(ctx, tpl.ID, newID, strategyID); err != nil {
				return err
			}
			result.TemplatesRewritten++
		}

		audits, err := s.store.ListAudits(ctx, stores.AuditFilter{GoalID: oldID})
		if err != nil {
			return err
		}
		for _, audit := range audits {
			audit.GoalID = newID
			audit.StrategyID = remapOptional(audit.StrategyID, strategyMapping)
			if identityChanged[oldID] && !audit.State.IsTerminal() {
				audit.State = core.AuditCancelled
			}
			if err := s.store.UpdateAudit(ctx, audit); err != nil {
				return err
			}
			result.AuditsRewritten++
			if identityChanged[oldID] {
				if err := s.cancelPlansOfAudit(ctx, audit.ID, result); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// cascadeStrategies rewrites templates and audits referencing a
// re-created or removed strategy. When the strategy vanished, templates
// keep their goal and lose the strategy pin.
func (s *Syncer) cascadeStrategies(ctx context.Context, mapping map[int64]int64, identityChanged map[int64]bool, result *Result) error {
	for oldID := range identityChanged {
		newID, remapped := mapping[oldID]

		templates, err := s.store.ListAuditTemplatesByStrategy(ctx, oldID)
		if err != nil {
			return err
		}
		for _, tpl := range templates {
			var strategyID *int64
			if remapped {
				strategyID = &newID
			}
			if err := s.store.UpdateAuditTemplateRefs(ctx, tpl.ID, tpl.GoalID, strategyID); err != nil {
				return err
			}
			result.TemplatesRewritten++
		}

		audits, err := s.store.ListAudits(ctx, stores.AuditFilter{StrategyID: oldID})
		if err != nil {
			return err
		}
		for _, audit := range audits {
			if remapped {
				audit.StrategyID = &newID
			} else {
				audit.StrategyID = nil
			}
			if identityChanged[oldID] && !audit.State.IsTerminal() {
				audit.State = core.AuditCancelled
			}
			if err := s.store.UpdateAudit(ctx, audit); err != nil {
				return err
			}
			result.AuditsRewritten++
			if identityChanged[oldID] {
				if err := s.cancelPlansOfAudit(ctx, audit.ID, result); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// cancelPlansOfAudit cancels the audit's non-terminal plans.
func (s *Syncer) cancelPlansOfAudit(ctx context.Context, auditID int64, result *Result) error {
	plans, err := s.store.ListActionPlans(ctx, stores.PlanFilter{
		AuditID: auditID,
		States: []core.ActionPlanState{
			core.PlanRecommended, core.PlanPending, core.PlanOngoing, core.PlanCancelling,
		},
	})
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := s.store.UpdateActionPlanState(ctx, plan.UUID, core.PlanCancelled); err != nil {
			return err
		}
		result.PlansCancelled++
	}
	return nil
}

func indicatorSpecsEqual(a, b []core.IndicatorSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Description != b[i].Description || a[i].Unit != b[i].Unit {
			return false
		}
		if !rawJSONEqual(a[i].Schema, b[i].Schema) {
			return false
		}
	}
	return true
}

func rawJSONEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}

func remapOptional(id *int64, mapping map[int64]int64) *int64 {
	if id == nil {
		return nil
	}
	if newID, ok := mapping[*id]; ok {
		v := newID
		return &v
	}
	v := *id
	return &v
}

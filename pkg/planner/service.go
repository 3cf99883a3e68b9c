package planner

import (
	"context"
	"fmt"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/strategy"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Store persists one plan with its actions and indicators atomically.
// The store moves any prior non-terminal plan of the audit to
// SUPERSEDED inside the same transaction. Satisfied by stores.SQLiteStore.
type Store interface {
	CreateActionPlan(ctx context.Context, plan *core.ActionPlan, actions []*core.Action, indicators []*core.EfficacyIndicator) error
}

// Service loads the configured planner plugin and persists its output.
type Service struct {
	planner  Planner
	store    Store
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	notifier *telemetry.Notifier
}

// NewService builds the plan service over one planner plugin.
func NewService(registry *plugins.Registry, plannerName string, store Store, tel *telemetry.Telemetry) (*Service, error) {
	instance, err := registry.Load(plugins.NamespacePlanners, plannerName, nil)
	if err != nil {
		return nil, err
	}
	planner, ok := instance.(Planner)
	if !ok {
		return nil, fmt.Errorf("plugin %s is not a planner", plannerName)
	}

	return &Service{
		planner:  planner,
		store:    store,
		logger:   tel.Logger.NewComponentLogger("planner"),
		metrics:  tel.Metrics,
		notifier: tel.Notifier,
	}, nil
}

// CreatePlan builds and persists the plan for one solution, returning
// the plan in state RECOMMENDED with its actions.
func (s *Service) CreatePlan(ctx context.Context, audit *core.Audit, strategyID int64, strategyName string, sol *strategy.Solution, spec []core.IndicatorSpec) (*core.ActionPlan, []*core.Action, error) {
	plan, actions, indicators, err := s.planner.Build(ctx, audit, strategyID, sol, spec)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.CreateActionPlan(ctx, plan, actions, indicators); err != nil {
		return nil, nil, fmt.Errorf("failed to persist action plan: %w", err)
	}

	s.metrics.RecordPlanCreated(strategyName)
	s.notifier.NotifyPlan("create", core.PhaseEnd, core.PriorityInfo, telemetry.PlanPayload{
		UUID:      plan.UUID,
		AuditUUID: audit.UUID,
		State:     string(plan.State),
	})
	s.logger.WithPlanID(plan.UUID).WithAuditID(audit.UUID).
		WithField("actions", len(actions)).Info("action plan created")

	return plan, actions, nil
}

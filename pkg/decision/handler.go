package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/planner"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/strategy"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Store is the persistence surface of the decision engine. Satisfied by
// stores.SQLiteStore.
type Store interface {
	GetAuditByUUID(ctx context.Context, uuid string) (*core.Audit, error)
	ListAudits(ctx context.Context, filter stores.AuditFilter) ([]*core.Audit, error)
	UpdateAuditState(ctx context.Context, uuid string, state core.AuditState) error
	UpdateAuditNextRunTime(ctx context.Context, uuid string, next time.Time) error
	ClaimAudit(ctx context.Context, id int64, hostname string) (bool, error)

	GetGoal(ctx context.Context, id int64) (*core.Goal, error)
	GetStrategy(ctx context.Context, id int64) (*core.Strategy, error)
	ListStrategiesByGoal(ctx context.Context, goalID int64) ([]*core.Strategy, error)

	ListActionPlans(ctx context.Context, filter stores.PlanFilter) ([]*core.ActionPlan, error)
	UpdateActionPlanState(ctx context.Context, uuid string, state core.ActionPlanState) error
}

// Handler runs one audit end to end: strategy execution, plan creation,
// and the audit's own state transitions.
type Handler struct {
	store  Store
	runner *strategy.Runner
	plans  *planner.Service

	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	notifier *telemetry.Notifier
}

// NewHandler wires an audit handler.
func NewHandler(store Store, runner *strategy.Runner, plans *planner.Service, tel *telemetry.Telemetry) *Handler {
	return &Handler{
		store:    store,
		runner:   runner,
		plans:    plans,
		logger:   tel.Logger.NewComponentLogger("decision"),
		metrics:  tel.Metrics,
		notifier: tel.Notifier,
	}
}

// HandleAudit executes one audit tick. Audits past their end_time are
// closed SUCCEEDED; audits before their start_time are skipped.
func (h *Handler) HandleAudit(ctx context.Context, audit *core.Audit) error {
	now := time.Now().UTC()
	logger := h.logger.WithAuditID(audit.UUID)

	if audit.EndTime != nil && now.After(*audit.EndTime) {
		logger.Info("audit reached its end time")
		return h.finish(ctx, audit, core.AuditSucceeded, nil)
	}
	if audit.StartTime != nil && now.Before(*audit.StartTime) {
		logger.Debug("audit start time not reached, skipping tick")
		return nil
	}

	strategyRow, err := h.resolveStrategy(ctx, audit)
	if err != nil {
		return h.finish(ctx, audit, core.AuditFailed, err)
	}
	goal, err := h.store.GetGoal(ctx, audit.GoalID)
	if err != nil {
		return h.finish(ctx, audit, core.AuditFailed, err)
	}
	strat, err := h.runner.LoadStrategy(strategyRow.Name)
	if err != nil {
		return h.finish(ctx, audit, core.AuditFailed, err)
	}

	if err := h.store.UpdateAuditState(ctx, audit.UUID, core.AuditOngoing); err != nil {
		return err
	}
	audit.State = core.AuditOngoing
	h.notifyAudit(audit, goal, core.PhaseStart, core.PriorityInfo)
	h.metrics.RecordAuditLaunched(string(audit.AuditType), strategyRow.Name)
	timer := telemetry.NewTimer()

	sol, err := h.runner.Execute(ctx, strat, audit)
	if err != nil {
		h.metrics.RecordAuditCompleted(string(audit.AuditType), strategyRow.Name, string(core.AuditFailed), timer.Duration())
		return h.finish(ctx, audit, core.AuditFailed, err)
	}

	if audit.AuditType == core.AuditTypeContinuous {
		// Continuous runs retire any still-recommended plan of earlier
		// ticks before emitting the new one.
		if err := h.cancelRecommendedPlans(ctx, audit.ID); err != nil {
			logger.WithError(err).Warn("failed to cancel prior recommended plans")
		}
	}

	plan, actions, err := h.plans.CreatePlan(ctx, audit, strategyRow.ID, strategyRow.Name, sol, goal.Efficacy)
	if err != nil {
		h.metrics.RecordAuditCompleted(string(audit.AuditType), strategyRow.Name, string(core.AuditFailed), timer.Duration())
		return h.finish(ctx, audit, core.AuditFailed, err)
	}

	final := core.AuditSucceeded
	if audit.AuditType == core.AuditTypeContinuous {
		// Continuous audits oscillate PENDING and ONGOING.
		final = core.AuditPending
	}
	h.metrics.RecordAuditCompleted(string(audit.AuditType), strategyRow.Name, string(core.AuditSucceeded), timer.Duration())
	logger.WithPlanID(plan.UUID).WithField("actions", len(actions)).Info("audit executed")
	return h.finish(ctx, audit, final, nil)
}

// finish persists the audit's resulting state and emits the matching
// lifecycle notification.
func (h *Handler) finish(ctx context.Context, audit *core.Audit, state core.AuditState, cause error) error {
	if err := h.store.UpdateAuditState(ctx, audit.UUID, state); err != nil {
		return err
	}
	audit.State = state

	switch state {
	case core.AuditFailed:
		h.logger.WithAuditID(audit.UUID).WithError(cause).Error("audit failed")
		h.notifyAudit(audit, nil, core.PhaseError, core.PriorityError)
	default:
		h.notifyAudit(audit, nil, core.PhaseEnd, core.PriorityInfo)
	}

	if cause != nil {
		return fmt.Errorf("audit %s failed: %w", audit.UUID, cause)
	}
	return nil
}

// resolveStrategy returns the audit's strategy row, defaulting to the
// goal's first strategy when the audit does not pin one.
func (h *Handler) resolveStrategy(ctx context.Context, audit *core.Audit) (*core.Strategy, error) {
	if audit.StrategyID != nil {
		return h.store.GetStrategy(ctx, *audit.StrategyID)
	}

	candidates, err := h.store.ListStrategiesByGoal(ctx, audit.GoalID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, core.NewPermanentError(
			fmt.Sprintf("no strategy available for goal %d", audit.GoalID), nil).
			WithCode(core.ErrCodeConfiguration)
	}
	return candidates[0], nil
}

// cancelRecommendedPlans moves every RECOMMENDED plan of the audit to
// CANCELLED.
func (h *Handler) cancelRecommendedPlans(ctx context.Context, auditID int64) error {
	plans, err := h.store.ListActionPlans(ctx, stores.PlanFilter{
		AuditID: auditID,
		States:  []core.ActionPlanState{core.PlanRecommended},
	})
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := h.store.UpdateActionPlanState(ctx, plan.UUID, core.PlanCancelled); err != nil {
			return err
		}
		h.notifier.NotifyPlan("cancel", core.PhaseEnd, core.PriorityInfo, telemetry.PlanPayload{
			UUID:  plan.UUID,
			State: string(core.PlanCancelled),
		})
	}
	return nil
}

func (h *Handler) notifyAudit(audit *core.Audit, goal *core.Goal, phase core.Phase, priority core.Priority) {
	payload := telemetry.AuditPayload{
		UUID:      audit.UUID,
		Name:      audit.Name,
		AuditType: string(audit.AuditType),
		State:     string(audit.State),
		Hostname:  audit.Hostname,
	}
	if goal != nil {
		payload.GoalUUID = goal.UUID
	}
	h.notifier.NotifyAudit("execution", phase, priority, payload)
}

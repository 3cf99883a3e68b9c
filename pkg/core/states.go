package core

import "fmt"

// AuditType distinguishes how an audit is triggered.
type AuditType string

const (
	// AuditTypeOneshot runs exactly once when triggered.
	AuditTypeOneshot AuditType = "ONESHOT"

	// AuditTypeContinuous re-runs on a persisted interval or cron schedule.
	AuditTypeContinuous AuditType = "CONTINUOUS"

	// AuditTypeEvent runs once per external trigger message.
	AuditTypeEvent AuditType = "EVENT"
)

// Validate checks that the audit type is one of the known values.
func (t AuditType) Validate() error {
	switch t {
	case AuditTypeOneshot, AuditTypeContinuous, AuditTypeEvent:
		return nil
	default:
		return fmt.Errorf("invalid audit type: %s", t)
	}
}

// AuditState is the lifecycle state of an audit.
type AuditState string

const (
	AuditPending   AuditState = "PENDING"
	AuditOngoing   AuditState = "ONGOING"
	AuditSucceeded AuditState = "SUCCEEDED"
	AuditFailed    AuditState = "FAILED"
	AuditCancelled AuditState = "CANCELLED"
	AuditSuspended AuditState = "SUSPENDED"
)

// IsTerminal reports whether the state ends the audit lifecycle. A
// continuous audit oscillates between PENDING and ONGOING and only reaches
// a terminal state through expiry or cancellation.
func (s AuditState) IsTerminal() bool {
	return s == AuditSucceeded || s == AuditFailed || s == AuditCancelled
}

// IsActive reports whether the audit is eligible for scheduling.
func (s AuditState) IsActive() bool {
	return s == AuditPending || s == AuditOngoing
}

// ActionPlanState is the lifecycle state of an action plan.
type ActionPlanState string

const (
	PlanRecommended ActionPlanState = "RECOMMENDED"
	PlanPending     ActionPlanState = "PENDING"
	PlanOngoing     ActionPlanState = "ONGOING"
	PlanSucceeded   ActionPlanState = "SUCCEEDED"
	PlanFailed      ActionPlanState = "FAILED"
	PlanCancelling  ActionPlanState = "CANCELLING"
	PlanCancelled   ActionPlanState = "CANCELLED"
	PlanSuperseded  ActionPlanState = "SUPERSEDED"
	PlanDeleted     ActionPlanState = "DELETED"
)

// IsTerminal reports whether the plan can no longer change state.
func (s ActionPlanState) IsTerminal() bool {
	switch s {
	case PlanSucceeded, PlanFailed, PlanCancelled, PlanSuperseded, PlanDeleted:
		return true
	}
	return false
}

// IsCancelRequested reports whether a cancellation has been requested or
// completed. The workflow engine polls this between and during actions.
func (s ActionPlanState) IsCancelRequested() bool {
	return s == PlanCancelling || s == PlanCancelled
}

// ActionState is the lifecycle state of a single action.
type ActionState string

const (
	ActionPending    ActionState = "PENDING"
	ActionOngoing    ActionState = "ONGOING"
	ActionSucceeded  ActionState = "SUCCEEDED"
	ActionFailed     ActionState = "FAILED"
	ActionCancelling ActionState = "CANCELLING"
	ActionCancelled  ActionState = "CANCELLED"
	ActionSkipped    ActionState = "SKIPPED"
	ActionDeleted    ActionState = "DELETED"
)

// IsTerminal reports whether the action has finished. A child action never
// starts before every parent is terminal.
func (s ActionState) IsTerminal() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionCancelled, ActionSkipped, ActionDeleted:
		return true
	}
	return false
}

// actionOrder encodes the partial order of action states. Transitions must
// never decrease the order value.
var actionOrder = map[ActionState]int{
	ActionPending:    0,
	ActionOngoing:    1,
	ActionCancelling: 2,
	ActionSucceeded:  3,
	ActionFailed:     3,
	ActionCancelled:  3,
	ActionSkipped:    3,
	ActionDeleted:    4,
}

// CanTransition reports whether moving from s to next respects the
// forward-only action lifecycle.
func (s ActionState) CanTransition(next ActionState) bool {
	from, ok := actionOrder[s]
	if !ok {
		return false
	}
	to, ok := actionOrder[next]
	if !ok {
		return false
	}
	return to > from || (to == from && s == next)
}

// ServiceStatus is the computed liveness of a worker process.
type ServiceStatus string

const (
	// ServiceActive means the service's heartbeat is fresh.
	ServiceActive ServiceStatus = "ACTIVE"

	// ServiceFailed means the heartbeat aged past the configured
	// service_down_time.
	ServiceFailed ServiceStatus = "FAILED"
)

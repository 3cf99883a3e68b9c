package core

import (
	"encoding/json"
	"time"
)

// SoftDeletable carries the audit columns shared by every persisted entity.
// Soft-deleted rows are invisible to every reader except the sync
// reconciler and the purge tool.
type SoftDeletable struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IndicatorSpec describes one efficacy indicator a goal expects its
// strategies to report.
type IndicatorSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Goal is a named optimization objective. Goals are declared by plugins and
// written to the store only by the sync reconciler.
type Goal struct {
	ID          int64           `json:"id"`
	UUID        string          `json:"uuid"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Efficacy    []IndicatorSpec `json:"efficacy_specification"`
	SoftDeletable
}

// Strategy is a persisted strategy row. Like goals, the row lifecycle is
// owned by the sync reconciler; the algorithm itself lives in the plugin.
type Strategy struct {
	ID             int64           `json:"id"`
	UUID           string          `json:"uuid"`
	Name           string          `json:"name"`
	DisplayName    string          `json:"display_name"`
	GoalID         int64           `json:"goal_id"`
	ParametersSpec json.RawMessage `json:"parameters_spec,omitempty"`
	SoftDeletable
}

// ScoringEngine is a persisted scoring engine row.
type ScoringEngine struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Metainfo    string `json:"metainfo"`
	SoftDeletable
}

// AuditTemplate is a reusable binding of goal + optional strategy + scope.
// Templates are user-authored; the sync reconciler only rewrites their
// foreign keys when goals or strategies are resynced.
type AuditTemplate struct {
	ID          int64         `json:"id"`
	UUID        string        `json:"uuid"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	GoalID      int64         `json:"goal_id"`
	StrategyID  *int64        `json:"strategy_id,omitempty"`
	Scope       []ScopeClause `json:"scope,omitempty"`
	SoftDeletable
}

// Audit is a declarative request to evaluate the cluster against a goal
// using a strategy.
type Audit struct {
	ID          int64           `json:"id"`
	UUID        string          `json:"uuid"`
	Name        string          `json:"name"`
	AuditType   AuditType       `json:"audit_type"`
	State       AuditState      `json:"state"`
	GoalID      int64           `json:"goal_id"`
	StrategyID  *int64          `json:"strategy_id,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Scope       []ScopeClause   `json:"scope,omitempty"`
	AutoTrigger bool            `json:"auto_trigger"`

	// Interval is either integer seconds or a 5-field cron expression.
	// Empty for ONESHOT and EVENT audits.
	Interval string `json:"interval,omitempty"`

	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`

	// Hostname is the decision-engine worker currently responsible for
	// scheduling this audit. Reassigned by the service monitor on
	// fail-over; the assignment is the ground truth for who runs it.
	Hostname string `json:"hostname,omitempty"`

	SoftDeletable
}

// EfficacyValue is one reported indicator value of a plan.
type EfficacyValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ActionPlan is an ordered, approvable, executable set of actions produced
// by the planner from a strategy solution.
type ActionPlan struct {
	ID             int64           `json:"id"`
	UUID           string          `json:"uuid"`
	AuditID        int64           `json:"audit_id"`
	StrategyID     int64           `json:"strategy_id"`
	State          ActionPlanState `json:"state"`
	GlobalEfficacy []EfficacyValue `json:"global_efficacy,omitempty"`

	// Hostname is the applier worker executing the plan, set when the
	// plan is launched.
	Hostname string `json:"hostname,omitempty"`

	SoftDeletable
}

// Action is one step of an action plan. Parents reference actions of the
// same plan; the set of edges forms a DAG.
type Action struct {
	ID              int64           `json:"id"`
	UUID            string          `json:"uuid"`
	ActionPlanID    int64           `json:"action_plan_id"`
	ActionType      string          `json:"action_type"`
	InputParameters json.RawMessage `json:"input_parameters,omitempty"`
	State           ActionState     `json:"state"`
	Parents         []string        `json:"parents,omitempty"`
	StatusMessage   string          `json:"status_message,omitempty"`
	SoftDeletable
}

// EfficacyIndicator is a persisted indicator row written by the planner at
// plan emission time.
type EfficacyIndicator struct {
	ID           int64   `json:"id"`
	UUID         string  `json:"uuid"`
	ActionPlanID int64   `json:"action_plan_id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Unit         string  `json:"unit"`
	Value        float64 `json:"value"`
	SoftDeletable
}

// Service is the heartbeat row of one running worker process.
type Service struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	LastSeenUp time.Time `json:"last_seen_up"`
	SoftDeletable
}

// Status computes the liveness of the service given the configured
// service_down_time.
func (s *Service) Status(now time.Time, downTime time.Duration) ServiceStatus {
	if now.Sub(s.LastSeenUp) <= downTime {
		return ServiceActive
	}
	return ServiceFailed
}

// Well-known service names.
const (
	ServiceDecisionEngine = "fleetwise-decision-engine"
	ServiceApplier        = "fleetwise-applier"
)

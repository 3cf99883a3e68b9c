package policy

import (
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Severity ranks a violation. Error and critical violations veto the
// plan; info and warning are advisory.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity vetoes the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one admission rule with its Rego source.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source. Deny rules live under the module's
	// package as `deny contains violation`.
	Rego string `json:"rego"`

	// Severity is the default for violations that carry none.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation; disabled policies stay loaded.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for
	// built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy     string   `json:"policy"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	ActionUUID string   `json:"action_uuid,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one
// plan.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking deny results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are advisory deny results that do not veto the plan.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document handed to every policy evaluation.
type Input struct {
	Plan    *PlanInput `json:"plan"`
	Context *Context   `json:"context"`
}

// PlanInput is the plan as policies see it.
type PlanInput struct {
	UUID           string               `json:"uuid"`
	AuditID        int64                `json:"audit_id"`
	State          string               `json:"state"`
	Hostname       string               `json:"hostname,omitempty"`
	GlobalEfficacy []core.EfficacyValue `json:"global_efficacy,omitempty"`
	Actions        []ActionInput        `json:"actions"`
}

// ActionInput is one plan action as policies see it.
type ActionInput struct {
	UUID       string                 `json:"uuid"`
	ActionType string                 `json:"action_type"`
	Parameters map[string]interface{} `json:"parameters"`
	Parents    []string               `json:"parents"`
}

// Context carries evaluation metadata.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Host      string    `json:"host,omitempty"`
}

package policy

// BuiltinPolicies returns the admission rules every worker ships with.
func BuiltinPolicies() []Policy {
	return []Policy{
		migrationPressurePolicy(),
		powerOrderingPolicy(),
		emptyPlanPolicy(),
	}
}

// migrationPressurePolicy vetoes plans that would migrate so many
// workloads at once that the control plane cannot keep up.
func migrationPressurePolicy() Policy {
	return Policy{
		Name:        "migration-pressure",
		Description: "Caps the number of live migrations a single plan may carry",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package fleetwise.policies.migration_pressure

import rego.v1

max_migrations := 25

deny contains violation if {
	migrations := [a | some a in input.plan.actions; a.action_type == "migrate"]
	count(migrations) > max_migrations
	violation := {
		"message": sprintf("plan carries %d migrations, limit is %d", [count(migrations), max_migrations]),
		"severity": "error",
	}
}
`,
	}
}

// powerOrderingPolicy requires that a node power-off runs after at least
// one parent action, normally the migrations draining it.
func powerOrderingPolicy() Policy {
	return Policy{
		Name:        "power-ordering",
		Description: "A node power-off must depend on the actions that drain the node",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package fleetwise.policies.power_ordering

import rego.v1

deny contains violation if {
	some a in input.plan.actions
	a.action_type == "change_node_power_state"
	lower(object.get(a.parameters, "state", "")) == "off"
	count(a.parents) == 0
	violation := {
		"message": sprintf("action %s powers off a node without waiting for any parent", [a.uuid]),
		"severity": "error",
		"action": a.uuid,
	}
}
`,
	}
}

// emptyPlanPolicy flags plans with no actions. Advisory only: launching
// an empty plan is pointless but harmless.
func emptyPlanPolicy() Policy {
	return Policy{
		Name:        "empty-plan",
		Description: "Flags plans that carry no actions",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package fleetwise.policies.empty_plan

import rego.v1

deny contains violation if {
	count(input.plan.actions) == 0
	violation := {
		"message": "plan carries no actions",
		"severity": "warning",
	}
}
`,
	}
}

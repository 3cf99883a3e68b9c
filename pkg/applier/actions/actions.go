// Package actions defines the action plugin contract and the builtin
// action types. Actions are loaded by type through the plugin registry;
// the workflow engine drives their lifecycle.
package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetwise/fleetwise/pkg/plugins"
)

// ErrSkipRequested is the sentinel an action's PreCondition returns to
// request a skip instead of a failure. The engine turns it into state
// SKIPPED and keeps running the action's children.
var ErrSkipRequested = errors.New("Skipped in pre_condition")

// Params are the action's validated input parameters.
type Params map[string]interface{}

// String reads one string parameter.
func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

// Float reads one numeric parameter.
func (p Params) Float(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Bool reads one boolean parameter.
func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

// Action is the plugin contract every action type implements.
type Action interface {
	// ActionType names the action in plans and in the registry.
	ActionType() string

	// Schema is the CUE schema of the action's input parameters,
	// declared under #Parameters.
	Schema() string

	// PreCondition checks the action can run. Returning ErrSkipRequested
	// asks for state SKIPPED; any other error fails the action.
	PreCondition(ctx context.Context, p Params) error

	// Execute performs the side effect. Idempotent where possible.
	Execute(ctx context.Context, p Params) error

	// PostCondition verifies the side effect took hold.
	PostCondition(ctx context.Context, p Params) error

	// Revert compensates a completed or partially completed Execute.
	Revert(ctx context.Context, p Params) error

	// SupportsAbort reports whether Execute honors context cancellation.
	// Non-abortable actions run to completion even when the plan is
	// cancelled; their result is discarded.
	SupportsAbort() bool
}

// Load builds one action instance by type. Factory args flow through to
// the plugin; CloudClientArg carries the provider adapter.
func Load(registry *plugins.Registry, actionType string, args map[string]interface{}) (Action, error) {
	instance, err := registry.Load(plugins.NamespaceActions, actionType, args)
	if err != nil {
		return nil, err
	}
	action, ok := instance.(Action)
	if !ok {
		return nil, fmt.Errorf("plugin %s is not an action", actionType)
	}
	return action, nil
}

// skipIfRequested implements the shared skip_pre_condition escape hatch
// every builtin honors.
func skipIfRequested(p Params) error {
	if p.Bool("skip_pre_condition") {
		return ErrSkipRequested
	}
	return nil
}

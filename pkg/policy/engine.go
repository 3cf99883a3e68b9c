// Package policy implements Rego-based plan admission. Every enabled
// policy is evaluated against a plan before the workflow engine may
// launch it; blocking violations veto the launch.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Engine evaluates admission policies against action plans.
type Engine struct {
	logger *telemetry.Logger

	mu       sync.RWMutex
	policies map[string]*compiledPolicy
}

// compiledPolicy is one policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine preloaded with the built-in policies.
func NewEngine(tel *telemetry.Telemetry) (*Engine, error) {
	e := &Engine{
		logger:   tel.Logger.NewComponentLogger("policy"),
		policies: map[string]*compiledPolicy{},
	}
	for _, p := range BuiltinPolicies() {
		if err := e.compileAndStore(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// EvaluatePlan runs every enabled policy against one plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *core.ActionPlan, list []*core.Action) (*Result, error) {
	start := time.Now()
	input := buildInput(plan, list)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		violations, err := e.evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.WithPlanID(plan.UUID).
		WithFields(map[string]interface{}{
			"allowed":    result.Allowed,
			"violations": len(result.Violations),
			"warnings":   len(result.Warnings),
		}).Debug("plan admission evaluated")
	return result, nil
}

// Admit vetoes the plan when any blocking violation is found. Warnings
// are logged and let the plan through.
func (e *Engine) Admit(ctx context.Context, plan *core.ActionPlan, list []*core.Action) error {
	result, err := e.EvaluatePlan(ctx, plan, list)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		e.logger.WithPlanID(plan.UUID).WithField("policy", w.Policy).Warn(w.Message)
	}
	if result.Allowed {
		return nil
	}
	first := result.Violations[0]
	return core.NewPermanentError(
		fmt.Sprintf("action plan rejected by policy %s: %s", first.Policy, first.Message), nil).
		WithCode(core.ErrCodeValidation).WithEntity(plan.UUID)
}

// evaluate runs one prepared deny query.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// makeViolation decodes one deny result. Policies may emit a plain
// string or an object with message, severity, and action fields.
func makeViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch d := result.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if action, ok := d["action"].(string); ok {
			v.ActionUUID = action
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// buildInput converts a plan and its actions into the policy input
// document.
func buildInput(plan *core.ActionPlan, list []*core.Action) *Input {
	actions := make([]ActionInput, 0, len(list))
	for _, a := range list {
		params := map[string]interface{}{}
		if len(a.InputParameters) > 0 {
			// Undecodable parameters reach policies as an empty map;
			// the schema validator rejects them before execution anyway.
			_ = json.Unmarshal(a.InputParameters, &params)
		}
		actions = append(actions, ActionInput{
			UUID:       a.UUID,
			ActionType: a.ActionType,
			Parameters: params,
			Parents:    append([]string(nil), a.Parents...),
		})
	}
	return &Input{
		Plan: &PlanInput{
			UUID:           plan.UUID,
			AuditID:        plan.AuditID,
			State:          string(plan.State),
			Hostname:       plan.Hostname,
			GlobalEfficacy: plan.GlobalEfficacy,
			Actions:        actions,
		},
		Context: &Context{
			Timestamp: time.Now().UTC(),
			Operation: "launch",
		},
	}
}

// SetPolicies replaces every non-built-in policy, used by the reload
// path of the loader watch.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := map[string]*compiledPolicy{}
	for name, cp := range e.policies {
		if cp.policy.Source == "" {
			kept[name] = cp
		}
	}
	e.policies = kept

	for i := range policies {
		if err := e.compileAndStoreLocked(ctx, policies[i]); err != nil {
			return err
		}
	}
	e.logger.WithField("count", len(policies)).Info("admission policies replaced")
	return nil
}

// LoadPolicies loads and compiles policy files from the given paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStoreLocked(ctx, policies[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) compileAndStore(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStoreLocked(ctx, p)
}

func (e *Engine) compileAndStoreLocked(ctx context.Context, p Policy) error {
	if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
		return core.NewPermanentError("failed to parse policy "+p.Name, err).
			WithCode(core.ErrCodeConfiguration)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName(p.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return core.NewPermanentError("failed to prepare policy "+p.Name, err).
			WithCode(core.ErrCodeConfiguration)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   &p,
		query:    query,
		compiled: time.Now(),
	}
	e.logger.WithField("policy", p.Name).Debug("policy compiled")
	return nil
}

// packageName extracts the module package from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.Fields(trimmed)[1]
		}
	}
	return "fleetwise.policies"
}

// GetPolicy returns one loaded policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, core.NewPermanentError("policy not found: "+name, nil).
			WithCode(core.ErrCodeNotFound)
	}
	return cp.policy, nil
}

// ListPolicies returns every loaded policy.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy turns one policy on.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy turns one policy off without unloading it.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return core.NewPermanentError("policy not found: "+name, nil).
			WithCode(core.ErrCodeNotFound)
	}
	cp.policy.Enabled = enabled
	return nil
}

// Package applier implements the workflow engine: it executes an
// action plan's DAG with a bounded worker pool, drives every action
// through its lifecycle, and honors cooperative cancellation polled
// from the plan's persisted state.
package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwise/fleetwise/pkg/applier/actions"
	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/schema"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Decider governs whether a child runs given its parents' outcomes.
type Decider string

const (
	// DeciderAlways runs every child unconditionally.
	DeciderAlways Decider = "ALWAYS"

	// DeciderAny runs a child only when at least one parent failed.
	DeciderAny Decider = "ANY"
)

// Store is the persistence surface the engine needs. Satisfied by
// stores.SQLiteStore.
type Store interface {
	GetActionPlanByUUID(ctx context.Context, uuid string) (*core.ActionPlan, error)
	UpdateActionPlanState(ctx context.Context, uuid string, state core.ActionPlanState) error
	ListActionsByPlan(ctx context.Context, planID int64) ([]*core.Action, error)
	GetActionByUUID(ctx context.Context, uuid string) (*core.Action, error)
	UpdateActionState(ctx context.Context, uuid string, state core.ActionState, statusMessage string) error
}

// Config tunes the engine.
type Config struct {
	// MaxWorkers bounds concurrent action execution.
	MaxWorkers int

	// Decider is the plan-wide child admission rule.
	Decider Decider

	// PollInterval is the cadence of the persisted-state poll during
	// action execution.
	PollInterval time.Duration
}

// DefaultConfig returns the stock engine tuning.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:   10,
		Decider:      DeciderAlways,
		PollInterval: time.Second,
	}
}

// Admitter vetoes a plan before launch. Satisfied by policy.Engine.
type Admitter interface {
	Admit(ctx context.Context, plan *core.ActionPlan, list []*core.Action) error
}

// Engine executes action plans.
type Engine struct {
	store     Store
	registry  *plugins.Registry
	validator *schema.Validator
	admitter  Admitter
	cloud     actions.CloudClient
	cfg       Config

	logger   *telemetry.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	notifier *telemetry.Notifier
}

// NewEngine wires a workflow engine.
func NewEngine(registry *plugins.Registry, store Store, cfg Config, tel *telemetry.Telemetry) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.Decider == "" {
		cfg.Decider = DeciderAlways
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Engine{
		store:     store,
		registry:  registry,
		validator: schema.NewValidator(),
		cfg:       cfg,
		logger:    tel.Logger.NewComponentLogger("applier"),
		tracer:    tel.Tracer,
		metrics:   tel.Metrics,
		notifier:  tel.Notifier,
	}
}

// SetAdmitter installs a plan admission check, run after the plan's
// actions are loaded and before anything transitions.
func (e *Engine) SetAdmitter(admitter Admitter) {
	e.admitter = admitter
}

// SetCloudClient installs the provider adapter handed to cloud-facing
// actions through their factory args. Without one the builtin actions
// fall back to their no-op client.
func (e *Engine) SetCloudClient(c actions.CloudClient) {
	e.cloud = c
}

// actionArgs builds the factory args every action load receives.
func (e *Engine) actionArgs() map[string]interface{} {
	if e.cloud == nil {
		return nil
	}
	return map[string]interface{}{actions.CloudClientArg: e.cloud}
}

// node is one action with its resolved dependency edges.
type node struct {
	action   *core.Action
	planUUID string
	parents  []*node
	done     chan struct{}
	state    core.ActionState
}

// run is the execution state of one plan.
type run struct {
	plan      *core.ActionPlan
	nodes     map[string]*node
	cancelled atomic.Bool
	sem       chan struct{}
}

// LaunchActionPlan executes one plan to a terminal state. The plan
// must be PENDING (operator approved) when launched.
func (e *Engine) LaunchActionPlan(ctx context.Context, planUUID string) error {
	ctx, span := e.tracer.StartPlanSpan(ctx, planUUID)
	defer span.End()

	plan, err := e.store.GetActionPlanByUUID(ctx, planUUID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if plan.State != core.PlanPending {
		err := core.NewPermanentError(
			fmt.Sprintf("action plan %s is %s, not PENDING", planUUID, plan.State), nil).
			WithCode(core.ErrCodeValidation).WithEntity(planUUID)
		telemetry.RecordError(span, err)
		return err
	}

	list, err := e.store.ListActionsByPlan(ctx, plan.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if e.admitter != nil {
		if err := e.admitter.Admit(ctx, plan, list); err != nil {
			telemetry.RecordError(span, err)
			e.logger.WithPlanID(planUUID).WithError(err).Warn("action plan vetoed by admission policy")
			return err
		}
	}
	r, err := buildRun(plan, list, e.cfg.MaxWorkers)
	if err != nil {
		// A malformed graph can never execute; park the plan FAILED so
		// fail-over does not relaunch it.
		if serr := e.store.UpdateActionPlanState(ctx, planUUID, core.PlanFailed); serr != nil {
			e.logger.WithPlanID(planUUID).WithError(serr).Warn("failed to fail malformed plan")
		}
		telemetry.RecordError(span, err)
		return err
	}

	if err := e.store.UpdateActionPlanState(ctx, planUUID, core.PlanOngoing); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	plan.State = core.PlanOngoing
	e.metrics.RecordPlanStarted()
	e.notifier.NotifyPlan("execution", core.PhaseStart, core.PriorityInfo, telemetry.PlanPayload{
		UUID: planUUID, State: string(core.PlanOngoing), Hostname: plan.Hostname,
	})

	timer := telemetry.NewTimer()
	logger := e.logger.WithPlanID(planUUID)
	logger.WithField("actions", len(list)).Info("action plan execution started")

	runCtx, stopPoll := context.WithCancel(ctx)
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		e.watchCancellation(runCtx, r)
	}()

	var wg sync.WaitGroup
	for _, n := range r.nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			e.runNode(runCtx, r, n)
		}(n)
	}
	wg.Wait()
	stopPoll()
	pollWG.Wait()

	final := e.finishPlan(ctx, r)
	e.metrics.RecordPlanCompleted(string(final), timer.Duration())
	telemetry.RecordSuccess(span)
	logger.WithField("state", string(final)).Info("action plan execution finished")
	return nil
}

// buildRun resolves the plan's actions into a dependency graph.
func buildRun(plan *core.ActionPlan, list []*core.Action, maxWorkers int) (*run, error) {
	r := &run{
		plan:  plan,
		nodes: make(map[string]*node, len(list)),
		sem:   make(chan struct{}, maxWorkers),
	}
	for _, action := range list {
		r.nodes[action.UUID] = &node{
			action:   action,
			planUUID: plan.UUID,
			done:     make(chan struct{}),
			state:    action.State,
		}
	}
	for _, n := range r.nodes {
		for _, parent := range n.action.Parents {
			p, ok := r.nodes[parent]
			if !ok {
				return nil, core.NewPermanentError(
					fmt.Sprintf("action %s references parent %s outside the plan", n.action.UUID, parent), nil).
					WithCode(core.ErrCodeValidation)
			}
			n.parents = append(n.parents, p)
		}
	}
	if err := checkAcyclic(r.nodes); err != nil {
		return nil, err
	}
	return r, nil
}

// checkAcyclic walks the parent edges with a three-color DFS. The
// executor blocks each child on its parents, so a cycle in the stored
// edges would never finish.
func checkAcyclic(nodes map[string]*node) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(nodes))

	var visit func(n *node) error
	visit = func(n *node) error {
		color[n.action.UUID] = grey
		for _, p := range n.parents {
			switch color[p.action.UUID] {
			case grey:
				return core.NewPermanentError(
					fmt.Sprintf("action plan has a dependency cycle through action %s", p.action.UUID), nil).
					WithCode(core.ErrCodeValidation).WithEntity(p.action.UUID)
			case white:
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		color[n.action.UUID] = black
		return nil
	}

	for _, n := range nodes {
		if color[n.action.UUID] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// watchCancellation polls the persisted plan state and flips the
// cancellation flag when an external request moves it to CANCELLING.
func (e *Engine) watchCancellation(ctx context.Context, r *run) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			plan, err := e.store.GetActionPlanByUUID(ctx, r.plan.UUID)
			if err != nil {
				continue
			}
			if plan.State.IsCancelRequested() {
				r.cancelled.Store(true)
				return
			}
		}
	}
}

// runNode waits for the node's parents, applies the decider, and
// executes the action. Every exit path closes done with a terminal state.
func (e *Engine) runNode(ctx context.Context, r *run, n *node) {
	defer close(n.done)

	// A child never starts before all parents are terminal.
	for _, p := range n.parents {
		select {
		case <-p.done:
		case <-ctx.Done():
			n.state = e.cancelPending(ctx, n)
			return
		}
	}

	if r.cancelled.Load() {
		n.state = e.cancelPending(ctx, n)
		return
	}

	if !e.admit(n) {
		n.state = e.skip(ctx, n, "Action was skipped automatically: decider excluded execution")
		return
	}

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	n.state = e.executeAction(ctx, r, n)
}

// admit applies the plan's decider rule against the parents' outcomes.
func (e *Engine) admit(n *node) bool {
	if e.cfg.Decider != DeciderAny || len(n.parents) == 0 {
		return true
	}
	for _, p := range n.parents {
		if p.state == core.ActionFailed {
			return true
		}
	}
	return false
}

// cancelPending moves an unstarted action straight to CANCELLED.
func (e *Engine) cancelPending(ctx context.Context, n *node) core.ActionState {
	e.setActionState(ctx, n, core.ActionCancelled, "")
	return core.ActionCancelled
}

// skip marks an action SKIPPED. Children still run.
func (e *Engine) skip(ctx context.Context, n *node, message string) core.ActionState {
	e.setActionState(ctx, n, core.ActionSkipped, message)
	e.notifyAction(n, core.PhaseEnd, core.PriorityInfo, core.ActionSkipped, message)
	return core.ActionSkipped
}

// executeAction drives one action through its lifecycle and returns the
// terminal state it reached.
func (e *Engine) executeAction(ctx context.Context, r *run, n *node) core.ActionState {
	actx, span := e.tracer.StartActionSpan(ctx, n.action.UUID, n.action.ActionType)
	defer span.End()

	timer := telemetry.NewTimer()
	state := e.lifecycle(actx, r, n)

	e.metrics.RecordActionExecution(n.action.ActionType, string(state), timer.Duration())
	if state == core.ActionFailed {
		telemetry.RecordError(span, fmt.Errorf("%s", n.action.StatusMessage))
	} else {
		telemetry.RecordSuccess(span)
	}
	return state
}

func (e *Engine) lifecycle(ctx context.Context, r *run, n *node) core.ActionState {
	plugin, err := actions.Load(e.registry, n.action.ActionType, e.actionArgs())
	if err != nil {
		return e.fail(ctx, n, "pre_condition", err)
	}

	params, err := e.validateParams(plugin, n.action.InputParameters)
	if err != nil {
		return e.fail(ctx, n, "pre_condition", err)
	}

	e.setActionState(ctx, n, core.ActionOngoing, "")
	e.notifyAction(n, core.PhaseStart, core.PriorityInfo, core.ActionOngoing, "")

	if err := plugin.PreCondition(ctx, params); err != nil {
		if err == actions.ErrSkipRequested {
			return e.skip(ctx, n, "Action was skipped automatically: Skipped in pre_condition")
		}
		return e.fail(ctx, n, "pre_condition", err)
	}

	state, err := e.runExecute(ctx, r, n, plugin, params)
	if err != nil {
		// Best-effort compensation for the partial side effect.
		if rerr := plugin.Revert(ctx, params); rerr != nil {
			e.logger.WithActionID(n.action.UUID).WithError(rerr).Warn("action revert failed")
		}
		return e.fail(ctx, n, "execute", err)
	}
	if state != "" {
		// Cancellation or externally adopted terminal state.
		return state
	}

	if err := plugin.PostCondition(ctx, params); err != nil {
		return e.fail(ctx, n, "post_condition", err)
	}

	e.setActionState(ctx, n, core.ActionSucceeded, "")
	e.notifyAction(n, core.PhaseEnd, core.PriorityInfo, core.ActionSucceeded, "")
	return core.ActionSucceeded
}

// runExecute runs the plugin's Execute on a worker goroutine while
// polling the persisted states once per poll interval. It returns a
// non-empty state when cancellation or external adoption decided the
// outcome, and a non-nil error when Execute itself failed.
func (e *Engine) runExecute(ctx context.Context, r *run, n *node, plugin actions.Action, params actions.Params) (core.ActionState, error) {
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	errCh := make(chan error, 1)
	go func() {
		errCh <- plugin.Execute(execCtx, params)
	}()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	cancelling := false
	for {
		select {
		case err := <-errCh:
			if cancelling {
				// Cancellation-driven: the worker was interrupted or its
				// result is discarded.
				e.setActionState(ctx, n, core.ActionCancelled, "")
				e.notifyAction(n, core.PhaseEnd, core.PriorityInfo, core.ActionCancelled, "")
				return core.ActionCancelled, nil
			}
			return "", err

		case <-ticker.C:
			if !cancelling && r.cancelled.Load() {
				cancelling = true
				e.setActionState(ctx, n, core.ActionCancelling, "")
				if plugin.SupportsAbort() {
					cancelExec()
				}
				continue
			}

			persisted, err := e.store.GetActionByUUID(ctx, n.action.UUID)
			if err != nil {
				continue
			}
			if persisted.State == core.ActionSucceeded || persisted.State == core.ActionFailed {
				// An external actor finished the action; adopt its verdict.
				cancelExec()
				<-errCh
				n.action.StatusMessage = persisted.StatusMessage
				return persisted.State, nil
			}
		}
	}
}

// fail records a failure with the canonical status message.
func (e *Engine) fail(ctx context.Context, n *node, phase string, cause error) core.ActionState {
	message := fmt.Sprintf("Action failed in %s: %v", phase, cause)
	e.setActionState(ctx, n, core.ActionFailed, message)
	e.notifyAction(n, core.PhaseError, core.PriorityError, core.ActionFailed, message)
	e.metrics.RecordError(string(core.ErrorClassPermanent), core.ErrCodeActionExecution)
	return core.ActionFailed
}

// finishPlan computes and persists the plan's terminal state.
func (e *Engine) finishPlan(ctx context.Context, r *run) core.ActionPlanState {
	final := core.PlanSucceeded
	if r.cancelled.Load() {
		final = core.PlanCancelled
	} else {
		for _, n := range r.nodes {
			if n.state == core.ActionFailed {
				final = core.PlanFailed
				break
			}
		}
	}

	if err := e.store.UpdateActionPlanState(ctx, r.plan.UUID, final); err != nil {
		e.logger.WithPlanID(r.plan.UUID).WithError(err).Error("failed to persist plan state")
	}

	if final == core.PlanCancelled {
		e.notifier.NotifyPlan("cancel", core.PhaseEnd, core.PriorityInfo, telemetry.PlanPayload{
			UUID: r.plan.UUID, State: string(final), Hostname: r.plan.Hostname,
		})
	} else {
		e.notifier.NotifyPlan("execution", core.PhaseEnd, core.PriorityInfo, telemetry.PlanPayload{
			UUID: r.plan.UUID, State: string(final), Hostname: r.plan.Hostname,
		})
	}
	return final
}

func (e *Engine) validateParams(plugin actions.Action, raw json.RawMessage) (actions.Params, error) {
	validated, err := e.validator.Validate(plugin.Schema(), raw)
	if err != nil {
		return nil, err
	}
	params := actions.Params{}
	if err := json.Unmarshal(validated, &params); err != nil {
		return nil, fmt.Errorf("failed to decode action parameters: %w", err)
	}
	return params, nil
}

func (e *Engine) setActionState(ctx context.Context, n *node, state core.ActionState, message string) {
	if !n.action.State.CanTransition(state) {
		return
	}
	if err := e.store.UpdateActionState(ctx, n.action.UUID, state, message); err != nil {
		e.logger.WithActionID(n.action.UUID).WithError(err).Error("failed to persist action state")
		return
	}
	n.action.State = state
	if message != "" {
		n.action.StatusMessage = message
	}
}

func (e *Engine) notifyAction(n *node, phase core.Phase, priority core.Priority, state core.ActionState, message string) {
	e.notifier.NotifyActionExecution(phase, priority, telemetry.ActionPayload{
		UUID:          n.action.UUID,
		PlanUUID:      n.planUUID,
		ActionType:    n.action.ActionType,
		State:         string(state),
		StatusMessage: message,
	})
}

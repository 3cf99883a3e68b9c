package rpc

import (
	"context"
	"encoding/json"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// LaunchActionPlanArgs names the plan to execute.
type LaunchActionPlanArgs struct {
	ActionPlanUUID string `json:"action_plan_uuid"`
}

// PlanRunner executes action plans. Satisfied by the applier engine.
type PlanRunner interface {
	LaunchActionPlan(ctx context.Context, planUUID string) error
}

// RegisterApplierEndpoints wires the applier methods onto one server.
// launch_action_plan is fire-and-forget: the call returns once the plan
// is handed to the workflow engine, which runs it to completion on its
// own goroutine.
func RegisterApplierEndpoints(s *Server, runner PlanRunner) {
	s.MustRegister("launch_action_plan", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var req LaunchActionPlanArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, core.NewPermanentError("invalid launch_action_plan arguments", err).
				WithCode(core.ErrCodeValidation)
		}
		go func() {
			// The caller's context ends with the rpc call; the plan
			// keeps running until it finishes or is cancelled through
			// its persisted state.
			if err := runner.LaunchActionPlan(context.Background(), req.ActionPlanUUID); err != nil {
				s.logger.WithPlanID(req.ActionPlanUUID).WithError(err).
					Error("action plan execution failed")
			}
		}()
		return nil, nil
	})
}

package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/datasource"
	"github.com/fleetwise/fleetwise/pkg/model"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/schema"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// ModelSource hands out the current cluster data model per namespace.
// Satisfied by the collector manager.
type ModelSource interface {
	GetModel(name string) (*model.Model, error)
}

// namespaceDeclarer lets a strategy pick a model namespace other than
// the compute default.
type namespaceDeclarer interface {
	ModelNamespace() string
}

// Runner loads strategies and executes them against scoped models.
type Runner struct {
	registry  *plugins.Registry
	validator *schema.Validator
	models    ModelSource
	backends  []datasource.Backend
	preferred []string

	logger   *telemetry.Logger
	tracer   *telemetry.Tracer
	notifier *telemetry.Notifier
}

// NewRunner wires a strategy runner. backends and preferred configure
// datasource fallback; both may be empty when no strategy reads metrics.
func NewRunner(registry *plugins.Registry, models ModelSource, backends []datasource.Backend, preferred []string, tel *telemetry.Telemetry) *Runner {
	return &Runner{
		registry:  registry,
		validator: schema.NewValidator(),
		models:    models,
		backends:  backends,
		preferred: preferred,
		logger:    tel.Logger.NewComponentLogger("strategy"),
		tracer:    tel.Tracer,
		notifier:  tel.Notifier,
	}
}

// LoadStrategy builds a fresh instance of one strategy plugin.
func (r *Runner) LoadStrategy(name string) (Strategy, error) {
	instance, err := r.registry.Load(plugins.NamespaceStrategies, name, nil)
	if err != nil {
		return nil, err
	}
	strat, ok := instance.(Strategy)
	if !ok {
		return nil, fmt.Errorf("plugin %s is not a strategy", name)
	}
	return strat, nil
}

// Execute runs one strategy for one audit: validate parameters, select
// a datasource, scope the model, then run the three phases. Failures in
// any phase surface as the strategy failure the scheduler converts into
// audit state FAILED.
func (r *Runner) Execute(ctx context.Context, strat Strategy, audit *core.Audit) (*Solution, error) {
	ctx, span := r.tracer.StartAuditSpan(ctx, audit.UUID, strat.Name())
	defer span.End()

	logger := r.logger.WithAuditID(audit.UUID).WithStrategy(strat.Name(), strat.GoalName())

	ex, err := r.prepare(strat, audit, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	payload := telemetry.StrategyPayload{
		AuditUUID: audit.UUID,
		Strategy:  strat.Name(),
		Goal:      strat.GoalName(),
	}
	r.notifier.NotifyStrategy(core.PhaseStart, core.PriorityInfo, payload)

	if err := r.runPhases(ctx, strat, ex); err != nil {
		payload.Error = err.Error()
		r.notifier.NotifyStrategy(core.PhaseError, core.PriorityError, payload)
		telemetry.RecordError(span, err)
		logger.WithError(err).Warn("strategy execution failed")
		return nil, err
	}

	r.notifier.NotifyStrategy(core.PhaseEnd, core.PriorityInfo, payload)
	telemetry.RecordSuccess(span)
	logger.WithField("actions", len(ex.Solution.Actions)).Info("strategy execution succeeded")
	return ex.Solution, nil
}

// prepare validates parameters, selects the datasource, and scopes the
// model for one run.
func (r *Runner) prepare(strat Strategy, audit *core.Audit, logger *telemetry.Logger) (*Execution, error) {
	validated, err := r.validator.Validate(strat.Schema(), audit.Parameters)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{}
	if err := json.Unmarshal(validated, &params); err != nil {
		return nil, fmt.Errorf("failed to decode validated parameters: %w", err)
	}

	var backend datasource.Backend
	if required := strat.DatasourceMetrics(); len(required) > 0 {
		backend, err = datasource.Select(r.backends, r.preferred, required)
		if err != nil {
			return nil, err
		}
	}

	namespace := "compute"
	if declarer, ok := strat.(namespaceDeclarer); ok {
		namespace = declarer.ModelNamespace()
	}
	full, err := r.models.GetModel(namespace)
	if err != nil {
		return nil, err
	}
	if err := full.CheckFresh(); err != nil {
		return nil, err
	}
	scoped, err := model.BuildScopedModel(full, audit.Scope)
	if err != nil {
		return nil, err
	}

	return &Execution{
		Audit:      audit,
		Parameters: params,
		Model:      scoped,
		Datasource: backend,
		Solution:   &Solution{},
		Logger:     logger,
	}, nil
}

func (r *Runner) runPhases(ctx context.Context, strat Strategy, ex *Execution) error {
	if err := strat.PreExecute(ctx, ex); err != nil {
		return fmt.Errorf("pre_execute failed: %w", err)
	}
	if err := strat.DoExecute(ctx, ex); err != nil {
		return fmt.Errorf("do_execute failed: %w", err)
	}
	if err := strat.PostExecute(ctx, ex); err != nil {
		return fmt.Errorf("post_execute failed: %w", err)
	}
	return nil
}

package decision

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Config tunes one decision-engine worker.
type Config struct {
	// Host is this worker's hostname, the audit assignment key.
	Host string

	// MaxWorkers bounds concurrently executing audits.
	MaxWorkers int

	// ContinuousAuditInterval is the cadence of the periodic
	// claim/schedule/cleanup pass over continuous audits.
	ContinuousAuditInterval time.Duration

	// CheckPeriodicInterval is the cadence of housekeeping jobs such as
	// plan expiry.
	CheckPeriodicInterval time.Duration

	// ActionPlanExpiry is how long a RECOMMENDED plan stays actionable
	// before it is cancelled.
	ActionPlanExpiry time.Duration

	// SchedulerTick is the resolution of the cooperative schedulers.
	SchedulerTick time.Duration
}

// DefaultConfig returns the stock decision-engine tuning.
func DefaultConfig(host string) Config {
	return Config{
		Host:                    host,
		MaxWorkers:              2,
		ContinuousAuditInterval: 10 * time.Second,
		CheckPeriodicInterval:   30 * time.Minute,
		ActionPlanExpiry:        24 * time.Hour,
		SchedulerTick:           time.Second,
	}
}

// Engine is one decision-engine worker: it claims continuous audits for
// its host, keeps the audit scheduler in step with the store, runs
// triggered audits, and expires stale recommended plans.
type Engine struct {
	store    Store
	handler  *Handler
	periodic *Scheduler
	audits   *Scheduler
	cfg      Config
	logger   *telemetry.Logger
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewEngine wires a decision engine over one service row.
func NewEngine(store Store, jobs JobStore, handler *Handler, serviceID int64, cfg Config, tel *telemetry.Telemetry) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	logger := tel.Logger.NewComponentLogger("decision-engine")
	return &Engine{
		store:    store,
		handler:  handler,
		periodic: NewScheduler(jobs, serviceID, cfg.Host, cfg.SchedulerTick, logger),
		audits:   NewScheduler(jobs, serviceID, cfg.Host, cfg.SchedulerTick, logger),
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxWorkers),
	}
}

// Start registers the periodic jobs and launches both schedulers.
func (e *Engine) Start(ctx context.Context) error {
	now := time.Now().UTC()

	launchSchedule, err := ParseInterval(formatSeconds(e.cfg.ContinuousAuditInterval))
	if err != nil {
		return err
	}
	if err := e.periodic.AddJob(ctx, "periodic-launch-audits", "launch_audits_periodically",
		formatSeconds(e.cfg.ContinuousAuditInterval), launchSchedule, now, e.launchAuditsPeriodically); err != nil {
		return err
	}

	expirySchedule, err := ParseInterval(formatSeconds(e.cfg.CheckPeriodicInterval))
	if err != nil {
		return err
	}
	if err := e.periodic.AddJob(ctx, "periodic-expire-plans", "check_action_plan_expiry",
		formatSeconds(e.cfg.CheckPeriodicInterval), expirySchedule, now, e.ExpireActionPlans); err != nil {
		return err
	}

	e.periodic.Start(ctx)
	e.audits.Start(ctx)
	e.logger.WithHost(e.cfg.Host).Info("decision engine started")
	return nil
}

// Stop halts both schedulers and waits for in-flight triggered audits.
func (e *Engine) Stop() {
	e.audits.Stop()
	e.periodic.Stop()
	e.wg.Wait()
	e.logger.Info("decision engine stopped")
}

// TriggerAudit runs a ONESHOT or EVENT audit asynchronously. The call
// returns once the audit is claimed; execution proceeds in the
// background, bounded by the worker pool.
func (e *Engine) TriggerAudit(ctx context.Context, auditUUID string) error {
	audit, err := e.store.GetAuditByUUID(ctx, auditUUID)
	if err != nil {
		return err
	}
	if audit.State.IsTerminal() {
		return core.NewPermanentError("audit already finished: "+auditUUID, nil).
			WithCode(core.ErrCodeValidation).WithEntity(auditUUID)
	}

	claimed, err := e.store.ClaimAudit(ctx, audit.ID, e.cfg.Host)
	if err != nil {
		return err
	}
	if !claimed {
		return core.NewConflictError("audit is owned by another worker: "+auditUUID, nil).
			WithEntity(auditUUID)
	}
	audit.Hostname = e.cfg.Host

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		if err := e.handler.HandleAudit(context.Background(), audit); err != nil {
			e.logger.WithAuditID(auditUUID).WithError(err).Error("triggered audit failed")
		}
	}()
	return nil
}

// launchAuditsPeriodically is the continuous-audit housekeeping pass:
// claim unassigned audits, drop jobs for audits this host no longer
// owns, schedule jobs for its own audits, and track interval changes.
func (e *Engine) launchAuditsPeriodically(ctx context.Context) {
	now := time.Now().UTC()

	live, err := e.store.ListAudits(ctx, stores.AuditFilter{
		AuditType: core.AuditTypeContinuous,
		States:    []core.AuditState{core.AuditPending, core.AuditOngoing},
	})
	if err != nil {
		e.logger.WithError(err).Error("failed to list continuous audits")
		return
	}

	mine := map[string]*core.Audit{}
	for _, audit := range live {
		if audit.Hostname == "" {
			claimed, err := e.store.ClaimAudit(ctx, audit.ID, e.cfg.Host)
			if err != nil {
				e.logger.WithAuditID(audit.UUID).WithError(err).Warn("failed to claim audit")
				continue
			}
			if !claimed {
				continue
			}
			audit.Hostname = e.cfg.Host
		}
		if audit.Hostname == e.cfg.Host {
			mine[auditJobID(audit.UUID)] = audit
		}
	}

	// Drop jobs for audits no longer active on this host.
	for _, id := range e.audits.JobIDs() {
		if _, ok := mine[id]; !ok {
			if err := e.audits.RemoveJob(ctx, id); err != nil {
				e.logger.WithError(err).WithField("job", id).Warn("failed to remove audit job")
			}
		}
	}

	for id, audit := range mine {
		e.syncAuditJob(ctx, id, audit, now)
	}
}

// syncAuditJob registers or updates the scheduler job of one owned
// continuous audit.
func (e *Engine) syncAuditJob(ctx context.Context, id string, audit *core.Audit, now time.Time) {
	logger := e.logger.WithAuditID(audit.UUID)

	if audit.EndTime != nil && now.After(*audit.EndTime) {
		if err := e.store.UpdateAuditState(ctx, audit.UUID, core.AuditSucceeded); err != nil {
			logger.WithError(err).Warn("failed to close expired audit")
			return
		}
		if err := e.audits.RemoveJob(ctx, id); err != nil {
			logger.WithError(err).Warn("failed to remove expired audit job")
		}
		logger.Info("continuous audit reached its end time")
		return
	}

	schedule, err := ParseInterval(audit.Interval)
	if err != nil {
		logger.WithError(err).Error("continuous audit has an invalid interval")
		if serr := e.store.UpdateAuditState(ctx, audit.UUID, core.AuditFailed); serr != nil {
			logger.WithError(serr).Warn("failed to fail audit")
		}
		_ = e.audits.RemoveJob(ctx, id)
		return
	}

	if spec, ok := e.audits.JobSpec(id); ok {
		if spec != audit.Interval {
			next := schedule.Next(now)
			if err := e.audits.Reschedule(ctx, id, audit.Interval, schedule, next); err != nil {
				logger.WithError(err).Warn("failed to reschedule audit")
				return
			}
			if err := e.store.UpdateAuditNextRunTime(ctx, audit.UUID, next); err != nil {
				logger.WithError(err).Warn("failed to persist audit next run time")
			}
		}
		return
	}

	next := schedule.Next(now)
	if audit.NextRunTime != nil && audit.NextRunTime.After(now) {
		next = *audit.NextRunTime
	}
	uuid := audit.UUID
	run := func(jctx context.Context) { e.runContinuousAudit(jctx, uuid) }
	if err := e.audits.AddJob(ctx, id, audit.Name, audit.Interval, schedule, next, run); err != nil {
		logger.WithError(err).Warn("failed to schedule audit")
		return
	}
	if err := e.store.UpdateAuditNextRunTime(ctx, audit.UUID, next); err != nil {
		logger.WithError(err).Warn("failed to persist audit next run time")
	}
}

// runContinuousAudit is the scheduled tick body of one continuous audit.
func (e *Engine) runContinuousAudit(ctx context.Context, auditUUID string) {
	audit, err := e.store.GetAuditByUUID(ctx, auditUUID)
	if err != nil {
		e.logger.WithAuditID(auditUUID).WithError(err).Warn("scheduled audit vanished")
		_ = e.audits.RemoveJob(ctx, auditJobID(auditUUID))
		return
	}
	if audit.Hostname != e.cfg.Host || audit.State.IsTerminal() {
		// Reassigned by fail-over or finished elsewhere.
		_ = e.audits.RemoveJob(ctx, auditJobID(auditUUID))
		return
	}

	e.sem <- struct{}{}
	defer func() { <-e.sem }()
	if err := e.handler.HandleAudit(ctx, audit); err != nil {
		e.logger.WithAuditID(auditUUID).WithError(err).Error("continuous audit tick failed")
	}

	if schedule, perr := ParseInterval(audit.Interval); perr == nil {
		next := schedule.Next(time.Now().UTC())
		if uerr := e.store.UpdateAuditNextRunTime(ctx, auditUUID, next); uerr != nil {
			e.logger.WithAuditID(auditUUID).WithError(uerr).Warn("failed to persist audit next run time")
		}
	}
}

// ExpireActionPlans supersedes RECOMMENDED plans older than the
// configured expiry.
func (e *Engine) ExpireActionPlans(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.ActionPlanExpiry)
	plans, err := e.store.ListActionPlans(ctx, stores.PlanFilter{
		States:        []core.ActionPlanState{core.PlanRecommended},
		CreatedBefore: cutoff,
	})
	if err != nil {
		e.logger.WithError(err).Error("failed to list expired plans")
		return
	}
	for _, plan := range plans {
		if err := e.store.UpdateActionPlanState(ctx, plan.UUID, core.PlanSuperseded); err != nil {
			e.logger.WithPlanID(plan.UUID).WithError(err).Warn("failed to expire plan")
			continue
		}
		e.logger.WithPlanID(plan.UUID).Info("expired recommended action plan")
	}
}

func auditJobID(uuid string) string {
	return "audit-" + uuid
}

func formatSeconds(d time.Duration) string {
	seconds := int(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Package monitor implements the service heartbeat and liveness watch:
// each worker beats its Service row, watches its peers, and the elected
// leader recovers work owned by failed hosts.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Store is the persistence surface of the monitor. Satisfied by
// stores.SQLiteStore.
type Store interface {
	UpsertServiceHeartbeat(ctx context.Context, name, host string) (*core.Service, error)
	ListServices(ctx context.Context) ([]*core.Service, error)

	ListAudits(ctx context.Context, filter stores.AuditFilter) ([]*core.Audit, error)
	ReassignAudit(ctx context.Context, id int64, hostname string) error
	UpdateAuditState(ctx context.Context, uuid string, state core.AuditState) error

	ListActionPlans(ctx context.Context, filter stores.PlanFilter) ([]*core.ActionPlan, error)
	UpdateActionPlanState(ctx context.Context, uuid string, state core.ActionPlanState) error
	SetActionPlanHostname(ctx context.Context, uuid, hostname string) error
}

// PlanLauncher relaunches recovered pending plans, normally over RPC to
// a live applier.
type PlanLauncher interface {
	LaunchActionPlan(ctx context.Context, planUUID string) error
}

// Config tunes one monitor.
type Config struct {
	// ServiceName is this worker's service identity; fail-over acts on
	// peers with the same name.
	ServiceName string

	// Host is this worker's hostname.
	Host string

	// HeartbeatInterval is the beat and check cadence.
	HeartbeatInterval time.Duration

	// ServiceDownTime is the heartbeat age past which a service counts
	// as FAILED.
	ServiceDownTime time.Duration
}

// DefaultConfig returns the stock monitor tuning for one worker.
func DefaultConfig(serviceName, host string) Config {
	return Config{
		ServiceName:       serviceName,
		Host:              host,
		HeartbeatInterval: 10 * time.Second,
		ServiceDownTime:   90 * time.Second,
	}
}

// Monitor beats this worker's heartbeat and watches every peer's.
type Monitor struct {
	store    Store
	launcher PlanLauncher
	cfg      Config

	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	notifier *telemetry.Notifier

	// now is the clock, swappable in tests.
	now func() time.Time

	mu         sync.Mutex
	lastStatus map[string]core.ServiceStatus
	rr         int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor wires a monitor. launcher may be nil when this worker does
// not relaunch plans.
func NewMonitor(store Store, launcher PlanLauncher, cfg Config, tel *telemetry.Telemetry) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ServiceDownTime <= 0 {
		cfg.ServiceDownTime = 90 * time.Second
	}
	return &Monitor{
		store:      store,
		launcher:   launcher,
		cfg:        cfg,
		logger:     tel.Logger.NewComponentLogger("monitor").WithHost(cfg.Host),
		metrics:    tel.Metrics,
		notifier:   tel.Notifier,
		now:        time.Now,
		lastStatus: map[string]core.ServiceStatus{},
	}
}

// Start cleans up this host's orphans, then beats and checks on the
// heartbeat interval until Stop.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.CleanupOrphans(ctx); err != nil {
		return err
	}
	m.beat(ctx)
	m.CheckServices(ctx)

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.beat(ctx)
				m.CheckServices(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the heartbeat loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) beat(ctx context.Context) {
	if _, err := m.store.UpsertServiceHeartbeat(ctx, m.cfg.ServiceName, m.cfg.Host); err != nil {
		m.logger.WithError(err).Error("failed to record heartbeat")
		return
	}
	m.metrics.SetServiceUp(m.cfg.ServiceName, m.cfg.Host, true)
}

// CheckServices recomputes every service's liveness, emits one
// service-update notification per observed transition, and runs
// fail-over for newly failed peers when this worker is the leader.
func (m *Monitor) CheckServices(ctx context.Context) {
	services, err := m.store.ListServices(ctx)
	if err != nil {
		m.logger.WithError(err).Error("failed to list services")
		return
	}
	now := m.now().UTC()

	var failed []*core.Service
	for _, svc := range services {
		status := svc.Status(now, m.cfg.ServiceDownTime)
		m.metrics.SetServiceUp(svc.Name, svc.Host, status == core.ServiceActive)

		key := svc.Name + "/" + svc.Host
		m.mu.Lock()
		prev, seen := m.lastStatus[key]
		m.lastStatus[key] = status
		m.mu.Unlock()

		if !seen || prev == status {
			continue
		}
		m.notifier.NotifyServiceUpdate(telemetry.ServicePayload{
			Name:     svc.Name,
			Host:     svc.Host,
			OldState: string(prev),
			State:    string(status),
		})
		m.logger.WithField("service", svc.Name).WithField("peer", svc.Host).
			WithField("state", string(status)).Info("service liveness changed")

		if prev == core.ServiceActive && status == core.ServiceFailed {
			failed = append(failed, svc)
		}
	}

	if len(failed) == 0 || !m.isLeader(services, now) {
		return
	}
	for _, svc := range failed {
		if svc.Name != m.cfg.ServiceName {
			continue
		}
		m.failOver(ctx, svc, services, now)
	}
}

// isLeader reports whether this host is the lexicographically first
// ACTIVE host of its own service group.
func (m *Monitor) isLeader(services []*core.Service, now time.Time) bool {
	alive := m.aliveHosts(services, now, "")
	return len(alive) > 0 && alive[0] == m.cfg.Host
}

// aliveHosts lists the ACTIVE hosts of this service group, sorted,
// excluding one host.
func (m *Monitor) aliveHosts(services []*core.Service, now time.Time, except string) []string {
	var hosts []string
	for _, svc := range services {
		if svc.Name != m.cfg.ServiceName || svc.Host == except {
			continue
		}
		if svc.Status(now, m.cfg.ServiceDownTime) == core.ServiceActive {
			hosts = append(hosts, svc.Host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// failOver recovers the failed peer's work.
func (m *Monitor) failOver(ctx context.Context, failed *core.Service, services []*core.Service, now time.Time) {
	alive := m.aliveHosts(services, now, failed.Host)
	if len(alive) == 0 {
		m.logger.WithField("peer", failed.Host).Warn("no alive host to take over")
		return
	}

	switch m.cfg.ServiceName {
	case core.ServiceDecisionEngine:
		m.reassignAudits(ctx, failed.Host, alive)
	case core.ServiceApplier:
		m.recoverPlans(ctx, failed.Host)
	}
}

// reassignAudits spreads the failed host's live continuous audits
// round-robin across the alive decision engines. PENDING audits are
// included: a continuous audit parks PENDING between ticks while still
// owned by its host, and the periodic claim pass only picks up audits
// with no hostname at all.
func (m *Monitor) reassignAudits(ctx context.Context, failedHost string, alive []string) {
	audits, err := m.store.ListAudits(ctx, stores.AuditFilter{
		AuditType: core.AuditTypeContinuous,
		States:    []core.AuditState{core.AuditPending, core.AuditOngoing},
		Hostname:  failedHost,
	})
	if err != nil {
		m.logger.WithError(err).Error("failed to list audits of failed host")
		return
	}

	for _, audit := range audits {
		m.mu.Lock()
		target := alive[m.rr%len(alive)]
		m.rr++
		m.mu.Unlock()

		if err := m.store.ReassignAudit(ctx, audit.ID, target); err != nil {
			m.logger.WithAuditID(audit.UUID).WithError(err).Error("failed to reassign audit")
			continue
		}
		m.logger.WithAuditID(audit.UUID).WithField("from", failedHost).
			WithField("to", target).Info("reassigned continuous audit")
	}
}

// recoverPlans cancels the failed applier's in-flight plans and
// relaunches its pending ones elsewhere.
func (m *Monitor) recoverPlans(ctx context.Context, failedHost string) {
	ongoing, err := m.store.ListActionPlans(ctx, stores.PlanFilter{
		States:   []core.ActionPlanState{core.PlanOngoing, core.PlanCancelling},
		Hostname: failedHost,
	})
	if err != nil {
		m.logger.WithError(err).Error("failed to list plans of failed host")
		return
	}
	for _, plan := range ongoing {
		if err := m.store.UpdateActionPlanState(ctx, plan.UUID, core.PlanCancelled); err != nil {
			m.logger.WithPlanID(plan.UUID).WithError(err).Error("failed to cancel orphaned plan")
			continue
		}
		m.logger.WithPlanID(plan.UUID).WithField("peer", failedHost).Info("cancelled orphaned plan")
	}

	pending, err := m.store.ListActionPlans(ctx, stores.PlanFilter{
		States:   []core.ActionPlanState{core.PlanPending},
		Hostname: failedHost,
	})
	if err != nil {
		m.logger.WithError(err).Error("failed to list pending plans of failed host")
		return
	}
	for _, plan := range pending {
		if err := m.store.SetActionPlanHostname(ctx, plan.UUID, ""); err != nil {
			m.logger.WithPlanID(plan.UUID).WithError(err).Error("failed to release pending plan")
			continue
		}
		if m.launcher == nil {
			continue
		}
		if err := m.launcher.LaunchActionPlan(ctx, plan.UUID); err != nil {
			m.logger.WithPlanID(plan.UUID).WithError(err).Error("failed to relaunch pending plan")
		}
	}
}

// CleanupOrphans cancels this host's own leftovers from a prior crash:
// ongoing plans and oneshot audits still marked as running here.
func (m *Monitor) CleanupOrphans(ctx context.Context) error {
	plans, err := m.store.ListActionPlans(ctx, stores.PlanFilter{
		States:   []core.ActionPlanState{core.PlanOngoing, core.PlanCancelling},
		Hostname: m.cfg.Host,
	})
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := m.store.UpdateActionPlanState(ctx, plan.UUID, core.PlanCancelled); err != nil {
			m.logger.WithPlanID(plan.UUID).WithError(err).Warn("failed to cancel orphaned plan")
			continue
		}
		m.logger.WithPlanID(plan.UUID).Info("cancelled plan orphaned by prior run")
	}

	audits, err := m.store.ListAudits(ctx, stores.AuditFilter{
		AuditType: core.AuditTypeOneshot,
		States:    []core.AuditState{core.AuditOngoing},
		Hostname:  m.cfg.Host,
	})
	if err != nil {
		return err
	}
	for _, audit := range audits {
		if err := m.store.UpdateAuditState(ctx, audit.UUID, core.AuditCancelled); err != nil {
			m.logger.WithAuditID(audit.UUID).WithError(err).Warn("failed to cancel orphaned audit")
			continue
		}
		m.logger.WithAuditID(audit.UUID).Info("cancelled audit orphaned by prior run")
	}
	return nil
}

package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

func newTestTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Notifications.Enabled = true
	cfg.Notifications.Level = "INFO"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	})
	return tel
}

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "fleetwise.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func collectNotifications(tel *telemetry.Telemetry) func(eventType string) []core.Notification {
	var mu sync.Mutex
	var seen []core.Notification
	tel.Notifier.Subscribe(func(n core.Notification) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}, nil)
	return func(eventType string) []core.Notification {
		mu.Lock()
		defer mu.Unlock()
		var out []core.Notification
		for _, n := range seen {
			if n.EventType == eventType {
				out = append(out, n)
			}
		}
		return out
	}
}

// ageService rewrites a heartbeat so the service reads as FAILED.
func ageService(t *testing.T, store *stores.SQLiteStore, host string, lastSeen time.Time) {
	t.Helper()
	tx, err := store.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	if _, err := tx.Exec(`UPDATE services SET last_seen_up = ? WHERE host = ?`, lastSeen, host); err != nil {
		t.Fatalf("failed to age heartbeat: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func seedAudit(t *testing.T, store *stores.SQLiteStore, uuid string, auditType core.AuditType, state core.AuditState, hostname string) *core.Audit {
	t.Helper()
	ctx := context.Background()

	goal := &core.Goal{UUID: "goal-" + uuid, Name: "goal-" + uuid}
	if err := store.CreateGoal(ctx, goal); err != nil {
		t.Fatalf("CreateGoal() error = %v", err)
	}
	audit := &core.Audit{
		UUID:      uuid,
		Name:      uuid,
		AuditType: auditType,
		State:     state,
		GoalID:    goal.ID,
		Hostname:  hostname,
	}
	if auditType == core.AuditTypeContinuous {
		audit.Interval = "60"
	}
	if err := store.CreateAudit(ctx, audit); err != nil {
		t.Fatalf("CreateAudit() error = %v", err)
	}
	return audit
}

func seedPlan(t *testing.T, store *stores.SQLiteStore, uuid string, state core.ActionPlanState, hostname string) *core.ActionPlan {
	t.Helper()
	ctx := context.Background()

	audit := seedAudit(t, store, "audit-for-"+uuid, core.AuditTypeOneshot, core.AuditSucceeded, "")
	strat := &core.Strategy{UUID: "strategy-" + uuid, Name: "strategy-" + uuid, GoalID: audit.GoalID}
	if err := store.CreateStrategy(ctx, strat); err != nil {
		t.Fatalf("CreateStrategy() error = %v", err)
	}

	plan := &core.ActionPlan{UUID: uuid, AuditID: audit.ID, StrategyID: strat.ID, State: state}
	if err := store.CreateActionPlan(ctx, plan, nil, nil); err != nil {
		t.Fatalf("CreateActionPlan() error = %v", err)
	}
	if hostname != "" {
		if err := store.SetActionPlanHostname(ctx, uuid, hostname); err != nil {
			t.Fatalf("SetActionPlanHostname() error = %v", err)
		}
	}
	return plan
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (f *fakeLauncher) LaunchActionPlan(ctx context.Context, planUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, planUUID)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFailOverReassignsAuditsAndNotifiesOnce(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)
	notifications := collectNotifications(tel)
	ctx := context.Background()

	if _, err := store.UpsertServiceHeartbeat(ctx, core.ServiceDecisionEngine, "node-a"); err != nil {
		t.Fatalf("UpsertServiceHeartbeat() error = %v", err)
	}
	if _, err := store.UpsertServiceHeartbeat(ctx, core.ServiceDecisionEngine, "node-b"); err != nil {
		t.Fatalf("UpsertServiceHeartbeat() error = %v", err)
	}
	audit := seedAudit(t, store, "audit-1", core.AuditTypeContinuous, core.AuditOngoing, "node-a")

	cfg := DefaultConfig(core.ServiceDecisionEngine, "node-b")
	cfg.ServiceDownTime = time.Minute
	m := NewMonitor(store, nil, cfg, tel)

	// Baseline pass: both peers ACTIVE, no transition yet.
	m.CheckServices(ctx)

	ageService(t, store, "node-a", time.Now().UTC().Add(-5*time.Minute))
	m.CheckServices(ctx)

	got, err := store.GetAudit(ctx, audit.ID)
	if err != nil {
		t.Fatalf("GetAudit() error = %v", err)
	}
	if got.Hostname != "node-b" {
		t.Errorf("audit hostname = %q, want node-b after fail-over", got.Hostname)
	}

	eventType := core.EventType("service", "update", "")
	waitFor(t, func() bool { return len(notifications(eventType)) >= 1 })

	// A third pass must not repeat the transition.
	m.CheckServices(ctx)
	time.Sleep(100 * time.Millisecond)

	events := notifications(eventType)
	if len(events) != 1 {
		t.Fatalf("got %d service-update notifications, want exactly 1", len(events))
	}
	var payload telemetry.ServicePayload
	if err := events[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Host != "node-a" || payload.OldState != string(core.ServiceActive) || payload.State != string(core.ServiceFailed) {
		t.Errorf("payload = %+v", payload)
	}
}

func TestFailOverReassignsPendingContinuousAudit(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)
	ctx := context.Background()

	if _, err := store.UpsertServiceHeartbeat(ctx, core.ServiceDecisionEngine, "node-a"); err != nil {
		t.Fatalf("UpsertServiceHeartbeat() error = %v", err)
	}
	if _, err := store.UpsertServiceHeartbeat(ctx, core.ServiceDecisionEngine, "node-b"); err != nil {
		t.Fatalf("UpsertServiceHeartbeat() error = %v", err)
	}
	// A continuous audit parks PENDING between ticks while still owned
	// by its host; losing that host must not strand it.
	audit := seedAudit(t, store, "audit-1", core.AuditTypeContinuous, core.AuditPending, "node-a")

	cfg := DefaultConfig(core.ServiceDecisionEngine, "node-b")
	cfg.ServiceDownTime = time.Minute
	m := NewMonitor(store, nil, cfg, tel)

	m.CheckServices(ctx)
	ageService(t, store, "node-a", time.Now().UTC().Add(-5*time.Minute))
	m.CheckServices(ctx)

	got, err := store.GetAudit(ctx, audit.ID)
	if err != nil {
		t.Fatalf("GetAudit() error = %v", err)
	}
	if got.Hostname != "node-b" {
		t.Errorf("pending audit hostname = %q, want node-b after fail-over", got.Hostname)
	}
}

func TestNonLeaderDoesNotFailOver(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)
	ctx := context.Background()

	for _, host := range []string{"node-a", "node-b", "node-c"} {
		if _, err := store.UpsertServiceHeartbeat(ctx, core.ServiceDecisionEngine, host); err != nil {
			t.Fatalf("UpsertServiceHeartbeat() error = %v", err)
		}
	}
	audit := seedAudit(t, store, "audit-1", core.AuditTypeContinuous, core.AuditOngoing, "node-a")

	// node-c is not the leader: node-b is the first alive host.
	cfg := DefaultConfig(core.ServiceDecisionEngine, "node-c")
	cfg.ServiceDownTime = time.Minute
	m := NewMonitor(store, nil, cfg, tel)

	m.CheckServices(ctx)
	ageService(t, store, "node-a", time.Now().UTC().Add(-5*time.Minute))
	m.CheckServices(ctx)

	got, _ := store.GetAudit(ctx, audit.ID)
	if got.Hostname != "node-a" {
		t.Errorf("non-leader reassigned the audit to %q", got.Hostname)
	}
}

func TestApplierFailOverRecoversPlans(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)
	ctx := context.Background()

	if _, err := store.UpsertServiceHeartbeat(ctx, core.ServiceApplier, "node-a"); err != nil {
		t.Fatalf("UpsertServiceHeartbeat() error = %v", err)
	}
	if _, err := store.UpsertServiceHeartbeat(ctx, core.ServiceApplier, "node-b"); err != nil {
		t.Fatalf("UpsertServiceHeartbeat() error = %v", err)
	}

	running := seedPlan(t, store, "plan-running", core.PlanOngoing, "node-a")
	pending := seedPlan(t, store, "plan-pending", core.PlanPending, "node-a")

	launcher := &fakeLauncher{}
	cfg := DefaultConfig(core.ServiceApplier, "node-b")
	cfg.ServiceDownTime = time.Minute
	m := NewMonitor(store, launcher, cfg, tel)

	m.CheckServices(ctx)
	ageService(t, store, "node-a", time.Now().UTC().Add(-5*time.Minute))
	m.CheckServices(ctx)

	gotRunning, err := store.GetActionPlanByUUID(ctx, running.UUID)
	if err != nil {
		t.Fatalf("GetActionPlanByUUID() error = %v", err)
	}
	if gotRunning.State != core.PlanCancelled {
		t.Errorf("running plan state = %s, want CANCELLED", gotRunning.State)
	}

	gotPending, err := store.GetActionPlanByUUID(ctx, pending.UUID)
	if err != nil {
		t.Fatalf("GetActionPlanByUUID() error = %v", err)
	}
	if gotPending.Hostname != "" {
		t.Errorf("pending plan hostname = %q, want cleared", gotPending.Hostname)
	}

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if len(launcher.launched) != 1 || launcher.launched[0] != pending.UUID {
		t.Errorf("relaunched plans = %v, want [%s]", launcher.launched, pending.UUID)
	}
}

func TestCleanupOrphans(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)
	ctx := context.Background()

	plan := seedPlan(t, store, "plan-orphan", core.PlanOngoing, "node-a")
	audit := seedAudit(t, store, "audit-orphan", core.AuditTypeOneshot, core.AuditOngoing, "node-a")
	keep := seedAudit(t, store, "audit-keep", core.AuditTypeOneshot, core.AuditOngoing, "node-b")

	m := NewMonitor(store, nil, DefaultConfig(core.ServiceApplier, "node-a"), tel)
	if err := m.CleanupOrphans(ctx); err != nil {
		t.Fatalf("CleanupOrphans() error = %v", err)
	}

	gotPlan, _ := store.GetActionPlanByUUID(ctx, plan.UUID)
	if gotPlan.State != core.PlanCancelled {
		t.Errorf("orphaned plan state = %s, want CANCELLED", gotPlan.State)
	}
	gotAudit, _ := store.GetAuditByUUID(ctx, audit.UUID)
	if gotAudit.State != core.AuditCancelled {
		t.Errorf("orphaned audit state = %s, want CANCELLED", gotAudit.State)
	}
	gotKeep, _ := store.GetAuditByUUID(ctx, keep.UUID)
	if gotKeep.State != core.AuditOngoing {
		t.Errorf("other host's audit state = %s, want untouched ONGOING", gotKeep.State)
	}
}

package decision

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/datasource"
	"github.com/fleetwise/fleetwise/pkg/model"
	"github.com/fleetwise/fleetwise/pkg/planner"
	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/strategy"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

func newTestTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Notifications.Enabled = false

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

type staticModels map[string]*model.Model

func (m staticModels) GetModel(name string) (*model.Model, error) {
	mdl, ok := m[name]
	if !ok {
		return nil, core.NewTransientError("cluster state not defined", nil).
			WithCode(core.ErrCodeClusterStateAbsent)
	}
	return mdl, nil
}

func newComputeModel() *model.Model {
	m := model.NewModel()
	m.AddComputeNode(&model.ComputeNode{
		UUID: "node-1", Hostname: "node-1", Status: model.NodeEnabled, State: model.NodeUp,
		Capacity: model.Resources{VCPUs: 8, MemoryMB: 16384, DiskGB: 200},
	})
	m.SetStale(false)
	return m
}

func newTestHandler(t *testing.T, store *stores.SQLiteStore) *Handler {
	t.Helper()
	tel := newTestTelemetry(t)
	models := staticModels{"compute": newComputeModel()}
	runner := strategy.NewRunner(plugins.Default(), models, []datasource.Backend{datasource.NewFakeBackend("fake")}, nil, tel)
	plans, err := planner.NewService(plugins.Default(), "weight", store, tel)
	if err != nil {
		t.Fatalf("planner.NewService() error = %v", err)
	}
	return NewHandler(store, runner, plans, tel)
}

func seedDummyAudit(t *testing.T, store *stores.SQLiteStore, auditType core.AuditType) *core.Audit {
	t.Helper()
	ctx := context.Background()

	goal := &core.Goal{UUID: "goal-uuid", Name: "dummy", DisplayName: "Dummy"}
	if err := store.CreateGoal(ctx, goal); err != nil {
		t.Fatalf("CreateGoal() error = %v", err)
	}
	strat := &core.Strategy{UUID: "strategy-uuid", Name: "dummy", DisplayName: "Dummy", GoalID: goal.ID}
	if err := store.CreateStrategy(ctx, strat); err != nil {
		t.Fatalf("CreateStrategy() error = %v", err)
	}

	audit := &core.Audit{
		UUID:       "audit-uuid",
		Name:       "dummy-audit",
		AuditType:  auditType,
		GoalID:     goal.ID,
		StrategyID: &strat.ID,
		Parameters: json.RawMessage(`{"para1": 4.0, "para2": "Hi"}`),
	}
	if auditType == core.AuditTypeContinuous {
		audit.Interval = "60"
	}
	if err := store.CreateAudit(ctx, audit); err != nil {
		t.Fatalf("CreateAudit() error = %v", err)
	}
	return audit
}

func TestParseInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sched, err := ParseInterval("30")
	if err != nil {
		t.Fatalf("ParseInterval(30) error = %v", err)
	}
	if got := sched.Next(now); got != now.Add(30*time.Second) {
		t.Errorf("next = %v, want %v", got, now.Add(30*time.Second))
	}

	sched, err = ParseInterval("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseInterval(cron) error = %v", err)
	}
	if got := sched.Next(now); got != now.Add(5*time.Minute) {
		t.Errorf("cron next = %v, want %v", got, now.Add(5*time.Minute))
	}

	for _, bad := range []string{"0", "-5", "not a schedule"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Errorf("ParseInterval(%q) should fail", bad)
		}
	}
}

// everyTest is a sub-second schedule for scheduler tests; cron.Every
// rounds up to one second.
type everyTest time.Duration

func (e everyTest) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

var _ cron.Schedule = everyTest(0)

func TestSchedulerRunsRecurringJob(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)
	sched := NewScheduler(store, 1, "node-a", 10*time.Millisecond, tel.Logger)

	var mu sync.Mutex
	runs := 0
	err := sched.AddJob(context.Background(), "job-1", "tick", "test", everyTest(10*time.Millisecond),
		time.Now().UTC(), func(ctx context.Context) {
			mu.Lock()
			runs++
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	n := runs
	mu.Unlock()
	if n < 2 {
		t.Fatalf("job ran %d times, want at least 2", n)
	}

	// The advancing schedule is persisted.
	row, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if row.NextRunTime == nil {
		t.Error("persisted job has no next run time")
	}
}

func TestSchedulerOneOffJobRemovedAfterRun(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)
	sched := NewScheduler(store, 1, "node-a", 10*time.Millisecond, tel.Logger)

	done := make(chan struct{})
	var once sync.Once
	err := sched.AddJob(context.Background(), "job-once", "once", "", nil,
		time.Now().UTC(), func(ctx context.Context) { once.Do(func() { close(done) }) })
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	sched.Start(context.Background())
	defer sched.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("one-off job never ran")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sched.HasJob("job-once") {
		time.Sleep(5 * time.Millisecond)
	}
	if sched.HasJob("job-once") {
		t.Error("one-off job still registered after running")
	}
	if _, err := store.GetJob(context.Background(), "job-once"); !stores.IsNotFound(err) {
		t.Errorf("one-off job row should be deleted, got err = %v", err)
	}
}

func TestSchedulerAdoptsPersistedNextRun(t *testing.T) {
	store := newTestStore(t)
	tel := newTestTelemetry(t)

	future := time.Now().UTC().Add(time.Hour)
	row := &stores.Job{ID: "job-1", ServiceID: 1, Tag: stores.JobTag{Host: "node-a", Name: "tick"}}
	row.SetNextRun(future)
	if err := store.InsertJob(context.Background(), row); err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}

	sched := NewScheduler(store, 1, "node-a", 10*time.Millisecond, tel.Logger)
	ran := false
	err := sched.AddJob(context.Background(), "job-1", "tick", "test", everyTest(time.Hour),
		time.Now().UTC(), func(ctx context.Context) { ran = true })
	if err != nil {
		t.Fatalf("AddJob() after restart error = %v", err)
	}

	sched.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sched.Stop()
	if ran {
		t.Error("job ran before its persisted next run time")
	}
}

func TestHandleOneshotAudit(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeOneshot)

	if err := handler.HandleAudit(context.Background(), audit); err != nil {
		t.Fatalf("HandleAudit() error = %v", err)
	}

	got, err := store.GetAuditByUUID(context.Background(), audit.UUID)
	if err != nil {
		t.Fatalf("GetAuditByUUID() error = %v", err)
	}
	if got.State != core.AuditSucceeded {
		t.Errorf("audit state = %s, want SUCCEEDED", got.State)
	}

	plans, err := store.ListActionPlans(context.Background(), stores.PlanFilter{AuditID: audit.ID})
	if err != nil {
		t.Fatalf("ListActionPlans() error = %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("got %d plans, want 1", len(plans))
	}
	if plans[0].State != core.PlanRecommended {
		t.Errorf("plan state = %s, want RECOMMENDED", plans[0].State)
	}
	if len(plans[0].GlobalEfficacy) != 0 {
		t.Errorf("global efficacy = %v, want empty", plans[0].GlobalEfficacy)
	}

	actions, err := store.ListActionsByPlan(context.Background(), plans[0].ID)
	if err != nil {
		t.Fatalf("ListActionsByPlan() error = %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
}

func TestHandleAuditStrategyFailure(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeOneshot)

	// Undeclared parameter makes validation fail before the strategy runs.
	audit.Parameters = json.RawMessage(`{"no_such_param": true}`)

	if err := handler.HandleAudit(context.Background(), audit); err == nil {
		t.Fatal("HandleAudit() should surface the strategy failure")
	}

	got, err := store.GetAuditByUUID(context.Background(), audit.UUID)
	if err != nil {
		t.Fatalf("GetAuditByUUID() error = %v", err)
	}
	if got.State != core.AuditFailed {
		t.Errorf("audit state = %s, want FAILED", got.State)
	}
}

func TestContinuousAuditCancelsPriorPlan(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeContinuous)

	ctx := context.Background()
	if err := handler.HandleAudit(ctx, audit); err != nil {
		t.Fatalf("first tick error = %v", err)
	}
	got, _ := store.GetAuditByUUID(ctx, audit.UUID)
	if got.State != core.AuditPending {
		t.Errorf("continuous audit state = %s, want PENDING after a tick", got.State)
	}

	first, err := store.ListActionPlans(ctx, stores.PlanFilter{AuditID: audit.ID})
	if err != nil || len(first) != 1 {
		t.Fatalf("plans after first tick = %v, err = %v", first, err)
	}

	if err := handler.HandleAudit(ctx, audit); err != nil {
		t.Fatalf("second tick error = %v", err)
	}
	old, err := store.GetActionPlanByUUID(ctx, first[0].UUID)
	if err != nil {
		t.Fatalf("GetActionPlanByUUID() error = %v", err)
	}
	if old.State != core.PlanCancelled {
		t.Errorf("prior plan state = %s, want CANCELLED", old.State)
	}

	current, err := store.ListActionPlans(ctx, stores.PlanFilter{
		AuditID: audit.ID, States: []core.ActionPlanState{core.PlanRecommended},
	})
	if err != nil || len(current) != 1 {
		t.Fatalf("recommended plans after second tick = %v, err = %v", current, err)
	}
}

func TestHandleAuditPastEndTime(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeContinuous)

	past := time.Now().UTC().Add(-time.Hour)
	audit.EndTime = &past

	if err := handler.HandleAudit(context.Background(), audit); err != nil {
		t.Fatalf("HandleAudit() error = %v", err)
	}
	got, _ := store.GetAuditByUUID(context.Background(), audit.UUID)
	if got.State != core.AuditSucceeded {
		t.Errorf("expired audit state = %s, want SUCCEEDED", got.State)
	}
	plans, _ := store.ListActionPlans(context.Background(), stores.PlanFilter{AuditID: audit.ID})
	if len(plans) != 0 {
		t.Errorf("expired audit should not produce plans, got %d", len(plans))
	}
}

func TestHandleAuditFutureStartTimeSkipsTick(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeOneshot)

	future := time.Now().UTC().Add(time.Hour)
	audit.StartTime = &future

	if err := handler.HandleAudit(context.Background(), audit); err != nil {
		t.Fatalf("HandleAudit() error = %v", err)
	}
	got, _ := store.GetAuditByUUID(context.Background(), audit.UUID)
	if got.State != core.AuditPending {
		t.Errorf("not-yet-started audit state = %s, want PENDING", got.State)
	}
}

func TestExpireActionPlans(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeOneshot)
	ctx := context.Background()

	if err := handler.HandleAudit(ctx, audit); err != nil {
		t.Fatalf("HandleAudit() error = %v", err)
	}
	plans, _ := store.ListActionPlans(ctx, stores.PlanFilter{AuditID: audit.ID})
	if len(plans) != 1 {
		t.Fatalf("got %d plans, want 1", len(plans))
	}

	tel := newTestTelemetry(t)
	cfg := DefaultConfig("node-a")
	// Zero expiry: everything created before this call is expired.
	cfg.ActionPlanExpiry = 0
	engine := NewEngine(store, store, handler, 1, cfg, tel)
	engine.ExpireActionPlans(ctx)

	got, err := store.GetActionPlanByUUID(ctx, plans[0].UUID)
	if err != nil {
		t.Fatalf("GetActionPlanByUUID() error = %v", err)
	}
	if got.State != core.PlanSuperseded {
		t.Errorf("expired plan state = %s, want SUPERSEDED", got.State)
	}
}

func TestStopWaitsForTriggeredAudit(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeOneshot)
	ctx := context.Background()

	tel := newTestTelemetry(t)
	engine := NewEngine(store, store, handler, 1, DefaultConfig("node-a"), tel)
	if err := engine.TriggerAudit(ctx, audit.UUID); err != nil {
		t.Fatalf("TriggerAudit() error = %v", err)
	}

	// Stop must not return while the triggered audit is still running.
	engine.Stop()

	got, err := store.GetAuditByUUID(ctx, audit.UUID)
	if err != nil {
		t.Fatalf("GetAuditByUUID() error = %v", err)
	}
	if !got.State.IsTerminal() {
		t.Errorf("audit state = %s after Stop(), want terminal", got.State)
	}
}

func TestTriggerAuditOwnedElsewhere(t *testing.T) {
	store := newTestStore(t)
	handler := newTestHandler(t, store)
	audit := seedDummyAudit(t, store, core.AuditTypeOneshot)
	ctx := context.Background()

	if err := store.ReassignAudit(ctx, audit.ID, "node-z"); err != nil {
		t.Fatalf("ReassignAudit() error = %v", err)
	}

	tel := newTestTelemetry(t)
	engine := NewEngine(store, store, handler, 1, DefaultConfig("node-a"), tel)
	if err := engine.TriggerAudit(ctx, audit.UUID); err == nil {
		t.Fatal("triggering an audit owned by another worker should fail")
	}
}

package applier

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetwise/fleetwise/pkg/applier/actions"
	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
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

// fakeStore is an in-memory Store that records every action state
// transition in order.
type fakeStore struct {
	mu          sync.Mutex
	plans       map[string]*core.ActionPlan
	actions     map[string]*core.Action
	transitions []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans:   map[string]*core.ActionPlan{},
		actions: map[string]*core.Action{},
	}
}

func (s *fakeStore) addPlan(plan *core.ActionPlan, actions []*core.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.UUID] = plan
	for _, a := range actions {
		s.actions[a.UUID] = a
	}
}

func (s *fakeStore) setPlanState(uuid string, state core.ActionPlanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[uuid].State = state
}

func (s *fakeStore) GetActionPlanByUUID(ctx context.Context, uuid string) (*core.ActionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[uuid]
	if !ok {
		return nil, core.NewPermanentError("action plan not found", nil).WithCode(core.ErrCodeNotFound)
	}
	copied := *plan
	return &copied, nil
}

func (s *fakeStore) UpdateActionPlanState(ctx context.Context, uuid string, state core.ActionPlanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[uuid]
	if !ok {
		return core.NewPermanentError("action plan not found", nil).WithCode(core.ErrCodeNotFound)
	}
	plan.State = state
	return nil
}

func (s *fakeStore) ListActionsByPlan(ctx context.Context, planID int64) ([]*core.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Action
	for _, a := range s.actions {
		if a.ActionPlanID == planID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) GetActionByUUID(ctx context.Context, uuid string) (*core.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[uuid]
	if !ok {
		return nil, core.NewPermanentError("action not found", nil).WithCode(core.ErrCodeNotFound)
	}
	copied := *a
	return &copied, nil
}

func (s *fakeStore) UpdateActionState(ctx context.Context, uuid string, state core.ActionState, statusMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[uuid]
	if !ok {
		return core.NewPermanentError("action not found", nil).WithCode(core.ErrCodeNotFound)
	}
	a.State = state
	if statusMessage != "" {
		a.StatusMessage = statusMessage
	}
	s.transitions = append(s.transitions, uuid+":"+string(state))
	return nil
}

func (s *fakeStore) action(t *testing.T, uuid string) core.Action {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[uuid]
	if !ok {
		t.Fatalf("action %s missing from store", uuid)
	}
	return *a
}

func (s *fakeStore) planState(uuid string) core.ActionPlanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[uuid].State
}

func (s *fakeStore) transitionIndex(mark string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tr := range s.transitions {
		if tr == mark {
			return i
		}
	}
	return -1
}

func params(t *testing.T, m map[string]interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func newTestEngine(t *testing.T, store *fakeStore, cfg Config) (*Engine, *telemetry.Telemetry) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	tel := newTestTelemetry(t)
	return NewEngine(plugins.Default(), store, cfg, tel), tel
}

func collectNotifications(tel *telemetry.Telemetry) func() []core.Notification {
	var mu sync.Mutex
	var seen []core.Notification
	tel.Notifier.Subscribe(func(n core.Notification) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}, nil)
	return func() []core.Notification {
		mu.Lock()
		defer mu.Unlock()
		out := make([]core.Notification, len(seen))
		copy(out, seen)
		return out
	}
}

func pendingPlan(uuid string, id int64) *core.ActionPlan {
	return &core.ActionPlan{ID: id, UUID: uuid, AuditID: 1, StrategyID: 1, State: core.PlanPending}
}

func TestChainedPlanSucceeds(t *testing.T) {
	store := newFakeStore()
	nop1 := &core.Action{UUID: "a-nop1", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"message": "Hi"})}
	nop2 := &core.Action{UUID: "a-nop2", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"message": "Welcome"}),
		Parents:         []string{"a-nop1"}}
	sleep := &core.Action{UUID: "a-sleep", ActionPlanID: 9, ActionType: "sleep", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"duration": 0.01}),
		Parents:         []string{"a-nop2"}}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{nop1, nop2, sleep})

	engine, _ := newTestEngine(t, store, DefaultConfig())
	if err := engine.LaunchActionPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("LaunchActionPlan() error = %v", err)
	}

	for _, uuid := range []string{"a-nop1", "a-nop2", "a-sleep"} {
		if got := store.action(t, uuid).State; got != core.ActionSucceeded {
			t.Errorf("action %s state = %s, want SUCCEEDED", uuid, got)
		}
	}
	if got := store.planState("plan-1"); got != core.PlanSucceeded {
		t.Errorf("plan state = %s, want SUCCEEDED", got)
	}

	// The chain is honored: each action succeeds before the next starts.
	if store.transitionIndex("a-nop1:SUCCEEDED") > store.transitionIndex("a-nop2:ONGOING") {
		t.Errorf("second action started before the first finished: %v", store.transitions)
	}
	if store.transitionIndex("a-nop2:SUCCEEDED") > store.transitionIndex("a-sleep:ONGOING") {
		t.Errorf("sleep started before its parent finished: %v", store.transitions)
	}
}

func TestNonPendingPlanRejected(t *testing.T) {
	store := newFakeStore()
	plan := pendingPlan("plan-1", 9)
	plan.State = core.PlanRecommended
	store.addPlan(plan, nil)

	engine, _ := newTestEngine(t, store, DefaultConfig())
	if err := engine.LaunchActionPlan(context.Background(), "plan-1"); err == nil {
		t.Fatal("launching a RECOMMENDED plan should fail")
	}
}

func TestCyclicPlanRejected(t *testing.T) {
	store := newFakeStore()
	first := &core.Action{UUID: "a-first", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		Parents: []string{"a-second"}}
	second := &core.Action{UUID: "a-second", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		Parents: []string{"a-first"}}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{first, second})

	engine, _ := newTestEngine(t, store, DefaultConfig())

	done := make(chan error, 1)
	go func() { done <- engine.LaunchActionPlan(context.Background(), "plan-1") }()

	select {
	case err := <-done:
		if err == nil || !core.IsPermanent(err) {
			t.Fatalf("LaunchActionPlan() error = %v, want permanent validation error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("LaunchActionPlan() blocked on a cyclic plan")
	}

	if got := store.planState("plan-1"); got != core.PlanFailed {
		t.Errorf("plan state = %s, want FAILED", got)
	}
	for _, uuid := range []string{"a-first", "a-second"} {
		if got := store.action(t, uuid).State; got != core.ActionPending {
			t.Errorf("action %s state = %s, want PENDING", uuid, got)
		}
	}
}

func TestMidFlightCancellation(t *testing.T) {
	store := newFakeStore()
	first := &core.Action{UUID: "a-first", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending}
	long := &core.Action{UUID: "a-long", ActionPlanID: 9, ActionType: "sleep", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"duration": 30.0}),
		Parents:         []string{"a-first"}}
	last := &core.Action{UUID: "a-last", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		Parents: []string{"a-long"}}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{first, long, last})

	engine, tel := newTestEngine(t, store, DefaultConfig())
	notifications := collectNotifications(tel)

	done := make(chan error, 1)
	go func() {
		done <- engine.LaunchActionPlan(context.Background(), "plan-1")
	}()

	waitFor(t, func() bool { return store.action(t, "a-long").State == core.ActionOngoing })
	store.setPlanState("plan-1", core.PlanCancelling)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("LaunchActionPlan() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("plan did not finish after cancellation")
	}

	if got := store.action(t, "a-long").State; got != core.ActionCancelled {
		t.Errorf("running action state = %s, want CANCELLED", got)
	}
	if store.transitionIndex("a-long:CANCELLING") == -1 {
		t.Errorf("running action skipped CANCELLING: %v", store.transitions)
	}
	if got := store.action(t, "a-last").State; got != core.ActionCancelled {
		t.Errorf("pending action state = %s, want CANCELLED", got)
	}
	if store.transitionIndex("a-last:ONGOING") != -1 {
		t.Errorf("pending action ran despite cancellation: %v", store.transitions)
	}
	if got := store.planState("plan-1"); got != core.PlanCancelled {
		t.Errorf("plan state = %s, want CANCELLED", got)
	}

	countCancelEnd := func() int {
		n := 0
		for _, ev := range notifications() {
			if ev.EventType == core.EventType("action_plan", "cancel", core.PhaseEnd) {
				n++
			}
		}
		return n
	}
	waitFor(t, func() bool { return countCancelEnd() >= 1 })
	// Delivery is asynchronous. Let any stray duplicate arrive before counting.
	time.Sleep(100 * time.Millisecond)
	if got := countCancelEnd(); got != 1 {
		t.Errorf("got %d plan cancel end notifications, want exactly 1", got)
	}
}

func TestSkipInPreConditionRunsChildren(t *testing.T) {
	store := newFakeStore()
	skipped := &core.Action{UUID: "a-skip", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"skip_pre_condition": true})}
	child := &core.Action{UUID: "a-child", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		Parents: []string{"a-skip"}}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{skipped, child})

	engine, _ := newTestEngine(t, store, DefaultConfig())
	if err := engine.LaunchActionPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("LaunchActionPlan() error = %v", err)
	}

	got := store.action(t, "a-skip")
	if got.State != core.ActionSkipped {
		t.Errorf("action state = %s, want SKIPPED", got.State)
	}
	want := "Action was skipped automatically: Skipped in pre_condition"
	if got.StatusMessage != want {
		t.Errorf("status message = %q, want %q", got.StatusMessage, want)
	}
	if store.action(t, "a-child").State != core.ActionSucceeded {
		t.Error("child of a skipped action should still run")
	}
	if store.planState("plan-1") != core.PlanSucceeded {
		t.Errorf("plan state = %s, want SUCCEEDED", store.planState("plan-1"))
	}
}

func TestFailureMessageNamesPhase(t *testing.T) {
	store := newFakeStore()
	bad := &core.Action{UUID: "a-bad", ActionPlanID: 9, ActionType: "sleep", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"duration": -1.0})}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{bad})

	engine, _ := newTestEngine(t, store, DefaultConfig())
	if err := engine.LaunchActionPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("LaunchActionPlan() error = %v", err)
	}

	got := store.action(t, "a-bad")
	if got.State != core.ActionFailed {
		t.Fatalf("action state = %s, want FAILED", got.State)
	}
	if !strings.HasPrefix(got.StatusMessage, "Action failed in pre_condition: ") {
		t.Errorf("status message = %q", got.StatusMessage)
	}
	if store.planState("plan-1") != core.PlanFailed {
		t.Errorf("plan state = %s, want FAILED", store.planState("plan-1"))
	}
}

func TestFailureDoesNotStopSiblings(t *testing.T) {
	store := newFakeStore()
	bad := &core.Action{UUID: "a-bad", ActionPlanID: 9, ActionType: "sleep", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"duration": -1.0})}
	ok := &core.Action{UUID: "a-ok", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending}
	child := &core.Action{UUID: "a-child", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		Parents: []string{"a-bad"}}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{bad, ok, child})

	engine, _ := newTestEngine(t, store, DefaultConfig())
	if err := engine.LaunchActionPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("LaunchActionPlan() error = %v", err)
	}

	if store.action(t, "a-ok").State != core.ActionSucceeded {
		t.Error("independent sibling should run despite the failure")
	}
	// Under the default ALWAYS decider the child of a failed parent runs.
	if store.action(t, "a-child").State != core.ActionSucceeded {
		t.Errorf("child state = %s, want SUCCEEDED", store.action(t, "a-child").State)
	}
}

func TestAnyDeciderSkipsChildrenOfSuccess(t *testing.T) {
	store := newFakeStore()
	parent := &core.Action{UUID: "a-parent", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending}
	child := &core.Action{UUID: "a-child", ActionPlanID: 9, ActionType: "nop", State: core.ActionPending,
		Parents: []string{"a-parent"}}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{parent, child})

	cfg := DefaultConfig()
	cfg.Decider = DeciderAny
	engine, _ := newTestEngine(t, store, cfg)
	if err := engine.LaunchActionPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("LaunchActionPlan() error = %v", err)
	}

	if store.action(t, "a-parent").State != core.ActionSucceeded {
		t.Errorf("parent state = %s", store.action(t, "a-parent").State)
	}
	if store.action(t, "a-child").State != core.ActionSkipped {
		t.Errorf("child state = %s, want SKIPPED under the ANY decider", store.action(t, "a-child").State)
	}
	if store.planState("plan-1") != core.PlanSucceeded {
		t.Errorf("plan state = %s, want SUCCEEDED", store.planState("plan-1"))
	}
}

// recordingCloud captures the provider calls the builtin actions make.
type recordingCloud struct {
	mu    sync.Mutex
	calls []string
}

var _ actions.CloudClient = (*recordingCloud)(nil)

func (c *recordingCloud) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *recordingCloud) MigrateInstance(ctx context.Context, instanceUUID, destNode, migrationType string) error {
	c.record("migrate:" + instanceUUID + ":" + destNode + ":" + migrationType)
	return nil
}

func (c *recordingCloud) SetComputeServiceState(ctx context.Context, nodeUUID, state string) error {
	c.record("service:" + nodeUUID + ":" + state)
	return nil
}

func (c *recordingCloud) SetNodePowerState(ctx context.Context, nodeUUID, state string) error {
	c.record("power:" + nodeUUID + ":" + state)
	return nil
}

func (c *recordingCloud) MigrateVolume(ctx context.Context, volumeUUID, destPool string) error {
	c.record("volume:" + volumeUUID + ":" + destPool)
	return nil
}

func TestInjectedCloudClientReceivesCalls(t *testing.T) {
	store := newFakeStore()
	migrate := &core.Action{UUID: "a-migrate", ActionPlanID: 9, ActionType: "migrate", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{
			"resource_id":      "vm-1",
			"destination_node": "node-2",
		})}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{migrate})

	engine, _ := newTestEngine(t, store, DefaultConfig())
	cloud := &recordingCloud{}
	engine.SetCloudClient(cloud)

	if err := engine.LaunchActionPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("LaunchActionPlan() error = %v", err)
	}
	if got := store.action(t, "a-migrate").State; got != core.ActionSucceeded {
		t.Fatalf("action state = %s, want SUCCEEDED", got)
	}

	cloud.mu.Lock()
	defer cloud.mu.Unlock()
	if len(cloud.calls) != 1 || cloud.calls[0] != "migrate:vm-1:node-2:live" {
		t.Errorf("cloud calls = %v, want [migrate:vm-1:node-2:live]", cloud.calls)
	}
}

func TestExternallyFinishedActionAdopted(t *testing.T) {
	store := newFakeStore()
	long := &core.Action{UUID: "a-long", ActionPlanID: 9, ActionType: "sleep", State: core.ActionPending,
		InputParameters: params(t, map[string]interface{}{"duration": 30.0})}
	store.addPlan(pendingPlan("plan-1", 9), []*core.Action{long})

	engine, _ := newTestEngine(t, store, DefaultConfig())
	done := make(chan error, 1)
	go func() {
		done <- engine.LaunchActionPlan(context.Background(), "plan-1")
	}()

	waitFor(t, func() bool { return store.action(t, "a-long").State == core.ActionOngoing })

	// Another actor marks the action finished out of band.
	store.mu.Lock()
	store.actions["a-long"].State = core.ActionSucceeded
	store.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("LaunchActionPlan() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not adopt the external terminal state")
	}
	if store.planState("plan-1") != core.PlanSucceeded {
		t.Errorf("plan state = %s, want SUCCEEDED", store.planState("plan-1"))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

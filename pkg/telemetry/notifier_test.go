package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

func newTestNotifier(t *testing.T, level string) (*Notifier, *recorder) {
	t.Helper()

	n, err := NewNotifier(NotificationsConfig{
		Enabled:     true,
		Level:       level,
		BufferSize:  16,
		PublisherID: "fleetwise-decision-engine:node1",
	}, nil)
	if err != nil {
		t.Fatalf("NewNotifier() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})

	rec := &recorder{}
	n.Subscribe(rec.record, nil)
	return n, rec
}

type recorder struct {
	mu     sync.Mutex
	events []core.Notification
}

func (r *recorder) record(ev core.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) wait(t *testing.T, want int) []core.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.events)
		r.mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Notification(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNotifierEnvelopeDefaults(t *testing.T) {
	n, rec := newTestNotifier(t, "INFO")

	n.NotifyAudit("update", "", core.PriorityInfo, AuditPayload{
		UUID:  "audit-1",
		State: "ONGOING",
	})

	events := rec.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("delivered %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.EventType != "audit.update" {
		t.Errorf("EventType = %q, want %q", ev.EventType, "audit.update")
	}
	if ev.PublisherID != "fleetwise-decision-engine:node1" {
		t.Errorf("PublisherID = %q", ev.PublisherID)
	}
	if ev.Version == "" {
		t.Error("Version not set")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if ev.Topic != core.TopicConductor {
		t.Errorf("Topic = %q, want conductor", ev.Topic)
	}
}

func TestNotifierPriorityFloor(t *testing.T) {
	n, rec := newTestNotifier(t, "WARNING")

	n.NotifyAudit("update", "", core.PriorityInfo, AuditPayload{UUID: "a"})
	n.NotifyAudit("update", "", core.PriorityError, AuditPayload{UUID: "b"})

	events := rec.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("delivered %d events, want 1", len(events))
	}
	if events[0].Priority != core.PriorityError {
		t.Errorf("Priority = %v, want ERROR", events[0].Priority)
	}
}

func TestNotifierActionExecutionTopic(t *testing.T) {
	n, rec := newTestNotifier(t, "DEBUG")

	n.NotifyActionExecution(core.PhaseStart, core.PriorityInfo, ActionPayload{
		UUID:       "action-1",
		ActionType: "migrate",
		State:      "ONGOING",
	})

	events := rec.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("delivered %d events, want 1", len(events))
	}
	if events[0].EventType != "action.execution.start" {
		t.Errorf("EventType = %q", events[0].EventType)
	}
	if events[0].Topic != core.TopicStatus {
		t.Errorf("Topic = %q, want status", events[0].Topic)
	}
}

func TestNotifierSubscriberFilter(t *testing.T) {
	n, err := NewNotifier(NotificationsConfig{
		Enabled:    true,
		Level:      "DEBUG",
		BufferSize: 16,
	}, nil)
	if err != nil {
		t.Fatalf("NewNotifier() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})

	status := &recorder{}
	n.Subscribe(status.record, FilterByTopic(core.TopicStatus))
	all := &recorder{}
	n.Subscribe(all.record, nil)

	n.NotifyAudit("create", "", core.PriorityInfo, AuditPayload{UUID: "a"})
	n.NotifyStrategy(core.PhaseStart, core.PriorityInfo, StrategyPayload{AuditUUID: "a"})

	allEvents := all.wait(t, 2)
	if len(allEvents) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(allEvents))
	}
	statusEvents := status.wait(t, 1)
	if len(statusEvents) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(statusEvents))
	}
	if statusEvents[0].EventType != "audit.strategy.start" {
		t.Errorf("EventType = %q", statusEvents[0].EventType)
	}
}

func TestNotifierDisabled(t *testing.T) {
	n, err := NewNotifier(NotificationsConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewNotifier() error = %v", err)
	}

	rec := &recorder{}
	n.Subscribe(rec.record, nil)

	// Must not block or panic without a delivery loop.
	n.NotifyAudit("update", "", core.PriorityCritical, AuditPayload{UUID: "a"})
	time.Sleep(20 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("disabled notifier delivered %d events", rec.count())
	}
}

func TestNotifierServiceUpdatePriority(t *testing.T) {
	n, rec := newTestNotifier(t, "DEBUG")

	n.NotifyServiceUpdate(ServicePayload{
		Name:     core.ServiceDecisionEngine,
		Host:     "node1",
		OldState: "ACTIVE",
		State:    "FAILED",
	})

	events := rec.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("delivered %d events, want 1", len(events))
	}
	if events[0].EventType != "service.update" {
		t.Errorf("EventType = %q", events[0].EventType)
	}
	if events[0].Priority != core.PriorityWarning {
		t.Errorf("Priority = %v, want WARNING", events[0].Priority)
	}
}

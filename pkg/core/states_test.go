package core

import (
	"errors"
	"testing"
	"time"
)

func TestActionStateForwardOnly(t *testing.T) {
	allowed := []struct {
		from, to ActionState
	}{
		{ActionPending, ActionOngoing},
		{ActionOngoing, ActionSucceeded},
		{ActionOngoing, ActionFailed},
		{ActionOngoing, ActionCancelling},
		{ActionCancelling, ActionCancelled},
		{ActionPending, ActionSkipped},
		{ActionPending, ActionCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("CanTransition(%s -> %s) = false, want true", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from, to ActionState
	}{
		{ActionOngoing, ActionPending},
		{ActionSucceeded, ActionOngoing},
		{ActionFailed, ActionPending},
		{ActionCancelled, ActionOngoing},
		{ActionSkipped, ActionSucceeded},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("CanTransition(%s -> %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestActionStateTerminal(t *testing.T) {
	terminal := []ActionState{ActionSucceeded, ActionFailed, ActionCancelled, ActionSkipped, ActionDeleted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []ActionState{ActionPending, ActionOngoing, ActionCancelling} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestActionPlanStateCancelRequested(t *testing.T) {
	if !PlanCancelling.IsCancelRequested() {
		t.Error("CANCELLING should report cancel requested")
	}
	if !PlanCancelled.IsCancelRequested() {
		t.Error("CANCELLED should report cancel requested")
	}
	if PlanOngoing.IsCancelRequested() {
		t.Error("ONGOING should not report cancel requested")
	}
}

func TestAuditTypeValidate(t *testing.T) {
	for _, a := range []AuditType{AuditTypeOneshot, AuditTypeContinuous, AuditTypeEvent} {
		if err := a.Validate(); err != nil {
			t.Errorf("Validate(%s) error = %v", a, err)
		}
	}
	if err := AuditType("WEEKLY").Validate(); err == nil {
		t.Error("Validate(WEEKLY) should fail")
	}
}

func TestServiceStatus(t *testing.T) {
	now := time.Now()
	svc := &Service{Name: ServiceDecisionEngine, Host: "node1", LastSeenUp: now.Add(-30 * time.Second)}

	if got := svc.Status(now, time.Minute); got != ServiceActive {
		t.Errorf("Status() = %s, want ACTIVE", got)
	}
	if got := svc.Status(now, 10*time.Second); got != ServiceFailed {
		t.Errorf("Status() = %s, want FAILED", got)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("db locked")
	err := NewTransientError("save failed", base).WithCode(ErrCodePersistence).WithEntity("uuid-1")

	if !IsTransient(err) {
		t.Error("IsTransient() = false")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false")
	}
	if IsPermanent(err) {
		t.Error("IsPermanent() = true")
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is should reach the wrapped error")
	}

	cancel := NewCancelledError("plan cancelled")
	if !IsCancelled(cancel) {
		t.Error("IsCancelled() = false")
	}
	if IsRetryable(cancel) {
		t.Error("cancellation must not be retryable")
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("WARNING")
	if err != nil || p != PriorityWarning {
		t.Fatalf("ParsePriority(WARNING) = %v, %v", p, err)
	}
	if _, err := ParsePriority("NOISY"); err == nil {
		t.Error("ParsePriority(NOISY) should fail")
	}
	if PriorityDebug >= PriorityInfo || PriorityError >= PriorityCritical {
		t.Error("priority ordering broken")
	}
}

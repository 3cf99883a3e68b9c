package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders notifications from least to most severe.
type Priority int

const (
	PriorityDebug Priority = iota
	PriorityInfo
	PriorityWarning
	PriorityError
	PriorityCritical
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityDebug:
		return "DEBUG"
	case PriorityInfo:
		return "INFO"
	case PriorityWarning:
		return "WARNING"
	case PriorityError:
		return "ERROR"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParsePriority maps a configured level name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "DEBUG":
		return PriorityDebug, nil
	case "INFO", "":
		return PriorityInfo, nil
	case "WARNING":
		return PriorityWarning, nil
	case "ERROR":
		return PriorityError, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("invalid notification level: %s", s)
	}
}

// Topic selects the delivery topic for a notification.
type Topic string

const (
	// TopicConductor carries control-plane events (audit create/update,
	// plan create/update, service updates).
	TopicConductor Topic = "conductor"

	// TopicStatus carries lifecycle events (strategy and action
	// execution phases).
	TopicStatus Topic = "status"
)

// Phase tags the stage of a multi-step event.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
	PhaseError Phase = "error"
)

// Notification is the versioned event envelope emitted on every state
// transition. Delivery is fire-and-forget; a failed delivery never blocks
// the transition that produced it.
type Notification struct {
	// EventType is "<object>.<action>" or "<object>.<action>.<phase>",
	// e.g. "audit.update" or "action.execution.start".
	EventType string `json:"event_type"`

	Priority Priority `json:"priority"`
	Topic    Topic    `json:"topic"`

	// PublisherID is "<binary>:<host>".
	PublisherID string `json:"publisher_id"`

	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the envelope payload into out.
func (n Notification) DecodePayload(out interface{}) error {
	if len(n.Payload) == 0 {
		return fmt.Errorf("notification %s has no payload", n.EventType)
	}
	return json.Unmarshal(n.Payload, out)
}

// EventType builds the dotted event type string.
func EventType(object, action string, phase Phase) string {
	if phase == "" {
		return object + "." + action
	}
	return fmt.Sprintf("%s.%s.%s", object, action, phase)
}

// Notifier is the contract every component uses to emit notifications.
// Implementations must never block the caller on delivery.
type Notifier interface {
	Notify(n Notification)
}

// NopNotifier discards every notification. Used in tests and when the
// notification bus is disabled.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(Notification) {}

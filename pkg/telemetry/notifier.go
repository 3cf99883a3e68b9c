package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Envelope version emitted by this binary.
const notificationVersion = "1.0"

// Subscriber is a function that handles delivered notifications.
type Subscriber func(n core.Notification)

// Filter determines whether a notification should be delivered.
type Filter func(n core.Notification) bool

// Notifier is the notification bus. Every state transition on audits,
// action plans, actions, and services goes through it. Delivery is
// asynchronous and fire-and-forget: a full buffer drops the notification
// and the state transition that produced it proceeds regardless.
type Notifier struct {
	config  NotificationsConfig
	floor   core.Priority
	metrics *Metrics

	buffer      chan core.Notification
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber Subscriber
	filter     Filter
}

// NewNotifier creates the notification bus. metrics may be nil.
func NewNotifier(cfg NotificationsConfig, metrics *Metrics) (*Notifier, error) {
	floor, err := core.ParsePriority(cfg.Level)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		config:  cfg,
		floor:   floor,
		metrics: metrics,
	}
	if !cfg.Enabled {
		return n, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.buffer = make(chan core.Notification, cfg.BufferSize)
	n.ctx = ctx
	n.cancel = cancel

	n.wg.Add(1)
	go n.deliverLoop()

	return n, nil
}

// Notify implements core.Notifier. Notifications below the configured
// priority floor are suppressed. Never blocks.
func (n *Notifier) Notify(ev core.Notification) {
	if !n.config.Enabled || ev.Priority < n.floor {
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.PublisherID == "" {
		ev.PublisherID = n.config.PublisherID
	}
	if ev.Version == "" {
		ev.Version = notificationVersion
	}
	if ev.Topic == "" {
		ev.Topic = core.TopicConductor
	}

	select {
	case n.buffer <- ev:
		if n.metrics != nil {
			n.metrics.RecordNotification(string(ev.Topic), ev.Priority.String())
		}
	default:
		// Buffer full. Drop rather than block the state transition.
		if n.metrics != nil {
			n.metrics.RecordNotificationDropped()
		}
	}
}

// NotifyObject marshals the payload and emits an envelope on the given
// topic. Marshal failures are swallowed; the bus never fails a caller.
func (n *Notifier) NotifyObject(topic core.Topic, eventType string, priority core.Priority, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.Notify(core.Notification{
		EventType: eventType,
		Priority:  priority,
		Topic:     topic,
		Payload:   raw,
	})
}

// AuditPayload is the payload schema of audit.* events.
type AuditPayload struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	AuditType string `json:"audit_type"`
	State     string `json:"state"`
	GoalUUID  string `json:"goal_uuid,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

// NotifyAudit emits an audit lifecycle event on the conductor topic.
func (n *Notifier) NotifyAudit(action string, phase core.Phase, priority core.Priority, p AuditPayload) {
	n.NotifyObject(core.TopicConductor, core.EventType("audit", action, phase), priority, p)
}

// PlanPayload is the payload schema of action_plan.* events.
type PlanPayload struct {
	UUID      string `json:"uuid"`
	AuditUUID string `json:"audit_uuid"`
	State     string `json:"state"`
	Hostname  string `json:"hostname,omitempty"`
}

// NotifyPlan emits an action plan lifecycle event on the conductor topic.
func (n *Notifier) NotifyPlan(action string, phase core.Phase, priority core.Priority, p PlanPayload) {
	n.NotifyObject(core.TopicConductor, core.EventType("action_plan", action, phase), priority, p)
}

// ActionPayload is the payload schema of action.* events.
type ActionPayload struct {
	UUID          string `json:"uuid"`
	PlanUUID      string `json:"action_plan_uuid"`
	ActionType    string `json:"action_type"`
	State         string `json:"state"`
	StatusMessage string `json:"status_message,omitempty"`
}

// NotifyActionExecution emits an action execution event on the status
// topic with the given phase.
func (n *Notifier) NotifyActionExecution(phase core.Phase, priority core.Priority, p ActionPayload) {
	n.NotifyObject(core.TopicStatus, core.EventType("action", "execution", phase), priority, p)
}

// StrategyPayload is the payload schema of audit.strategy.* events.
type StrategyPayload struct {
	AuditUUID string `json:"audit_uuid"`
	Strategy  string `json:"strategy"`
	Goal      string `json:"goal"`
	Error     string `json:"error,omitempty"`
}

// NotifyStrategy emits a strategy phase event on the status topic.
func (n *Notifier) NotifyStrategy(phase core.Phase, priority core.Priority, p StrategyPayload) {
	n.NotifyObject(core.TopicStatus, core.EventType("audit", "strategy", phase), priority, p)
}

// ServicePayload is the payload schema of service.update events.
type ServicePayload struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	OldState string `json:"old_state"`
	State    string `json:"state"`
}

// NotifyServiceUpdate emits a service liveness transition on the
// conductor topic.
func (n *Notifier) NotifyServiceUpdate(p ServicePayload) {
	priority := core.PriorityInfo
	if p.State == string(core.ServiceFailed) {
		priority = core.PriorityWarning
	}
	n.NotifyObject(core.TopicConductor, core.EventType("service", "update", ""), priority, p)
}

// Subscribe adds a new subscriber. filter may be nil to receive all
// notifications.
func (n *Notifier) Subscribe(subscriber Subscriber, filter Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// deliverLoop drains the buffer and fans notifications out to the
// subscribers.
func (n *Notifier) deliverLoop() {
	defer n.wg.Done()

	for {
		select {
		case ev := <-n.buffer:
			n.deliver(ev)
		case <-n.ctx.Done():
			// Drain whatever is left before shutting down.
			for {
				select {
				case ev := <-n.buffer:
					n.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(ev core.Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, entry := range n.subscribers {
		if entry.filter != nil && !entry.filter(ev) {
			continue
		}
		entry.subscriber(ev)
	}
}

// Shutdown stops the bus after draining buffered notifications.
func (n *Notifier) Shutdown(ctx context.Context) error {
	if !n.config.Enabled {
		return nil
	}

	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifier shutdown timeout")
	}
}

// FilterByTopic creates a filter that only passes one topic.
func FilterByTopic(topic core.Topic) Filter {
	return func(ev core.Notification) bool {
		return ev.Topic == topic
	}
}

// FilterByEventType creates a filter that only passes specific event types.
func FilterByEventType(types ...string) Filter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(ev core.Notification) bool {
		return typeSet[ev.EventType]
	}
}

// FilterByPriority creates a filter that passes events at or above the
// given priority.
func FilterByPriority(min core.Priority) Filter {
	return func(ev core.Notification) bool {
		return ev.Priority >= min
	}
}

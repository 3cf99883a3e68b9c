package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the fleetwise workers.
type Metrics struct {
	config MetricsConfig

	// Audit metrics
	auditsLaunched  *prometheus.CounterVec
	auditsCompleted *prometheus.CounterVec
	auditDuration   *prometheus.HistogramVec

	// Action plan metrics
	plansCreated  *prometheus.CounterVec
	plansExecuted *prometheus.CounterVec
	planDuration  *prometheus.HistogramVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	// Model metrics
	modelSyncs     *prometheus.CounterVec
	modelSyncDuration *prometheus.HistogramVec
	modelStale     *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Notification metrics
	notificationsEmitted *prometheus.CounterVec
	notificationsDropped prometheus.Counter

	// System metrics
	activeAudits prometheus.Gauge
	activePlans  prometheus.Gauge
	serviceUp    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		auditsLaunched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audits_launched_total",
				Help:      "Total number of audit executions started",
			},
			[]string{"audit_type", "strategy"},
		),
		auditsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audits_completed_total",
				Help:      "Total number of audit executions completed",
			},
			[]string{"audit_type", "state"},
		),
		auditDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "audit_duration_seconds",
				Help:      "Duration of audit execution in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy", "state"},
		),

		plansCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_plans_created_total",
				Help:      "Total number of action plans emitted by the planner",
			},
			[]string{"strategy"},
		),
		plansExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_plans_executed_total",
				Help:      "Total number of action plans executed",
			},
			[]string{"state"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_plan_duration_seconds",
				Help:      "Duration of action plan execution in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of actions executed",
			},
			[]string{"action_type", "state"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action_type"},
		),

		modelSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_synchronizations_total",
				Help:      "Total number of cluster model synchronizations",
			},
			[]string{"collector", "status"},
		),
		modelSyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_synchronization_duration_seconds",
				Help:      "Duration of cluster model synchronization in seconds",
				Buckets:   buckets,
			},
			[]string{"collector"},
		),
		modelStale: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_stale",
				Help:      "Whether the cluster model of a collector is stale (1=stale)",
			},
			[]string{"collector"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		notificationsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_emitted_total",
				Help:      "Total number of notifications emitted",
			},
			[]string{"topic", "priority"},
		),
		notificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Total number of notifications dropped because the buffer was full",
			},
		),

		activeAudits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_audits",
				Help:      "Current number of audits executing on this worker",
			},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_action_plans",
				Help:      "Current number of action plans executing on this worker",
			},
		),
		serviceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_up",
				Help:      "Liveness of known worker services (1=ACTIVE, 0=FAILED)",
			},
			[]string{"name", "host"},
		),
	}

	registry.MustRegister(
		m.auditsLaunched,
		m.auditsCompleted,
		m.auditDuration,
		m.plansCreated,
		m.plansExecuted,
		m.planDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.modelSyncs,
		m.modelSyncDuration,
		m.modelStale,
		m.errorsByClass,
		m.errorsByCode,
		m.notificationsEmitted,
		m.notificationsDropped,
		m.activeAudits,
		m.activePlans,
		m.serviceUp,
	)

	return m, nil
}

// RecordAuditLaunched increments the counter for launched audits.
func (m *Metrics) RecordAuditLaunched(auditType, strategy string) {
	if m.auditsLaunched == nil {
		return
	}
	m.auditsLaunched.WithLabelValues(auditType, strategy).Inc()
	m.activeAudits.Inc()
}

// RecordAuditCompleted records a completed audit with its terminal state
// and duration.
func (m *Metrics) RecordAuditCompleted(auditType, strategy, state string, duration time.Duration) {
	if m.auditsCompleted == nil {
		return
	}
	m.auditsCompleted.WithLabelValues(auditType, state).Inc()
	m.auditDuration.WithLabelValues(strategy, state).Observe(duration.Seconds())
	m.activeAudits.Dec()
}

// RecordPlanCreated records a plan emitted by the planner.
func (m *Metrics) RecordPlanCreated(strategy string) {
	if m.plansCreated == nil {
		return
	}
	m.plansCreated.WithLabelValues(strategy).Inc()
}

// RecordPlanStarted increments the active plan gauge.
func (m *Metrics) RecordPlanStarted() {
	if m.activePlans == nil {
		return
	}
	m.activePlans.Inc()
}

// RecordPlanCompleted records a finished plan with its terminal state.
func (m *Metrics) RecordPlanCompleted(state string, duration time.Duration) {
	if m.plansExecuted == nil {
		return
	}
	m.plansExecuted.WithLabelValues(state).Inc()
	m.planDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// RecordActionExecution records the execution of one action.
func (m *Metrics) RecordActionExecution(actionType, state string, duration time.Duration) {
	if m.actionsExecuted == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(actionType, state).Inc()
	m.actionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordModelSync records one collector synchronization cycle.
func (m *Metrics) RecordModelSync(collector, status string, duration time.Duration) {
	if m.modelSyncs == nil {
		return
	}
	m.modelSyncs.WithLabelValues(collector, status).Inc()
	m.modelSyncDuration.WithLabelValues(collector).Observe(duration.Seconds())
}

// SetModelStale sets the staleness gauge for a collector's model.
func (m *Metrics) SetModelStale(collector string, stale bool) {
	if m.modelStale == nil {
		return
	}
	value := 0.0
	if stale {
		value = 1.0
	}
	m.modelStale.WithLabelValues(collector).Set(value)
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordNotification records an emitted notification.
func (m *Metrics) RecordNotification(topic, priority string) {
	if m.notificationsEmitted == nil {
		return
	}
	m.notificationsEmitted.WithLabelValues(topic, priority).Inc()
}

// RecordNotificationDropped records a dropped notification.
func (m *Metrics) RecordNotificationDropped() {
	if m.notificationsDropped == nil {
		return
	}
	m.notificationsDropped.Inc()
}

// SetServiceUp sets the liveness gauge for one worker service.
func (m *Metrics) SetServiceUp(name, host string, up bool) {
	if m.serviceUp == nil {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	m.serviceUp.WithLabelValues(name, host).Set(value)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

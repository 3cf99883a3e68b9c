// Package telemetry provides observability instrumentation for the
// fleetwise workers.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics, and the notification bus into one
// unified system.
//
// Initialize telemetry at worker startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "fleetwise-decision-engine"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Component loggers carry structured identity fields:
//
//	logger := tel.Logger.NewComponentLogger("decision-engine")
//	logger = logger.WithAuditID(audit.UUID)
//	logger.Info("launching audit")
//
// The notification bus emits versioned event envelopes on every state
// transition of audits, action plans, actions, and services:
//
//	tel.Notifier.NotifyAudit("update", "", core.PriorityInfo, telemetry.AuditPayload{
//	    UUID:  audit.UUID,
//	    State: string(audit.State),
//	})
//
// Notifications are fire-and-forget: a delivery failure or full buffer
// never blocks the state transition that produced the event. Configuration
// sets a priority floor; events below the floor are suppressed.
//
// Metrics are exposed via HTTP at /metrics (default :9322) and cover audit
// launches and completions, plan and action executions, model
// synchronization cycles, staleness, and service liveness.
package telemetry

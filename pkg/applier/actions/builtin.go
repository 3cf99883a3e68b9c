package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwise/fleetwise/pkg/plugins"
)

func init() {
	register := func(name string, action Action) {
		plugins.MustRegister(plugins.NamespaceActions, name, func(args map[string]interface{}) (interface{}, error) {
			return action, nil
		})
	}
	register("nop", &NopAction{})
	register("sleep", &SleepAction{})

	registerCloud := func(name string, build func(CloudClient) Action) {
		plugins.MustRegister(plugins.NamespaceActions, name, func(args map[string]interface{}) (interface{}, error) {
			return build(cloudFromArgs(args)), nil
		})
	}
	registerCloud("migrate", func(c CloudClient) Action { return &MigrateAction{cloud: c} })
	registerCloud("change_compute_service_state", func(c CloudClient) Action { return &ServiceStateAction{cloud: c} })
	registerCloud("change_node_power_state", func(c CloudClient) Action { return &PowerStateAction{cloud: c} })
	registerCloud("volume_migrate", func(c CloudClient) Action { return &VolumeMigrateAction{cloud: c} })
}

// NopAction does nothing. It exists to exercise plan execution.
type NopAction struct{}

func (a *NopAction) ActionType() string { return "nop" }

func (a *NopAction) Schema() string {
	return `
#Parameters: {
	message:            string | *""
	skip_pre_condition: bool | *false
}
`
}

func (a *NopAction) PreCondition(ctx context.Context, p Params) error { return skipIfRequested(p) }
func (a *NopAction) Execute(ctx context.Context, p Params) error      { return nil }
func (a *NopAction) PostCondition(ctx context.Context, p Params) error {
	return nil
}
func (a *NopAction) Revert(ctx context.Context, p Params) error { return nil }
func (a *NopAction) SupportsAbort() bool                        { return false }

// SleepAction waits the configured duration. It is abortable: plan
// cancellation interrupts the wait.
type SleepAction struct{}

func (a *SleepAction) ActionType() string { return "sleep" }

func (a *SleepAction) Schema() string {
	return `
#Parameters: {
	duration:           number | *5.0
	skip_pre_condition: bool | *false
}
`
}

func (a *SleepAction) PreCondition(ctx context.Context, p Params) error {
	if err := skipIfRequested(p); err != nil {
		return err
	}
	if p.Float("duration") < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

func (a *SleepAction) Execute(ctx context.Context, p Params) error {
	duration := time.Duration(p.Float("duration") * float64(time.Second))
	select {
	case <-time.After(duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *SleepAction) PostCondition(ctx context.Context, p Params) error { return nil }
func (a *SleepAction) Revert(ctx context.Context, p Params) error        { return nil }
func (a *SleepAction) SupportsAbort() bool                               { return true }

// CloudClient applies compute-side changes to the managed cloud. The
// builtin actions call it so the same plugins work against any
// provider adapter; the default implementation only records intent.
type CloudClient interface {
	MigrateInstance(ctx context.Context, instanceUUID, destNode, migrationType string) error
	SetComputeServiceState(ctx context.Context, nodeUUID, state string) error
	SetNodePowerState(ctx context.Context, nodeUUID, state string) error
	MigrateVolume(ctx context.Context, volumeUUID, destPool string) error
}

// nopCloud is the default client used when no adapter is wired.
type nopCloud struct{}

func (nopCloud) MigrateInstance(ctx context.Context, instanceUUID, destNode, migrationType string) error {
	return nil
}
func (nopCloud) SetComputeServiceState(ctx context.Context, nodeUUID, state string) error { return nil }
func (nopCloud) SetNodePowerState(ctx context.Context, nodeUUID, state string) error      { return nil }
func (nopCloud) MigrateVolume(ctx context.Context, volumeUUID, destPool string) error     { return nil }

// CloudClientArg is the factory argument carrying the provider adapter.
// Callers pass it through Load's args; each Load builds a fresh action
// instance bound to that client.
const CloudClientArg = "cloud_client"

func cloudFromArgs(args map[string]interface{}) CloudClient {
	if c, ok := args[CloudClientArg].(CloudClient); ok && c != nil {
		return c
	}
	return nopCloud{}
}

// MigrateAction live- or cold-migrates one instance.
type MigrateAction struct {
	cloud CloudClient
}

func (a *MigrateAction) ActionType() string { return "migrate" }

func (a *MigrateAction) Schema() string {
	return `
#Parameters: {
	resource_id:        string
	migration_type:     *"live" | "cold"
	source_node:        string | *""
	destination_node:   string
	skip_pre_condition: bool | *false
}
`
}

func (a *MigrateAction) PreCondition(ctx context.Context, p Params) error {
	if err := skipIfRequested(p); err != nil {
		return err
	}
	if p.String("resource_id") == "" {
		return fmt.Errorf("resource_id is required")
	}
	if p.String("destination_node") == "" {
		return fmt.Errorf("destination_node is required")
	}
	return nil
}

func (a *MigrateAction) Execute(ctx context.Context, p Params) error {
	return a.cloud.MigrateInstance(ctx, p.String("resource_id"), p.String("destination_node"), p.String("migration_type"))
}

func (a *MigrateAction) PostCondition(ctx context.Context, p Params) error { return nil }

// Revert moves the instance back to its source node when one was recorded.
func (a *MigrateAction) Revert(ctx context.Context, p Params) error {
	src := p.String("source_node")
	if src == "" {
		return nil
	}
	return a.cloud.MigrateInstance(ctx, p.String("resource_id"), src, p.String("migration_type"))
}

func (a *MigrateAction) SupportsAbort() bool { return true }

// ServiceStateAction enables or disables a compute node's service.
type ServiceStateAction struct {
	cloud CloudClient
}

func (a *ServiceStateAction) ActionType() string { return "change_compute_service_state" }

func (a *ServiceStateAction) Schema() string {
	return `
#Parameters: {
	resource_id:        string
	state:              "enabled" | "disabled"
	skip_pre_condition: bool | *false
}
`
}

func (a *ServiceStateAction) PreCondition(ctx context.Context, p Params) error {
	if err := skipIfRequested(p); err != nil {
		return err
	}
	if p.String("resource_id") == "" {
		return fmt.Errorf("resource_id is required")
	}
	return nil
}

func (a *ServiceStateAction) Execute(ctx context.Context, p Params) error {
	return a.cloud.SetComputeServiceState(ctx, p.String("resource_id"), p.String("state"))
}

func (a *ServiceStateAction) PostCondition(ctx context.Context, p Params) error { return nil }

func (a *ServiceStateAction) Revert(ctx context.Context, p Params) error {
	state := "enabled"
	if p.String("state") == "enabled" {
		state = "disabled"
	}
	return a.cloud.SetComputeServiceState(ctx, p.String("resource_id"), state)
}

func (a *ServiceStateAction) SupportsAbort() bool { return false }

// PowerStateAction powers a node on or off.
type PowerStateAction struct {
	cloud CloudClient
}

func (a *PowerStateAction) ActionType() string { return "change_node_power_state" }

func (a *PowerStateAction) Schema() string {
	return `
#Parameters: {
	resource_id:        string
	state:              "power on" | "power off"
	skip_pre_condition: bool | *false
}
`
}

func (a *PowerStateAction) PreCondition(ctx context.Context, p Params) error {
	if err := skipIfRequested(p); err != nil {
		return err
	}
	if p.String("resource_id") == "" {
		return fmt.Errorf("resource_id is required")
	}
	return nil
}

func (a *PowerStateAction) Execute(ctx context.Context, p Params) error {
	return a.cloud.SetNodePowerState(ctx, p.String("resource_id"), p.String("state"))
}

func (a *PowerStateAction) PostCondition(ctx context.Context, p Params) error { return nil }

func (a *PowerStateAction) Revert(ctx context.Context, p Params) error {
	state := "power on"
	if p.String("state") == "power on" {
		state = "power off"
	}
	return a.cloud.SetNodePowerState(ctx, p.String("resource_id"), state)
}

func (a *PowerStateAction) SupportsAbort() bool { return false }

// VolumeMigrateAction moves a volume to another pool.
type VolumeMigrateAction struct {
	cloud CloudClient
}

func (a *VolumeMigrateAction) ActionType() string { return "volume_migrate" }

func (a *VolumeMigrateAction) Schema() string {
	return `
#Parameters: {
	resource_id:        string
	destination_pool:   string
	skip_pre_condition: bool | *false
}
`
}

func (a *VolumeMigrateAction) PreCondition(ctx context.Context, p Params) error {
	if err := skipIfRequested(p); err != nil {
		return err
	}
	if p.String("resource_id") == "" || p.String("destination_pool") == "" {
		return fmt.Errorf("resource_id and destination_pool are required")
	}
	return nil
}

func (a *VolumeMigrateAction) Execute(ctx context.Context, p Params) error {
	return a.cloud.MigrateVolume(ctx, p.String("resource_id"), p.String("destination_pool"))
}

func (a *VolumeMigrateAction) PostCondition(ctx context.Context, p Params) error { return nil }
func (a *VolumeMigrateAction) Revert(ctx context.Context, p Params) error        { return nil }
func (a *VolumeMigrateAction) SupportsAbort() bool                               { return true }

package model

// Element states. Collectors normalize provider-specific values to
// these before inserting elements into the model.
const (
	NodeEnabled  = "enabled"
	NodeDisabled = "disabled"

	NodeUp   = "up"
	NodeDown = "down"

	InstanceActive  = "active"
	InstancePaused  = "paused"
	InstanceStopped = "stopped"
	InstanceError   = "error"

	PowerOn  = "power on"
	PowerOff = "power off"
)

// Resources is one capacity or demand vector.
type Resources struct {
	VCPUs    int
	MemoryMB int64
	DiskGB   int64
}

// Sub returns r minus other, clamping is the caller's concern.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		VCPUs:    r.VCPUs - other.VCPUs,
		MemoryMB: r.MemoryMB - other.MemoryMB,
		DiskGB:   r.DiskGB - other.DiskGB,
	}
}

// Fits reports whether demand fits inside r on every dimension.
func (r Resources) Fits(demand Resources) bool {
	return r.VCPUs >= demand.VCPUs &&
		r.MemoryMB >= demand.MemoryMB &&
		r.DiskGB >= demand.DiskGB
}

// ComputeNode is one hypervisor.
type ComputeNode struct {
	UUID             string
	Hostname         string
	Status           string
	State            string
	AvailabilityZone string

	// MemberOf lists the host aggregates the node belongs to.
	MemberOf []string

	Capacity Resources

	// Excluded marks the node out of scope for the current audit.
	Excluded bool
}

// Instance is one guest workload hosted by a compute node.
type Instance struct {
	UUID     string
	Name     string
	State    string
	Demand   Resources
	Metadata map[string]string
	Excluded bool
}

// Reserves reports whether the instance holds its resources on the host.
func (i *Instance) Reserves() bool {
	return i.State == InstanceActive || i.State == InstancePaused
}

// StorageNode is one storage backend host.
type StorageNode struct {
	UUID       string
	Host       string
	Zone       string
	Status     string
	State      string
	VolumeType []string
	Excluded   bool
}

// Pool is one capacity pool inside a storage node.
type Pool struct {
	Name                  string
	TotalVolumes          int
	TotalCapacityGB       float64
	FreeCapacityGB        float64
	ProvisionedCapacityGB float64
	AllocatedCapacityGB   float64
	Excluded              bool
}

// Volume is one block device owned by a pool.
type Volume struct {
	UUID       string
	Name       string
	SizeGB     int64
	Status     string
	AttachedTo []string
	Metadata   map[string]string
	Bootable   bool
	Excluded   bool
}

// BareMetalNode is one physical machine, optionally mapped to the
// compute node running on it.
type BareMetalNode struct {
	UUID            string
	PowerState      string
	Maintenance     bool
	ExtraCapable    bool
	ComputeNodeUUID string
	Excluded        bool
}

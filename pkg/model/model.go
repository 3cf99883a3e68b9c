package model

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Model is the cluster data model. All lookups key on element UUID.
// The zero value is not usable, construct with NewModel.
type Model struct {
	mu sync.RWMutex

	computeNodes map[string]*ComputeNode
	instances    map[string]*Instance

	// instanceHost maps instance uuid to hosting node uuid.
	instanceHost  map[string]string
	nodeInstances map[string]map[string]struct{}

	storageNodes map[string]*StorageNode
	pools        map[string]*Pool
	volumes      map[string]*Volume

	// volumePool maps volume uuid to owning pool name, poolStorage maps
	// pool name to owning storage node uuid.
	volumePool  map[string]string
	poolStorage map[string]string

	baremetalNodes map[string]*BareMetalNode

	stale     bool
	updatedAt time.Time
}

// NewModel returns an empty cluster data model.
func NewModel() *Model {
	return &Model{
		computeNodes:   map[string]*ComputeNode{},
		instances:      map[string]*Instance{},
		instanceHost:   map[string]string{},
		nodeInstances:  map[string]map[string]struct{}{},
		storageNodes:   map[string]*StorageNode{},
		pools:          map[string]*Pool{},
		volumes:        map[string]*Volume{},
		volumePool:     map[string]string{},
		poolStorage:    map[string]string{},
		baremetalNodes: map[string]*BareMetalNode{},
		updatedAt:      time.Now().UTC(),
	}
}

// SetStale flips the staleness bit. Strategies fail fast on a stale model.
func (m *Model) SetStale(stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = stale
}

// Stale reports whether the model missed its last refresh.
func (m *Model) Stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stale
}

// Touch records the time of the last successful refresh.
func (m *Model) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatedAt = time.Now().UTC()
}

// UpdatedAt returns the time of the last successful refresh.
func (m *Model) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updatedAt
}

// CheckFresh returns a stale-cluster-state error when the model is
// stale, nil otherwise.
func (m *Model) CheckFresh() error {
	if m.Stale() {
		return core.NewTransientError("cluster data model is stale", nil).
			WithCode(core.ErrCodeClusterStateStale)
	}
	return nil
}

// AddComputeNode inserts or replaces a compute node.
func (m *Model) AddComputeNode(node *ComputeNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.computeNodes[node.UUID] = node
	if m.nodeInstances[node.UUID] == nil {
		m.nodeInstances[node.UUID] = map[string]struct{}{}
	}
}

// RemoveComputeNode deletes a node and unmaps its instances. The
// instances themselves stay in the model until removed explicitly.
func (m *Model) RemoveComputeNode(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for inst := range m.nodeInstances[uuid] {
		delete(m.instanceHost, inst)
	}
	delete(m.nodeInstances, uuid)
	delete(m.computeNodes, uuid)
}

// GetComputeNode looks up one node by uuid.
func (m *Model) GetComputeNode(uuid string) (*ComputeNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.computeNodes[uuid]
	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("compute node not found: %s", uuid), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(uuid)
	}
	return node, nil
}

// ComputeNodes returns all nodes ordered by uuid.
func (m *Model) ComputeNodes() []*ComputeNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*ComputeNode, 0, len(m.computeNodes))
	for _, n := range m.computeNodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes
}

// AddInstance inserts an instance and maps it to its hosting node.
func (m *Model) AddInstance(inst *Instance, nodeUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.computeNodes[nodeUUID]; !ok {
		return core.NewPermanentError(fmt.Sprintf("compute node not found: %s", nodeUUID), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(nodeUUID)
	}
	m.instances[inst.UUID] = inst
	m.mapInstanceLocked(inst.UUID, nodeUUID)
	return nil
}

// RemoveInstance deletes an instance and its hosting relation.
func (m *Model) RemoveInstance(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if host, ok := m.instanceHost[uuid]; ok {
		delete(m.nodeInstances[host], uuid)
	}
	delete(m.instanceHost, uuid)
	delete(m.instances, uuid)
}

// GetInstance looks up one instance by uuid.
func (m *Model) GetInstance(uuid string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[uuid]
	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("instance not found: %s", uuid), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(uuid)
	}
	return inst, nil
}

// Instances returns all instances ordered by uuid.
func (m *Model) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, i := range m.instances {
		instances = append(instances, i)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].UUID < instances[j].UUID })
	return instances
}

// InstancesOnNode returns the instances hosted by one node, ordered by uuid.
func (m *Model) InstancesOnNode(nodeUUID string) []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instancesOnNodeLocked(nodeUUID)
}

func (m *Model) instancesOnNodeLocked(nodeUUID string) []*Instance {
	instances := []*Instance{}
	for uuid := range m.nodeInstances[nodeUUID] {
		if inst, ok := m.instances[uuid]; ok {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].UUID < instances[j].UUID })
	return instances
}

// HostOf returns the uuid of the node hosting an instance.
func (m *Model) HostOf(instanceUUID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.instanceHost[instanceUUID]
	if !ok {
		return "", core.NewPermanentError(fmt.Sprintf("instance not mapped: %s", instanceUUID), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(instanceUUID)
	}
	return host, nil
}

func (m *Model) mapInstanceLocked(instanceUUID, nodeUUID string) {
	if prev, ok := m.instanceHost[instanceUUID]; ok {
		delete(m.nodeInstances[prev], instanceUUID)
	}
	if m.nodeInstances[nodeUUID] == nil {
		m.nodeInstances[nodeUUID] = map[string]struct{}{}
	}
	m.nodeInstances[nodeUUID][instanceUUID] = struct{}{}
	m.instanceHost[instanceUUID] = nodeUUID
}

// MapInstance moves an instance's hosting relation without capacity checks.
// Used by notification endpoints applying externally observed moves.
func (m *Model) MapInstance(instanceUUID, nodeUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[instanceUUID]; !ok {
		return core.NewPermanentError(fmt.Sprintf("instance not found: %s", instanceUUID), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(instanceUUID)
	}
	if _, ok := m.computeNodes[nodeUUID]; !ok {
		return core.NewPermanentError(fmt.Sprintf("compute node not found: %s", nodeUUID), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(nodeUUID)
	}
	m.mapInstanceLocked(instanceUUID, nodeUUID)
	return nil
}

// FreeResources returns the node's capacity minus everything reserved
// by its running instances.
func (m *Model) FreeResources(nodeUUID string) (Resources, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.computeNodes[nodeUUID]
	if !ok {
		return Resources{}, core.NewPermanentError(fmt.Sprintf("compute node not found: %s", nodeUUID), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(nodeUUID)
	}
	free := node.Capacity
	for uuid := range m.nodeInstances[nodeUUID] {
		inst, ok := m.instances[uuid]
		if !ok || !inst.Reserves() {
			continue
		}
		free = free.Sub(inst.Demand)
	}
	return free, nil
}

// MigrateInstance remaps an instance from src to dst when dst has
// enough free resources. Purely in-memory; strategies use it to model
// candidate moves during plan synthesis. Returns false without error
// when the move is not applicable.
func (m *Model) MigrateInstance(instanceUUID, srcUUID, dstUUID string) (bool, error) {
	if srcUUID == dstUUID {
		return false, nil
	}

	inst, err := m.GetInstance(instanceUUID)
	if err != nil {
		return false, err
	}
	if _, err := m.GetComputeNode(srcUUID); err != nil {
		return false, err
	}
	if _, err := m.GetComputeNode(dstUUID); err != nil {
		return false, err
	}

	host, err := m.HostOf(instanceUUID)
	if err != nil {
		return false, err
	}
	if host != srcUUID {
		return false, nil
	}

	free, err := m.FreeResources(dstUUID)
	if err != nil {
		return false, err
	}
	if inst.Reserves() && !free.Fits(inst.Demand) {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapInstanceLocked(instanceUUID, dstUUID)
	return true, nil
}

// DeepCopy returns an independent copy of the model. Element structs
// are copied by value so mutations on the copy never leak back.
func (m *Model) DeepCopy() *Model {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := NewModel()
	cp.stale = m.stale
	cp.updatedAt = m.updatedAt

	for uuid, node := range m.computeNodes {
		n := *node
		n.MemberOf = append([]string(nil), node.MemberOf...)
		cp.computeNodes[uuid] = &n
		cp.nodeInstances[uuid] = map[string]struct{}{}
	}
	for uuid, inst := range m.instances {
		i := *inst
		i.Metadata = copyStringMap(inst.Metadata)
		cp.instances[uuid] = &i
	}
	for inst, host := range m.instanceHost {
		cp.instanceHost[inst] = host
		if cp.nodeInstances[host] == nil {
			cp.nodeInstances[host] = map[string]struct{}{}
		}
		cp.nodeInstances[host][inst] = struct{}{}
	}

	for uuid, node := range m.storageNodes {
		n := *node
		n.VolumeType = append([]string(nil), node.VolumeType...)
		cp.storageNodes[uuid] = &n
	}
	for name, pool := range m.pools {
		p := *pool
		cp.pools[name] = &p
	}
	for uuid, vol := range m.volumes {
		v := *vol
		v.AttachedTo = append([]string(nil), vol.AttachedTo...)
		v.Metadata = copyStringMap(vol.Metadata)
		cp.volumes[uuid] = &v
	}
	for vol, pool := range m.volumePool {
		cp.volumePool[vol] = pool
	}
	for pool, node := range m.poolStorage {
		cp.poolStorage[pool] = node
	}

	for uuid, node := range m.baremetalNodes {
		n := *node
		cp.baremetalNodes[uuid] = &n
	}

	return cp
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Info summarizes the model for the data-model-info endpoint.
type Info struct {
	ComputeNodes   int       `json:"compute_nodes"`
	Instances      int       `json:"instances"`
	StorageNodes   int       `json:"storage_nodes"`
	Pools          int       `json:"pools"`
	Volumes        int       `json:"volumes"`
	BareMetalNodes int       `json:"baremetal_nodes"`
	Stale          bool      `json:"stale"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Info returns the element counts and freshness of the model.
func (m *Model) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		ComputeNodes:   len(m.computeNodes),
		Instances:      len(m.instances),
		StorageNodes:   len(m.storageNodes),
		Pools:          len(m.pools),
		Volumes:        len(m.volumes),
		BareMetalNodes: len(m.baremetalNodes),
		Stale:          m.stale,
		UpdatedAt:      m.updatedAt,
	}
}

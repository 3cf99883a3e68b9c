package model

import (
	"fmt"
	"sort"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// AddStorageNode inserts or replaces a storage node.
func (m *Model) AddStorageNode(node *StorageNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageNodes[node.UUID] = node
}

// GetStorageNode looks up one storage node by uuid.
func (m *Model) GetStorageNode(uuid string) (*StorageNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.storageNodes[uuid]
	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("storage node not found: %s", uuid), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(uuid)
	}
	return node, nil
}

// StorageNodes returns all storage nodes ordered by uuid.
func (m *Model) StorageNodes() []*StorageNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*StorageNode, 0, len(m.storageNodes))
	for _, n := range m.storageNodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes
}

// AddPool inserts a pool under its owning storage node.
func (m *Model) AddPool(pool *Pool, storageNodeUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storageNodes[storageNodeUUID]; !ok {
		return core.NewPermanentError(fmt.Sprintf("storage node not found: %s", storageNodeUUID), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(storageNodeUUID)
	}
	m.pools[pool.Name] = pool
	m.poolStorage[pool.Name] = storageNodeUUID
	return nil
}

// GetPool looks up one pool by name.
func (m *Model) GetPool(name string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[name]
	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("pool not found: %s", name), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(name)
	}
	return pool, nil
}

// PoolsOnStorageNode returns the pools owned by one storage node,
// ordered by name.
func (m *Model) PoolsOnStorageNode(storageNodeUUID string) []*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := []*Pool{}
	for name, owner := range m.poolStorage {
		if owner != storageNodeUUID {
			continue
		}
		if pool, ok := m.pools[name]; ok {
			pools = append(pools, pool)
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools
}

// AddVolume inserts a volume under its owning pool.
func (m *Model) AddVolume(vol *Volume, poolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[poolName]; !ok {
		return core.NewPermanentError(fmt.Sprintf("pool not found: %s", poolName), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(poolName)
	}
	m.volumes[vol.UUID] = vol
	m.volumePool[vol.UUID] = poolName
	return nil
}

// RemoveVolume deletes a volume and its pool relation.
func (m *Model) RemoveVolume(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.volumePool, uuid)
	delete(m.volumes, uuid)
}

// GetVolume looks up one volume by uuid.
func (m *Model) GetVolume(uuid string) (*Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vol, ok := m.volumes[uuid]
	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("volume not found: %s", uuid), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(uuid)
	}
	return vol, nil
}

// VolumesOnPool returns the volumes owned by one pool, ordered by uuid.
func (m *Model) VolumesOnPool(poolName string) []*Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	volumes := []*Volume{}
	for uuid, owner := range m.volumePool {
		if owner != poolName {
			continue
		}
		if vol, ok := m.volumes[uuid]; ok {
			volumes = append(volumes, vol)
		}
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].UUID < volumes[j].UUID })
	return volumes
}

// PoolOf returns the name of the pool owning a volume.
func (m *Model) PoolOf(volumeUUID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.volumePool[volumeUUID]
	if !ok {
		return "", core.NewPermanentError(fmt.Sprintf("volume not mapped: %s", volumeUUID), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(volumeUUID)
	}
	return pool, nil
}

// MigrateVolume remaps a volume from one pool to another when the
// destination has enough free capacity. Purely in-memory.
func (m *Model) MigrateVolume(volumeUUID, srcPool, dstPool string) (bool, error) {
	if srcPool == dstPool {
		return false, nil
	}

	vol, err := m.GetVolume(volumeUUID)
	if err != nil {
		return false, err
	}
	owner, err := m.PoolOf(volumeUUID)
	if err != nil {
		return false, err
	}
	if owner != srcPool {
		return false, nil
	}
	dst, err := m.GetPool(dstPool)
	if err != nil {
		return false, err
	}
	if dst.FreeCapacityGB < float64(vol.SizeGB) {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.pools[srcPool]
	if ok {
		src.FreeCapacityGB += float64(vol.SizeGB)
		src.TotalVolumes--
	}
	dst.FreeCapacityGB -= float64(vol.SizeGB)
	dst.TotalVolumes++
	m.volumePool[volumeUUID] = dstPool
	return true, nil
}

// AddBareMetalNode inserts or replaces a bare metal node.
func (m *Model) AddBareMetalNode(node *BareMetalNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baremetalNodes[node.UUID] = node
}

// GetBareMetalNode looks up one bare metal node by uuid.
func (m *Model) GetBareMetalNode(uuid string) (*BareMetalNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.baremetalNodes[uuid]
	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("baremetal node not found: %s", uuid), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(uuid)
	}
	return node, nil
}

// BareMetalNodes returns all bare metal nodes ordered by uuid.
func (m *Model) BareMetalNodes() []*BareMetalNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*BareMetalNode, 0, len(m.baremetalNodes))
	for _, n := range m.baremetalNodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes
}

package model

import (
	"github.com/fleetwise/fleetwise/pkg/core"
)

// BuildScopedModel projects a model down to the subset an audit's scope
// permits. The result is a deep copy: elements outside the scope stay in
// the graph with their Excluded flag set so strategies can still resolve
// relations through them, and every operation behaves as on the full model.
func BuildScopedModel(m *Model, scope []core.ScopeClause) (*Model, error) {
	scoped := m.DeepCopy()
	if len(scope) == 0 {
		return scoped, nil
	}

	includeNodes, hasNodeInclude := nodeIncludeSet(scoped, scope)

	scoped.mu.Lock()
	defer scoped.mu.Unlock()

	if hasNodeInclude {
		for uuid, node := range scoped.computeNodes {
			if _, ok := includeNodes[uuid]; !ok {
				node.Excluded = true
			}
		}
	}

	for _, clause := range scope {
		if !clause.Exclude {
			continue
		}
		switch clause.Kind {
		case core.ScopeComputeNode:
			for _, uuid := range clause.Values {
				if node, ok := scoped.computeNodes[uuid]; ok {
					node.Excluded = true
				}
			}
		case core.ScopeAvailabilityZone:
			zones := stringSet(clause.Values)
			for _, node := range scoped.computeNodes {
				if _, ok := zones[node.AvailabilityZone]; ok {
					node.Excluded = true
				}
			}
		case core.ScopeHostAggregate:
			aggregates := stringSet(clause.Values)
			for _, node := range scoped.computeNodes {
				for _, agg := range node.MemberOf {
					if _, ok := aggregates[agg]; ok {
						node.Excluded = true
						break
					}
				}
			}
		case core.ScopeInstance:
			for _, uuid := range clause.Values {
				if inst, ok := scoped.instances[uuid]; ok {
					inst.Excluded = true
				}
			}
		case core.ScopeInstanceMetadata:
			for _, inst := range scoped.instances {
				if matchesMetadata(inst.Metadata, clause.Metadata) {
					inst.Excluded = true
				}
			}
		case core.ScopeStoragePool:
			for _, name := range clause.Values {
				pool, ok := scoped.pools[name]
				if !ok {
					continue
				}
				pool.Excluded = true
				for uuid, owner := range scoped.volumePool {
					if owner == name {
						scoped.volumes[uuid].Excluded = true
					}
				}
			}
		}
	}

	// Instances inherit the exclusion of their host.
	for inst, host := range scoped.instanceHost {
		node, ok := scoped.computeNodes[host]
		if ok && node.Excluded {
			scoped.instances[inst].Excluded = true
		}
	}

	return scoped, nil
}

// nodeIncludeSet collects the union of compute nodes matched by include
// clauses. The second return is false when the scope has no compute
// include clause at all, meaning every node stays in scope.
func nodeIncludeSet(m *Model, scope []core.ScopeClause) (map[string]struct{}, bool) {
	include := map[string]struct{}{}
	has := false

	for _, clause := range scope {
		if clause.Exclude {
			continue
		}
		switch clause.Kind {
		case core.ScopeComputeNode:
			has = true
			for _, uuid := range clause.Values {
				include[uuid] = struct{}{}
			}
		case core.ScopeAvailabilityZone:
			has = true
			zones := stringSet(clause.Values)
			for uuid, node := range m.computeNodes {
				if _, ok := zones[node.AvailabilityZone]; ok {
					include[uuid] = struct{}{}
				}
			}
		case core.ScopeHostAggregate:
			has = true
			aggregates := stringSet(clause.Values)
			for uuid, node := range m.computeNodes {
				for _, agg := range node.MemberOf {
					if _, ok := aggregates[agg]; ok {
						include[uuid] = struct{}{}
						break
					}
				}
			}
		}
	}

	return include, has
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func matchesMetadata(metadata, want map[string]string) bool {
	if len(want) == 0 {
		return false
	}
	for k, v := range want {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

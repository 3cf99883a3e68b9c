// Package scoring defines the scoring engine and scoring container
// contracts plus the selector that merges container-discovered engines
// into the plugin registry's scoring namespace.
package scoring

import (
	"fmt"
	"sync"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/plugins"
)

// Engine is one black-box scorer. Strategies feed it a serialized
// feature vector and read back a serialized score.
type Engine interface {
	// Name uniquely identifies the engine across plugins and containers.
	Name() string

	// Description is a human readable summary.
	Description() string

	// Metainfo carries the engine's model metadata, e.g. algorithm and
	// training details, in an engine-specific format.
	Metainfo() string

	// Calculate scores one serialized feature vector.
	Calculate(features string) (string, error)
}

// Container groups engines discovered at runtime, e.g. every model
// hosted by one inference service. The discovered engines are merged
// into the scoring namespace next to statically registered ones.
type Container interface {
	ScoringEngineList() []Engine
}

// Selector resolves scoring engines by name across the plugin registry
// and every registered container. The merged map is rebuilt on each
// ListEngines call; GetEngine caches resolved engines for fast lookup.
type Selector struct {
	registry *plugins.Registry

	mu    sync.Mutex
	cache map[string]Engine
}

// NewSelector builds a selector over one plugin registry.
func NewSelector(registry *plugins.Registry) *Selector {
	return &Selector{
		registry: registry,
		cache:    map[string]Engine{},
	}
}

// ListEngines rebuilds and returns the merged engine map: statically
// registered engines first, then container-discovered ones. A container
// engine shadowing a static name wins, matching load order.
func (s *Selector) ListEngines() (map[string]Engine, error) {
	merged := map[string]Engine{}

	for name := range s.registry.ListAvailable(plugins.NamespaceScoringEngines) {
		instance, err := s.registry.Load(plugins.NamespaceScoringEngines, name, nil)
		if err != nil {
			return nil, err
		}
		engine, ok := instance.(Engine)
		if !ok {
			return nil, fmt.Errorf("plugin %s is not a scoring engine", name)
		}
		merged[engine.Name()] = engine
	}

	for name := range s.registry.ListAvailable(plugins.NamespaceScoringContainers) {
		instance, err := s.registry.Load(plugins.NamespaceScoringContainers, name, nil)
		if err != nil {
			return nil, err
		}
		container, ok := instance.(Container)
		if !ok {
			return nil, fmt.Errorf("plugin %s is not a scoring container", name)
		}
		for _, engine := range container.ScoringEngineList() {
			merged[engine.Name()] = engine
		}
	}

	return merged, nil
}

// GetEngine resolves one engine by name, consulting the cache first.
func (s *Selector) GetEngine(name string) (Engine, error) {
	s.mu.Lock()
	if engine, ok := s.cache[name]; ok {
		s.mu.Unlock()
		return engine, nil
	}
	s.mu.Unlock()

	merged, err := s.ListEngines()
	if err != nil {
		return nil, err
	}
	engine, ok := merged[name]
	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("scoring engine not found: %s", name), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(name)
	}

	s.mu.Lock()
	s.cache[name] = engine
	s.mu.Unlock()
	return engine, nil
}

// Invalidate drops the lookup cache, forcing the next GetEngine to
// rebuild the merged map. Called after plugin catalog changes.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = map[string]Engine{}
}

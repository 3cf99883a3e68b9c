// Package plugins implements the namespaced plugin registry. Goals,
// strategies, actions, planners, scoring engines, collectors, and
// workflow engines register factories under (namespace, name);
// components load instances and discover configuration options through
// the registry instead of importing each plugin package directly.
package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Registry namespaces.
const (
	NamespaceGoals             = "goals"
	NamespaceStrategies        = "strategies"
	NamespaceActions           = "actions"
	NamespacePlanners          = "planners"
	NamespaceScoringEngines    = "scoring-engines"
	NamespaceScoringContainers = "scoring-containers"
	NamespaceCollectors        = "cdm-collectors"
	NamespaceWorkflowEngines   = "workflow-engines"
)

// Factory builds one plugin instance. Constructor arguments are passed
// as an opaque map so the registry stays agnostic of plugin types.
type Factory func(args map[string]interface{}) (interface{}, error)

// ConfigOption is one configuration option declared by a plugin class.
// Options are registered under the group "<namespace>.<name>".
type ConfigOption struct {
	Name        string
	Default     interface{}
	Description string
}

// ConfigDeclarer is implemented by plugin instances that declare
// configuration options.
type ConfigDeclarer interface {
	ConfigOpts() []ConfigOption
}

// Registry is the namespaced plugin registry. The zero value is not
// usable, construct with NewRegistry.
type Registry struct {
	mu sync.RWMutex

	// factories maps namespace to name to factory.
	factories map[string]map[string]Factory

	// configOpts maps "<namespace>.<name>" to declared options.
	configOpts map[string][]ConfigOption

	// configArgs maps "<namespace>.<name>" to file-sourced constructor
	// arguments, see LoadConfigDir.
	configArgs map[string]map[string]interface{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  map[string]map[string]Factory{},
		configOpts: map[string][]ConfigOption{},
		configArgs: map[string]map[string]interface{}{},
	}
}

// Register adds a plugin factory under (namespace, name). Registering
// the same pair twice is a conflict.
func (r *Registry) Register(namespace, name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.factories[namespace] == nil {
		r.factories[namespace] = map[string]Factory{}
	}
	if _, exists := r.factories[namespace][name]; exists {
		return core.NewConflictError(fmt.Sprintf("plugin already registered: %s.%s", namespace, name), nil).
			WithEntity(name)
	}
	r.factories[namespace][name] = factory
	return nil
}

// MustRegister is Register for init-time wiring, panicking on conflict.
func (r *Registry) MustRegister(namespace, name string, factory Factory) {
	if err := r.Register(namespace, name, factory); err != nil {
		panic(err)
	}
}

// RegisterConfig records the configuration options a plugin class
// declares. They land under the group "<namespace>.<name>".
func (r *Registry) RegisterConfig(namespace, name string, opts []ConfigOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configOpts[ConfigGroup(namespace, name)] = append([]ConfigOption(nil), opts...)
}

// ConfigGroup returns the configuration group name of one plugin.
func ConfigGroup(namespace, name string) string {
	return namespace + "." + name
}

// ConfigOptions returns the options declared under one group.
func (r *Registry) ConfigOptions(namespace, name string) []ConfigOption {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConfigOption(nil), r.configOpts[ConfigGroup(namespace, name)]...)
}

// ListAvailable returns the factories registered under one namespace.
// The returned map is a copy.
func (r *Registry) ListAvailable(namespace string) map[string]Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	available := make(map[string]Factory, len(r.factories[namespace]))
	for name, factory := range r.factories[namespace] {
		available[name] = factory
	}
	return available
}

// Names returns the sorted plugin names of one namespace.
func (r *Registry) Names(namespace string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories[namespace]))
	for name := range r.factories[namespace] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds a fresh instance of one plugin. File-sourced arguments
// from LoadConfigDir apply first; explicit args override them.
func (r *Registry) Load(namespace, name string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	factory, ok := r.factories[namespace][name]
	r.mu.RUnlock()

	if !ok {
		return nil, core.NewPermanentError(fmt.Sprintf("plugin not found: %s.%s", namespace, name), nil).
			WithCode(core.ErrCodeNotFound).WithEntity(name)
	}

	merged := r.ConfigArgs(namespace, name)
	for k, v := range args {
		merged[k] = v
	}

	instance, err := factory(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin %s.%s: %w", namespace, name, err)
	}

	// A freshly built instance gets its declared options recorded so the
	// config layer can expose them even before first use.
	if declarer, ok := instance.(ConfigDeclarer); ok {
		r.RegisterConfig(namespace, name, declarer.ConfigOpts())
	}

	return instance, nil
}

// defaultRegistry backs the package-level registration API. Plugin
// packages register themselves from init the way database/sql drivers do.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a factory to the process-wide registry.
func Register(namespace, name string, factory Factory) error {
	return defaultRegistry.Register(namespace, name, factory)
}

// MustRegister panics when the (namespace, name) pair is taken.
func MustRegister(namespace, name string, factory Factory) {
	defaultRegistry.MustRegister(namespace, name, factory)
}

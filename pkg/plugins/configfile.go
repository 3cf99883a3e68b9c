package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// LoadConfigDir reads per-plugin configuration files from dir. Each file
// is named "<namespace>.<name>.yaml" and holds a flat map of constructor
// arguments merged under explicit Load arguments. Unknown files are
// ignored; a malformed file fails the whole load.
func (r *Registry) LoadConfigDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return core.NewPermanentError("failed to read plugin config directory: "+dir, err).
			WithCode(core.ErrCodeConfiguration)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		group := strings.TrimSuffix(entry.Name(), ext)

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return core.NewPermanentError("failed to read plugin config: "+entry.Name(), err).
				WithCode(core.ErrCodeConfiguration)
		}
		var args map[string]interface{}
		if err := yaml.Unmarshal(data, &args); err != nil {
			return core.NewPermanentError(
				fmt.Sprintf("invalid plugin config %s", entry.Name()), err).
				WithCode(core.ErrCodeConfiguration).WithEntity(group)
		}

		r.mu.Lock()
		r.configArgs[group] = args
		r.mu.Unlock()
	}
	return nil
}

// ConfigArgs returns a copy of the file-sourced arguments of one plugin.
func (r *Registry) ConfigArgs(namespace, name string) map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	args := make(map[string]interface{}, len(r.configArgs[ConfigGroup(namespace, name)]))
	for k, v := range r.configArgs[ConfigGroup(namespace, name)] {
		args[k] = v
	}
	return args
}

package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetwise/fleetwise/pkg/plugins"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// ScriptLoader discovers Starlark strategies in a directory, registers
// them, and hot-reloads them when the files change. Registered
// factories hand out the latest loaded version, so an edited script
// takes effect on the next audit without a restart.
type ScriptLoader struct {
	registry *plugins.Registry
	dir      string
	timeout  time.Duration
	logger   *telemetry.Logger

	mu      sync.RWMutex
	scripts map[string]*ScriptStrategy

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewScriptLoader scans dir for *.star files and registers each as a
// strategy plugin.
func NewScriptLoader(registry *plugins.Registry, dir string, timeout time.Duration, logger *telemetry.Logger) (*ScriptLoader, error) {
	l := &ScriptLoader{
		registry: registry,
		dir:      dir,
		timeout:  timeout,
		logger:   logger.NewComponentLogger("strategy-scripts"),
		scripts:  map[string]*ScriptStrategy{},
		done:     make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy script directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".star") {
			continue
		}
		if err := l.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			l.logger.WithError(err).WithField("file", entry.Name()).Warn("skipping strategy script")
		}
	}

	return l, nil
}

// loadFile compiles one script and publishes it under its declared
// name, registering a factory on first sight.
func (l *ScriptLoader) loadFile(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read strategy script: %w", err)
	}

	script, err := NewScriptStrategy(filepath.Base(path), string(source), l.timeout)
	if err != nil {
		return err
	}

	l.mu.Lock()
	_, known := l.scripts[script.Name()]
	l.scripts[script.Name()] = script
	l.mu.Unlock()

	if !known {
		name := script.Name()
		err := l.registry.Register(plugins.NamespaceStrategies, name, func(args map[string]interface{}) (interface{}, error) {
			l.mu.RLock()
			defer l.mu.RUnlock()
			current, ok := l.scripts[name]
			if !ok {
				return nil, fmt.Errorf("strategy script %s was removed", name)
			}
			return current, nil
		})
		if err != nil {
			return err
		}
	}

	l.logger.WithField("strategy", script.Name()).WithField("file", filepath.Base(path)).
		Info("strategy script loaded")
	return nil
}

// Watch reloads scripts as they change on disk until Close.
func (l *ScriptLoader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create script watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch script directory: %w", err)
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case <-l.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".star") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.loadFile(event.Name); err != nil {
					l.logger.WithError(err).WithField("file", event.Name).Warn("strategy script reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.WithError(err).Warn("strategy script watcher error")
			}
		}
	}()

	return nil
}

// Names lists the loaded script strategies.
func (l *ScriptLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.scripts))
	for name := range l.scripts {
		names = append(names, name)
	}
	return names
}

// Close stops the watcher.
func (l *ScriptLoader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

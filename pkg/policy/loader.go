package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Loader reads admission policies from .rego and .json files and can
// watch the source paths for changes.
type Loader struct {
	logger *telemetry.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader sharing the engine's logger.
func NewLoader(logger *telemetry.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadFromPaths loads every policy under the given files or directories.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		all = append(all, policies...)
	}
	l.logger.WithField("count", len(all)).Info("admission policies loaded")
	return all, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(entry string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !policyFile(entry) {
			return nil
		}
		p, err := l.loadFile(entry)
		if err != nil {
			l.logger.WithError(err).WithField("path", entry).Warn("skipping unreadable policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

func policyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(path, ".json") {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		p.Source = path
		return &p, nil
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: regoDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      path,
	}, nil
}

// regoDescription collects the leading comment block of a module.
func regoDescription(source string) string {
	var parts []string
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if comment, ok := strings.CutPrefix(trimmed, "#"); ok {
			if c := strings.TrimSpace(comment); c != "" {
				parts = append(parts, c)
			}
			continue
		}
		if trimmed != "" {
			break
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads the paths on file change, debounced, and hands the
// fresh set to reloadFn. It returns after starting the watch goroutine.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("failed to watch policy path")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)
	return nil
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			l.StopWatching()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 || !policyFile(event.Name) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err != nil {
					l.logger.WithError(err).Error("failed to reload admission policies")
					return
				}
				if err := reloadFn(policies); err != nil {
					l.logger.WithError(err).Error("failed to apply reloaded admission policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Error("policy watcher error")
		}
	}
}

// StopWatching closes the watcher.
func (l *Loader) StopWatching() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		_ = l.watcher.Close()
		l.watcher = nil
	}
}

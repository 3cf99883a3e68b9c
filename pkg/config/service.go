package config

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Service is one long-running worker component.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// Waiter is implemented by services whose Stop does not block until
// their work is drained.
type Waiter interface {
	Wait()
}

// Resetter is implemented by services that can reload their runtime
// state on SIGHUP without restarting.
type Resetter interface {
	Reset(ctx context.Context) error
}

type namedService struct {
	name string
	svc  Service
}

// Launcher starts services in order and shuts them down in reverse.
type Launcher struct {
	logger *telemetry.Logger

	mu      sync.Mutex
	running []namedService
}

// NewLauncher creates a launcher.
func NewLauncher(tel *telemetry.Telemetry) *Launcher {
	return &Launcher{logger: tel.Logger.NewComponentLogger("launcher")}
}

// Launch starts one service and records it for shutdown. A start
// failure tears down everything already running.
func (l *Launcher) Launch(ctx context.Context, name string, svc Service) error {
	if err := svc.Start(ctx); err != nil {
		l.logger.WithError(err).WithField("service", name).Error("service failed to start")
		l.Shutdown()
		return err
	}
	l.mu.Lock()
	l.running = append(l.running, namedService{name: name, svc: svc})
	l.mu.Unlock()
	l.logger.WithField("service", name).Info("service started")
	return nil
}

// Shutdown stops every running service in reverse start order, waiting
// for each before moving to the next.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	running := l.running
	l.running = nil
	l.mu.Unlock()

	for i := len(running) - 1; i >= 0; i-- {
		entry := running[i]
		entry.svc.Stop()
		if w, ok := entry.svc.(Waiter); ok {
			w.Wait()
		}
		l.logger.WithField("service", entry.name).Info("service stopped")
	}
}

// Reset calls Reset on every running service that supports it, in start
// order. Errors are logged; a failed reset never stops the worker.
func (l *Launcher) Reset(ctx context.Context) {
	l.mu.Lock()
	running := append([]namedService(nil), l.running...)
	l.mu.Unlock()

	for _, entry := range running {
		r, ok := entry.svc.(Resetter)
		if !ok {
			continue
		}
		if err := r.Reset(ctx); err != nil {
			l.logger.WithError(err).WithField("service", entry.name).Error("service reset failed")
			continue
		}
		l.logger.WithField("service", entry.name).Info("service reset")
	}
}

// WaitForSignals blocks until SIGINT or SIGTERM, resetting the running
// services on each SIGHUP. It returns after shutting everything down.
func (l *Launcher) WaitForSignals(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			l.Shutdown()
			return
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				l.logger.Info("received SIGHUP, resetting services")
				l.Reset(ctx)
				continue
			}
			l.logger.WithField("signal", sig.String()).Info("shutting down")
			l.Shutdown()
			return
		}
	}
}

package decision

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/stores"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// JobFunc is the body of one scheduled job.
type JobFunc func(ctx context.Context)

// JobStore persists job schedules across restarts. Satisfied by
// stores.SQLiteStore.
type JobStore interface {
	InsertJob(ctx context.Context, job *stores.Job) error
	UpdateJob(ctx context.Context, job *stores.Job) error
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*stores.Job, error)
	ListJobs(ctx context.Context, serviceID int64) ([]*stores.Job, error)
}

// scheduledJob is one registered job with its live schedule.
type scheduledJob struct {
	id   string
	name string

	// spec is the raw interval the schedule was parsed from, kept to
	// detect interval changes on resync.
	spec     string
	schedule cron.Schedule
	run      JobFunc
	next     time.Time
}

// Scheduler is a single-process cooperative job runner backed by the
// persistent job store. Due jobs run sequentially on the tick goroutine;
// long-running work belongs in the job body's own goroutines.
type Scheduler struct {
	store     JobStore
	serviceID int64
	host      string
	tick      time.Duration
	logger    *telemetry.Logger

	mu     sync.Mutex
	jobs   map[string]*scheduledJob
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler owned by one service row.
func NewScheduler(store JobStore, serviceID int64, host string, tick time.Duration, logger *telemetry.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		store:     store,
		serviceID: serviceID,
		host:      host,
		tick:      tick,
		logger:    logger,
		jobs:      map[string]*scheduledJob{},
	}
}

// AddJob registers a job. A nil schedule means one-off: the job runs at
// next and is then removed. When a persisted row for the id already
// exists, its saved next run time wins over the given one.
func (s *Scheduler) AddJob(ctx context.Context, id, name, spec string, schedule cron.Schedule, next time.Time, run JobFunc) error {
	job := &scheduledJob{id: id, name: name, spec: spec, schedule: schedule, run: run, next: next}

	row := &stores.Job{ID: id, ServiceID: s.serviceID, Tag: stores.JobTag{Host: s.host, Name: name}}
	row.SetNextRun(next)
	if err := s.store.InsertJob(ctx, row); err != nil {
		var coreErr *core.Error
		if !errors.As(err, &coreErr) || coreErr.Code != core.ErrCodeJobExists {
			return err
		}
		// Recovered after a restart: adopt the persisted schedule.
		existing, gerr := s.store.GetJob(ctx, id)
		if gerr == nil && existing.NextRunTime != nil {
			job.next = existing.NextRun()
		}
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return nil
}

// HasJob reports whether the job is registered in this process.
func (s *Scheduler) HasJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// JobIDs lists the registered job ids, sorted.
func (s *Scheduler) JobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JobSpec returns the raw interval the job was scheduled from.
func (s *Scheduler) JobSpec(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", false
	}
	return job.spec, true
}

// Reschedule replaces the job's schedule and next run time, persisting
// the new next run. Used when an audit's interval changes.
func (s *Scheduler) Reschedule(ctx context.Context, id, spec string, schedule cron.Schedule, next time.Time) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return core.NewPermanentError("job not registered: "+id, nil).WithCode(core.ErrCodeNotFound)
	}
	job.spec = spec
	job.schedule = schedule
	job.next = next
	s.mu.Unlock()

	return s.persistNext(ctx, id, next)
}

// RemoveJob drops a job from the scheduler and the store.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()

	err := s.store.DeleteJob(ctx, id)
	if stores.IsNotFound(err) {
		// Row already gone. Removal is idempotent.
		return nil
	}
	return err
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.runDue(ctx, now.UTC())
			}
		}
	}()
}

// Stop halts the tick loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// runDue executes every job whose next run time has passed, then
// advances and persists its schedule.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*scheduledJob
	for _, job := range s.jobs {
		if !job.next.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].next.Before(due[j].next) })
	s.mu.Unlock()

	for _, job := range due {
		job.run(ctx)

		if job.schedule == nil {
			if err := s.RemoveJob(ctx, job.id); err != nil {
				s.logger.WithError(err).WithField("job", job.id).Warn("failed to remove one-off job")
			}
			continue
		}

		next := job.schedule.Next(now)
		s.mu.Lock()
		job.next = next
		s.mu.Unlock()
		if err := s.persistNext(ctx, job.id, next); err != nil {
			s.logger.WithError(err).WithField("job", job.id).Warn("failed to persist job schedule")
		}
	}
}

func (s *Scheduler) persistNext(ctx context.Context, id string, next time.Time) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	var name string
	if ok {
		name = job.name
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	row := &stores.Job{ID: id, ServiceID: s.serviceID, Tag: stores.JobTag{Host: s.host, Name: name}}
	row.SetNextRun(next)
	return s.store.UpdateJob(ctx, row)
}

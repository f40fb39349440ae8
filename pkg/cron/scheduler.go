// Package cron runs the bot's housekeeping jobs on cron schedules.
package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/latoulicious/Vivace/pkg/logging"
)

// Job is one unit of housekeeping.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	schedule string
	timeout  time.Duration
	fn       Job
	id       cron.EntryID
	running  atomic.Bool
}

// Scheduler runs named jobs. A job never overlaps with itself: a tick that
// fires while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger logging.Logger

	mu   sync.RWMutex
	jobs map[string]*entry
}

// New creates a stopped scheduler. Schedules accept an optional seconds
// field and descriptors such as "@every 5m".
func New(logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger.With(logging.String("component", "cron")),
		jobs:   make(map[string]*entry),
	}
}

// Add registers fn under name. Each run gets a context bounded by timeout.
func (s *Scheduler) Add(name, schedule string, timeout time.Duration, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}

	e := &entry{name: name, schedule: schedule, timeout: timeout, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.run(e) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", schedule, name, err)
	}
	e.id = id
	s.jobs[name] = e
	s.logger.Info("Scheduled job", logging.String("job", name), logging.String("schedule", schedule))
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunNow runs a job synchronously, outside its schedule. It reports false
// when the job is already running.
func (s *Scheduler) RunNow(name string) (bool, error) {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown job %q", name)
	}
	return s.run(e), nil
}

// NextRun returns when the job fires next; zero before Start.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

// IsRunning reports whether the job is in progress.
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[name]
	return ok && e.running.Load()
}

func (s *Scheduler) run(e *entry) bool {
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Debug("Job still running, skipping", logging.String("job", e.name))
		return false
	}
	defer e.running.Store(false)

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := e.fn(ctx); err != nil {
		s.logger.Warn("Job failed", logging.String("job", e.name), logging.Duration("took", time.Since(start)), logging.Error(err))
		return true
	}
	s.logger.Debug("Job completed", logging.String("job", e.name), logging.Duration("took", time.Since(start)))
	return true
}

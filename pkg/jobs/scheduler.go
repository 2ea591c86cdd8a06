package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/metrics"
	"github.com/anganwadi-lens/core/pkg/recurrence"
)

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	Location     *time.Location // Zone every rule is evaluated in
	Workers      int            // Maximum concurrent firings across all jobs
	StoreTimeout time.Duration  // Bound on the startup ListAll call
}

// Scheduler owns the in-process registry of active jobs. The registry is
// keyed by job id and rebuilt from the store on every start.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	store    JobStore
	invoker  Invoker
	logger   *logger.Logger
	metrics  *metrics.Metrics

	sem          *semaphore.Weighted
	locks        *keyedMutex
	storeTimeout time.Duration

	mu      sync.RWMutex
	entries map[int64]*entry
	states  map[int64]State

	ready   atomic.Bool
	stopCtx context.Context
	stop    context.CancelFunc
}

type entry struct {
	job      database.CronJob
	rule     recurrence.Rule
	schedule cron.Schedule
	cronID   cron.EntryID
	removed  atomic.Bool

	// Shared by every entry an id has had, so a replaced rule cannot
	// overlap a firing of the rule it replaced.
	running *atomic.Bool
}

// ReconcileReport summarises one ReconcileFromStore pass
type ReconcileReport struct {
	Total         int     `json:"total"`
	Activated     int     `json:"activated"`
	Unschedulable []int64 `json:"unschedulable"`
}

// ActiveJob is a registry snapshot row
type ActiveJob struct {
	Job     database.CronJob `json:"job"`
	Rule    recurrence.Rule  `json:"rule"`
	NextRun time.Time        `json:"next_run"`
}

// NewScheduler creates a scheduler. Nothing fires until Start.
func NewScheduler(store JobStore, invoker Invoker, config SchedulerConfig, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.New("scheduler")
	}
	if m == nil {
		m = metrics.Nop()
	}

	cl := cronLogger{log: log}
	stopCtx, stop := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(config.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		location:     config.Location,
		store:        store,
		invoker:      invoker,
		logger:       log,
		metrics:      m,
		sem:          semaphore.NewWeighted(int64(config.Workers)),
		locks:        newKeyedMutex(),
		storeTimeout: config.StoreTimeout,
		entries:      make(map[int64]*entry),
		states:       make(map[int64]State),
		stopCtx:      stopCtx,
		stop:         stop,
	}
}

// Activate registers job with the timer runtime. Activating an id that is
// already active with the same rule is a no-op; a changed rule replaces the
// old entry. A rule that cannot be scheduled leaves the job unschedulable and
// returns an error wrapping recurrence.ErrUnschedulable. An id that has been
// deactivated is never activated again and yields ErrJobDeleted.
func (s *Scheduler) Activate(ctx context.Context, job database.CronJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.Lock(job.ID)
	defer unlock()

	jobLogger := s.logger.WithJob(job.ID, job.Name)

	s.mu.RLock()
	deleted := s.states[job.ID] == StateCancelled
	s.mu.RUnlock()
	if deleted {
		return fmt.Errorf("%w: job %d", ErrJobDeleted, job.ID)
	}

	rule, schedule, err := compileStored(job)
	if err != nil {
		s.mu.Lock()
		s.states[job.ID] = StateUnschedulable
		s.refreshGaugesLocked()
		s.mu.Unlock()

		jobLogger.Error().
			Err(err).
			Str("action", "activate_unschedulable").
			Str("cron_expression", job.CronExpression).
			Str("repeat_interval", job.RepeatInterval).
			Msg("Job rule cannot be scheduled, leaving it inactive")
		return err
	}

	s.mu.RLock()
	existing, ok := s.entries[job.ID]
	s.mu.RUnlock()

	running := &atomic.Bool{}
	if ok {
		if existing.job.CronExpression == job.CronExpression {
			return nil
		}
		existing.removed.Store(true)
		s.cron.Remove(existing.cronID)
		running = existing.running
	}

	e := &entry{job: job, rule: rule, schedule: schedule, running: running}
	e.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(e) }))

	s.mu.Lock()
	s.entries[job.ID] = e
	delete(s.states, job.ID)
	s.refreshGaugesLocked()
	s.mu.Unlock()

	jobLogger.Info().
		Str("action", "activate").
		Str("cron_expression", job.CronExpression).
		Str("description", rule.Describe()).
		Bool("replaced", ok).
		Time("next_run", schedule.Next(time.Now().In(s.location))).
		Msg("Job activated")

	return nil
}

// Deactivate removes id from the timer runtime. A firing already in flight
// completes; no further firing starts. The id stays cancelled even when it was
// not active yet, so a reconcile pass still holding the old row skips it.
// Returns false when id was not active.
func (s *Scheduler) Deactivate(id int64) bool {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.states[id] = StateCancelled
	s.refreshGaugesLocked()
	s.mu.Unlock()

	if !ok {
		return false
	}

	e.removed.Store(true)
	s.cron.Remove(e.cronID)

	s.logger.WithJob(id, e.job.Name).Info().
		Str("action", "deactivate").
		Bool("in_flight", e.running.Load()).
		Msg("Job deactivated")

	return true
}

// ReconcileFromStore activates every persisted job. A failure to read the
// store is returned and must be treated as fatal; rows whose rule cannot be
// scheduled are skipped and stay durable.
func (s *Scheduler) ReconcileFromStore(ctx context.Context) (ReconcileReport, error) {
	start := time.Now()

	listCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	jobs, err := s.store.ListAll(listCtx)
	cancel()
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("action", "reconcile_failed").
			Msg("Failed to load persisted jobs")
		return ReconcileReport{}, fmt.Errorf("failed to load persisted jobs: %w", err)
	}

	report := ReconcileReport{Total: len(jobs), Unschedulable: []int64{}}
	for _, job := range jobs {
		if err := s.Activate(ctx, job); err != nil {
			if errors.Is(err, ErrJobDeleted) {
				// Deleted after the snapshot was read.
				report.Total--
				continue
			}
			if !errors.Is(err, recurrence.ErrUnschedulable) {
				return report, fmt.Errorf("failed to activate job %d: %w", job.ID, err)
			}
			report.Unschedulable = append(report.Unschedulable, job.ID)
			continue
		}
		report.Activated++
	}

	s.ready.Store(true)

	s.logger.Info().
		Str("action", "reconcile_complete").
		Int("total", report.Total).
		Int("activated", report.Activated).
		Int("unschedulable", len(report.Unschedulable)).
		Dur("duration", time.Since(start)).
		Msg("Scheduler reconciled from store")

	return report, nil
}

// Trigger runs one firing of an active job now, on the caller's goroutine.
// It shares the worker pool and the skip-if-running guard with timer firings.
func (s *Scheduler) Trigger(ctx context.Context, id int64) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: job %d", ErrNotActive, id)
	}
	return s.run(ctx, ctx, e)
}

// State reports the scheduler's view of id
func (s *Scheduler) State(id int64) State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entries[id]; ok {
		return StateActive
	}
	if st, ok := s.states[id]; ok {
		return st
	}
	return StatePending
}

// ActiveCount returns the number of registered jobs
func (s *Scheduler) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Active returns a snapshot of the registry ordered by job id
func (s *Scheduler) Active() []ActiveJob {
	now := time.Now().In(s.location)

	s.mu.RLock()
	out := make([]ActiveJob, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, ActiveJob{Job: e.job, Rule: e.rule, NextRun: e.schedule.Next(now)})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out
}

// NextRun returns the next firing time of an active job
func (s *Scheduler) NextRun(id int64) (time.Time, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return time.Time{}, false
	}
	return e.schedule.Next(time.Now().In(s.location)), true
}

// Ready reports whether reconciliation has completed
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// Start begins firing registered jobs
func (s *Scheduler) Start() {
	s.logger.Info().
		Str("action", "start").
		Int("job_count", s.ActiveCount()).
		Str("location", s.location.String()).
		Msg("Starting scheduler")

	s.cron.Start()
}

// Stop stops scheduling new firings, abandons firings still waiting for a
// worker and waits for in-flight firings to complete.
func (s *Scheduler) Stop() {
	s.logger.Info().
		Str("action", "stop_initiated").
		Msg("Stopping scheduler")

	s.stop()
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info().
		Str("action", "stopped").
		Msg("Scheduler stopped")
}

func (s *Scheduler) fire(e *entry) {
	if s.stopCtx.Err() != nil {
		return
	}

	err := s.run(s.stopCtx, context.Background(), e)
	if err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, ErrNotActive) && !errors.Is(err, ErrSchedulerStopped) {
		// The invoker has already logged the failure with its run id.
		s.logger.Debug().
			Err(err).
			Int64("job_id", e.job.ID).
			Str("action", "fire_failed").
			Msg("Firing finished with error")
	}
}

// run performs one firing. acquireCtx bounds the wait for a worker slot and
// invokeCtx is handed to the invoker.
func (s *Scheduler) run(acquireCtx, invokeCtx context.Context, e *entry) error {
	if e.removed.Load() {
		return fmt.Errorf("%w: job %d", ErrNotActive, e.job.ID)
	}

	if !e.running.CompareAndSwap(false, true) {
		s.metrics.JobSkipped.WithLabelValues(e.job.Name).Inc()
		s.logger.WithJob(e.job.ID, e.job.Name).Warn().
			Str("action", "fire_skipped").
			Msg("Previous firing still running, skipping")
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(s.stopCtx.Err(), context.Canceled) {
			return ErrSchedulerStopped
		}
		return err
	}
	defer s.sem.Release(1)

	// Deactivated while waiting for a worker.
	if e.removed.Load() {
		return fmt.Errorf("%w: job %d", ErrNotActive, e.job.ID)
	}

	return s.invoker.Invoke(invokeCtx, e.job)
}

func (s *Scheduler) refreshGaugesLocked() {
	s.metrics.ActiveJobs.Set(float64(len(s.entries)))

	unschedulable := 0
	for _, st := range s.states {
		if st == StateUnschedulable {
			unschedulable++
		}
	}
	s.metrics.UnschedulableJobs.Set(float64(unschedulable))
}

// compileStored rebuilds the runnable schedule from a persisted row. The
// stored expression must still agree with the stored repeat interval.
func compileStored(job database.CronJob) (recurrence.Rule, cron.Schedule, error) {
	rule, err := recurrence.ParseRule(job.CronExpression)
	if err != nil {
		return rule, nil, err
	}
	if string(rule.Cadence) != job.RepeatInterval {
		return rule, nil, fmt.Errorf("%w: %q does not match repeat interval %q",
			recurrence.ErrUnschedulable, job.CronExpression, job.RepeatInterval)
	}

	schedule, err := rule.Schedule()
	if err != nil {
		return rule, nil, err
	}
	return rule, schedule, nil
}

// cronLogger routes robfig/cron's internal logging through zerolog
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Str("action", "cron_runtime").Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Str("action", "cron_runtime").Msg(msg)
}

package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/metrics"
	"github.com/anganwadi-lens/core/pkg/recurrence"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    []database.CronJob
	listErr error
	stamps  map[int64]time.Time
	stampFn func(id int64) error
}

func newFakeStore(jobs ...database.CronJob) *fakeStore {
	return &fakeStore{jobs: jobs, stamps: make(map[int64]time.Time)}
}

func (f *fakeStore) ListAll(ctx context.Context) ([]database.CronJob, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]database.CronJob(nil), f.jobs...), nil
}

func (f *fakeStore) StampLastRun(ctx context.Context, id int64, at time.Time) error {
	if f.stampFn != nil {
		if err := f.stampFn(id); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamps[id] = at
	return nil
}

func (f *fakeStore) stamped(id int64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.stamps[id]
	return at, ok
}

type countingInvoker struct {
	mu     sync.Mutex
	calls  map[int64]int
	failOn map[int64]error
	block  chan struct{}
	active atomic.Int32
	peak   atomic.Int32
	start  chan int64
}

func newCountingInvoker() *countingInvoker {
	return &countingInvoker{calls: make(map[int64]int), failOn: make(map[int64]error)}
}

func (c *countingInvoker) Invoke(ctx context.Context, job database.CronJob) error {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	c.mu.Lock()
	c.calls[job.ID]++
	err := c.failOn[job.ID]
	c.mu.Unlock()

	if c.start != nil {
		c.start <- job.ID
	}
	if c.block != nil {
		<-c.block
	}
	return err
}

func (c *countingInvoker) count(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func cronJob(id int64, interval, expr string) database.CronJob {
	return database.CronJob{
		ID:             id,
		Name:           "sync-users",
		ReferenceDate:  time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC),
		TimeOfDay:      "09:30",
		RepeatInterval: interval,
		CronExpression: expr,
		TargetURL:      "local://sync-users",
		CreatedAt:      time.Date(2024, time.June, 10, 0, 0, 0, 0, time.UTC),
	}
}

func newTestScheduler(store JobStore, invoker Invoker, workers int) *Scheduler {
	return NewScheduler(store, invoker, SchedulerConfig{Location: time.UTC, Workers: workers}, logger.Nop(), metrics.Nop())
}

func TestScheduler_Activate_Idempotent(t *testing.T) {
	s := newTestScheduler(newFakeStore(), newCountingInvoker(), 2)
	job := cronJob(1, "weekly", "30 9 * * 6")

	require.NoError(t, s.Activate(context.Background(), job))
	require.NoError(t, s.Activate(context.Background(), job))

	assert.Equal(t, 1, s.ActiveCount())
	assert.Len(t, s.cron.Entries(), 1)
	assert.Equal(t, StateActive, s.State(1))
}

func TestScheduler_Activate_ReplacesChangedRule(t *testing.T) {
	s := newTestScheduler(newFakeStore(), newCountingInvoker(), 2)

	require.NoError(t, s.Activate(context.Background(), cronJob(1, "weekly", "30 9 * * 6")))
	require.NoError(t, s.Activate(context.Background(), cronJob(1, "daily", "0 7 * * *")))

	assert.Len(t, s.cron.Entries(), 1)
	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "0 7 * * *", active[0].Job.CronExpression)
	assert.Equal(t, recurrence.Daily, active[0].Rule.Cadence)
}

func TestScheduler_Activate_Unschedulable(t *testing.T) {
	tests := []struct {
		name string
		job  database.CronJob
	}{
		{name: "malformed expression", job: cronJob(7, "daily", "not a rule")},
		{name: "out of range hour", job: cronJob(7, "daily", "0 25 * * *")},
		{name: "interval mismatch", job: cronJob(7, "daily", "30 9 * * 6")},
		{name: "unsupported shape", job: cronJob(7, "daily", "*/5 * * * *")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(newFakeStore(), newCountingInvoker(), 2)

			err := s.Activate(context.Background(), tt.job)

			assert.True(t, errors.Is(err, recurrence.ErrUnschedulable), "got %v", err)
			assert.Equal(t, StateUnschedulable, s.State(7))
			assert.Equal(t, 0, s.ActiveCount())
			assert.Empty(t, s.cron.Entries())
		})
	}
}

func TestScheduler_ReconcileFromStore(t *testing.T) {
	store := newFakeStore(
		cronJob(1, "daily", "0 6 * * *"),
		cronJob(2, "weekly", "30 9 * * 6"),
		cronJob(3, "monthly", "0 0 31 * *"),
		cronJob(4, "monthly", "garbage"),
	)
	s := newTestScheduler(store, newCountingInvoker(), 2)
	require.False(t, s.Ready())

	report, err := s.ReconcileFromStore(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.Activated)
	assert.Equal(t, []int64{4}, report.Unschedulable)
	assert.Equal(t, 3, s.ActiveCount())
	assert.Equal(t, StateUnschedulable, s.State(4))
	assert.True(t, s.Ready())

	// A second pass changes nothing.
	_, err = s.ReconcileFromStore(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 3)
}

func TestScheduler_ReconcileFromStore_StoreFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("connection refused")
	s := newTestScheduler(store, newCountingInvoker(), 2)

	_, err := s.ReconcileFromStore(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, store.listErr))
	assert.False(t, s.Ready())
	assert.Equal(t, 0, s.ActiveCount())
}

func TestScheduler_DeactivateStopsFurtherFirings(t *testing.T) {
	invoker := newCountingInvoker()
	s := newTestScheduler(newFakeStore(), invoker, 2)
	require.NoError(t, s.Activate(context.Background(), cronJob(1, "daily", "0 6 * * *")))

	captured := s.entries[1]

	assert.True(t, s.Deactivate(1))
	assert.False(t, s.Deactivate(1))
	assert.Equal(t, StateCancelled, s.State(1))
	assert.Empty(t, s.cron.Entries())

	err := s.Trigger(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrNotActive))

	// A tick already dispatched by the timer runtime must not invoke either.
	s.fire(captured)

	assert.Equal(t, 0, invoker.count(1))
}

func TestScheduler_Trigger_FailureIsolation(t *testing.T) {
	invoker := newCountingInvoker()
	invoker.failOn[1] = errors.New("target down")
	s := newTestScheduler(newFakeStore(), invoker, 2)
	require.NoError(t, s.Activate(context.Background(), cronJob(1, "daily", "0 6 * * *")))
	require.NoError(t, s.Activate(context.Background(), cronJob(2, "daily", "0 6 * * *")))

	assert.Error(t, s.Trigger(context.Background(), 1))
	assert.NoError(t, s.Trigger(context.Background(), 2))

	// A failing job stays active and fires again on its next tick.
	assert.Equal(t, StateActive, s.State(1))
	assert.Error(t, s.Trigger(context.Background(), 1))
	assert.Equal(t, 2, invoker.count(1))
	assert.Equal(t, 1, invoker.count(2))
}

func TestScheduler_SkipsWhilePreviousFiringRuns(t *testing.T) {
	invoker := newCountingInvoker()
	invoker.block = make(chan struct{})
	invoker.start = make(chan int64, 1)
	s := newTestScheduler(newFakeStore(), invoker, 2)
	require.NoError(t, s.Activate(context.Background(), cronJob(1, "daily", "0 6 * * *")))

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), 1) }()
	<-invoker.start

	err := s.Trigger(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	close(invoker.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, invoker.count(1))
}

func TestScheduler_WorkerPoolBoundsConcurrency(t *testing.T) {
	invoker := newCountingInvoker()
	invoker.block = make(chan struct{})
	invoker.start = make(chan int64, 4)
	s := newTestScheduler(newFakeStore(), invoker, 2)
	for id := int64(1); id <= 4; id++ {
		require.NoError(t, s.Activate(context.Background(), cronJob(id, "daily", "0 6 * * *")))
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= 4; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = s.Trigger(context.Background(), id)
		}(id)
	}

	<-invoker.start
	<-invoker.start
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), invoker.active.Load())

	close(invoker.block)
	wg.Wait()

	assert.Equal(t, int32(2), invoker.peak.Load())
	for id := int64(1); id <= 4; id++ {
		assert.Equal(t, 1, invoker.count(id))
	}
}

func TestScheduler_RegistryOperationsSerializedPerID(t *testing.T) {
	s := newTestScheduler(newFakeStore(), newCountingInvoker(), 2)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			expr := "0 6 * * *"
			if i%2 == 0 {
				expr = "30 7 * * *"
			}
			_ = s.Activate(context.Background(), cronJob(1, "daily", expr))
		}(i)
		go func() {
			defer wg.Done()
			s.Deactivate(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, len(s.cron.Entries()), s.ActiveCount())
	assert.LessOrEqual(t, s.ActiveCount(), 1)
	assert.Equal(t, 0, s.locks.size())
}

func TestScheduler_StartStop(t *testing.T) {
	invoker := newCountingInvoker()
	s := newTestScheduler(newFakeStore(), invoker, 1)
	require.NoError(t, s.Activate(context.Background(), cronJob(1, "daily", "0 6 * * *")))

	s.Start()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Ticks delivered after Stop are dropped.
	s.fire(s.entries[1])
	assert.Equal(t, 0, invoker.count(1))
}

func TestScheduler_Activate_RefusesDeletedID(t *testing.T) {
	s := newTestScheduler(newFakeStore(), newCountingInvoker(), 2)

	// Deleted before it was ever active.
	assert.False(t, s.Deactivate(7))

	err := s.Activate(context.Background(), cronJob(7, "daily", "0 6 * * *"))

	assert.True(t, errors.Is(err, ErrJobDeleted))
	assert.Equal(t, StateCancelled, s.State(7))
	assert.Equal(t, 0, s.ActiveCount())
	assert.Empty(t, s.cron.Entries())
}

func TestScheduler_Activate_ReplacementKeepsInFlightGuard(t *testing.T) {
	invoker := newCountingInvoker()
	invoker.block = make(chan struct{})
	invoker.start = make(chan int64, 1)
	s := newTestScheduler(newFakeStore(), invoker, 2)
	require.NoError(t, s.Activate(context.Background(), cronJob(1, "weekly", "30 9 * * 6")))

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), 1) }()
	<-invoker.start

	require.NoError(t, s.Activate(context.Background(), cronJob(1, "daily", "0 7 * * *")))

	err := s.Trigger(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	close(invoker.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, invoker.count(1))

	require.NoError(t, s.Trigger(context.Background(), 1))
	assert.Equal(t, 2, invoker.count(1))
}

func TestScheduler_RestartRebuildsOneEntryPerJob(t *testing.T) {
	store := newFakeStore(cronJob(1, "weekly", "30 9 * * 6"), cronJob(2, "daily", "0 6 * * *"))

	first := newTestScheduler(store, newCountingInvoker(), 2)
	_, err := first.ReconcileFromStore(context.Background())
	require.NoError(t, err)
	first.Stop()

	restarted := newTestScheduler(store, newCountingInvoker(), 2)
	for i := 0; i < 2; i++ {
		report, err := restarted.ReconcileFromStore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, report.Activated)
	}

	assert.Len(t, restarted.cron.Entries(), 2)
	assert.Equal(t, 2, restarted.ActiveCount())

	friday := time.Date(2024, time.June, 14, 10, 0, 0, 0, time.UTC)
	next := restarted.entries[1].schedule.Next(friday)
	assert.Equal(t, time.Date(2024, time.June, 15, 9, 30, 0, 0, time.UTC), next)
	assert.Equal(t, next.AddDate(0, 0, 7), restarted.entries[1].schedule.Next(next))
}

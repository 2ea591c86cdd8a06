package jobs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/metrics"
	"github.com/anganwadi-lens/core/pkg/targets"
)

// LastRunStamper is the slice of the store the executor writes to
type LastRunStamper interface {
	StampLastRun(ctx context.Context, id int64, at time.Time) error
}

// ExecutorConfig holds configuration for target invocation
type ExecutorConfig struct {
	Timeout          time.Duration // Bound on one target call
	StoreTimeout     time.Duration // Bound on the last_run stamp
	BreakerThreshold uint32        // Consecutive failures before a target's breaker opens
	BreakerCooldown  time.Duration // How long an open breaker rejects calls
}

// DefaultExecutorConfig returns sensible defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:          30 * time.Second,
		StoreTimeout:     10 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// Executor invokes job targets. Success stamps last_run; failure is logged
// and counted, never retried.
type Executor struct {
	client  *http.Client
	stamper LastRunStamper
	config  ExecutorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	actions  map[string]Action
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewExecutor creates an executor
func NewExecutor(stamper LastRunStamper, config ExecutorConfig, log *logger.Logger, m *metrics.Metrics) *Executor {
	defaults := DefaultExecutorConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaults.StoreTimeout
	}
	if config.BreakerThreshold == 0 {
		config.BreakerThreshold = defaults.BreakerThreshold
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = defaults.BreakerCooldown
	}
	if log == nil {
		log = logger.New("executor")
	}
	if m == nil {
		m = metrics.Nop()
	}

	return &Executor{
		client:   &http.Client{},
		stamper:  stamper,
		config:   config,
		logger:   log,
		metrics:  m,
		now:      time.Now,
		actions:  make(map[string]Action),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RegisterAction binds local://<name> to an in-process function
func (e *Executor) RegisterAction(name string, action Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = action
}

// Invoke fires job once
func (e *Executor) Invoke(ctx context.Context, job database.CronJob) error {
	runID := uuid.New().String()
	jobLogger := e.logger.WithRequestID(runID).WithJob(job.ID, job.Name)
	ctx = jobLogger.ToContext(ctx)

	jobLogger.LogJobStart(job.Name, job.CronExpression)
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	_, err := e.breaker(job.TargetURL).Execute(func() (interface{}, error) {
		return nil, e.call(callCtx, runID, job.TargetURL, jobLogger)
	})
	cancel()

	duration := time.Since(start)

	if err != nil {
		reason := failureReason(err)
		e.metrics.ObserveFiring(job.Name, duration, reason)

		jobLogger.WithError(err).Error().
			Str("action", "job_failed").
			Str("target_url", job.TargetURL).
			Str("reason", reason).
			Dur("duration", duration).
			Msg("Job execution failed")

		return &ExecutionError{JobID: job.ID, JobName: job.Name, Target: job.TargetURL, Err: err}
	}

	e.metrics.ObserveFiring(job.Name, duration, "")
	e.stamp(ctx, job, jobLogger)
	jobLogger.LogJobComplete(job.Name, duration, 1, 0)

	return nil
}

func (e *Executor) call(ctx context.Context, runID, target string, log *logger.Logger) error {
	if name, ok := targets.LocalName(target); ok {
		e.mu.Lock()
		action, found := e.actions[name]
		e.mu.Unlock()

		if !found {
			return ErrUnknownAction
		}
		return action(ctx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-Request-ID", runID)
	req.Header.Set("User-Agent", "anganwadi-scheduler/1.0")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		log.LogAPICall(http.MethodPost, target, 0, time.Since(start), err)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode}
		log.LogAPICall(http.MethodPost, target, resp.StatusCode, time.Since(start), statusErr)
		return statusErr
	}

	log.LogAPICall(http.MethodPost, target, resp.StatusCode, time.Since(start), nil)
	return nil
}

// stamp writes last_run under its own timeout. A failure here does not undo
// the firing; it is logged and the next success overwrites it.
func (e *Executor) stamp(ctx context.Context, job database.CronJob, log *logger.Logger) {
	stampCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
	defer cancel()

	if err := e.stamper.StampLastRun(stampCtx, job.ID, e.now()); err != nil {
		log.Error().
			Err(err).
			Str("action", "stamp_last_run_failed").
			Msg("Job succeeded but last_run could not be recorded")
	}
}

func (e *Executor) breaker(target string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[target]; ok {
		return cb
	}

	threshold := e.config.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Timeout:     e.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.logger.Warn().
				Str("action", "breaker_state_change").
				Str("target_url", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Target circuit breaker changed state")
		},
	})
	e.breakers[target] = cb
	return cb
}

func failureReason(err error) string {
	var statusErr *HTTPStatusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	case errors.As(err, &statusErr):
		return "http_status"
	default:
		return "error"
	}
}

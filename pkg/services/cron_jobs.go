package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/jobs"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/recurrence"
)

// CreateCronJobRequest is the API input. Date is DD-MM-YYYY, Time is HH:MM.
type CreateCronJobRequest struct {
	Name           string `json:"name"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	RepeatInterval string `json:"repeat_interval"`
}

// CronJobView is a persisted job annotated with its scheduler state
type CronJobView struct {
	database.CronJob
	State       jobs.State `json:"state"`
	Description string     `json:"description,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
}

// CronJobService implements create/delete/list over the store and scheduler
type CronJobService struct {
	store        CronJobStore
	scheduler    JobScheduler
	resolver     TargetResolver
	logger       *logger.Logger
	storeTimeout time.Duration
}

func NewCronJobService(store CronJobStore, scheduler JobScheduler, resolver TargetResolver, storeTimeout time.Duration, log *logger.Logger) *CronJobService {
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.New("cron-job-service")
	}
	return &CronJobService{
		store:        store,
		scheduler:    scheduler,
		resolver:     resolver,
		logger:       log,
		storeTimeout: storeTimeout,
	}
}

// Create validates req, compiles its rule, persists the job and activates it.
// A rule that compiles but cannot be scheduled is persisted and reported as
// unschedulable rather than rejected.
func (s *CronJobService) Create(ctx context.Context, req CreateCronJobRequest) (CronJobView, error) {
	plan, err := s.validate(req)
	if err != nil {
		return CronJobView{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	job, err := s.store.Create(storeCtx, plan.params)
	cancel()
	if err != nil {
		return CronJobView{}, fmt.Errorf("failed to persist cron job: %w", err)
	}

	jobLogger := s.logger.WithJob(job.ID, job.Name)

	// Activate records an unschedulable rule in the scheduler state, so it is
	// called even when compilation already flagged one.
	if err := s.scheduler.Activate(ctx, job); err != nil {
		if !errors.Is(err, recurrence.ErrUnschedulable) {
			return CronJobView{}, fmt.Errorf("failed to activate cron job %d: %w", job.ID, err)
		}
		if plan.compileErr == nil {
			plan.compileErr = err
		}
		jobLogger.Error().
			Err(plan.compileErr).
			Str("action", "create_unschedulable").
			Msg("Cron job persisted but its rule cannot be scheduled")
	}

	jobLogger.Info().
		Str("action", "cron_job_created").
		Str("cron_expression", job.CronExpression).
		Str("target_url", job.TargetURL).
		Str("state", string(s.scheduler.State(job.ID))).
		Msg("Cron job created")

	return s.view(job, plan.rule), nil
}

// Delete removes the job durably, then from the scheduler. An unknown id
// returns database.ErrNotFound and changes nothing.
func (s *CronJobService) Delete(ctx context.Context, id int64) (CronJobView, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	job, err := s.store.Delete(storeCtx, id)
	cancel()
	if err != nil {
		return CronJobView{}, fmt.Errorf("failed to delete cron job %d: %w", id, err)
	}

	s.scheduler.Deactivate(id)

	s.logger.WithJob(job.ID, job.Name).Info().
		Str("action", "cron_job_deleted").
		Msg("Cron job deleted")

	view := s.view(job, recurrence.Rule{})
	view.State = jobs.StateCancelled
	return view, nil
}

// List returns every persisted job with its scheduler state
func (s *CronJobService) List(ctx context.Context) ([]CronJobView, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	items, err := s.store.ListAll(storeCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}

	views := make([]CronJobView, 0, len(items))
	for _, job := range items {
		views = append(views, s.view(job, recurrence.Rule{}))
	}
	return views, nil
}

// Get returns one job with its scheduler state
func (s *CronJobService) Get(ctx context.Context, id int64) (CronJobView, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	job, err := s.store.Get(storeCtx, id)
	cancel()
	if err != nil {
		return CronJobView{}, fmt.Errorf("failed to get cron job %d: %w", id, err)
	}
	return s.view(job, recurrence.Rule{}), nil
}

// createPlan is a validated request. compileErr holds a schedulability
// failure, which must not block persistence.
type createPlan struct {
	params     database.InsertCronJobParams
	rule       recurrence.Rule
	compileErr error
}

func (s *CronJobService) validate(req CreateCronJobRequest) (createPlan, error) {
	verr := &ValidationError{}

	name, targetURL, err := s.resolver.Resolve(req.Name)
	if err != nil {
		verr.add("name", "must be one of "+strings.Join(s.resolver.Names(), ", "))
	}

	date, err := recurrence.ParseDate(req.Date)
	if err != nil {
		verr.add("date", "must be a calendar date formatted DD-MM-YYYY")
	}

	hour, minute, err := recurrence.ParseTimeOfDay(req.Time)
	if err != nil {
		verr.add("time", "must be a time of day formatted HH:MM")
	}

	cadence, err := recurrence.ParseCadence(req.RepeatInterval)
	if err != nil {
		verr.add("repeat_interval", "must be daily, weekly or monthly")
	}

	if err := verr.orNil(); err != nil {
		return createPlan{}, err
	}

	rule, compileErr := recurrence.Compile(date, hour, minute, cadence)
	if compileErr != nil && !errors.Is(compileErr, recurrence.ErrUnschedulable) {
		verr.add("time", compileErr.Error())
		return createPlan{}, verr
	}

	params := database.InsertCronJobParams{
		Name:           name,
		ReferenceDate:  date,
		TimeOfDay:      fmt.Sprintf("%02d:%02d", hour, minute),
		RepeatInterval: string(cadence),
		CronExpression: rule.Expression,
		TargetURL:      targetURL,
	}
	return createPlan{params: params, rule: rule, compileErr: compileErr}, nil
}

func (s *CronJobService) view(job database.CronJob, rule recurrence.Rule) CronJobView {
	v := CronJobView{CronJob: job, State: s.scheduler.State(job.ID)}

	if rule.Expression == "" {
		if parsed, err := recurrence.ParseRule(job.CronExpression); err == nil {
			rule = parsed
		}
	}
	if rule.Expression != "" {
		v.Description = rule.Describe()
	}

	if next, ok := s.scheduler.NextRun(job.ID); ok {
		v.NextRun = &next
	}
	return v
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anganwadi-lens/core/pkg/logger"
)

const cronJobColumns = `id, name, reference_date, time_of_day, repeat_interval, cron_expression, target_url, last_run, created_at`

type InsertCronJobParams struct {
	Name           string
	ReferenceDate  time.Time
	TimeOfDay      string
	RepeatInterval string
	CronExpression string
	TargetURL      string
}

const insertCronJob = `
INSERT INTO cron_jobs (name, reference_date, time_of_day, repeat_interval, cron_expression, target_url)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + cronJobColumns

func (q *Queries) InsertCronJob(ctx context.Context, arg InsertCronJobParams) (CronJob, error) {
	row := q.db.QueryRow(ctx, insertCronJob,
		arg.Name,
		arg.ReferenceDate,
		arg.TimeOfDay,
		arg.RepeatInterval,
		arg.CronExpression,
		arg.TargetURL,
	)
	return scanCronJob(row)
}

const listCronJobs = `SELECT ` + cronJobColumns + ` FROM cron_jobs ORDER BY created_at DESC, id DESC`

func (q *Queries) ListCronJobs(ctx context.Context) ([]CronJob, error) {
	rows, err := q.db.Query(ctx, listCronJobs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []CronJob
	for rows.Next() {
		i, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getCronJob = `SELECT ` + cronJobColumns + ` FROM cron_jobs WHERE id = $1`

func (q *Queries) GetCronJob(ctx context.Context, id int64) (CronJob, error) {
	row := q.db.QueryRow(ctx, getCronJob, id)
	job, err := scanCronJob(row)
	return job, notFound(err)
}

const deleteCronJob = `DELETE FROM cron_jobs WHERE id = $1 RETURNING ` + cronJobColumns

func (q *Queries) DeleteCronJob(ctx context.Context, id int64) (CronJob, error) {
	row := q.db.QueryRow(ctx, deleteCronJob, id)
	job, err := scanCronJob(row)
	return job, notFound(err)
}

const updateCronJobLastRun = `UPDATE cron_jobs SET last_run = $2 WHERE id = $1`

func (q *Queries) UpdateCronJobLastRun(ctx context.Context, id int64, lastRun time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, updateCronJobLastRun, id, lastRun)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanCronJob(row pgx.Row) (CronJob, error) {
	var i CronJob
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.ReferenceDate,
		&i.TimeOfDay,
		&i.RepeatInterval,
		&i.CronExpression,
		&i.TargetURL,
		&i.LastRun,
		&i.CreatedAt,
	)
	return i, err
}

// JobStore is the durable home of cron job definitions.
type JobStore struct {
	db      TxBeginner
	queries *Queries
	logger  *logger.Logger
}

// NewJobStore builds a store over a pool that can both query and begin transactions.
func NewJobStore(db interface {
	DBTX
	TxBeginner
}, log *logger.Logger) *JobStore {
	return &JobStore{
		db:      db,
		queries: New(db),
		logger:  log,
	}
}

// Create inserts the job inside a transaction and returns the stored row.
func (s *JobStore) Create(ctx context.Context, arg InsertCronJobParams) (CronJob, error) {
	start := time.Now()
	var job CronJob

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		job, err = s.queries.WithTx(tx).InsertCronJob(ctx, arg)
		return err
	})

	s.logger.LogDatabaseOperation("insert", "cron_jobs", boolToRows(err == nil), time.Since(start), err)
	if err != nil {
		return CronJob{}, fmt.Errorf("failed to create cron job %s: %w", arg.Name, err)
	}
	return job, nil
}

func (s *JobStore) ListAll(ctx context.Context) ([]CronJob, error) {
	start := time.Now()
	jobs, err := s.queries.ListCronJobs(ctx)
	s.logger.LogDatabaseOperation("select", "cron_jobs", len(jobs), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) Get(ctx context.Context, id int64) (CronJob, error) {
	job, err := s.queries.GetCronJob(ctx, id)
	if err != nil {
		return CronJob{}, fmt.Errorf("failed to get cron job %d: %w", id, err)
	}
	return job, nil
}

// Delete removes the row and returns it so the caller can stop its timer.
func (s *JobStore) Delete(ctx context.Context, id int64) (CronJob, error) {
	start := time.Now()
	job, err := s.queries.DeleteCronJob(ctx, id)
	s.logger.LogDatabaseOperation("delete", "cron_jobs", boolToRows(err == nil), time.Since(start), err)
	if err != nil {
		return CronJob{}, fmt.Errorf("failed to delete cron job %d: %w", id, err)
	}
	return job, nil
}

func (s *JobStore) StampLastRun(ctx context.Context, id int64, at time.Time) error {
	affected, err := s.queries.UpdateCronJobLastRun(ctx, id, at)
	if err != nil {
		return fmt.Errorf("failed to stamp last run for cron job %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to stamp last run for cron job %d: %w", id, ErrNotFound)
	}
	return nil
}

func boolToRows(ok bool) int {
	if ok {
		return 1
	}
	return 0
}

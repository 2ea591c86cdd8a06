package services

import (
	"context"
	"time"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/jobs"
)

// NotificationStore defines the reads and the audit write used by the fan-out
type NotificationStore interface {
	ListNotifications(ctx context.Context) ([]database.Notification, error)
	GetNotification(ctx context.Context, id int64) (database.Notification, error)
	ListCandidateOwners(ctx context.Context, category, healthStatus string) ([]database.CandidateOwner, error)
	ListWorkerTokens(ctx context.Context, workerIDs []int64) ([]database.WorkerToken, error)
	RecordNotificationDispatch(ctx context.Context, id int64, at time.Time, successCount, failureCount int32) error
}

// CronJobStore defines the durable CRUD behind the cron job API
type CronJobStore interface {
	Create(ctx context.Context, arg database.InsertCronJobParams) (database.CronJob, error)
	ListAll(ctx context.Context) ([]database.CronJob, error)
	Get(ctx context.Context, id int64) (database.CronJob, error)
	Delete(ctx context.Context, id int64) (database.CronJob, error)
}

// JobScheduler defines the scheduler operations the API needs
type JobScheduler interface {
	Activate(ctx context.Context, job database.CronJob) error
	Deactivate(id int64) bool
	State(id int64) jobs.State
	NextRun(id int64) (time.Time, bool)
}

// TargetResolver maps job names to target URLs
type TargetResolver interface {
	Resolve(name string) (normalized string, targetURL string, err error)
	Names() []string
}

package database

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type CronJob struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	ReferenceDate  time.Time  `json:"date"`
	TimeOfDay      string     `json:"time"`
	RepeatInterval string     `json:"repeat_interval"`
	CronExpression string     `json:"cron_expression"`
	TargetURL      string     `json:"target_url"`
	LastRun        *time.Time `json:"last_run"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Notification struct {
	ID               int64              `json:"id"`
	Title            string             `json:"title"`
	Message          string             `json:"message"`
	Category         pgtype.Text        `json:"category"`
	HealthStatus     pgtype.Text        `json:"health_status"`
	LastDispatchAt   pgtype.Timestamptz `json:"last_dispatch_at"`
	LastSuccessCount int32              `json:"last_success_count"`
	LastFailureCount int32              `json:"last_failure_count"`
	CreatedAt        time.Time          `json:"created_at"`
}

// CandidateOwner is a candidate id with the worker responsible for it.
type CandidateOwner struct {
	CandidateID int64 `json:"candidate_id"`
	WorkerID    int64 `json:"worker_id"`
}

type WorkerToken struct {
	WorkerID int64  `json:"worker_id"`
	FCMToken string `json:"fcm_token"`
}

package database

import (
	"context"
	"time"
)

const notificationColumns = `id, title, message, category, health_status, last_dispatch_at, last_success_count, last_failure_count, created_at`

const listNotifications = `SELECT ` + notificationColumns + ` FROM notifications ORDER BY created_at DESC, id DESC`

func (q *Queries) ListNotifications(ctx context.Context) ([]Notification, error) {
	rows, err := q.db.Query(ctx, listNotifications)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Notification
	for rows.Next() {
		var i Notification
		if err := rows.Scan(
			&i.ID,
			&i.Title,
			&i.Message,
			&i.Category,
			&i.HealthStatus,
			&i.LastDispatchAt,
			&i.LastSuccessCount,
			&i.LastFailureCount,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getNotification = `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

func (q *Queries) GetNotification(ctx context.Context, id int64) (Notification, error) {
	row := q.db.QueryRow(ctx, getNotification, id)
	var i Notification
	err := row.Scan(
		&i.ID,
		&i.Title,
		&i.Message,
		&i.Category,
		&i.HealthStatus,
		&i.LastDispatchAt,
		&i.LastSuccessCount,
		&i.LastFailureCount,
		&i.CreatedAt,
	)
	return i, notFound(err)
}

// Candidates are matched on their most recent BMI record's health status.
const listCandidateOwners = `
SELECT c.id, c.worker_id
FROM candidates c
JOIN LATERAL (
    SELECT cb.health_status
    FROM candidate_bmi cb
    WHERE cb.candidate_id = c.id
    ORDER BY cb.created_at DESC
    LIMIT 1
) AS latest_bmi ON TRUE
WHERE c.category = $1
  AND latest_bmi.health_status = $2
  AND c.worker_id IS NOT NULL
ORDER BY c.id`

func (q *Queries) ListCandidateOwners(ctx context.Context, category, healthStatus string) ([]CandidateOwner, error) {
	rows, err := q.db.Query(ctx, listCandidateOwners, category, healthStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []CandidateOwner
	for rows.Next() {
		var i CandidateOwner
		if err := rows.Scan(&i.CandidateID, &i.WorkerID); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listWorkerTokens = `
SELECT id, fcm_token
FROM anganwadi_workers
WHERE id = ANY($1::bigint[])
  AND fcm_token IS NOT NULL
  AND fcm_token <> ''
ORDER BY id`

func (q *Queries) ListWorkerTokens(ctx context.Context, workerIDs []int64) ([]WorkerToken, error) {
	rows, err := q.db.Query(ctx, listWorkerTokens, workerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkerToken
	for rows.Next() {
		var i WorkerToken
		if err := rows.Scan(&i.WorkerID, &i.FCMToken); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const recordNotificationDispatch = `
UPDATE notifications
SET last_dispatch_at = $2,
    last_success_count = $3,
    last_failure_count = $4,
    updated_at = $2
WHERE id = $1`

func (q *Queries) RecordNotificationDispatch(ctx context.Context, id int64, at time.Time, successCount, failureCount int32) error {
	_, err := q.db.Exec(ctx, recordNotificationDispatch, id, at, successCount, failureCount)
	return err
}

package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anganwadi-lens/core/pkg/logger"
)

var createdAt = time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)

func cronJobRow(id int64, name, expr string, lastRun *time.Time) []interface{} {
	return []interface{}{
		id,
		name,
		time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC),
		"09:30",
		"weekly",
		expr,
		"local://" + name,
		lastRun,
		createdAt,
	}
}

func TestJobStore_Create_CommitsTransaction(t *testing.T) {
	db := &fakeDB{
		queryRow: func(sql string, args []interface{}) pgx.Row {
			require.Contains(t, sql, "INSERT INTO cron_jobs")
			require.Len(t, args, 6)
			assert.Equal(t, "send-notification", args[0])
			assert.Equal(t, "30 9 * * 6", args[4])
			return &fakeRow{values: cronJobRow(42, "send-notification", "30 9 * * 6", nil)}
		},
	}
	store := NewJobStore(db, logger.Nop())

	job, err := store.Create(context.Background(), InsertCronJobParams{
		Name:           "send-notification",
		ReferenceDate:  time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC),
		TimeOfDay:      "09:30",
		RepeatInterval: "weekly",
		CronExpression: "30 9 * * 6",
		TargetURL:      "local://send-notification",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), job.ID)
	assert.Nil(t, job.LastRun)
	assert.Equal(t, 1, db.begun)
	assert.Equal(t, 1, db.committed)
	assert.Equal(t, 0, db.rolledBack)
}

func TestJobStore_Create_RollsBackOnError(t *testing.T) {
	insertErr := errors.New("unique violation")
	db := &fakeDB{
		queryRow: func(sql string, args []interface{}) pgx.Row {
			return &fakeRow{err: insertErr}
		},
	}
	store := NewJobStore(db, logger.Nop())

	_, err := store.Create(context.Background(), InsertCronJobParams{Name: "sync-users"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, insertErr))
	assert.Equal(t, 0, db.committed)
	assert.Equal(t, 1, db.rolledBack)
}

func TestJobStore_ListAll(t *testing.T) {
	stamped := createdAt.Add(time.Hour)
	db := &fakeDB{
		query: func(sql string, args []interface{}) (pgx.Rows, error) {
			require.Contains(t, sql, "FROM cron_jobs")
			return &fakeRows{rows: [][]interface{}{
				cronJobRow(2, "sync-users", "0 6 * * *", &stamped),
				cronJobRow(1, "send-notification", "30 9 * * 6", nil),
			}}, nil
		},
	}
	store := NewJobStore(db, logger.Nop())

	jobs, err := store.ListAll(context.Background())

	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(2), jobs[0].ID)
	require.NotNil(t, jobs[0].LastRun)
	assert.True(t, jobs[0].LastRun.Equal(stamped))
	assert.Nil(t, jobs[1].LastRun)
}

func TestJobStore_ListAll_PropagatesErrors(t *testing.T) {
	db := &fakeDB{
		query: func(sql string, args []interface{}) (pgx.Rows, error) {
			return nil, errors.New("connection refused")
		},
	}
	store := NewJobStore(db, logger.Nop())

	_, err := store.ListAll(context.Background())
	assert.Error(t, err)

	db.query = func(sql string, args []interface{}) (pgx.Rows, error) {
		return &fakeRows{err: errors.New("stream reset")}, nil
	}
	_, err = store.ListAll(context.Background())
	assert.Error(t, err)
}

func TestJobStore_Get(t *testing.T) {
	db := &fakeDB{
		queryRow: func(sql string, args []interface{}) pgx.Row {
			if args[0].(int64) == 7 {
				return &fakeRow{values: cronJobRow(7, "sync-candidates", "0 0 1 * *", nil)}
			}
			return &fakeRow{err: pgx.ErrNoRows}
		},
	}
	store := NewJobStore(db, logger.Nop())

	job, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "sync-candidates", job.Name)

	_, err = store.Get(context.Background(), 8)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJobStore_Delete(t *testing.T) {
	db := &fakeDB{
		queryRow: func(sql string, args []interface{}) pgx.Row {
			require.True(t, strings.HasPrefix(strings.TrimSpace(sql), "DELETE FROM cron_jobs"))
			if args[0].(int64) == 3 {
				return &fakeRow{values: cronJobRow(3, "sync-users", "0 6 * * *", nil)}
			}
			return &fakeRow{err: pgx.ErrNoRows}
		},
	}
	store := NewJobStore(db, logger.Nop())

	job, err := store.Delete(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), job.ID)
	assert.Equal(t, "0 6 * * *", job.CronExpression)

	_, err = store.Delete(context.Background(), 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJobStore_StampLastRun(t *testing.T) {
	var stampedID int64
	var stampedAt time.Time
	db := &fakeDB{
		exec: func(sql string, args []interface{}) (pgconn.CommandTag, error) {
			stampedID = args[0].(int64)
			stampedAt = args[1].(time.Time)
			if stampedID == 5 {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	store := NewJobStore(db, logger.Nop())
	now := time.Now()

	require.NoError(t, store.StampLastRun(context.Background(), 5, now))
	assert.Equal(t, int64(5), stampedID)
	assert.True(t, stampedAt.Equal(now))

	err := store.StampLastRun(context.Background(), 6, now)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}

	require.NoError(t, Migrate(context.Background(), db))
	require.Len(t, db.statements, 1)
	assert.Contains(t, db.statements[0], "CREATE TABLE IF NOT EXISTS cron_jobs")
	assert.Contains(t, db.statements[0], "CREATE TABLE IF NOT EXISTS notifications")
}

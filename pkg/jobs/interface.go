package jobs

import (
	"context"
	"time"

	"github.com/anganwadi-lens/core/pkg/database"
)

// JobStore is the durable side of the scheduler
type JobStore interface {
	// ListAll returns every persisted job; used once at startup
	ListAll(ctx context.Context) ([]database.CronJob, error)

	// StampLastRun records a successful firing
	StampLastRun(ctx context.Context, id int64, at time.Time) error
}

// Invoker performs one firing of a job
type Invoker interface {
	Invoke(ctx context.Context, job database.CronJob) error
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, job database.CronJob) error

func (f InvokerFunc) Invoke(ctx context.Context, job database.CronJob) error {
	return f(ctx, job)
}

// Action is an in-process target addressed as local://<name>
type Action func(ctx context.Context) error

// State is the scheduler's view of a persisted job
type State string

const (
	// StatePending: persisted but not yet registered with the timer runtime
	StatePending State = "pending"
	// StateActive: registered and firing on its rule
	StateActive State = "active"
	// StateCancelled: deactivated, no further firings start
	StateCancelled State = "cancelled"
	// StateUnschedulable: persisted but the rule could not be activated
	StateUnschedulable State = "unschedulable"
)

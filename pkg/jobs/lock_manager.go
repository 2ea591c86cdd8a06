package jobs

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/logger"
)

// SchedulerLeaseName is the advisory lock every scheduler process competes for
const SchedulerLeaseName = "anganwadi-scheduler"

// LockManager provides session-scoped advisory locks
type LockManager interface {
	// AcquireLock attempts to acquire the lock without waiting
	AcquireLock(ctx context.Context, name string) (bool, error)

	// ReleaseLock releases a lock held by this session
	ReleaseLock(ctx context.Context, name string) error

	// IsLocked checks if any session currently holds the lock
	IsLocked(ctx context.Context, name string) (bool, error)

	// AcquireLockWithTimeout polls until the lock is acquired or timeout passes
	AcquireLockWithTimeout(ctx context.Context, name string, timeout time.Duration) (bool, error)
}

// PostgreSQLLockManager implements LockManager using PostgreSQL advisory locks.
// Advisory locks belong to a session, so db must be a single dedicated
// connection rather than a pool.
type PostgreSQLLockManager struct {
	db     database.DBTX
	logger *logger.Logger
}

// NewPostgreSQLLockManager creates a new PostgreSQL-based lock manager
func NewPostgreSQLLockManager(db database.DBTX, log *logger.Logger) *PostgreSQLLockManager {
	if log == nil {
		log = logger.New("scheduler-lease")
	}
	return &PostgreSQLLockManager{db: db, logger: log}
}

// generateLockID creates a consistent positive int64 key from a lock name
func (p *PostgreSQLLockManager) generateLockID(name string) int64 {
	hash := md5.Sum([]byte(name))

	lockID := int64(0)
	for i := 0; i < 8; i++ {
		lockID = lockID<<8 + int64(hash[i])
	}

	if lockID < 0 {
		lockID = -lockID
	}

	return lockID
}

// AcquireLock attempts to acquire the lock using pg_try_advisory_lock
func (p *PostgreSQLLockManager) AcquireLock(ctx context.Context, name string) (bool, error) {
	lockID := p.generateLockID(name)

	var acquired bool
	err := p.db.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("lock_name", name).
			Int64("lock_id", lockID).
			Str("action", "acquire_lock_failed").
			Msg("Failed to acquire advisory lock")
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	p.logger.Debug().
		Str("lock_name", name).
		Int64("lock_id", lockID).
		Bool("acquired", acquired).
		Str("action", "acquire_lock_attempt").
		Msg("Advisory lock attempt")

	return acquired, nil
}

// ReleaseLock releases the lock using pg_advisory_unlock
func (p *PostgreSQLLockManager) ReleaseLock(ctx context.Context, name string) error {
	lockID := p.generateLockID(name)

	var released bool
	err := p.db.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockID).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}

	if !released {
		p.logger.Warn().
			Str("lock_name", name).
			Int64("lock_id", lockID).
			Str("action", "lock_not_held").
			Msg("Attempted to release lock that was not held")
	}

	return nil
}

// IsLocked checks whether the lock is held by trying to take and drop it
func (p *PostgreSQLLockManager) IsLocked(ctx context.Context, name string) (bool, error) {
	lockID := p.generateLockID(name)

	var canAcquire bool
	err := p.db.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&canAcquire)
	if err != nil {
		return false, fmt.Errorf("failed to check lock status for %s: %w", name, err)
	}

	if canAcquire {
		if _, err := p.db.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			p.logger.Warn().
				Err(err).
				Str("lock_name", name).
				Msg("Failed to release lock after check")
		}
		return false, nil
	}

	return true, nil
}

// AcquireLockWithTimeout attempts to acquire a lock with polling and timeout
func (p *PostgreSQLLockManager) AcquireLockWithTimeout(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	acquired, err := p.AcquireLock(ctx, name)
	if err != nil || acquired {
		return acquired, err
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			acquired, err := p.AcquireLock(ctx, name)
			if err != nil || acquired {
				return acquired, err
			}
		}
	}
}

// SchedulerLease guards the single-scheduler assumption: only the process
// holding it may run the timer runtime.
type SchedulerLease struct {
	locks  LockManager
	name   string
	held   bool
	logger *logger.Logger
}

// NewSchedulerLease creates a lease over locks
func NewSchedulerLease(locks LockManager, log *logger.Logger) *SchedulerLease {
	if log == nil {
		log = logger.New("scheduler-lease")
	}
	return &SchedulerLease{locks: locks, name: SchedulerLeaseName, logger: log}
}

// Acquire takes the lease, waiting up to wait when wait > 0. Returns
// ErrLeaseHeld when another process owns it.
func (l *SchedulerLease) Acquire(ctx context.Context, wait time.Duration) error {
	var (
		acquired bool
		err      error
	)
	if wait > 0 {
		acquired, err = l.locks.AcquireLockWithTimeout(ctx, l.name, wait)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	} else {
		acquired, err = l.locks.AcquireLock(ctx, l.name)
	}
	if err != nil {
		return err
	}
	if !acquired {
		l.logger.Warn().
			Str("action", "lease_held_elsewhere").
			Str("lock_name", l.name).
			Msg("Another process owns the scheduler lease")
		return ErrLeaseHeld
	}

	l.held = true
	l.logger.Info().
		Str("action", "lease_acquired").
		Str("lock_name", l.name).
		Msg("Scheduler lease acquired")
	return nil
}

// Release gives the lease back if it is held
func (l *SchedulerLease) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	if err := l.locks.ReleaseLock(ctx, l.name); err != nil {
		return err
	}
	l.held = false
	return nil
}

// Held reports whether this process owns the lease
func (l *SchedulerLease) Held() bool {
	return l.held
}

// HeldElsewhere reports whether some session holds the lease. Only
// meaningful from a process that does not hold it itself.
func (l *SchedulerLease) HeldElsewhere(ctx context.Context) (bool, error) {
	return l.locks.IsLocked(ctx, l.name)
}

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anganwadi-lens/core/pkg/logger"
)

// MockDB implements database.DBTX with an in-memory advisory lock table
type MockDB struct {
	mu    sync.Mutex
	locks map[int64]bool
	err   error
}

func NewMockDB() *MockDB {
	return &MockDB{
		locks: make(map[int64]bool),
	}
}

func (m *MockDB) QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return &MockRow{err: m.err}
	}

	if len(args) > 0 {
		lockID := args[0].(int64)

		if query == "SELECT pg_try_advisory_lock($1)" {
			if m.locks[lockID] {
				return &MockRow{value: false}
			}
			m.locks[lockID] = true
			return &MockRow{value: true}
		}

		if query == "SELECT pg_advisory_unlock($1)" {
			wasHeld := m.locks[lockID]
			delete(m.locks, lockID)
			return &MockRow{value: wasHeld}
		}
	}

	return &MockRow{value: false}
}

func (m *MockDB) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (m *MockDB) Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if query == "SELECT pg_advisory_unlock($1)" && len(args) > 0 {
		delete(m.locks, args[0].(int64))
	}
	return pgconn.CommandTag{}, nil
}

// MockRow implements pgx.Row for testing
type MockRow struct {
	value interface{}
	err   error
}

func (m *MockRow) Scan(dest ...interface{}) error {
	if m.err != nil {
		return m.err
	}
	if len(dest) > 0 {
		switch v := dest[0].(type) {
		case *bool:
			*v = m.value.(bool)
		}
	}
	return nil
}

// TestLockManager tests the basic locking functionality
func TestLockManager(t *testing.T) {
	mockDB := NewMockDB()
	lockManager := NewPostgreSQLLockManager(mockDB, logger.Nop())
	ctx := context.Background()

	acquired, err := lockManager.AcquireLock(ctx, "test-lock")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !acquired {
		t.Fatal("Expected to acquire lock but didn't")
	}

	acquired2, err := lockManager.AcquireLock(ctx, "test-lock")
	if err != nil {
		t.Fatalf("Failed to attempt second lock acquisition: %v", err)
	}
	if acquired2 {
		t.Fatal("Expected second lock acquisition to fail but it succeeded")
	}

	isLocked, err := lockManager.IsLocked(ctx, "test-lock")
	if err != nil {
		t.Fatalf("Failed to check lock status: %v", err)
	}
	if !isLocked {
		t.Fatal("Expected lock to be held but it wasn't")
	}

	if err := lockManager.ReleaseLock(ctx, "test-lock"); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}

	isLocked, err = lockManager.IsLocked(ctx, "test-lock")
	if err != nil {
		t.Fatalf("Failed to check lock status: %v", err)
	}
	if isLocked {
		t.Fatal("Expected lock to be free after release")
	}

	acquired3, err := lockManager.AcquireLock(ctx, "test-lock")
	if err != nil {
		t.Fatalf("Failed to acquire lock after release: %v", err)
	}
	if !acquired3 {
		t.Fatal("Expected to acquire lock after release but didn't")
	}
}

func TestLockManager_DatabaseError(t *testing.T) {
	mockDB := NewMockDB()
	mockDB.err = errors.New("connection reset")
	lockManager := NewPostgreSQLLockManager(mockDB, logger.Nop())

	if _, err := lockManager.AcquireLock(context.Background(), "test-lock"); err == nil {
		t.Fatal("Expected error when the database fails")
	}
}

// TestLockTimeout tests the timeout functionality
func TestLockTimeout(t *testing.T) {
	mockDB := NewMockDB()
	lockManager := NewPostgreSQLLockManager(mockDB, logger.Nop())
	ctx := context.Background()

	if acquired, err := lockManager.AcquireLock(ctx, "timeout-lock"); err != nil || !acquired {
		t.Fatalf("Failed to acquire initial lock: acquired=%v err=%v", acquired, err)
	}

	start := time.Now()
	acquired, err := lockManager.AcquireLockWithTimeout(ctx, "timeout-lock", 200*time.Millisecond)
	duration := time.Since(start)

	if err == nil {
		t.Fatal("Expected timeout error but didn't get one")
	}
	if acquired {
		t.Fatal("Expected timeout to fail acquisition but it succeeded")
	}
	if duration < 150*time.Millisecond {
		t.Fatalf("Expected to wait for timeout but only waited %v", duration)
	}
}

// TestGenerateLockID tests that lock ID generation is consistent
func TestGenerateLockID(t *testing.T) {
	lockManager := NewPostgreSQLLockManager(NewMockDB(), logger.Nop())

	id1 := lockManager.generateLockID(SchedulerLeaseName)
	id2 := lockManager.generateLockID(SchedulerLeaseName)
	if id1 != id2 {
		t.Fatalf("Expected same lock ID for same name, got %d and %d", id1, id2)
	}

	id3 := lockManager.generateLockID("different-lock")
	if id1 == id3 {
		t.Fatalf("Expected different lock IDs for different names, both got %d", id1)
	}

	if id1 <= 0 {
		t.Fatalf("Expected positive lock ID, got %d", id1)
	}
}

func TestSchedulerLease(t *testing.T) {
	mockDB := NewMockDB()
	locks := NewPostgreSQLLockManager(mockDB, logger.Nop())
	ctx := context.Background()

	first := NewSchedulerLease(locks, logger.Nop())
	if err := first.Acquire(ctx, 0); err != nil {
		t.Fatalf("First lease should be acquired: %v", err)
	}
	if !first.Held() {
		t.Fatal("First lease should report as held")
	}

	second := NewSchedulerLease(locks, logger.Nop())
	if err := second.Acquire(ctx, 0); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("Expected ErrLeaseHeld, got %v", err)
	}
	if err := second.Acquire(ctx, 150*time.Millisecond); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("Expected ErrLeaseHeld after waiting, got %v", err)
	}

	heldElsewhere, err := second.HeldElsewhere(ctx)
	if err != nil {
		t.Fatalf("Failed to check lease: %v", err)
	}
	if !heldElsewhere {
		t.Fatal("Second process should see the lease as held")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Failed to release lease: %v", err)
	}
	if first.Held() {
		t.Fatal("Lease should report as released")
	}

	if err := second.Acquire(ctx, 0); err != nil {
		t.Fatalf("Second lease should be acquired after release: %v", err)
	}

	// Releasing a lease that was never acquired is a no-op.
	if err := NewSchedulerLease(locks, logger.Nop()).Release(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

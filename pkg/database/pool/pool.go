package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config represents database connection pool settings
type Config struct {
	// MaxConns is the maximum number of connections in the pool. One of them
	// is held for the lifetime of the process by the scheduler lease.
	MaxConns int32
	// MinConns is the minimum number of connections in the pool
	MinConns int32
	// MaxConnLifetime is the maximum lifetime of a connection
	MaxConnLifetime time.Duration
	// MaxConnIdleTime is the maximum idle time for a connection
	MaxConnIdleTime time.Duration
	// HealthCheckPeriod is the interval between health checks
	HealthCheckPeriod time.Duration
	// ConnectTimeout is the timeout for establishing new connections
	ConnectTimeout time.Duration
	// StatementTimeout bounds every statement server side
	StatementTimeout time.Duration
}

// DefaultConfig returns pool configuration sized for the scheduler workload:
// short CRUD queries, fan-out reads and last-run stamps.
func DefaultConfig() *Config {
	return &Config{
		MaxConns:          20,
		MinConns:          2,
		MaxConnLifetime:   30 * time.Minute,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		StatementTimeout:  30 * time.Second,
	}
}

// New creates a database connection pool and verifies it with retries
func New(ctx context.Context, databaseURL string, cfg *Config) (*pgxpool.Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = cfg.MaxConns
	config.MinConns = cfg.MinConns
	config.MaxConnLifetime = cfg.MaxConnLifetime
	config.MaxConnIdleTime = cfg.MaxConnIdleTime
	config.HealthCheckPeriod = cfg.HealthCheckPeriod
	config.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	config.ConnConfig.RuntimeParams = runtimeParams(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := ping(ctx, pool, 3, 2*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func runtimeParams(cfg *Config) map[string]string {
	return map[string]string{
		"application_name":                    "anganwadi-core",
		"statement_timeout":                   fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds()),
		"idle_in_transaction_session_timeout": "60000", // 1 minute
	}
}

func ping(ctx context.Context, pool *pgxpool.Pool, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed to ping database after %d attempts: %w", attempts, err)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Targets   TargetConfig
	Push      PushConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// SchedulerConfig controls timer execution and reconciliation.
type SchedulerConfig struct {
	Timezone         string
	Workers          int
	ExecTimeout      time.Duration // outbound target call
	StoreTimeout     time.Duration // every durable read/write issued by the scheduler
	BreakerThreshold int           // consecutive failures before a target's breaker opens
	BreakerCooldown  time.Duration
	RequireLease     bool // refuse to schedule when another process holds the scheduler lock
}

// TargetConfig holds the base URL job targets are resolved against.
// An empty BaseURL resolves every target to an in-process action.
type TargetConfig struct {
	BaseURL string
}

// PushConfig points at a Firebase service account. Access tokens are minted
// and refreshed from it by the SDK.
type PushConfig struct {
	CredentialsFile string
	ProjectID       string
	RatePerSec      int
	BatchSize       int
	Parallelism     int
	Timeout         time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "5000"),
			Host: getEnv("HOST", "localhost"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "anganwadi"),
			Password: getEnv("DB_PASSWORD", "anganwadi"),
			DBName:   getEnv("DB_NAME", "anganwadi"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Scheduler: SchedulerConfig{
			Timezone:         getEnv("SCHEDULER_TIMEZONE", "UTC"),
			Workers:          getEnvAsInt("SCHEDULER_WORKERS", 8),
			ExecTimeout:      getEnvAsDuration("SCHEDULER_EXEC_TIMEOUT", 30*time.Second),
			StoreTimeout:     getEnvAsDuration("SCHEDULER_STORE_TIMEOUT", 10*time.Second),
			BreakerThreshold: getEnvAsInt("SCHEDULER_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvAsDuration("SCHEDULER_BREAKER_COOLDOWN", time.Minute),
			RequireLease:     getEnvAsBool("SCHEDULER_REQUIRE_LEASE", true),
		},
		Targets: TargetConfig{
			BaseURL: getEnv("TARGET_BASE_URL", ""),
		},
		Push: PushConfig{
			CredentialsFile: getEnv("FCM_CREDENTIALS_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
			ProjectID:       getEnv("FCM_PROJECT_ID", ""),
			RatePerSec:      getEnvAsInt("FCM_RATE_PER_SEC", 50),
			BatchSize:       getEnvAsInt("FCM_BATCH_SIZE", 500),
			Parallelism:     getEnvAsInt("FCM_PARALLELISM", 4),
			Timeout:         getEnvAsDuration("FCM_TIMEOUT", 15*time.Second),
		},
	}
}

// Location resolves the scheduler timezone. An unknown zone is an error;
// every rule would otherwise fire at the wrong wall-clock time.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// PushEnabled reports whether real FCM delivery is configured.
func (c *Config) PushEnabled() bool {
	return c.Push.CredentialsFile != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (c *Config) DatabaseURL() string {
	// If DATABASE_URL is set, use it directly
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		return databaseURL
	}

	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port +
		"/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}

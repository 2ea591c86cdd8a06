package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anganwadi-lens/core/internal/config"
	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/database/pool"
	"github.com/anganwadi-lens/core/pkg/jobs"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/metrics"
	"github.com/anganwadi-lens/core/pkg/push"
	"github.com/anganwadi-lens/core/pkg/server"
	"github.com/anganwadi-lens/core/pkg/services"
	"github.com/anganwadi-lens/core/pkg/targets"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Setup structured logging
	logger.SetupLogger()
	log := logger.New("api-service")

	// Load configuration
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().
			Err(err).
			Str("action", "service_failed").
			Msg("API service stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	dbPool, err := pool.New(ctx, cfg.DatabaseURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		dbPool.Close()
		log.Info().Msg("Database connection pool closed")
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, cfg.Scheduler.StoreTimeout)
	err = database.Migrate(migrateCtx, dbPool)
	cancel()
	if err != nil {
		return err
	}

	// The lease lives on a dedicated session for the lifetime of the process.
	if cfg.Scheduler.RequireLease {
		conn, err := dbPool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire lease connection: %w", err)
		}
		defer conn.Release()

		lease := jobs.NewSchedulerLease(jobs.NewPostgreSQLLockManager(conn, log), log)
		if err := lease.Acquire(ctx, 0); err != nil {
			return fmt.Errorf("refusing to start scheduler: %w", err)
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				log.Error().Err(err).Str("action", "lease_release_failed").Msg("Failed to release scheduler lease")
			}
		}()
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	store := database.NewJobStore(dbPool, log)
	queries := database.New(dbPool)

	var sender push.Sender
	if cfg.PushEnabled() {
		fcm, err := push.NewFCMSender(ctx, fcmConfig(cfg), logger.New("push-fcm"))
		if err != nil {
			return err
		}
		sender = fcm
	} else {
		log.Warn().
			Str("action", "push_dry_run").
			Msg("FCM credentials not configured, notifications will only be logged")
		sender = push.NewLogSender(logger.New("push-log"))
	}
	fanout := services.NewNotificationFanout(queries, sender, cfg.Scheduler.StoreTimeout, logger.New("notification-fanout"), m)

	executor := jobs.NewExecutor(store, jobs.ExecutorConfig{
		Timeout:          cfg.Scheduler.ExecTimeout,
		StoreTimeout:     cfg.Scheduler.StoreTimeout,
		BreakerThreshold: uint32(cfg.Scheduler.BreakerThreshold),
		BreakerCooldown:  cfg.Scheduler.BreakerCooldown,
	}, logger.New("executor"), m)
	executor.RegisterAction(targets.SendNotification, fanout.Run)

	if cfg.Targets.BaseURL == "" {
		log.Warn().
			Str("action", "local_targets").
			Strs("external_targets", []string{targets.SyncUsers, targets.SyncCandidates}).
			Msg("TARGET_BASE_URL not set, sync jobs have no in-process action and will fail when fired")
	}

	scheduler := jobs.NewScheduler(store, executor, jobs.SchedulerConfig{
		Location:     location,
		Workers:      cfg.Scheduler.Workers,
		StoreTimeout: cfg.Scheduler.StoreTimeout,
	}, logger.New("scheduler"), m)

	cronJobs := services.NewCronJobService(store, scheduler, targets.NewResolver(cfg.Targets.BaseURL), cfg.Scheduler.StoreTimeout, logger.New("cron-job-service"))

	srv := server.New(cfg, server.Dependencies{
		CronJobs:      cronJobs,
		Notifications: fanout,
		Readiness:     scheduler,
		Metrics:       m,
	}, log)

	// Health and job mutations answer 503 until reconciliation completes.
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	report, err := scheduler.ReconcileFromStore(ctx)
	if err != nil {
		shutdown(srv, scheduler, log)
		return err
	}
	if len(report.Unschedulable) > 0 {
		log.Warn().
			Ints64("job_ids", report.Unschedulable).
			Str("action", "reconcile_unschedulable").
			Msg("Some persisted jobs could not be scheduled")
	}
	scheduler.Start()

	select {
	case <-ctx.Done():
		log.Info().Str("action", "signal_received").Msg("Shutting down API service")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			shutdown(srv, scheduler, log)
			return err
		}
	}

	shutdown(srv, scheduler, log)
	return nil
}

func fcmConfig(cfg *config.Config) push.FCMConfig {
	return push.FCMConfig{
		CredentialsFile: cfg.Push.CredentialsFile,
		ProjectID:       cfg.Push.ProjectID,
		RatePerSec:      cfg.Push.RatePerSec,
		BatchSize:       cfg.Push.BatchSize,
		Timeout:         cfg.Push.Timeout,
		Parallelism:     cfg.Push.Parallelism,
	}
}

func shutdown(srv *server.Server, scheduler *jobs.Scheduler, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Str("action", "server_shutdown_failed").Msg("Failed to shut down server cleanly")
	}
	scheduler.Stop()
}

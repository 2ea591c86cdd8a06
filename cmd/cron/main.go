package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/anganwadi-lens/core/internal/config"
	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/database/pool"
	"github.com/anganwadi-lens/core/pkg/jobs"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/metrics"
	"github.com/anganwadi-lens/core/pkg/push"
	"github.com/anganwadi-lens/core/pkg/recurrence"
	"github.com/anganwadi-lens/core/pkg/services"
	"github.com/anganwadi-lens/core/pkg/targets"
)

var (
	cfg    *config.Config
	log    *logger.Logger
	dbPool *pgxpool.Pool
)

var rootCmd = &cobra.Command{
	Use:   "anganwadi-cron",
	Short: "Operator tooling for persisted cron jobs",
	Long: `Inspect persisted cron jobs, check that they can be scheduled and fire one
on demand. The long-running scheduler itself lives in the api service.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.SetupLogger()
		log = logger.New("cron-cli")
		cfg = config.Load()

		p, err := pool.New(cmd.Context(), cfg.DatabaseURL(), nil)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		dbPool = p
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbPool != nil {
			dbPool.Close()
		}
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted jobs with their rule and lease status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listJobs(cmd.Context())
		},
	}

	var jobID int64
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Fire one persisted job now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), jobID)
		},
	}
	runCmd.Flags().Int64VarP(&jobID, "job", "j", 0, "Job ID to fire (required)")
	_ = runCmd.MarkFlagRequired("job")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report which persisted jobs would activate on startup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reconcile(cmd.Context())
		},
	}

	rootCmd.AddCommand(listCmd, runCmd, reconcileCmd)
}

func listJobs(ctx context.Context) error {
	store := database.NewJobStore(dbPool, log)
	items, err := store.ListAll(ctx)
	if err != nil {
		return err
	}

	held, err := leaseHeld(ctx)
	if err != nil {
		return err
	}
	if held {
		fmt.Println("scheduler lease: held by a running api service")
	} else {
		fmt.Println("scheduler lease: free (no scheduler is running)")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEXPRESSION\tSCHEDULE\tLAST RUN\tTARGET")
	for _, job := range items {
		schedule := "unschedulable"
		if rule, err := recurrence.ParseRule(job.CronExpression); err == nil {
			schedule = rule.Describe()
		}
		lastRun := "never"
		if job.LastRun != nil {
			lastRun = job.LastRun.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", job.ID, job.Name, job.CronExpression, schedule, lastRun, job.TargetURL)
	}
	return w.Flush()
}

func leaseHeld(ctx context.Context) (bool, error) {
	conn, err := dbPool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	lease := jobs.NewSchedulerLease(jobs.NewPostgreSQLLockManager(conn, log), log)
	return lease.HeldElsewhere(ctx)
}

func runJob(ctx context.Context, id int64) error {
	store := database.NewJobStore(dbPool, log)
	job, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", id, err)
	}

	location, err := cfg.Location()
	if err != nil {
		return err
	}

	m := metrics.Nop()
	var sender push.Sender = push.NewLogSender(log)
	if cfg.PushEnabled() {
		fcm, err := push.NewFCMSender(ctx, push.FCMConfig{
			CredentialsFile: cfg.Push.CredentialsFile,
			ProjectID:       cfg.Push.ProjectID,
			RatePerSec:      cfg.Push.RatePerSec,
			BatchSize:       cfg.Push.BatchSize,
			Timeout:         cfg.Push.Timeout,
			Parallelism:     cfg.Push.Parallelism,
		}, log)
		if err != nil {
			return err
		}
		sender = fcm
	}
	fanout := services.NewNotificationFanout(database.New(dbPool), sender, cfg.Scheduler.StoreTimeout, log, m)

	executor := jobs.NewExecutor(store, jobs.ExecutorConfig{
		Timeout:      cfg.Scheduler.ExecTimeout,
		StoreTimeout: cfg.Scheduler.StoreTimeout,
	}, log, m)
	executor.RegisterAction(targets.SendNotification, fanout.Run)

	scheduler := jobs.NewScheduler(store, executor, jobs.SchedulerConfig{
		Location: location,
		Workers:  1,
	}, log, m)
	if err := scheduler.Activate(ctx, job); err != nil {
		return err
	}

	start := time.Now()
	if err := scheduler.Trigger(ctx, job.ID); err != nil {
		return fmt.Errorf("job %d (%s) failed: %w", job.ID, job.Name, err)
	}
	fmt.Printf("job %d (%s) completed in %s\n", job.ID, job.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

func reconcile(ctx context.Context) error {
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	store := database.NewJobStore(dbPool, log)
	invoker := jobs.InvokerFunc(func(ctx context.Context, job database.CronJob) error { return nil })

	// Timers are never started, so nothing fires.
	scheduler := jobs.NewScheduler(store, invoker, jobs.SchedulerConfig{
		Location:     location,
		StoreTimeout: cfg.Scheduler.StoreTimeout,
	}, log, metrics.Nop())

	report, err := scheduler.ReconcileFromStore(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tNEXT RUN")
	for _, job := range scheduler.Active() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", job.Job.ID, job.Job.Name, jobs.StateActive, job.NextRun.Format(time.RFC3339))
	}
	for _, id := range report.Unschedulable {
		fmt.Fprintf(w, "%d\t\t%s\t\n", id, jobs.StateUnschedulable)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("%d jobs: %d active, %d unschedulable\n", report.Total, report.Activated, len(report.Unschedulable))
	return nil
}

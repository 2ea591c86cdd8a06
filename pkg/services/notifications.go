package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/metrics"
	"github.com/anganwadi-lens/core/pkg/push"
)

// Skip reasons reported when a notification produces no push
const (
	SkipMissingCriteria = "missing_criteria"
	SkipNoCandidates    = "no_matching_candidates"
	SkipNoTokens        = "no_registered_devices"
)

// DispatchResult is the audit record for one notification
type DispatchResult struct {
	NotificationID int64  `json:"notification_id"`
	Title          string `json:"title"`
	Category       string `json:"category"`
	HealthStatus   string `json:"health_status"`
	CandidateCount int    `json:"candidate_count"`
	WorkerCount    int    `json:"worker_count"`
	TokenCount     int    `json:"token_count"`
	SuccessCount   int    `json:"success_count"`
	FailureCount   int    `json:"failure_count"`
	Skipped        string `json:"skipped,omitempty"`
	Error          string `json:"error,omitempty"`
}

// FanoutReport aggregates a SendToAll pass
type FanoutReport struct {
	Results      []DispatchResult `json:"results"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	Errors       int              `json:"errors"`
}

// NotificationFanout resolves notifications to the devices of the workers
// responsible for matching candidates and pushes them
type NotificationFanout struct {
	store        NotificationStore
	sender       push.Sender
	logger       *logger.Logger
	metrics      *metrics.Metrics
	storeTimeout time.Duration
	now          func() time.Time
}

func NewNotificationFanout(store NotificationStore, sender push.Sender, storeTimeout time.Duration, log *logger.Logger, m *metrics.Metrics) *NotificationFanout {
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.New("notification-fanout")
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &NotificationFanout{
		store:        store,
		sender:       sender,
		logger:       log,
		metrics:      m,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// Run satisfies jobs.Action for the send-notification target
func (f *NotificationFanout) Run(ctx context.Context) error {
	_, err := f.SendToAll(ctx)
	return err
}

// SendToAll dispatches every notification. Only a failure to list
// notifications is returned; per-notification failures land in the report.
func (f *NotificationFanout) SendToAll(ctx context.Context) (FanoutReport, error) {
	// Prefer the run-scoped logger the executor puts on the context.
	log := f.logger
	if l, ok := ctx.Value(logger.LoggerKey).(*logger.Logger); ok {
		log = l
	}

	listCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	notifications, err := f.store.ListNotifications(listCtx)
	cancel()
	if err != nil {
		return FanoutReport{}, fmt.Errorf("failed to list notifications: %w", err)
	}

	report := FanoutReport{Results: make([]DispatchResult, 0, len(notifications))}
	for _, n := range notifications {
		result, err := f.dispatch(ctx, n)
		if err != nil {
			result.Error = err.Error()
			report.Errors++
			log.WithNotification(n.ID, n.Category.String, n.HealthStatus.String).Error().
				Err(err).
				Str("action", "notification_dispatch_failed").
				Msg("Failed to dispatch notification")
		}
		report.SuccessCount += result.SuccessCount
		report.FailureCount += result.FailureCount
		report.Results = append(report.Results, result)
	}

	log.Info().
		Str("action", "fanout_complete").
		Int("notifications", len(notifications)).
		Int("success_count", report.SuccessCount).
		Int("failure_count", report.FailureCount).
		Int("errors", report.Errors).
		Msg("Notification fan-out completed")

	return report, nil
}

// SendOne dispatches a single notification by id
func (f *NotificationFanout) SendOne(ctx context.Context, id int64) (DispatchResult, error) {
	getCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	n, err := f.store.GetNotification(getCtx, id)
	cancel()
	if err != nil {
		return DispatchResult{NotificationID: id}, fmt.Errorf("failed to load notification %d: %w", id, err)
	}
	return f.dispatch(ctx, n)
}

// SendDirect pushes msg to an explicit token list. Tokens are deduplicated;
// an empty list, title or body is a ValidationError.
func (f *NotificationFanout) SendDirect(ctx context.Context, msg push.Message) (push.BatchResponse, error) {
	verr := &ValidationError{}
	msg.Tokens = distinctTokens(wrapTokens(msg.Tokens))
	if len(msg.Tokens) == 0 {
		verr.add("tokens", "device tokens array is required")
	}
	if msg.Title == "" {
		verr.add("title", "is required")
	}
	if msg.Body == "" {
		verr.add("message", "is required")
	}
	if err := verr.orNil(); err != nil {
		return push.BatchResponse{}, err
	}

	start := time.Now()
	batch, err := f.sender.SendMulticast(ctx, msg)
	if err != nil {
		return push.BatchResponse{}, fmt.Errorf("failed to send push batch: %w", err)
	}
	f.metrics.ObservePush(batch.SuccessCount, batch.FailureCount, time.Since(start))

	if batch.FailureCount > 0 {
		f.logger.Warn().
			Str("action", "push_partial_failure").
			Int("success_count", batch.SuccessCount).
			Int("failure_count", batch.FailureCount).
			Msg("Failed to send to some tokens")
	}
	return batch, nil
}

func (f *NotificationFanout) dispatch(ctx context.Context, n database.Notification) (DispatchResult, error) {
	result := DispatchResult{
		NotificationID: n.ID,
		Title:          n.Title,
		Category:       n.Category.String,
		HealthStatus:   n.HealthStatus.String,
	}
	log := f.logger.WithNotification(n.ID, result.Category, result.HealthStatus)

	if !n.Category.Valid || n.Category.String == "" || !n.HealthStatus.Valid || n.HealthStatus.String == "" {
		result.Skipped = SkipMissingCriteria
		return result, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	owners, err := f.store.ListCandidateOwners(readCtx, result.Category, result.HealthStatus)
	cancel()
	if err != nil {
		return result, fmt.Errorf("failed to list matching candidates: %w", err)
	}
	result.CandidateCount = len(owners)
	if len(owners) == 0 {
		result.Skipped = SkipNoCandidates
		log.Debug().Str("action", "fanout_skip").Msg("No candidates match notification")
		return result, nil
	}

	workerIDs := distinctWorkers(owners)
	result.WorkerCount = len(workerIDs)

	readCtx, cancel = context.WithTimeout(ctx, f.storeTimeout)
	tokens, err := f.store.ListWorkerTokens(readCtx, workerIDs)
	cancel()
	if err != nil {
		return result, fmt.Errorf("failed to list worker tokens: %w", err)
	}

	deviceTokens := distinctTokens(tokens)
	result.TokenCount = len(deviceTokens)
	if len(deviceTokens) == 0 {
		result.Skipped = SkipNoTokens
		log.Debug().Str("action", "fanout_skip").Msg("No matching worker has a registered device")
		return result, nil
	}

	start := time.Now()
	batch, err := f.sender.SendMulticast(ctx, push.Message{
		Tokens: deviceTokens,
		Title:  n.Title,
		Body:   n.Message,
		Data: map[string]string{
			"notification_id": strconv.FormatInt(n.ID, 10),
			"category":        result.Category,
			"health_status":   result.HealthStatus,
		},
	})
	duration := time.Since(start)
	if err != nil {
		return result, fmt.Errorf("failed to send push batch: %w", err)
	}

	result.SuccessCount = batch.SuccessCount
	result.FailureCount = batch.FailureCount
	f.metrics.ObservePush(batch.SuccessCount, batch.FailureCount, duration)
	log.LogPushBatch(n.ID, len(deviceTokens), batch.SuccessCount, batch.FailureCount, duration)

	for _, r := range batch.Responses {
		if !r.Success {
			log.Warn().
				Str("action", "push_token_failed").
				Str("error", r.Error).
				Msg("Push to device failed")
		}
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.storeTimeout)
	defer cancel()
	if err := f.store.RecordNotificationDispatch(auditCtx, n.ID, f.now(), int32(batch.SuccessCount), int32(batch.FailureCount)); err != nil {
		log.Error().
			Err(err).
			Str("action", "record_dispatch_failed").
			Msg("Push sent but dispatch counts could not be recorded")
	}

	return result, nil
}

// distinctWorkers keeps the first occurrence order so the batch is stable
func distinctWorkers(owners []database.CandidateOwner) []int64 {
	seen := make(map[int64]struct{}, len(owners))
	ids := make([]int64, 0, len(owners))
	for _, o := range owners {
		if _, ok := seen[o.WorkerID]; ok {
			continue
		}
		seen[o.WorkerID] = struct{}{}
		ids = append(ids, o.WorkerID)
	}
	return ids
}

func distinctTokens(tokens []database.WorkerToken) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.FCMToken == "" {
			continue
		}
		if _, ok := seen[t.FCMToken]; ok {
			continue
		}
		seen[t.FCMToken] = struct{}{}
		out = append(out, t.FCMToken)
	}
	return out
}

func wrapTokens(raw []string) []database.WorkerToken {
	out := make([]database.WorkerToken, 0, len(raw))
	for _, t := range raw {
		out = append(out, database.WorkerToken{FCMToken: t})
	}
	return out
}

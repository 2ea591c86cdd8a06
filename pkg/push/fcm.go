package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/anganwadi-lens/core/pkg/logger"
)

// maxMulticastTokens is the FCM limit for one SendEachForMulticast call
const maxMulticastTokens = 500

// FCMConfig holds configuration for the Firebase Cloud Messaging sender
type FCMConfig struct {
	CredentialsFile string // Service account JSON; tokens are minted and refreshed from it
	ProjectID       string // Optional, taken from the credentials when empty
	RatePerSec      int    // Multicast calls per second
	BatchSize       int    // Tokens per multicast call, at most 500
	Timeout         time.Duration
	Parallelism     int
}

func (c FCMConfig) withDefaults() FCMConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 50
	}
	if c.BatchSize <= 0 || c.BatchSize > maxMulticastTokens {
		c.BatchSize = maxMulticastTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// multicastClient is the part of messaging.Client the sender needs
type multicastClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender delivers through the Firebase Admin SDK
type FCMSender struct {
	client  multicastClient
	config  FCMConfig
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewFCMSender authenticates with the service account in
// config.CredentialsFile and returns a sender bound to its project.
func NewFCMSender(ctx context.Context, config FCMConfig, log *logger.Logger) (*FCMSender, error) {
	if config.CredentialsFile == "" {
		return nil, errors.New("fcm credentials file is required")
	}

	var fbConfig *firebase.Config
	if config.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: config.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, option.WithCredentialsFile(config.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialise firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	return newFCMSender(client, config, log), nil
}

func newFCMSender(client multicastClient, config FCMConfig, log *logger.Logger) *FCMSender {
	config = config.withDefaults()
	if log == nil {
		log = logger.New("push-fcm")
	}

	return &FCMSender{
		client:  client,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSec), config.RatePerSec),
		logger:  log,
	}
}

// SendMulticast sends msg to every token in chunks of at most BatchSize.
// Per-token failures and failed chunks are reported in the response; only a
// cancelled context aborts the batch.
func (s *FCMSender) SendMulticast(ctx context.Context, msg Message) (BatchResponse, error) {
	responses := make([]SendResponse, len(msg.Tokens))

	var g errgroup.Group
	g.SetLimit(s.config.Parallelism)

	for start := 0; start < len(msg.Tokens); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(msg.Tokens))
		g.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			s.sendChunk(ctx, msg, msg.Tokens[start:end], responses[start:end])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BatchResponse{}, fmt.Errorf("push batch aborted: %w", err)
	}

	batch := BatchResponse{Responses: responses}
	for _, r := range responses {
		if r.Success {
			batch.SuccessCount++
		} else {
			batch.FailureCount++
		}
	}
	return batch, nil
}

// sendChunk fills out, which is aligned with tokens
func (s *FCMSender) sendChunk(ctx context.Context, msg Message, tokens []string, out []SendResponse) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.SendEachForMulticast(callCtx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err == nil && len(resp.Responses) != len(tokens) {
		err = fmt.Errorf("fcm answered %d results for %d tokens", len(resp.Responses), len(tokens))
	}
	if err != nil {
		s.logger.WithError(err).Error().
			Str("action", "push_chunk_failed").
			Int("token_count", len(tokens)).
			Dur("duration", time.Since(start)).
			Msg("Multicast call failed, every token in the chunk counts as failed")
		for i, token := range tokens {
			out[i] = SendResponse{Token: token, Error: err.Error()}
		}
		return
	}

	for i, r := range resp.Responses {
		out[i] = SendResponse{Token: tokens[i], Success: r.Success, MessageID: r.MessageID}
		if r.Error != nil {
			out[i].Error = r.Error.Error()
			if messaging.IsUnregistered(r.Error) {
				out[i].Error = "UNREGISTERED: " + out[i].Error
			}
		}
	}

	s.logger.Debug().
		Str("action", "push_chunk").
		Int("token_count", len(tokens)).
		Int("success_count", resp.SuccessCount).
		Int("failure_count", resp.FailureCount).
		Dur("duration", time.Since(start)).
		Msg("Multicast call completed")
}

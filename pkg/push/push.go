package push

import (
	"context"

	"github.com/anganwadi-lens/core/pkg/logger"
)

// Message is one notification addressed to many device tokens
type Message struct {
	Tokens []string          `json:"tokens"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// SendResponse is the outcome for a single token
type SendResponse struct {
	Token     string `json:"token"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchResponse aggregates a multicast
type BatchResponse struct {
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	Responses    []SendResponse `json:"responses"`
}

// Sender delivers a multicast. Per-token failures are reported in the
// response; an error means the batch as a whole could not be attempted.
type Sender interface {
	SendMulticast(ctx context.Context, msg Message) (BatchResponse, error)
}

// LogSender is a dry-run sender used when no push credentials are configured.
// Every token is reported as delivered.
type LogSender struct {
	logger *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	if log == nil {
		log = logger.New("push-dry-run")
	}
	return &LogSender{logger: log}
}

func (s *LogSender) SendMulticast(ctx context.Context, msg Message) (BatchResponse, error) {
	if err := ctx.Err(); err != nil {
		return BatchResponse{}, err
	}

	resp := BatchResponse{Responses: make([]SendResponse, 0, len(msg.Tokens))}
	for _, token := range msg.Tokens {
		resp.Responses = append(resp.Responses, SendResponse{Token: token, Success: true, MessageID: "dry-run"})
		resp.SuccessCount++
	}

	s.logger.Info().
		Str("action", "push_dry_run").
		Str("title", msg.Title).
		Int("token_count", len(msg.Tokens)).
		Msg("Push delivery disabled, message logged only")

	return resp, nil
}

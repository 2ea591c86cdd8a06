package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/models/api"
	"github.com/anganwadi-lens/core/pkg/push"
	"github.com/anganwadi-lens/core/pkg/services"
)

// Fanout is satisfied by *services.NotificationFanout
type Fanout interface {
	SendToAll(ctx context.Context) (services.FanoutReport, error)
	SendOne(ctx context.Context, id int64) (services.DispatchResult, error)
	SendDirect(ctx context.Context, msg push.Message) (push.BatchResponse, error)
}

type Handler struct {
	fanout Fanout
	logger *logger.Logger
}

func NewHandler(fanout Fanout, log *logger.Logger) *Handler {
	return &Handler{
		fanout: fanout,
		logger: log,
	}
}

// SendToAll handles POST /send-notification/send-to-all
func (h *Handler) SendToAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.fanout.SendToAll(r.Context())
	if err != nil {
		h.log(r).Error().Err(err).Str("action", "send_to_all_failed").Msg("Failed to send notifications")
		h.writeError(w, r, http.StatusInternalServerError, "Failed to send notifications", nil)
		return
	}

	h.writeJSON(w, r, http.StatusOK, api.Response{
		Success: true,
		Data:    report,
		Meta: map[string]any{
			"notifications": len(report.Results),
			"errors":        report.Errors,
		},
		Message: "Notifications dispatched",
	})
}

// SendOne handles POST /send-notification/{id}
func (h *Handler) SendOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, http.StatusBadRequest, "Invalid notification ID", nil)
		return
	}

	result, err := h.fanout.SendOne(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "Notification not found", nil)
			return
		}
		h.log(r).Error().Err(err).Int64("notification_id", id).Msg("Failed to send notification")
		h.writeError(w, r, http.StatusInternalServerError, "Failed to send notification", nil)
		return
	}

	h.writeJSON(w, r, http.StatusOK, api.Response{
		Success: true,
		Data:    result,
	})
}

// SendDirect handles POST /send-notification
func (h *Handler) SendDirect(w http.ResponseWriter, r *http.Request) {
	var req api.SendNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	batch, err := h.fanout.SendDirect(r.Context(), push.Message{
		Tokens: req.Tokens,
		Title:  req.Title,
		Body:   req.Message,
		Data:   req.Data,
	})
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, r, http.StatusBadRequest, verr.Error(), verr.Fields)
			return
		}
		h.log(r).Error().Err(err).Msg("Failed to send notifications")
		h.writeError(w, r, http.StatusInternalServerError, "Failed to send notifications", nil)
		return
	}

	h.writeJSON(w, r, http.StatusOK, api.Response{
		Success: true,
		Message: "Notifications sent",
		Data: api.SendStats{
			SuccessCount: batch.SuccessCount,
			FailureCount: batch.FailureCount,
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, fields map[string]string) {
	h.writeJSON(w, r, status, api.ErrorResponse{Success: false, Error: msg, Fields: fields})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log(r).Error().Err(err).Msg("Failed to encode notification response")
	}
}

func (h *Handler) log(r *http.Request) *logger.Logger {
	if l, ok := r.Context().Value(logger.LoggerKey).(*logger.Logger); ok {
		return l
	}
	return h.logger
}

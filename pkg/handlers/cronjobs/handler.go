package cronjobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/anganwadi-lens/core/pkg/database"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/models/api"
	"github.com/anganwadi-lens/core/pkg/services"
)

// Service is the cron job API surface; *services.CronJobService satisfies it
type Service interface {
	Create(ctx context.Context, req services.CreateCronJobRequest) (services.CronJobView, error)
	Delete(ctx context.Context, id int64) (services.CronJobView, error)
	List(ctx context.Context) ([]services.CronJobView, error)
	Get(ctx context.Context, id int64) (services.CronJobView, error)
}

type Handler struct {
	service Service
	logger  *logger.Logger
}

func NewHandler(service Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log,
	}
}

// Create handles POST /cron-jobs/add
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateCronJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	view, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, "Failed to create cron job")
		return
	}

	h.writeJSON(w, r, http.StatusCreated, api.Response{
		Success: true,
		Data:    view,
		Message: "Cron job created",
	})
}

// Delete handles DELETE /cron-jobs/delete/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	view, err := h.service.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Failed to delete cron job")
		return
	}

	h.writeJSON(w, r, http.StatusOK, api.Response{
		Success: true,
		Data:    view,
		Message: "Cron job deleted",
	})
}

// List handles GET /cron-jobs/getall
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.List(r.Context())
	if err != nil {
		h.fail(w, r, err, "Failed to fetch cron jobs")
		return
	}

	h.writeJSON(w, r, http.StatusOK, api.Response{
		Success: true,
		Data:    views,
		Meta: map[string]any{
			"total": len(views),
		},
	})
}

// Get handles GET /cron-jobs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	view, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Failed to fetch cron job")
		return
	}

	h.writeJSON(w, r, http.StatusOK, api.Response{
		Success: true,
		Data:    view,
	})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, http.StatusBadRequest, "Invalid cron job ID", nil)
		return 0, false
	}
	return id, true
}

// fail maps service errors onto status codes
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, r, http.StatusBadRequest, verr.Error(), verr.Fields)
	case errors.Is(err, database.ErrNotFound):
		h.writeError(w, r, http.StatusNotFound, "Cron job not found", nil)
	default:
		h.log(r).Error().Err(err).Msg(msg)
		h.writeError(w, r, http.StatusInternalServerError, msg, nil)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, fields map[string]string) {
	h.writeJSON(w, r, status, api.ErrorResponse{
		Success: false,
		Error:   msg,
		Fields:  fields,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log(r).Error().Err(err).Msg("Failed to encode cron job response")
	}
}

func (h *Handler) log(r *http.Request) *logger.Logger {
	if l, ok := r.Context().Value(logger.LoggerKey).(*logger.Logger); ok {
		return l
	}
	return h.logger
}

package api

import "time"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Scheduler  string    `json:"scheduler"`
	ActiveJobs int       `json:"active_jobs"`
}

// Response represents a general API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorResponse is returned for rejected requests. Fields carries per-field
// validation messages.
type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// SendNotificationRequest is the body of a direct push to explicit devices
type SendNotificationRequest struct {
	Tokens  []string          `json:"tokens"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// SendStats summarises a direct push
type SendStats struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

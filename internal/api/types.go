package api

import (
	"encoding/json"
	"time"

	"github.com/kylemclaren/device-tasks/internal/db"
)

// ScriptRequest represents a script creation/update request
type ScriptRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Content     json.RawMessage `json:"content"`
	CronExpr    string          `json:"cron_expr"` // Empty for manual-only scripts
	DeviceURI   string          `json:"device_uri"`
	Enabled     bool            `json:"enabled"`
}

// ScriptResponse represents a script in API responses
type ScriptResponse struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Content     json.RawMessage `json:"content"`
	CronExpr    string          `json:"cron_expr"`
	DeviceURI   string          `json:"device_uri"`
	Enabled     bool            `json:"enabled"`
	Actions     int             `json:"actions"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
}

// ScriptListResponse represents a list of scripts
type ScriptListResponse struct {
	Scripts []ScriptResponse `json:"scripts"`
	Total   int              `json:"total"`
}

// RunScriptRequest optionally overrides the script's device
type RunScriptRequest struct {
	DeviceURI string `json:"device_uri"`
}

// TaskRequest represents a task creation request
type TaskRequest struct {
	ScriptID  int64  `json:"script"`
	DeviceURI string `json:"device_uri"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []*db.Task `json:"tasks"`
	Total int        `json:"total"`
}

// RunResponse is returned when a task is queued
type RunResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  int64  `json:"task_id"`
	JobID   string `json:"job_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status           string                  `json:"status"`
	Version          string                  `json:"version,omitempty"`
	Tasks            map[db.TaskStatus]int64 `json:"tasks,omitempty"`
	WebSocketClients int                     `json:"websocket_clients"`
}

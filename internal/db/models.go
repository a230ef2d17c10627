package db

import (
	"encoding/json"
	"time"
)

// Script is a stored automation script; Content holds the script document JSON
type Script struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Content     json.RawMessage `json:"content"`
	CronExpr    string          `json:"cron_expr,omitempty"`
	DeviceURI   string          `json:"device_uri,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
}

// IsScheduled reports whether the scheduler should run this script
func (s *Script) IsScheduled() bool {
	return s.Enabled && s.CronExpr != "" && s.DeviceURI != ""
}

// Task is the persisted record of one script execution
type Task struct {
	ID               int64      `json:"id"`
	ScriptID         int64      `json:"script"`
	ScriptName       string     `json:"script_name"`
	Status           TaskStatus `json:"status"`
	Log              string     `json:"log"`
	LatestScreenshot string     `json:"latest_screenshot,omitempty"`
	DeviceURI        string     `json:"device_uri"`
	ExternalJobID    string     `json:"external_job_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// TaskStatus is the state of a task
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailed   TaskStatus = "FAILED"
	TaskCanceled TaskStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is allowed
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSuccess, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// transitionSources lists, for each target state, the states it may be entered from.
//
//	PENDING -> RUNNING -> {SUCCESS, FAILED, CANCELED}
//	PENDING -> CANCELED
var transitionSources = map[TaskStatus][]TaskStatus{
	TaskRunning:  {TaskPending},
	TaskSuccess:  {TaskRunning},
	TaskFailed:   {TaskRunning},
	TaskCanceled: {TaskPending, TaskRunning},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TaskFilter narrows ListTasks
type TaskFilter struct {
	Status   TaskStatus
	ScriptID int64
	Limit    int
}

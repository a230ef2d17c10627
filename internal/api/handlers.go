package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/executor"
	"github.com/kylemclaren/device-tasks/internal/scheduler"
	"github.com/kylemclaren/device-tasks/internal/script"
	"github.com/kylemclaren/device-tasks/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: version.Version,
	}
	if counts, err := s.db.CountTasksByStatus(r.Context()); err == nil {
		resp.Tasks = counts
	} else {
		resp.Status = "degraded"
	}
	if s.hub != nil {
		resp.WebSocketClients = s.hub.ClientCount()
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// ListScripts handles GET /api/v1/scripts
func (s *Server) ListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.db.ListScripts(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch scripts", err)
		return
	}

	response := ScriptListResponse{
		Scripts: make([]ScriptResponse, len(scripts)),
		Total:   len(scripts),
	}
	for i, sc := range scripts {
		response.Scripts[i] = scriptToResponse(sc)
	}
	s.jsonResponse(w, http.StatusOK, response)
}

// CreateScript handles POST /api/v1/scripts
func (s *Server) CreateScript(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateScriptRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	sc := &db.Script{
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		CronExpr:    req.CronExpr,
		DeviceURI:   req.DeviceURI,
		Enabled:     req.Enabled,
	}
	if err := s.db.CreateScript(r.Context(), sc); err != nil {
		s.storeError(w, "Script", err)
		return
	}
	s.syncScheduler(r.Context())

	s.jsonResponse(w, http.StatusCreated, scriptToResponse(s.reloadScript(r.Context(), sc)))
}

// GetScript handles GET /api/v1/scripts/{id}
func (s *Server) GetScript(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "script")
	if !ok {
		return
	}
	sc, err := s.db.GetScript(r.Context(), id)
	if err != nil {
		s.storeError(w, "Script", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, scriptToResponse(sc))
}

// UpdateScript handles PUT /api/v1/scripts/{id}
func (s *Server) UpdateScript(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "script")
	if !ok {
		return
	}
	sc, err := s.db.GetScript(r.Context(), id)
	if err != nil {
		s.storeError(w, "Script", err)
		return
	}

	var req ScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateScriptRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	sc.Name = req.Name
	sc.Description = req.Description
	sc.Content = req.Content
	sc.CronExpr = req.CronExpr
	sc.DeviceURI = req.DeviceURI
	sc.Enabled = req.Enabled
	if !sc.IsScheduled() {
		sc.NextRunAt = nil
	}
	if err := s.db.UpdateScript(r.Context(), sc); err != nil {
		s.storeError(w, "Script", err)
		return
	}
	s.syncScheduler(r.Context())

	s.jsonResponse(w, http.StatusOK, scriptToResponse(s.reloadScript(r.Context(), sc)))
}

// DeleteScript handles DELETE /api/v1/scripts/{id}. The script's tasks are deleted with it.
func (s *Server) DeleteScript(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "script")
	if !ok {
		return
	}
	if err := s.db.DeleteScript(r.Context(), id); err != nil {
		s.storeError(w, "Script", err)
		return
	}
	s.syncScheduler(r.Context())

	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Script deleted"})
}

// RunScript handles POST /api/v1/scripts/{id}/run: it creates a task and queues it
func (s *Server) RunScript(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "script")
	if !ok {
		return
	}
	sc, err := s.db.GetScript(r.Context(), id)
	if err != nil {
		s.storeError(w, "Script", err)
		return
	}

	var req RunScriptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	device := req.DeviceURI
	if device == "" {
		device = sc.DeviceURI
	}
	if device == "" {
		s.errorResponse(w, http.StatusBadRequest, "Device URI is required", nil)
		return
	}
	if _, err := script.Parse(sc.Content); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Script #%d content is invalid", sc.ID), err)
		return
	}

	task, job, err := executor.Submit(r.Context(), s.db, s.queue, sc.ID, device)
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Failed to queue task", err)
		return
	}
	s.logger.Info("script run queued", "script_id", sc.ID, "task_id", task.ID, "job_id", job.ID)

	s.jsonResponse(w, http.StatusCreated, s.reloadTask(r.Context(), task))
}

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	var filter db.TaskFilter
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		filter.Status = db.TaskStatus(status)
		if !filter.Status.Valid() {
			s.errorResponse(w, http.StatusBadRequest, "Invalid status", nil)
			return
		}
	}
	if v := q.Get("script"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid script ID", err)
			return
		}
		filter.ScriptID = id
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.errorResponse(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.db.ListTasks(r.Context(), filter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*db.Task{}
	}
	s.jsonResponse(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// CreateTask handles POST /api/v1/tasks. The task stays PENDING until run.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sc, err := s.db.GetScript(r.Context(), req.ScriptID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.errorResponse(w, http.StatusBadRequest, "Script not found", err)
			return
		}
		s.storeError(w, "Script", err)
		return
	}
	if req.DeviceURI == "" {
		req.DeviceURI = sc.DeviceURI
	}
	if req.DeviceURI == "" {
		s.errorResponse(w, http.StatusBadRequest, "Device URI is required", nil)
		return
	}

	task := &db.Task{ScriptID: sc.ID, DeviceURI: req.DeviceURI}
	if err := s.db.CreateTask(r.Context(), task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create task", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, s.reloadTask(r.Context(), task))
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "task")
	if !ok {
		return
	}
	task, err := s.db.GetTask(r.Context(), id)
	if err != nil {
		s.storeError(w, "Task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// RunTask handles POST /api/v1/tasks/{id}/run. Only PENDING tasks can be queued.
func (s *Server) RunTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "task")
	if !ok {
		return
	}
	task, err := s.db.GetTask(r.Context(), id)
	if err != nil {
		s.storeError(w, "Task", err)
		return
	}
	if task.Status != db.TaskPending {
		s.errorResponse(w, http.StatusConflict, "Task is running or finished and cannot be started again", nil)
		return
	}

	job, err := executor.Enqueue(r.Context(), s.db, s.queue, task.ID)
	if errors.Is(err, db.ErrAlreadyQueued) {
		s.errorResponse(w, http.StatusConflict, "Task is already queued", err)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Failed to queue task", err)
		return
	}
	s.logger.Info("task queued", "task_id", task.ID, "job_id", job.ID)

	s.jsonResponse(w, http.StatusAccepted, RunResponse{
		Status:  "success",
		Message: fmt.Sprintf("Task %d queued and will start shortly", task.ID),
		TaskID:  task.ID,
		JobID:   job.ID,
	})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "task")
	if !ok {
		return
	}

	task, err := executor.CancelTask(r.Context(), s.db, s.pub, s.bus, id, s.logger)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		case errors.Is(err, db.ErrInvalidTransition):
			s.errorResponse(w, http.StatusConflict, "Task already finished", err)
		case task.Status == db.TaskCanceled:
			// the status is set; only the notification failed
			s.logger.Warn("cancel request not delivered", "task_id", id, "error", err)
			s.jsonResponse(w, http.StatusOK, task)
		default:
			s.errorResponse(w, http.StatusInternalServerError, "Failed to cancel task", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

func (s *Server) idParam(w http.ResponseWriter, r *http.Request, what string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s ID", what), err)
		return 0, false
	}
	return id, true
}

func (s *Server) syncScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Sync(ctx); err != nil {
		s.logger.Warn("scheduler sync failed", "error", err)
	}
}

// reloadScript returns the stored script, falling back to sc
func (s *Server) reloadScript(ctx context.Context, sc *db.Script) *db.Script {
	if fresh, err := s.db.GetScript(ctx, sc.ID); err == nil {
		return fresh
	}
	return sc
}

func (s *Server) reloadTask(ctx context.Context, task *db.Task) *db.Task {
	if fresh, err := s.db.GetTask(ctx, task.ID); err == nil {
		return fresh
	}
	return task
}

func scriptToResponse(sc *db.Script) ScriptResponse {
	resp := ScriptResponse{
		ID:          sc.ID,
		Name:        sc.Name,
		Description: sc.Description,
		Content:     sc.Content,
		CronExpr:    sc.CronExpr,
		DeviceURI:   sc.DeviceURI,
		Enabled:     sc.Enabled,
		CreatedAt:   sc.CreatedAt,
		UpdatedAt:   sc.UpdatedAt,
		LastRunAt:   sc.LastRunAt,
		NextRunAt:   sc.NextRunAt,
	}
	if doc, err := script.Parse(sc.Content); err == nil {
		resp.Actions = doc.CountActions()
	}
	return resp
}

func validateScriptRequest(req *ScriptRequest) error {
	if req.Name == "" {
		return errEmptyName
	}
	if len(req.Content) == 0 {
		return errEmptyContent
	}
	if _, err := script.Parse(req.Content); err != nil {
		return fmt.Errorf("%w: %w", errInvalidContent, err)
	}
	// CronExpr is empty for manual-only scripts
	if req.CronExpr != "" {
		if err := scheduler.ValidateCron(req.CronExpr); err != nil {
			return fmt.Errorf("%w: %w", errInvalidCron, err)
		}
	}
	return nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}

// storeError maps persistence errors to status codes
func (s *Server) storeError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, what+" not found", err)
	case errors.Is(err, db.ErrDuplicateName):
		s.errorResponse(w, http.StatusConflict, fmt.Sprintf("A %s with this name already exists", strings.ToLower(what)), err)
	case errors.Is(err, db.ErrInvalidTransition):
		s.errorResponse(w, http.StatusConflict, "Invalid status change", err)
	default:
		s.logger.Error("store error", "what", what, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to process %s", strings.ToLower(what)), err)
	}
}

// Validation errors
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errEmptyName      validationError = "Name is required"
	errEmptyContent   validationError = "Content is required"
	errInvalidContent validationError = "Invalid script content"
	errInvalidCron    validationError = "Invalid cron expression"
)

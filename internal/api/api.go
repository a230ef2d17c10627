// Package api serves the HTTP surface: scripts, tasks, live task updates and screenshots.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/config"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/logging"
	"github.com/kylemclaren/device-tasks/internal/queue"
	"github.com/kylemclaren/device-tasks/internal/scheduler"
	"github.com/kylemclaren/device-tasks/internal/stream"
)

// Options wires the server to the rest of the process
type Options struct {
	DB    *db.DB
	Queue queue.Queue
	// Hub feeds websocket clients
	Hub *stream.Hub
	// Publisher receives updates made by the API itself, such as cancellation
	Publisher stream.Publisher
	Bus       cancel.Bus
	// Scheduler is optional; it is re-synced after script changes
	Scheduler *scheduler.Scheduler
	WebSocket config.WebSocketConfig
	MediaRoot string
	Logger    *logging.Logger
}

// Server represents the API server
type Server struct {
	db        *db.DB
	queue     queue.Queue
	hub       *stream.Hub
	pub       stream.Publisher
	bus       cancel.Bus
	scheduler *scheduler.Scheduler
	wsCfg     config.WebSocketConfig
	mediaRoot string
	logger    *logging.Logger
	router    chi.Router
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	pub := opts.Publisher
	if pub == nil && opts.Hub != nil {
		pub = opts.Hub
	}
	if opts.WebSocket.Path == "" {
		opts.WebSocket.Path = "/ws/task_updates/"
	}

	s := &Server{
		db:        opts.DB,
		queue:     opts.Queue,
		hub:       opts.Hub,
		pub:       pub,
		bus:       opts.Bus,
		scheduler: opts.Scheduler,
		wsCfg:     opts.WebSocket,
		mediaRoot: opts.MediaRoot,
		logger:    logger.With("component", "api"),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/api/v1/health", s.HealthCheck)

	// Scripts
	r.Get("/api/v1/scripts", s.ListScripts)
	r.Post("/api/v1/scripts", s.CreateScript)
	r.Get("/api/v1/scripts/{id}", s.GetScript)
	r.Put("/api/v1/scripts/{id}", s.UpdateScript)
	r.Delete("/api/v1/scripts/{id}", s.DeleteScript)
	r.Post("/api/v1/scripts/{id}/run", s.RunScript)

	// Tasks
	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks", s.CreateTask)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Post("/api/v1/tasks/{id}/run", s.RunTask)
	r.Post("/api/v1/tasks/{id}/cancel", s.CancelTask)

	// Live updates
	if s.hub != nil {
		r.Get(s.wsCfg.Path, s.handleWebSocket)
	}

	// Screenshots
	if s.mediaRoot != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaRoot))))
	}
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

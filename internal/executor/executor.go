package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/config"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/driver"
	"github.com/kylemclaren/device-tasks/internal/interp"
	"github.com/kylemclaren/device-tasks/internal/logging"
	"github.com/kylemclaren/device-tasks/internal/script"
	"github.com/kylemclaren/device-tasks/internal/stream"
	"github.com/kylemclaren/device-tasks/internal/tasklog"
	"github.com/kylemclaren/device-tasks/internal/webhook"
)

// Store is the persistence the executor needs
type Store interface {
	tasklog.Store
	GetScript(ctx context.Context, id int64) (*db.Script, error)
	SetScriptLastRun(ctx context.Context, id int64, at time.Time) error
}

// Recorder receives one point per finished run
type Recorder interface {
	RecordRun(task db.Task, duration time.Duration, actions int)
}

// Options holds the optional parts of an Executor
type Options struct {
	MediaRoot     string
	Notifications config.NotificationsConfig
	Recorder      Recorder
	Logger        *logging.Logger

	// StatusInterval rate-limits the stored-status read at run checkpoints; zero reads at every one
	StatusInterval time.Duration
}

// Executor runs tasks: it owns the run's cancellation token, drives the
// interpreter and maps the outcome to the task's terminal state.
type Executor struct {
	store   Store
	driver  driver.Driver
	interp  *interp.Interpreter
	tokens  *cancel.Registry
	pub     stream.Publisher
	discord *webhook.Discord
	slack   *webhook.Slack
	opts    Options
	logger  *logging.Logger
}

// New creates a new executor
func New(store Store, drv driver.Driver, in *interp.Interpreter, tokens *cancel.Registry, pub stream.Publisher, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{
		store:   store,
		driver:  drv,
		interp:  in,
		tokens:  tokens,
		pub:     pub,
		discord: webhook.NewDiscord(),
		slack:   webhook.NewSlack(),
		opts:    opts,
		logger:  logger.With("component", "executor"),
	}
}

// Tokens is the registry cancellation requests are delivered to
func (e *Executor) Tokens() *cancel.Registry {
	return e.tokens
}

// Result represents the result of a task execution
type Result struct {
	TaskID   int64
	Status   db.TaskStatus
	Duration time.Duration
	// Err is the reason for FAILED, or why the task could not be run at all
	Err error
	// Skipped is set when the task was already finished before the run started
	Skipped bool
}

// Execute runs the task to completion. Failures are recorded on the task, never returned
// as a panic or error to the caller; the Result only reports what happened.
func (e *Executor) Execute(ctx context.Context, taskID int64) (res *Result) {
	start := time.Now()
	logger := e.logger.With("task_id", taskID)

	// register before reading the status so a cancel sent in between is not lost
	tok, owned := e.tokens.Register(taskID)
	if !owned {
		status := db.TaskStatus("")
		if task, err := e.store.GetTask(ctx, taskID); err == nil {
			status = task.Status
		}
		logger.Warn("task is already running here, skipping duplicate job", "status", status)
		return &Result{TaskID: taskID, Status: status, Skipped: true, Duration: time.Since(start)}
	}
	defer e.tokens.Release(taskID, tok)

	l, err := tasklog.Open(ctx, e.store, e.pub, taskID, e.logger)
	if err != nil {
		logger.Error("cannot open task", "error", err)
		return &Result{TaskID: taskID, Err: err, Duration: time.Since(start)}
	}

	task := l.Task()
	if task.Status.IsTerminal() {
		logger.Info("task already finished, skipping", "status", task.Status)
		return &Result{TaskID: taskID, Status: task.Status, Skipped: true, Duration: time.Since(start)}
	}

	if err := l.SetStatus(ctx, db.TaskRunning, fmt.Sprintf("--- [task started] script: %s ---", task.ScriptName)); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			current, _ := l.Refresh(ctx)
			logger.Info("task changed before start, skipping", "status", current.Status)
			return &Result{TaskID: taskID, Status: current.Status, Skipped: true, Duration: time.Since(start)}
		}
		return &Result{TaskID: taskID, Err: err, Duration: time.Since(start)}
	}
	logger.Info("task started", "script", task.ScriptName, "device", task.DeviceURI)

	actions := 0
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			res = e.finish(ctx, l, fmt.Errorf("panic: %v", r), start, actions)
		}
	}()

	actions, err = e.run(ctx, l, tok, task)
	return e.finish(ctx, l, err, start, actions)
}

// run connects to the device and interprets the task's script
func (e *Executor) run(ctx context.Context, l *tasklog.Logger, tok *cancel.Token, task db.Task) (int, error) {
	s, err := e.store.GetScript(ctx, task.ScriptID)
	if err != nil {
		return 0, fmt.Errorf("loading script %d: %w", task.ScriptID, err)
	}
	doc, err := script.Parse(s.Content)
	if err != nil {
		return 0, err
	}
	actions := doc.CountActions()

	sess, err := e.driver.Connect(ctx, task.DeviceURI)
	if err != nil {
		return actions, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Warn("closing device session", "task_id", task.ID, "error", err)
		}
	}()
	if err := l.AppendLog(ctx, "connected to device: "+task.DeviceURI); err != nil {
		return actions, err
	}

	rc := &interp.RunContext{
		TaskID:    task.ID,
		Token:     tok,
		Log:       l,
		Session:   sess,
		MediaRoot: e.opts.MediaRoot,

		// catches a cancel whose bus message never reached this process
		Stored:      l,
		StoredEvery: e.opts.StatusInterval,
	}
	return actions, e.interp.Run(ctx, rc, doc)
}

// finish maps the run outcome to the task's terminal state.
// A cancelled run leaves the record exactly as the cancelling actor set it.
func (e *Executor) finish(ctx context.Context, l *tasklog.Logger, runErr error, start time.Time, actions int) *Result {
	taskID := l.ID()
	res := &Result{TaskID: taskID}
	logger := e.logger.With("task_id", taskID)

	switch {
	case runErr != nil && (interp.IsCanceled(runErr) || ctx.Err() != nil):
		logger.Info("task cancelled")
		e.afterTerminal(l, start, actions, res)
		return res

	case runErr == nil:
		if err := l.SetStatus(ctx, db.TaskSuccess, "--- [task succeeded] ---"); err != nil {
			logger.Warn("could not mark task succeeded", "error", err)
		}

	default:
		res.Err = runErr
		if err := l.SetStatus(ctx, db.TaskFailed, failureLine(runErr)); err != nil {
			logger.Warn("could not mark task failed", "error", err)
		}
		logger.Warn("task failed", "error", runErr)
	}

	e.afterTerminal(l, start, actions, res)
	return res
}

func (e *Executor) afterTerminal(l *tasklog.Logger, start time.Time, actions int, res *Result) {
	// the run context may already be cancelled here
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := l.Refresh(ctx)
	if err != nil {
		task = l.Task()
	}
	res.Status = task.Status
	res.Duration = time.Since(start)

	if e.store != nil {
		if err := e.store.SetScriptLastRun(ctx, task.ScriptID, time.Now()); err != nil {
			e.logger.Warn("could not update script last run", "script_id", task.ScriptID, "error", err)
		}
	}
	if e.opts.Recorder != nil {
		e.opts.Recorder.RecordRun(task, res.Duration, actions)
	}
	e.sendWebhooks(&task)
}

func failureLine(err error) string {
	if errors.Is(err, driver.ErrTargetNotFound) {
		return fmt.Sprintf("--- [task failed] target image not found: %v ---", err)
	}
	return fmt.Sprintf("--- [task failed] %v ---", err)
}

// sendWebhooks sends Discord and Slack notifications if configured
func (e *Executor) sendWebhooks(task *db.Task) {
	if url := e.opts.Notifications.DiscordWebhook; url != "" {
		if err := e.discord.SendResult(url, task); err != nil {
			e.logger.Warn("discord notification failed", "task_id", task.ID, "error", err)
		}
	}
	if url := e.opts.Notifications.SlackWebhook; url != "" {
		if err := e.slack.SendResult(url, task); err != nil {
			e.logger.Warn("slack notification failed", "task_id", task.ID, "error", err)
		}
	}
}

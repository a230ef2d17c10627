// Package tasklog is the single writer of a task's record during a run.
//
// Every mutation is written to the store, the stored record is read back, and
// the full record is published as a task.update message before the call returns.
// A failed publish is logged; the stored change stays.
package tasklog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/logging"
	"github.com/kylemclaren/device-tasks/internal/stream"
)

// Store is the persistence the logger writes through.
// Each write touches only its own columns and returns the record as stored.
type Store interface {
	GetTask(ctx context.Context, id int64) (*db.Task, error)
	AppendTaskLog(ctx context.Context, id int64, line string) (*db.Task, error)
	TransitionTask(ctx context.Context, id int64, to db.TaskStatus, line string, at time.Time) (*db.Task, error)
	SetTaskScreenshot(ctx context.Context, id int64, path string) (*db.Task, error)
}

// Logger owns one task's record for the duration of a run.
type Logger struct {
	store  Store
	pub    stream.Publisher
	logger *logging.Logger
	now    func() time.Time

	mu   sync.Mutex
	task *db.Task
}

// Open loads the task and returns its logger. pub may be nil.
func Open(ctx context.Context, store Store, pub stream.Publisher, taskID int64, logger *logging.Logger) (*Logger, error) {
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Logger{
		store:  store,
		pub:    pub,
		logger: logger.With("component", "tasklog", "task_id", taskID),
		now:    time.Now,
		task:   task,
	}, nil
}

// Task returns a copy of the last stored record
func (l *Logger) Task() db.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.task
}

// ID is the task id
func (l *Logger) ID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task.ID
}

// AppendLog adds one line to the task log
func (l *Logger) AppendLog(ctx context.Context, line string) error {
	return l.apply(ctx, func(id int64) (*db.Task, error) {
		return l.store.AppendTaskLog(ctx, id, line)
	})
}

// SetStatus moves the task to status, appending line in the same write.
// It returns db.ErrInvalidTransition when the current status does not allow it,
// in which case nothing is written or published.
func (l *Logger) SetStatus(ctx context.Context, status db.TaskStatus, line string) error {
	return l.apply(ctx, func(id int64) (*db.Task, error) {
		return l.store.TransitionTask(ctx, id, status, line, l.now())
	})
}

// SetScreenshot records the media-relative path of the latest screenshot
func (l *Logger) SetScreenshot(ctx context.Context, path string) error {
	return l.apply(ctx, func(id int64) (*db.Task, error) {
		return l.store.SetTaskScreenshot(ctx, id, path)
	})
}

// Refresh re-reads the record without publishing
func (l *Logger) Refresh(ctx context.Context) (db.Task, error) {
	task, err := l.store.GetTask(ctx, l.ID())
	if err != nil {
		return db.Task{}, err
	}
	l.mu.Lock()
	l.task = task
	l.mu.Unlock()
	return *task, nil
}

// Canceled re-reads the record and reports whether another actor cancelled the task
func (l *Logger) Canceled(ctx context.Context) (bool, error) {
	task, err := l.Refresh(ctx)
	if err != nil {
		return false, err
	}
	return task.Status == db.TaskCanceled, nil
}

func (l *Logger) apply(ctx context.Context, write func(id int64) (*db.Task, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	task, err := write(l.task.ID)
	if err != nil {
		l.logger.Error("task update failed", "error", err)
		return err
	}
	l.task = task

	if l.pub == nil {
		return nil
	}
	if err := l.pub.Publish(ctx, stream.TaskUpdate(task.ID, *task)); err != nil {
		l.logger.Warn("task update not published", "error", err)
	}
	return nil
}

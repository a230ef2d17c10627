package executor

import (
	"context"
	"fmt"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/logging"
	"github.com/kylemclaren/device-tasks/internal/stream"
	"github.com/kylemclaren/device-tasks/internal/tasklog"
)

// CancelTask marks a task CANCELED and asks whoever runs it to stop.
//
// The status change is made first and is what the run observes; the bus request
// only speeds that up and lets the worker pool terminate a run that does not stop.
// It fails with db.ErrInvalidTransition when the task already finished.
func CancelTask(ctx context.Context, store tasklog.Store, pub stream.Publisher, bus cancel.Bus, taskID int64, logger *logging.Logger) (db.Task, error) {
	l, err := tasklog.Open(ctx, store, pub, taskID, logger)
	if err != nil {
		return db.Task{}, err
	}
	if err := l.SetStatus(ctx, db.TaskCanceled, "--- [task canceled] cancellation requested ---"); err != nil {
		return l.Task(), err
	}

	task := l.Task()
	if bus != nil {
		req := cancel.Request{TaskID: task.ID, JobID: task.ExternalJobID}
		if err := bus.Publish(ctx, req); err != nil {
			return task, fmt.Errorf("task canceled but workers were not notified: %w", err)
		}
	}
	return task, nil
}

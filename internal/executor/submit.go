package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/queue"
)

// SubmitStore is the persistence Submit needs
type SubmitStore interface {
	CreateTask(ctx context.Context, t *db.Task) error
	SetTaskJob(ctx context.Context, id int64, jobID string) error
	ClearTaskJob(ctx context.Context, id int64, jobID string) error
}

// Submit creates a PENDING task for the script and queues it
func Submit(ctx context.Context, store SubmitStore, q queue.Queue, scriptID int64, deviceURI string) (*db.Task, queue.Job, error) {
	task := &db.Task{ScriptID: scriptID, DeviceURI: deviceURI}
	if err := store.CreateTask(ctx, task); err != nil {
		return nil, queue.Job{}, fmt.Errorf("creating task: %w", err)
	}
	job, err := Enqueue(ctx, store, q, task.ID)
	if err != nil {
		return task, queue.Job{}, err
	}
	task.ExternalJobID = job.ID
	return task, job, nil
}

// Enqueue queues an existing task. The job id is stored on the task first
// so a cancel request can name the job. A task is queued at most once;
// a second call fails with db.ErrAlreadyQueued.
func Enqueue(ctx context.Context, store SubmitStore, q queue.Queue, taskID int64) (queue.Job, error) {
	job := queue.NewJob(taskID)
	if err := store.SetTaskJob(ctx, taskID, job.ID); err != nil {
		return queue.Job{}, fmt.Errorf("recording job for task %d: %w", taskID, err)
	}
	if err := q.Enqueue(ctx, job); err != nil {
		if clearErr := store.ClearTaskJob(context.WithoutCancel(ctx), taskID, job.ID); clearErr != nil {
			err = errors.Join(err, clearErr)
		}
		return queue.Job{}, fmt.Errorf("queueing task %d: %w", taskID, err)
	}
	return job, nil
}

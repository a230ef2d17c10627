// Package queue carries task runs from whoever requests them to the worker pool.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrClosed = errors.New("queue: closed")
	ErrFull   = errors.New("queue: full")
)

// Job asks a worker to run one task. ID is recorded on the task as its external job id.
type Job struct {
	ID         string    `json:"id"`
	TaskID     int64     `json:"task_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob creates a job with a fresh id
func NewJob(taskID int64) Job {
	return Job{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue defines the interface for job queue operations
type Queue interface {
	// Enqueue adds a job to the tail of the queue
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available, ctx is done or the queue is closed
	Dequeue(ctx context.Context) (Job, error)

	// Close stops the queue; blocked Dequeue calls return ErrClosed
	Close() error
}

// MemoryQueue is a Queue for a single process
type MemoryQueue struct {
	jobs chan Job
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue creates a queue holding up to size jobs
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{
		jobs: make(chan Job, size),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrClosed
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.done:
		return Job{}, ErrClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len returns the number of waiting jobs
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// Package worker runs queued tasks on a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/executor"
	"github.com/kylemclaren/device-tasks/internal/logging"
	"github.com/kylemclaren/device-tasks/internal/queue"
)

// Runner executes one task. executor.Executor is the production Runner.
type Runner interface {
	Execute(ctx context.Context, taskID int64) *executor.Result
	Tokens() *cancel.Registry
}

// Config holds pool settings
type Config struct {
	Concurrency int
	// TerminateGrace is how long a cancelled run may keep going before its job is terminated
	TerminateGrace time.Duration
	// RetryInterval is the pause after a failed dequeue
	RetryInterval time.Duration
}

type runningJob struct {
	job       queue.Job
	cancel    context.CancelFunc
	startedAt time.Time
}

// Pool dequeues jobs and hands each to the Runner with its own context.
type Pool struct {
	queue  queue.Queue
	runner Runner
	bus    cancel.Bus
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	running map[string]*runningJob

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// NewPool creates a new worker pool. bus may be nil.
func NewPool(q queue.Queue, runner Runner, bus cancel.Bus, cfg Config, logger *logging.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		queue:   q,
		runner:  runner,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "worker"),
		running: make(map[string]*runningJob),
	}
}

// Start subscribes to cancellation requests and starts the workers.
// Workers stop taking jobs when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	p.ctx, p.cancelFunc = context.WithCancel(ctx)
	p.mu.Unlock()

	if p.bus != nil {
		if err := p.bus.Subscribe(p.ctx, p.onCancel); err != nil {
			p.cancelFunc()
			return fmt.Errorf("subscribing to cancel requests: %w", err)
		}
	}

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(i + 1)
	}
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	return nil
}

// Stop stops taking new jobs and waits for running ones to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	cancelFunc := p.cancelFunc
	p.mu.Unlock()
	if cancelFunc == nil {
		return
	}
	cancelFunc()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Terminate cancels a running job's context. It reports whether the job was running.
func (p *Pool) Terminate(jobID string) bool {
	p.mu.Lock()
	rj, ok := p.running[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.logger.Warn("terminating job", "job_id", jobID, "task_id", rj.job.TaskID)
	rj.cancel()
	return true
}

// Running returns the number of jobs being executed
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Pool) loop(worker int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", worker)

	for {
		job, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.RetryInterval):
			}
			continue
		}
		p.run(logger, job)
	}
}

func (p *Pool) run(logger *logging.Logger, job queue.Job) {
	// job contexts are not derived from the pool context so Stop lets runs finish
	ctx, cancelJob := context.WithCancel(context.Background())
	defer cancelJob()

	p.mu.Lock()
	p.running[job.ID] = &runningJob{job: job, cancel: cancelJob, startedAt: time.Now()}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	logger.Info("job started", "job_id", job.ID, "task_id", job.TaskID, "queued_for", time.Since(job.EnqueuedAt).Round(time.Millisecond))
	res := p.runner.Execute(ctx, job.TaskID)
	if res == nil {
		return
	}
	logger.Info("job finished",
		"job_id", job.ID,
		"task_id", job.TaskID,
		"status", res.Status,
		"skipped", res.Skipped,
		"duration", res.Duration.Round(time.Millisecond),
	)
}

// onCancel fires the task's token now and terminates the job if it is still running after the grace period
func (p *Pool) onCancel(req cancel.Request) {
	if p.runner.Tokens().Cancel(req.TaskID) {
		p.logger.Info("cancel delivered", "task_id", req.TaskID)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = p.jobForTask(req.TaskID)
	}
	if jobID == "" {
		return
	}
	time.AfterFunc(p.cfg.TerminateGrace, func() {
		p.Terminate(jobID)
	})
}

func (p *Pool) jobForTask(taskID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, rj := range p.running {
		if rj.job.TaskID == taskID {
			return id
		}
	}
	return ""
}

// Package scheduler queues runs of scripts that carry a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/executor"
	"github.com/kylemclaren/device-tasks/internal/logging"
	"github.com/kylemclaren/device-tasks/internal/queue"
)

// parser accepts six fields, seconds first
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a valid six-field cron expression
func ValidateCron(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Store is the persistence the scheduler needs
type Store interface {
	executor.SubmitStore
	ListScripts(ctx context.Context) ([]*db.Script, error)
	GetScript(ctx context.Context, id int64) (*db.Script, error)
	SetScriptNextRun(ctx context.Context, id int64, at *time.Time) error
}

type entry struct {
	id     cron.EntryID
	expr   string
	device string
}

// Scheduler manages cron entries for scripts
type Scheduler struct {
	cron         *cron.Cron
	store        Store
	queue        queue.Queue
	logger       *logging.Logger
	syncInterval time.Duration

	mu       sync.RWMutex
	entries  map[int64]entry
	running  bool
	stopSync chan struct{}
}

// New creates a new scheduler
func New(store Store, q queue.Queue, syncInterval time.Duration, logger *logging.Logger) *Scheduler {
	if syncInterval <= 0 {
		syncInterval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		cron:         cron.New(cron.WithParser(parser)),
		store:        store,
		queue:        q,
		logger:       logger.With("component", "scheduler"),
		syncInterval: syncInterval,
		entries:      make(map[int64]entry),
		stopSync:     make(chan struct{}),
	}
}

// Start schedules existing scripts and starts the cron runner and the sync loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("failed to load scripts: %w", err)
	}

	s.cron.Start()
	go s.syncLoop()

	s.logger.Info("scheduler started", "scheduled", s.Len())
	return nil
}

// Stop stops the scheduler and waits for firing entries to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopSync)

	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Len is the number of scheduled scripts
func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// NextRun returns the next scheduled run of a script
func (s *Scheduler) NextRun(scriptID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[scriptID]; ok {
		next := s.cron.Entry(e.id).Next
		if !next.IsZero() {
			return &next
		}
	}
	return nil
}

// Sync reloads scripts and adds, reschedules or removes entries to match
func (s *Scheduler) Sync(ctx context.Context) error {
	scripts, err := s.store.ListScripts(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int64]*db.Script)
	for _, sc := range scripts {
		if sc.IsScheduled() {
			wanted[sc.ID] = sc
		}
	}

	for id, e := range s.entries {
		if _, ok := wanted[id]; !ok {
			s.cron.Remove(e.id)
			delete(s.entries, id)
			s.logger.Info("script unscheduled", "script_id", id)
			if err := s.store.SetScriptNextRun(ctx, id, nil); err != nil {
				s.logger.Debug("clearing next run", "script_id", id, "error", err)
			}
		}
	}

	for id, sc := range wanted {
		e, ok := s.entries[id]
		if ok && e.expr == sc.CronExpr && e.device == sc.DeviceURI {
			continue
		}
		if err := s.scheduleLocked(ctx, sc); err != nil {
			s.logger.Warn("failed to schedule script", "script_id", id, "cron", sc.CronExpr, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) scheduleLocked(ctx context.Context, sc *db.Script) error {
	if e, ok := s.entries[sc.ID]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, sc.ID)
	}

	scriptID := sc.ID
	id, err := s.cron.AddFunc(sc.CronExpr, func() { s.fire(scriptID) })
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.entries[sc.ID] = entry{id: id, expr: sc.CronExpr, device: sc.DeviceURI}
	s.logger.Info("script scheduled", "script_id", sc.ID, "cron", sc.CronExpr)

	s.storeNextRunLocked(ctx, sc.ID, id)
	return nil
}

func (s *Scheduler) storeNextRunLocked(ctx context.Context, scriptID int64, id cron.EntryID) {
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		// not computed until the cron runner starts
		sched, err := parser.Parse(s.entries[scriptID].expr)
		if err != nil {
			return
		}
		next = sched.Next(time.Now())
	}
	if err := s.store.SetScriptNextRun(ctx, scriptID, &next); err != nil {
		s.logger.Warn("failed to store next run", "script_id", scriptID, "error", err)
	}
}

// fire queues one run of the script, using its current state
func (s *Scheduler) fire(scriptID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := s.logger.With("script_id", scriptID)

	sc, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		logger.Error("failed to load script", "error", err)
		return
	}
	if !sc.IsScheduled() {
		return
	}

	task, job, err := executor.Submit(ctx, s.store, s.queue, sc.ID, sc.DeviceURI)
	if err != nil {
		logger.Error("failed to queue scheduled run", "error", err)
	} else {
		logger.Info("scheduled run queued", "task_id", task.ID, "job_id", job.ID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[scriptID]; ok {
		s.storeNextRunLocked(ctx, scriptID, e.id)
	}
}

// syncLoop periodically syncs scripts from the database
func (s *Scheduler) syncLoop() {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSync:
			return
		case <-ticker.C:
			if err := s.Sync(context.Background()); err != nil {
				s.logger.Warn("script sync failed", "error", err)
			}
		}
	}
}

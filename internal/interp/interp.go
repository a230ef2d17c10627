// Package interp executes script documents against a device session.
//
// A run is sequential. Cancellation is cooperative: the token is checked before
// every node, every loop iteration and every one-second suspension, and the
// resulting cancel.ErrCanceled unwinds the whole run. When RunContext.Stored is
// set, the stored task status is read at checkpoints too.
package interp

import (
	"context"
	"fmt"
	"time"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/driver"
	"github.com/kylemclaren/device-tasks/internal/script"
)

// MaxStepRetries is how many times retry_step restarts an action after the first cycle.
const MaxStepRetries = 3

// TaskLog receives the run's log lines and screenshots.
type TaskLog interface {
	AppendLog(ctx context.Context, line string) error
	SetScreenshot(ctx context.Context, path string) error
}

// StatusReader reads whether the stored task record was cancelled.
type StatusReader interface {
	Canceled(ctx context.Context) (bool, error)
}

// RunContext is the per-run state threaded through every node.
type RunContext struct {
	TaskID  int64
	Token   *cancel.Token
	Log     TaskLog
	Session driver.Session
	// MediaRoot is where task_logs/<task id>/ snapshots are written
	MediaRoot string

	// Stored is consulted at checkpoints in case the cancel request never
	// reached Token. At most once per StoredEvery; zero reads every time.
	Stored      StatusReader
	StoredEvery time.Duration
	Now         func() time.Time

	lastStored time.Time
}

// check is the cancellation checkpoint
func (rc *RunContext) check(ctx context.Context) error {
	if err := rc.Token.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rc.Stored == nil {
		return nil
	}
	now := time.Now
	if rc.Now != nil {
		now = rc.Now
	}
	t := now()
	if rc.StoredEvery > 0 && !rc.lastStored.IsZero() && t.Sub(rc.lastStored) < rc.StoredEvery {
		return nil
	}
	rc.lastStored = t
	// a failed read is retried at a later checkpoint
	canceled, err := rc.Stored.Canceled(ctx)
	if err != nil || !canceled {
		return nil
	}
	rc.Token.Cancel()
	return cancel.ErrCanceled
}

func (rc *RunContext) logf(ctx context.Context, format string, args ...any) {
	// persistence failures are reported by the task logger itself
	_ = rc.Log.AppendLog(ctx, fmt.Sprintf(format, args...))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-time Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Interpreter walks script documents. It holds no per-run state and may run many documents at once.
type Interpreter struct {
	// AssetsDir resolves touch and image targets
	AssetsDir string
	Sleep     Sleeper
	Now       func() time.Time
}

// New creates an Interpreter using real time
func New(assetsDir string) *Interpreter {
	return &Interpreter{
		AssetsDir: assetsDir,
		Sleep:     SleepContext,
		Now:       time.Now,
	}
}

// Run executes the document's top-level steps in order.
func (in *Interpreter) Run(ctx context.Context, rc *RunContext, doc *script.Document) error {
	return in.runNodes(ctx, rc, doc.Steps, doc.Variables)
}

func (in *Interpreter) runNodes(ctx context.Context, rc *RunContext, nodes []script.Node, env map[string]any) error {
	for _, n := range nodes {
		if err := in.processNode(ctx, rc, n, env); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) processNode(ctx context.Context, rc *RunContext, n script.Node, env map[string]any) error {
	if err := rc.check(ctx); err != nil {
		return err
	}
	rc.logf(ctx, "--- [node] %s (type: %s) ---", n.Label(), n.Kind())

	switch node := n.(type) {
	case *script.Action:
		return in.execAction(ctx, rc, node, env)
	case *script.Loop:
		return in.execLoop(ctx, rc, node, env)
	case *script.Condition:
		return in.execCondition(ctx, rc, node, env)
	default:
		rc.logf(ctx, "warning: unknown node type '%s', skipped", n.Kind())
		return nil
	}
}

func (in *Interpreter) execLoop(ctx context.Context, rc *RunContext, l *script.Loop, env map[string]any) error {
	if l.LoopType != script.LoopCount {
		rc.logf(ctx, "warning: unsupported loop type '%s', skipped", l.LoopType)
		return nil
	}

	for i := 0; i < l.Count; i++ {
		if err := rc.check(ctx); err != nil {
			return err
		}
		rc.logf(ctx, "--- [loop %d/%d] ---", i+1, l.Count)
		if err := in.runNodes(ctx, rc, l.Steps, env); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) execCondition(ctx context.Context, rc *RunContext, c *script.Condition, env map[string]any) error {
	met := false
	switch c.ConditionType {
	case script.CondImageExists:
		tmpl := driver.NewTemplate(in.AssetsDir, script.Resolve(c.Params["target"], env))
		ok, err := rc.Session.Exists(ctx, tmpl)
		if err != nil {
			return fmt.Errorf("condition %s: %w", c.ConditionType, err)
		}
		met = ok
	default:
		rc.logf(ctx, "warning: unknown condition type '%s', treated as false", c.ConditionType)
	}

	if met {
		rc.logf(ctx, "condition is true, running if_true branch")
		return in.runNodes(ctx, rc, c.IfTrue, env)
	}
	rc.logf(ctx, "condition is false, running if_false branch")
	return in.runNodes(ctx, rc, c.IfFalse, env)
}

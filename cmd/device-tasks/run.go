package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/executor"
	"github.com/kylemclaren/device-tasks/internal/script"
	"github.com/kylemclaren/device-tasks/internal/stream"
)

// runOnce stores the script, runs it in this process and prints the task log as it grows.
// It reports whether the task succeeded.
func runOnce(args []string) (bool, error) {
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := runCmd.String("config", "", "config file")
	device := runCmd.String("device", "", "device URI, e.g. android://emulator-5554")
	name := runCmd.String("name", "", "script name (default: file name)")
	_ = runCmd.Parse(args)

	// allow flags after the script path
	path := runCmd.Arg(0)
	if runCmd.NArg() > 1 {
		_ = runCmd.Parse(runCmd.Args()[1:])
	}
	if path == "" || *device == "" {
		return false, errors.New("usage: device-tasks run <script.json> --device URI")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading script: %w", err)
	}
	if _, err := script.Parse(content); err != nil {
		return false, err
	}
	if *name == "" {
		*name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := setup(context.Background(), *configPath, false)
	if err != nil {
		return false, err
	}
	defer svc.Close()

	sc, err := upsertScript(context.Background(), svc.db, *name, content, *device)
	if err != nil {
		return false, err
	}
	task := &db.Task{ScriptID: sc.ID, DeviceURI: *device}
	if err := svc.db.CreateTask(context.Background(), task); err != nil {
		return false, fmt.Errorf("creating task: %w", err)
	}

	printer := newLogPrinter(os.Stdout)
	svc.pub = stream.Multi{svc.pub, printer}
	exec := svc.newExecutor()

	// a local bus: Ctrl-C cancels the run the same way the API does
	bus := cancel.NewLocalBus()
	if err := bus.Subscribe(context.Background(), func(req cancel.Request) {
		exec.Tokens().Cancel(req.TaskID)
	}); err != nil {
		return false, err
	}
	go func() {
		<-ctx.Done()
		if _, err := executor.CancelTask(context.Background(), svc.db, svc.pub, bus, task.ID, svc.logger); err != nil {
			svc.logger.Debug("cancel after interrupt", "task_id", task.ID, "error", err)
		}
	}()

	res := exec.Execute(context.Background(), task.ID)
	fmt.Printf("task #%d finished: %s (%s)\n", res.TaskID, res.Status, res.Duration.Round(time.Millisecond))
	if res.Err != nil && res.Status == "" {
		return false, res.Err
	}
	return res.Status == db.TaskSuccess, nil
}

// upsertScript creates the named script or replaces its content
func upsertScript(ctx context.Context, store *db.DB, name string, content []byte, device string) (*db.Script, error) {
	sc, err := store.GetScriptByName(ctx, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		sc = &db.Script{Name: name, Content: content, DeviceURI: device, Enabled: true}
		if err := store.CreateScript(ctx, sc); err != nil {
			return nil, fmt.Errorf("creating script: %w", err)
		}
		return sc, nil
	case err != nil:
		return nil, err
	}
	sc.Content = content
	if err := store.UpdateScript(ctx, sc); err != nil {
		return nil, fmt.Errorf("updating script: %w", err)
	}
	return sc, nil
}

// logPrinter writes the new part of each task update's log
type logPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[int64]int
}

func newLogPrinter(w io.Writer) *logPrinter {
	return &logPrinter{w: w, printed: make(map[int64]int)}
}

func (p *logPrinter) Publish(ctx context.Context, msg stream.Message) error {
	task, ok := msg.Message.(db.Task)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := p.printed[task.ID]
	if len(task.Log) <= seen {
		return nil
	}
	_, err := io.WriteString(p.w, task.Log[seen:])
	p.printed[task.ID] = len(task.Log)
	return err
}

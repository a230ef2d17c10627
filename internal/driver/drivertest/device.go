// Package drivertest provides a scriptable in-memory device for tests.
package drivertest

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/kylemclaren/device-tasks/internal/driver"
)

// Call is one recorded device operation.
type Call struct {
	Op  string
	Arg string
}

// Device implements both driver.Driver and driver.Session.
// Connect returns the device itself, so calls from every session are recorded together.
type Device struct {
	mu      sync.Mutex
	calls   []Call
	present map[string]bool

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// TouchFunc decides the outcome of Touch; nil means success.
	TouchFunc func(t driver.Template) error
	// OnCall runs after each recorded call, outside the lock.
	OnCall func(c Call)
	// PNG is written by Snapshot.
	PNG []byte
}

// New returns a Device where no template is on screen.
func New() *Device {
	return &Device{
		present: make(map[string]bool),
		PNG:     []byte("\x89PNG\r\n\x1a\n"),
	}
}

// SetPresent marks templates (by file name) as on screen or not.
func (d *Device) SetPresent(name string, present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present[name] = present
}

// Calls returns a copy of the recorded calls.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Count returns how many times op was called.
func (d *Device) Count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (d *Device) record(op, arg string) {
	c := Call{Op: op, Arg: arg}
	d.mu.Lock()
	d.calls = append(d.calls, c)
	hook := d.OnCall
	d.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

func (d *Device) Connect(ctx context.Context, deviceURI string) (driver.Session, error) {
	d.record("connect", deviceURI)
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	return d, nil
}

func (d *Device) Touch(ctx context.Context, t driver.Template) error {
	d.record("touch", t.Name())
	if d.TouchFunc != nil {
		return d.TouchFunc(t)
	}
	return nil
}

func (d *Device) Swipe(ctx context.Context, from, to driver.Point) error {
	d.record("swipe", "")
	return nil
}

func (d *Device) InputText(ctx context.Context, text string) error {
	d.record("text", text)
	return nil
}

func (d *Device) Snapshot(ctx context.Context, path string) error {
	d.record("snapshot", path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, d.PNG, 0644)
}

func (d *Device) Exists(ctx context.Context, t driver.Template) (bool, error) {
	d.record("exists", t.Name())
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present[t.Name()], nil
}

func (d *Device) Close() error {
	d.record("close", "")
	return nil
}

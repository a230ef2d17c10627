// Package driver is the boundary to the device automation capability.
//
// Template matching and input injection happen behind a Driver; this
// process only decides what to do and in what order.
package driver

import (
	"context"
	"fmt"
	"path/filepath"
)

// Driver opens sessions on devices.
type Driver interface {
	// Connect fails with ErrConnection when the device cannot be reached.
	Connect(ctx context.Context, deviceURI string) (Session, error)
}

// Session is a connection to one device. It is used by one run at a time.
type Session interface {
	// Touch taps the template's location; it fails with ErrTargetNotFound when it is not on screen.
	Touch(ctx context.Context, t Template) error
	Swipe(ctx context.Context, from, to Point) error
	InputText(ctx context.Context, text string) error
	// Snapshot writes a PNG screenshot to path.
	Snapshot(ctx context.Context, path string) error
	// Exists reports whether the template is on screen. Not found is false, never an error.
	Exists(ctx context.Context, t Template) (bool, error)
	Close() error
}

// Template is an image used to locate an on-screen element.
type Template struct {
	Path string
	// Threshold is the minimum match confidence; zero means the agent default
	Threshold float64
}

// NewTemplate resolves target against the assets directory.
func NewTemplate(assetsDir string, target any) Template {
	return Template{Path: filepath.Join(assetsDir, fmt.Sprint(target))}
}

// Name is the template's file name
func (t Template) Name() string {
	return filepath.Base(t.Path)
}

// Point is a screen coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PointFrom converts a [x, y] parameter into a Point.
func PointFrom(v any) (Point, error) {
	items, ok := v.([]any)
	if !ok || len(items) != 2 {
		return Point{}, fmt.Errorf("expected [x, y], got %v", v)
	}
	var coords [2]float64
	for i, item := range items {
		switch n := item.(type) {
		case float64:
			coords[i] = n
		case int:
			coords[i] = float64(n)
		default:
			return Point{}, fmt.Errorf("expected numeric coordinate, got %v", item)
		}
	}
	return Point{X: coords[0], Y: coords[1]}, nil
}

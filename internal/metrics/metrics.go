// Package metrics records finished task runs in InfluxDB.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kylemclaren/device-tasks/internal/config"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/logging"
)

const (
	// Measurement is the InfluxDB measurement written per finished run
	Measurement = "task_run"

	connectTimeout = 10 * time.Second
)

var (
	ErrDisabled         = errors.New("metrics: influxdb disabled in configuration")
	ErrConnectionFailed = errors.New("metrics: influxdb connection failed")
)

// pointWriter is the part of api.WriteAPI the recorder uses
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxRecorder writes one task_run point per finished task.
// Writes are non-blocking and batched by the client.
type InfluxRecorder struct {
	client influxdb2.Client
	writer pointWriter
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Connect pings the server and returns a recorder writing to cfg.Bucket.
// Async write errors are logged.
func Connect(cfg config.InfluxDBConfig, logger *logging.Logger) (*InfluxRecorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = logging.Discard()
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions().SetBatchSize(50))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("influxdb write failed", "component", "metrics", "error", err)
		}
	}()

	return &InfluxRecorder{client: client, writer: writeAPI, now: time.Now}, nil
}

func newRecorder(w pointWriter) *InfluxRecorder {
	return &InfluxRecorder{writer: w, now: time.Now}
}

// RecordRun writes the outcome of a finished run. Safe after Close (no-op).
func (r *InfluxRecorder) RecordRun(task db.Task, duration time.Duration, actions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	at := r.now()
	if task.CompletedAt != nil {
		at = *task.CompletedAt
	}
	point := write.NewPoint(
		Measurement,
		map[string]string{
			"status": string(task.Status),
			"script": task.ScriptName,
		},
		map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"actions":     actions,
			"task_id":     task.ID,
		},
		at,
	)
	r.writer.WritePoint(point)
}

// Close flushes pending points and closes the client
func (r *InfluxRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

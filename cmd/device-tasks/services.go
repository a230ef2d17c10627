package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/config"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/driver"
	"github.com/kylemclaren/device-tasks/internal/executor"
	"github.com/kylemclaren/device-tasks/internal/interp"
	"github.com/kylemclaren/device-tasks/internal/logging"
	"github.com/kylemclaren/device-tasks/internal/metrics"
	"github.com/kylemclaren/device-tasks/internal/queue"
	"github.com/kylemclaren/device-tasks/internal/stream"
	"github.com/kylemclaren/device-tasks/internal/version"
	"github.com/kylemclaren/device-tasks/internal/worker"
)

// services is everything a command may need, built from one config
type services struct {
	cfg    *config.Config
	logger *logging.Logger
	db     *db.DB

	// redis is nil with the memory queue
	redis *redis.Client
	queue queue.Queue
	bus   cancel.Bus

	// hub is only set for processes that serve websocket clients
	hub *stream.Hub
	pub stream.Publisher

	recorder executor.Recorder
	closers  []func()
}

// setup loads config and opens storage, the queue, the cancel bus and the update publishers.
// With withHub, task updates also reach a local Hub, relayed through Redis when workers run elsewhere.
func setup(ctx context.Context, configPath string, withHub bool) (*services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging, version.Short())

	s := &services{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	for _, dir := range []string{cfg.Data.MediaRoot, cfg.Data.AssetsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	s.db, err = db.New(cfg.Data.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	s.closers = append(s.closers, func() { s.db.Close() })

	var publishers stream.Multi
	if withHub {
		s.hub = stream.NewHub()
	}

	switch cfg.Worker.Queue {
	case "redis":
		s.redis, err = queue.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { s.redis.Close() })

		rq := queue.NewRedisQueue(s.redis, cfg.Redis.Prefix)
		s.queue = rq
		s.closers = append(s.closers, func() { rq.Close() })
		s.bus = cancel.NewRedisBus(s.redis, cfg.Redis.Prefix)

		relay := stream.NewRedisRelay(s.redis, cfg.Redis.Prefix, logger)
		publishers = append(publishers, relay)
		if s.hub != nil {
			if err := relay.Relay(ctx, s.hub); err != nil {
				return nil, fmt.Errorf("relaying task updates: %w", err)
			}
		}
	default:
		mq := queue.NewMemoryQueue(256)
		s.queue = mq
		s.closers = append(s.closers, func() { mq.Close() })
		s.bus = cancel.NewLocalBus()
		if s.hub != nil {
			publishers = append(publishers, s.hub)
		}
	}

	if cfg.MQTT.Enabled {
		sink, err := stream.ConnectMQTT(cfg.MQTT)
		if err != nil {
			logger.Warn("mqtt disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			publishers = append(publishers, sink)
			s.closers = append(s.closers, sink.Close)
		}
	}
	s.pub = publishers

	rec, err := metrics.Connect(cfg.InfluxDB, logger)
	switch {
	case err == nil:
		s.recorder = rec
		s.closers = append(s.closers, func() { rec.Close() })
	case errors.Is(err, metrics.ErrDisabled):
	default:
		logger.Warn("run metrics disabled", "url", cfg.InfluxDB.URL, "error", err)
	}

	ok = true
	return s, nil
}

func (s *services) newExecutor() *executor.Executor {
	drv := driver.NewAgentDriver(s.cfg.Driver.AgentURL, s.cfg.Driver.Timeout, s.cfg.Driver.Threshold)
	return executor.New(s.db, drv, interp.New(s.cfg.Data.AssetsDir), cancel.NewRegistry(), s.pub, executor.Options{
		MediaRoot:     s.cfg.Data.MediaRoot,
		Notifications: s.cfg.Notifications,
		Recorder:       s.recorder,
		Logger:         s.logger,
		StatusInterval: s.cfg.Worker.StatusInterval,
	})
}

func (s *services) newPool() *worker.Pool {
	return worker.NewPool(s.queue, s.newExecutor(), s.bus, worker.Config{
		Concurrency:    s.cfg.Worker.Concurrency,
		TerminateGrace: s.cfg.Worker.TerminateGrace,
	}, s.logger)
}

// Close releases resources in reverse order of creation
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

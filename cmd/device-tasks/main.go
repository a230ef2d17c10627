package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kylemclaren/device-tasks/internal/api"
	"github.com/kylemclaren/device-tasks/internal/scheduler"
	"github.com/kylemclaren/device-tasks/internal/tui"
	"github.com/kylemclaren/device-tasks/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		var err error
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Println(version.Info())
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "serve":
			err = runServer(os.Args[2:])
		case "worker":
			err = runWorker(os.Args[2:])
		case "run":
			var ok bool
			ok, err = runOnce(os.Args[2:])
			if err == nil && !ok {
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runTUI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}

func runTUI() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := setup(ctx, os.Getenv("DEVICE_TASKS_CONFIG"), false)
	if err != nil {
		return err
	}
	defer svc.Close()

	opts := tui.Options{Bus: svc.bus, Publisher: svc.pub}
	// only a shared queue reaches workers in another process
	if svc.redis != nil {
		opts.Queue = svc.queue
	}
	return tui.Run(svc.db, opts)
}

func runServer(args []string) error {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := serveCmd.String("config", "", "config file (default: $DEVICE_TASKS_CONFIG or <data dir>/config.yaml)")
	port := serveCmd.Int("port", 0, "HTTP server port (overrides api.port)")
	noWorkers := serveCmd.Bool("no-workers", false, "serve the API only; run jobs with 'device-tasks worker'")
	_ = serveCmd.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := setup(ctx, *configPath, true)
	if err != nil {
		return err
	}
	defer svc.Close()
	if *port > 0 {
		svc.cfg.API.Port = *port
	}
	logger := svc.logger

	if !*noWorkers {
		pool := svc.newPool()
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("starting workers: %w", err)
		}
		defer pool.Stop()
	}

	var sched *scheduler.Scheduler
	if svc.cfg.Scheduler.Enabled {
		sched = scheduler.New(svc.db, svc.queue, svc.cfg.Scheduler.SyncInterval, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	server := api.NewServer(api.Options{
		DB:        svc.db,
		Queue:     svc.queue,
		Hub:       svc.hub,
		Publisher: svc.pub,
		Bus:       svc.bus,
		Scheduler: sched,
		WebSocket: svc.cfg.WebSocket,
		MediaRoot: svc.cfg.Data.MediaRoot,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         svc.cfg.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  svc.cfg.GetReadTimeout(),
		WriteTimeout: svc.cfg.GetWriteTimeout(),
		IdleTimeout:  svc.cfg.GetIdleTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting",
			"addr", srv.Addr,
			"db", svc.cfg.Data.DBPath,
			"queue", svc.cfg.Worker.Queue,
			"websocket", svc.cfg.WebSocket.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWorker(args []string) error {
	workerCmd := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := workerCmd.String("config", "", "config file (default: $DEVICE_TASKS_CONFIG or <data dir>/config.yaml)")
	concurrency := workerCmd.Int("concurrency", 0, "parallel jobs (overrides worker.concurrency)")
	_ = workerCmd.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := setup(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer svc.Close()
	if svc.redis == nil {
		return errors.New("worker needs worker.queue: redis; the memory queue only serves 'device-tasks serve'")
	}
	if *concurrency > 0 {
		svc.cfg.Worker.Concurrency = *concurrency
	}

	pool := svc.newPool()
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	svc.logger.Info("worker started", "concurrency", svc.cfg.Worker.Concurrency, "pid", os.Getpid())

	<-ctx.Done()
	svc.logger.Info("shutting down, waiting for running jobs", "running", pool.Running())
	pool.Stop()
	return nil
}

func printHelp() {
	fmt.Println(`device-tasks - Run device automation scripts as tracked tasks

Usage:
  device-tasks                          Launch the interactive task monitor
  device-tasks serve                    Run the HTTP API, workers and scheduler
  device-tasks worker                   Run workers only (needs worker.queue: redis)
  device-tasks run <script.json> --device URI
                                        Run a script once and print its log
  device-tasks version                  Show version information
  device-tasks help                     Show this help message

Serve Options:
  --config                              Config file
  --port                                HTTP server port (default: 8080)
  --no-workers                          Do not run jobs in this process

Worker Options:
  --config                              Config file
  --concurrency                         Parallel jobs

Environment Variables:
  DEVICE_TASKS_CONFIG                   Config file (default: <data dir>/config.yaml)
  DEVICE_TASKS_DATA                     Data directory (default: ~/.device-tasks)
  DEVICE_TASKS_REDIS_ADDR               Redis address
  DEVICE_TASKS_AGENT_URL                Device agent URL
  DEVICE_TASKS_API_PORT                 HTTP server port
  DEVICE_TASKS_LOG_LEVEL                Log level`)
}

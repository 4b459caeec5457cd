// trainer-worker consumes training jobs from the queue and runs them one at
// a time on this instance.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"trainer/internal/api"
	"trainer/internal/config"
	"trainer/internal/consumer"
	"trainer/internal/health"
	"trainer/internal/inference"
	"trainer/internal/lease"
	"trainer/internal/lifecycle"
	"trainer/internal/notify"
	"trainer/internal/observability"
	"trainer/internal/prepare"
	"trainer/internal/queue"
	"trainer/internal/storage"
	"trainer/internal/supervisor"
	"trainer/internal/watchdog"
	"trainer/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	workerCfg := config.LoadWorkerConfig()
	queueCfg := queue.LoadConfigFromEnv()
	storageCfg := storage.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	q, err := queue.Open(ctx, queueCfg)
	if err != nil {
		return err
	}
	defer q.Close()

	uploader, err := storage.New(ctx, storageCfg)
	if err != nil {
		return err
	}
	slog.Info("Storage configured", "backend", uploader.Backend())

	dispatcher := notify.NewDispatcher(notifyCfg, metrics)
	state := worker.NewState()
	terminator := lifecycle.NewTerminator(lifecycle.LoadTerminatorConfigFromEnv(workerCfg.InstanceID), metrics)

	prepareCfg := prepare.LoadConfigFromEnv()

	jobs := consumer.New(consumer.Deps{
		Queue:           q,
		State:           state,
		Notifier:        dispatcher,
		Supervisor:      supervisor.New(supervisor.LoadConfigFromEnv(), dispatcher, uploader, metrics),
		Preparer:        prepare.New(prepareCfg, nil),
		Watchdog:        watchdog.New(watchdog.LoadConfigFromEnv(), dispatcher, terminator, metrics),
		Leaser:          lease.NewRenewer(q, state, lease.LoadConfigFromEnv(), metrics),
		Inference:       inference.New(inference.LoadConfigFromEnv(), dispatcher, uploader),
		Uploader:        uploader,
		ArtifactMetrics: metrics,
		Metrics:         metrics,
	})

	healthChecker := health.NewChecker(q,
		health.WithProbe("dataset_root", func(context.Context) error {
			_, err := os.Stat(prepareCfg.DatasetRoot)
			return err
		}, false),
	)

	router := api.NewRouter(api.RouterConfig{
		Queue:         q,
		Jobs:          jobs,
		State:         state,
		Stats:         dispatcher,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        workerCfg.APIKey,
	})

	if workerCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + workerCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + workerCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", workerCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", workerCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// The consumer and idle monitor stop receiving on shutdown; a job in
	// progress keeps running on a detached context.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := jobs.Run(loopCtx); err != nil {
			slog.Error("Consumer stopped", "error", err)
		}
	}()

	idleDone := make(chan struct{})
	go func() {
		defer close(idleDone)
		lifecycle.NewIdleMonitor(state, terminator, lifecycle.LoadIdleConfigFromEnv()).Run(loopCtx)
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		state.Shutdown()
		stopLoops()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: stop taking jobs and fail readiness
	state.Shutdown()
	healthChecker.SetShuttingDown()
	stopLoops()
	<-idleDone

	// Phase 2: give the active job a chance to finish and be acknowledged
	if snap := jobs.Current(); snap != nil {
		if workerCfg.ShutdownJobWait > 0 {
			slog.Info("Waiting for active job", "jobId", snap.JobID, "timeout", workerCfg.ShutdownJobWait)
			select {
			case <-consumerDone:
			case <-time.After(workerCfg.ShutdownJobWait):
				slog.Warn("Active job still running at exit; its message will be redelivered", "jobId", snap.JobID)
			}
		} else {
			slog.Warn("Exiting with an active job; its message will be redelivered", "jobId", snap.JobID)
		}
	}

	// Phase 3: close servers
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 4: drain notifications
	slog.Info("Draining notification dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := dispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := dispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"skipped", stats.Skipped,
	)

	slog.Info("Shutdown complete")
	return nil
}

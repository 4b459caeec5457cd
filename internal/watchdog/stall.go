// Package watchdog fails jobs whose training process never reports progress.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"trainer/internal/apperrors"
	"trainer/internal/config"
	"trainer/internal/job"
	"trainer/internal/notify"
)

// Config holds watchdog configuration.
type Config struct {
	GracePeriod   time.Duration // time allowed before the first progress (default: 720s)
	CheckInterval time.Duration // sleep between checks (default: 10s)
}

// LoadConfigFromEnv loads watchdog configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		GracePeriod:   config.GetDurationEnv("STALL_GRACE_PERIOD", 720*time.Second),
		CheckInterval: config.GetDurationEnv("STALL_CHECK_INTERVAL", 10*time.Second),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 720 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.CheckInterval > c.GracePeriod {
		c.CheckInterval = c.GracePeriod
	}
	return c
}

// Terminator tears down the compute instance.
type Terminator interface {
	Terminate(ctx context.Context, reason string) error
}

// MetricsRecorder is an optional interface for recording stalls.
type MetricsRecorder interface {
	RecordJobStalled(ctx context.Context)
}

// Watchdog watches one job at a time per Run call.
type Watchdog struct {
	config     Config
	notifier   notify.Notifier
	terminator Terminator
	metrics    MetricsRecorder
	logger     *slog.Logger
}

// New creates a watchdog. metrics may be nil.
func New(cfg Config, notifier notify.Notifier, terminator Terminator, metrics MetricsRecorder) *Watchdog {
	return &Watchdog{
		config:     cfg.withDefaults(),
		notifier:   notifier,
		terminator: terminator,
		metrics:    metrics,
		logger:     slog.With("component", "watchdog"),
	}
}

// StallMessage is the failure message of a stalled job.
func StallMessage(grace time.Duration) string {
	return fmt.Sprintf("Job stalled: no training progress within %s", grace)
}

// Run returns once the job makes progress, becomes terminal, or ctx is done.
// If the grace period passes first it fails the job, and when that failure
// wins it notifies, calls cancelProcess, and requests instance teardown.
// It never re-arms.
func (w *Watchdog) Run(ctx context.Context, j *job.Job, cancelProcess context.CancelFunc) error {
	logger := w.logger.With("jobId", j.ID)
	deadline := time.Now().Add(w.config.GracePeriod)

	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if j.Status().IsTerminal() || j.Progress() > 0 {
			logger.Debug("Watchdog disarmed", "progress", j.Progress(), "status", j.Status())
			return nil
		}
		if time.Now().Before(deadline) {
			continue
		}
		return w.stall(ctx, j, cancelProcess, logger)
	}
}

func (w *Watchdog) stall(ctx context.Context, j *job.Job, cancelProcess context.CancelFunc, logger *slog.Logger) error {
	msg := StallMessage(w.config.GracePeriod)
	if !j.Fail(msg) {
		return nil
	}

	err := apperrors.Stalled(msg)
	logger.Error("Job stalled", "grace", w.config.GracePeriod)
	if w.metrics != nil {
		w.metrics.RecordJobStalled(ctx)
	}

	w.notifier.Send(j.Request.TrainingWebhookURL, false, apperrors.HTTPStatus(err), msg, j.Snapshot())
	if cancelProcess != nil {
		cancelProcess()
	}
	if w.terminator != nil {
		if terr := w.terminator.Terminate(context.WithoutCancel(ctx), "stalled"); terr != nil {
			logger.Error("Instance teardown failed", "error", terr)
		}
	}
	return err
}

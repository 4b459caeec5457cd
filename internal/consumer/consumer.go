// Package consumer pulls job requests from the queue one at a time and drives
// each through preparation, supervision and acknowledgment.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"trainer/internal/apperrors"
	"trainer/internal/artifact"
	"trainer/internal/job"
	"trainer/internal/lease"
	"trainer/internal/notify"
	"trainer/internal/queue"
	"trainer/internal/storage"
	"trainer/internal/supervisor"
	"trainer/internal/worker"
	"trainer/pkg/backoff"
)

// ackTimeout bounds the final acknowledgment.
const ackTimeout = 10 * time.Second

// Preparer builds a job's dataset and training config.
type Preparer interface {
	Prepare(ctx context.Context, req *job.Request) error
}

// Supervisor runs the training program for a job.
type Supervisor interface {
	Run(ctx context.Context, j *job.Job, w supervisor.Watcher) error
}

// Watchdog fails a job that makes no progress.
type Watchdog interface {
	Run(ctx context.Context, j *job.Job, cancelProcess context.CancelFunc) error
}

// Leaser keeps a message leased while its job runs.
type Leaser interface {
	Start(ctx context.Context, msg *queue.Message) *lease.Handle
}

// Inference renders samples for a finished job.
type Inference interface {
	Run(ctx context.Context, j *job.Job) int
}

// MetricsRecorder is an optional interface for recording consumer metrics.
type MetricsRecorder interface {
	RecordMessageReceived(ctx context.Context)
	RecordMessageAcked(ctx context.Context, success bool)
	RecordJobRejected(ctx context.Context, field string)
}

// Deps are the collaborators of a Consumer. Queue, State, Notifier and
// Supervisor are required; the rest may be nil.
type Deps struct {
	Queue      queue.Queue
	State      *worker.State
	Notifier   notify.Notifier
	Supervisor Supervisor
	Preparer   Preparer
	Watchdog   Watchdog
	Leaser     Leaser
	Inference  Inference

	// Checkpoint watcher wiring.
	Uploader        storage.Uploader
	ArtifactMetrics artifact.MetricsRecorder

	Metrics MetricsRecorder
	Backoff backoff.Config // receive error backoff (default: 100ms up to 30s)
}

// Consumer processes queued job requests serially.
type Consumer struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *job.Job
}

// New creates a consumer.
func New(deps Deps) *Consumer {
	if deps.Backoff.Max <= 0 {
		deps.Backoff.Max = 30 * time.Second
	}
	return &Consumer{
		deps:   deps,
		logger: slog.With("component", "consumer"),
		now:    time.Now,
	}
}

// Current returns a snapshot of the job being processed, or nil when idle.
func (c *Consumer) Current() *job.Snapshot {
	c.mu.Lock()
	j := c.current
	c.mu.Unlock()
	if j == nil {
		return nil
	}
	return j.Snapshot()
}

func (c *Consumer) setCurrent(j *job.Job) {
	c.mu.Lock()
	c.current = j
	c.mu.Unlock()
}

// Run receives and handles messages until ctx is done or the worker starts
// shutting down. A job already in progress is not interrupted by ctx: Run
// returns once it has been acknowledged.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started")
	defer c.logger.Info("Consumer stopped")

	failures := 0
	for {
		if ctx.Err() != nil || c.deps.State.ShuttingDown() {
			return nil
		}

		msg, err := c.deps.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := backoff.Exponential(failures, &c.deps.Backoff)
			c.logger.Warn("Receive failed", "error", err, "failures", failures, "retryIn", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordMessageReceived(ctx)
		}
		if c.deps.State.ShuttingDown() {
			// Not acked: the lease lapses and another worker picks it up.
			c.logger.Info("Shutdown in progress, leaving message for redelivery", "messageId", msg.ID)
			return nil
		}

		c.handle(context.WithoutCancel(ctx), msg)
	}
}

// handle processes one message and acknowledges it exactly once.
func (c *Consumer) handle(ctx context.Context, msg *queue.Message) {
	c.deps.State.BeginProcessing()
	defer c.deps.State.EndProcessing()
	defer c.ack(ctx, msg)

	logger := c.logger.With("messageId", msg.ID, "attempts", msg.Attempts)

	req, err := job.DecodeEnvelope(msg.Body)
	if err != nil {
		c.reject(ctx, req, err, logger)
		return
	}

	j := job.New(req, c.now())
	c.setCurrent(j)
	defer c.setCurrent(nil)
	logger = logger.With("jobId", j.ID)
	logger.Info("Job received", "lora", req.LoraName, "images", len(req.ImageURLs), "steps", req.Steps)

	if c.deps.Leaser != nil {
		h := c.deps.Leaser.Start(ctx, msg)
		defer h.Stop()
	}

	if !c.prepare(ctx, j, logger) {
		return
	}
	c.supervise(ctx, j, logger)

	if c.deps.Inference != nil && j.Status() == job.StatusFinished {
		if n := c.deps.Inference.Run(ctx, j); n > 0 {
			logger.Info("Samples rendered", "count", n)
		}
	}
	logger.Info("Job done", "status", j.Status(), "progress", j.Progress(), "checkpoints", len(j.Results()))
}

func (c *Consumer) prepare(ctx context.Context, j *job.Job, logger *slog.Logger) bool {
	if c.deps.Preparer == nil {
		return true
	}
	err := c.deps.Preparer.Prepare(ctx, j.Request)
	if err == nil {
		return true
	}

	logger.Error("Job preparation failed", "error", err)
	if j.Fail(err.Error()) {
		c.deps.Notifier.Send(j.Request.TrainingWebhookURL, false, apperrors.HTTPStatus(err), err.Error(), j.Snapshot())
	}
	return false
}

// supervise runs the training program with the stall watchdog alongside.
// The watchdog can cancel the program through procCtx.
func (c *Consumer) supervise(ctx context.Context, j *job.Job, logger *slog.Logger) {
	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()

	var wg sync.WaitGroup
	watchCtx, stopWatchdog := context.WithCancel(ctx)
	if c.deps.Watchdog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.deps.Watchdog.Run(watchCtx, j, cancelProc); err != nil {
				logger.Warn("Watchdog fired", "error", err)
			}
		}()
	}

	w := artifact.NewWatcher(j, c.deps.Uploader, c.deps.Notifier, c.deps.ArtifactMetrics)
	if err := c.deps.Supervisor.Run(procCtx, j, w); err != nil {
		logger.Warn("Training failed", "error", err)
	}

	stopWatchdog()
	wg.Wait()
}

func (c *Consumer) reject(ctx context.Context, req *job.Request, err error, logger *slog.Logger) {
	var field string
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		field = appErr.Field
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordJobRejected(ctx, field)
	}

	var url string
	if req != nil {
		url = req.TrainingWebhookURL
		logger = logger.With("jobId", req.JobID)
	}
	logger.Warn("Job request rejected", "field", field, "error", err)
	c.deps.Notifier.Send(url, false, apperrors.HTTPStatus(err), err.Error(), nil)
}

func (c *Consumer) ack(ctx context.Context, msg *queue.Message) {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	err := c.deps.Queue.Ack(ctx, msg)
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordMessageAcked(ctx, err == nil)
	}
	if err != nil {
		c.logger.Error("Failed to acknowledge message", "messageId", msg.ID, "error", err)
		return
	}
	c.logger.Debug("Message acknowledged", "messageId", msg.ID)
}

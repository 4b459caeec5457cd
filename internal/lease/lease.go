// Package lease keeps a received queue message leased while its job runs.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"trainer/internal/config"
	"trainer/internal/queue"
	"trainer/internal/worker"

	"github.com/lthibault/jitterbug/v2"
)

// Config holds lease renewal configuration.
type Config struct {
	Interval  time.Duration // time between renewals (default: 30s)
	Extension time.Duration // lease length set on each renewal (default: 60s)
}

// LoadConfigFromEnv loads lease configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Interval:  config.GetDurationEnv("LEASE_RENEW_INTERVAL", 30*time.Second),
		Extension: config.GetDurationEnv("LEASE_EXTENSION", 60*time.Second),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Extension <= 0 {
		c.Extension = 2 * c.Interval
	}
	return c
}

// Extender extends a message lease.
type Extender interface {
	Extend(ctx context.Context, msg *queue.Message, d time.Duration) error
}

// MetricsRecorder is an optional interface for recording renewal metrics.
type MetricsRecorder interface {
	RecordLeaseRenewal(ctx context.Context, success bool)
}

// Renewer starts renewal loops for received messages.
type Renewer struct {
	queue   Extender
	state   *worker.State
	config  Config
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewRenewer creates a renewer. state may be nil.
func NewRenewer(q Extender, state *worker.State, cfg Config, metrics MetricsRecorder) *Renewer {
	return &Renewer{
		queue:   q,
		state:   state,
		config:  cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "lease"),
	}
}

// Handle controls one renewal loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop ends the loop and waits for it to exit. No renewal happens after
// Stop returns. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Start renews msg until the handle is stopped, ctx is done, or the worker
// begins shutting down.
func (r *Renewer) Start(ctx context.Context, msg *queue.Message) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go r.loop(ctx, msg, h.done)
	return h
}

func (r *Renewer) loop(ctx context.Context, msg *queue.Message, done chan struct{}) {
	defer close(done)

	logger := r.logger.With("messageId", msg.ID)
	ticker := jitterbug.New(r.config.Interval, &jitterbug.Norm{Stdev: r.config.Interval / 20})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Stop may have raced the tick.
		if ctx.Err() != nil {
			return
		}
		if r.state != nil && r.state.ShuttingDown() {
			logger.Info("Lease renewal stopped for shutdown")
			return
		}

		err := r.queue.Extend(ctx, msg, r.config.Extension)
		if r.metrics != nil {
			r.metrics.RecordLeaseRenewal(ctx, err == nil)
		}
		switch {
		case err == nil:
			logger.Debug("Lease renewed", "extension", r.config.Extension)
		case errors.Is(err, context.Canceled):
			return
		default:
			logger.Warn("Lease renewal failed", "error", err)
		}
	}
}

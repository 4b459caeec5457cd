package lifecycle

import (
	"context"
	"log/slog"
	"time"
	"trainer/internal/config"
	"trainer/internal/worker"

	"github.com/lthibault/jitterbug/v2"
)

// IdleConfig configures the idle monitor.
type IdleConfig struct {
	Timeout      time.Duration // idle time before teardown (default: 60s)
	PollInterval time.Duration // default: 5s
}

// LoadIdleConfigFromEnv loads idle monitor configuration from environment
// variables.
func LoadIdleConfigFromEnv() IdleConfig {
	return IdleConfig{
		Timeout:      config.GetDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		PollInterval: config.GetDurationEnv("IDLE_POLL_INTERVAL", 5*time.Second),
	}.withDefaults()
}

func (c IdleConfig) withDefaults() IdleConfig {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// IdleMonitor tears the instance down after the worker has been idle too long.
type IdleMonitor struct {
	state      *worker.State
	terminator Terminator
	config     IdleConfig
	logger     *slog.Logger
}

// NewIdleMonitor creates an idle monitor.
func NewIdleMonitor(state *worker.State, terminator Terminator, cfg IdleConfig) *IdleMonitor {
	return &IdleMonitor{
		state:      state,
		terminator: terminator,
		config:     cfg.withDefaults(),
		logger:     slog.With("component", "idle"),
	}
}

// Run polls until ctx is done, the worker shuts down, or teardown has been
// requested once. It reports whether teardown was requested.
func (m *IdleMonitor) Run(ctx context.Context) bool {
	ticker := jitterbug.New(m.config.PollInterval, &jitterbug.Norm{Stdev: m.config.PollInterval / 20})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if m.state.ShuttingDown() {
			return false
		}
		idle := m.state.IdleFor()
		if idle <= m.config.Timeout {
			continue
		}

		m.logger.Info("Worker idle, requesting teardown", "idle", idle.Round(time.Second), "timeout", m.config.Timeout)
		if err := m.terminator.Terminate(ctx, "idle"); err != nil {
			m.logger.Error("Idle teardown failed", "error", err)
		}
		return true
	}
}

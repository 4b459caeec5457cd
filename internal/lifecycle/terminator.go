// Package lifecycle manages the compute instance the worker runs on: it
// tears the instance down when the worker is idle or a job has stalled.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"trainer/internal/config"
	"trainer/pkg/backoff"
)

// Terminator tears down the compute instance.
type Terminator interface {
	Terminate(ctx context.Context, reason string) error
}

// MetricsRecorder is an optional interface for recording teardowns.
type MetricsRecorder interface {
	RecordTeardown(ctx context.Context, reason string)
}

// TerminatorConfig configures instance teardown.
type TerminatorConfig struct {
	URL        string // POST target, {instance_id} is replaced (empty disables teardown)
	InstanceID string
	APIKey     string
	Timeout    time.Duration // per request (default: 10s)
	MaxRetries int           // default: 2
}

// LoadTerminatorConfigFromEnv loads teardown configuration from environment
// variables. instanceID comes from the worker config.
func LoadTerminatorConfigFromEnv(instanceID string) TerminatorConfig {
	return TerminatorConfig{
		URL:        config.GetEnv("TEARDOWN_URL", ""),
		InstanceID: instanceID,
		APIKey:     config.GetSecretFile(config.GetEnv("INSTANCE_API_KEY_FILE", "")),
		Timeout:    config.GetDurationEnv("TEARDOWN_TIMEOUT", 10*time.Second),
		MaxRetries: config.GetIntEnv("TEARDOWN_MAX_RETRIES", 2),
	}
}

// NewTerminator returns an HTTPTerminator, or a NopTerminator when no
// teardown URL is configured.
func NewTerminator(cfg TerminatorConfig, metrics MetricsRecorder) Terminator {
	if cfg.URL == "" {
		return &NopTerminator{metrics: metrics}
	}
	return NewHTTPTerminator(cfg, metrics)
}

// HTTPTerminator asks a provider API to stop the instance. It runs at most
// once per process; later calls return the first result.
type HTTPTerminator struct {
	config  TerminatorConfig
	client  *http.Client
	metrics MetricsRecorder
	logger  *slog.Logger

	once sync.Once
	err  error
}

// NewHTTPTerminator creates an HTTP terminator.
func NewHTTPTerminator(cfg TerminatorConfig, metrics MetricsRecorder) *HTTPTerminator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	return &HTTPTerminator{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		logger:  slog.With("component", "lifecycle"),
	}
}

// Terminate sends the teardown request.
func (t *HTTPTerminator) Terminate(ctx context.Context, reason string) error {
	t.once.Do(func() {
		if t.metrics != nil {
			t.metrics.RecordTeardown(ctx, reason)
		}
		target := strings.ReplaceAll(t.config.URL, "{instance_id}", t.config.InstanceID)
		t.logger.Warn("Tearing down instance", "reason", reason, "instanceId", t.config.InstanceID)

		t.err = backoff.Retry(ctx, t.config.MaxRetries, nil, func(attempt int) error {
			return t.post(ctx, target)
		})
		if t.err != nil {
			t.logger.Error("Instance teardown request failed", "error", t.err)
		}
	})
	return t.err
}

func (t *HTTPTerminator) post(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if t.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("teardown request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("teardown rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("teardown failed with status %d", resp.StatusCode)
	}
}

// NopTerminator only logs.
type NopTerminator struct {
	metrics MetricsRecorder
}

func (n *NopTerminator) Terminate(ctx context.Context, reason string) error {
	if n.metrics != nil {
		n.metrics.RecordTeardown(ctx, reason)
	}
	slog.Warn("Instance teardown requested but TEARDOWN_URL is not set", "component", "lifecycle", "reason", reason)
	return nil
}

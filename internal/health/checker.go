// Package health provides liveness and readiness checks for the worker.
package health

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the worker should receive traffic. A degraded
// worker still does.
func (r *Response) IsHealthy() bool {
	return r.Status != StatusUnhealthy
}

type probe struct {
	name     string
	fn       func(ctx context.Context) error
	required bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithProbe adds a named readiness probe. A failing optional probe marks the
// worker degraded instead of unhealthy.
func WithProbe(name string, fn func(ctx context.Context) error, required bool) Option {
	return func(c *Checker) {
		c.probes = append(c.probes, probe{name: name, fn: fn, required: required})
	}
}

// Checker aggregates readiness probes. The queue probe is always present.
type Checker struct {
	probes  []probe
	timeout time.Duration
	ttl     time.Duration

	mu           sync.Mutex
	lastCheck    time.Time
	cached       *Response
	shuttingDown bool
}

// NewChecker creates a health checker for the job queue plus any extra probes.
// A nil queue keeps the worker unready.
func NewChecker(queue Pinger, opts ...Option) *Checker {
	c := &Checker{
		timeout: 5 * time.Second,
		ttl:     time.Second,
	}
	c.probes = append(c.probes, probe{name: "queue", fn: pingFunc(queue), required: true})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func pingFunc(p Pinger) func(context.Context) error {
	if p == nil {
		return func(context.Context) error { return errNotConfigured }
	}
	return p.Ping
}

var errNotConfigured = errors.New("queue not configured")

// Liveness reports the process is alive. It checks nothing external.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs every probe, or returns the result cached within the ttl.
// It is unhealthy from SetShuttingDown on.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "worker is shutting down"},
			},
		}
	}
	if c.cached != nil && time.Since(c.lastCheck) < c.ttl {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.probes))}
	for _, p := range c.probes {
		result := CheckResult{Status: StatusHealthy}
		if err := p.fn(ctx); err != nil {
			result = CheckResult{Status: StatusDegraded, Message: err.Error()}
			if p.required {
				result.Status = StatusUnhealthy
			}
		}
		response.Checks[p.name] = result
		response.Status = worse(response.Status, result.Status)
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached = response
		c.lastCheck = time.Now()
	}
	c.mu.Unlock()

	return response
}

// SetShuttingDown makes readiness fail from now on.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}

func worse(a, b Status) Status {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

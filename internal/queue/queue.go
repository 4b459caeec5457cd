// Package queue provides the lease-based message queues the worker consumes
// job requests from.
//
// A received message stays invisible to other consumers until its lease
// lapses. The holder extends the lease while it works and acknowledges the
// message when done; a message whose holder disappears becomes visible again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"trainer/internal/config"
)

// ErrLeaseLost is returned by Extend, and by Ack on SQLite, when the
// message is no longer held by the caller's claim.
var ErrLeaseLost = errors.New("lease lost")

// Message is one received job request.
type Message struct {
	ID         string
	Body       []byte
	Attempts   int
	ReceivedAt time.Time
}

// Queue is a lease-based message queue.
type Queue interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Message, error)
	// Extend pushes the lease of msg forward by d from now.
	Extend(ctx context.Context, msg *Message, d time.Duration) error
	// Ack removes msg permanently.
	Ack(ctx context.Context, msg *Message) error
	// Publish adds a message and returns its id.
	Publish(ctx context.Context, body []byte) (string, error)
	// Len counts messages, visible or leased.
	Len(ctx context.Context) (int, error)
	// Purge removes every message.
	Purge(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config holds queue configuration.
type Config struct {
	URL          string        // sqlite://<path>, sqlite::memory: or redis://... (default: sqlite:///var/lib/trainer/queue.db)
	Name         string        // logical queue name or key prefix (default: trainer)
	Visibility   time.Duration // initial lease on receive (default: 60s)
	PollInterval time.Duration // delay between empty polls (default: 1s)
}

// LoadConfigFromEnv loads queue configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:          config.GetEnv("QUEUE_URL", "sqlite:///var/lib/trainer/queue.db"),
		Name:         config.GetEnv("QUEUE_NAME", "trainer"),
		Visibility:   config.GetDurationEnv("QUEUE_VISIBILITY", 60*time.Second),
		PollInterval: config.GetDurationEnv("QUEUE_POLL_INTERVAL", time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "sqlite:///var/lib/trainer/queue.db"
	}
	if c.Name == "" {
		c.Name = "trainer"
	}
	if c.Visibility <= 0 {
		c.Visibility = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Open opens the queue named by cfg.URL.
func Open(ctx context.Context, cfg Config) (Queue, error) {
	cfg = cfg.withDefaults()

	switch {
	case cfg.URL == "sqlite::memory:":
		return OpenSQLite(ctx, ":memory:", cfg)
	case strings.HasPrefix(cfg.URL, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(cfg.URL, "sqlite://"), cfg)
	case strings.HasPrefix(cfg.URL, "redis://"), strings.HasPrefix(cfg.URL, "rediss://"):
		return OpenRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue URL %q", redact(cfg.URL))
	}
}

// redact hides credentials embedded in a queue URL.
func redact(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}

// wait sleeps for d or until ctx is done or wake fires.
func wait(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}

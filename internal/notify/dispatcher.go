package notify

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"trainer/pkg/circuitbreaker"
	"trainer/pkg/webhook"
)

// Dispatcher is an in-memory notification dispatcher. Each worker owns a
// bounded queue and every destination URL hashes to one worker, so
// notifications to the same URL are delivered in the order they were sent.
type Dispatcher struct {
	queues   []chan *notification
	sender   *webhook.Sender
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

type notification struct {
	url     string
	payload *webhook.Payload
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queues: make([]chan *notification, cfg.Workers),
		sender: webhook.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	perWorker := cfg.BufferSize / cfg.Workers
	d.wg.Add(cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan *notification, perWorker)
		go d.worker(d.queues[i])
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Notification dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Send queues a notification for delivery. It never blocks.
func (d *Dispatcher) Send(rawURL string, success bool, code int, message string, data any) {
	if !webhook.IsDeliverable(rawURL) {
		d.skipped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotifySkipped(context.Background())
		}
		return
	}
	if d.closed.Load() {
		d.drop(rawURL, message, "closed")
		return
	}

	n := &notification{
		url:     rawURL,
		payload: &webhook.Payload{Status: success, Code: code, Message: message, Data: data},
	}
	select {
	case d.shard(rawURL) <- n:
		d.queued.Add(1)
	default:
		d.drop(rawURL, message, "buffer_full")
	}
}

func (d *Dispatcher) shard(rawURL string) chan *notification {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rawURL))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

func (d *Dispatcher) drop(rawURL, message, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyDropped(context.Background(), reason)
	}
	d.logger.Warn("Notification dropped", "destination", extractHost(rawURL), "message", message, "reason", reason)
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   d.depth(),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Skipped:      d.skipped.Load(),
		BreakersOpen: d.breakers.Stats().Open,
	}
}

func (d *Dispatcher) depth() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Close stops accepting notifications and delivers what is queued, waiting
// at most until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Notification dispatcher shutting down", "queued", d.depth())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Notification dispatcher stopped",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Notification dispatcher shutdown timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

func (d *Dispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordNotifyQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

func (d *Dispatcher) worker(queue chan *notification) {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			for {
				select {
				case n := <-queue:
					d.deliver(n)
				default:
					return
				}
			}
		case n := <-queue:
			d.deliver(n)
		}
	}
}

// deliver makes one attempt. Failures are counted, never retried.
func (d *Dispatcher) deliver(n *notification) {
	host := extractHost(n.url)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.drop(n.url, n.payload.Message, "circuit_open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliverTimeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(ctx, n.url, n.payload, webhook.SendOptions{
		SigningKey: d.config.SigningKey,
		UserAgent:  userAgent,
	})
	if err != nil {
		// A 4xx means the host is up, so it does not count against the breaker.
		if webhook.IsClientError(err) {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotifyFailed(ctx)
		}
		d.logger.Warn("Notification delivery failed", "destination", host, "message", n.payload.Message, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*Dispatcher)(nil)

package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the worker's instruments. One worker runs one job at a time,
// so job metrics are about throughput and outcome rather than concurrency.
type Metrics struct {
	meter metric.Meter

	// HTTP surface
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Jobs
	JobsStarted    metric.Int64Counter
	JobsCompleted  metric.Int64Counter
	JobDuration    metric.Float64Histogram
	JobsActive     metric.Int64UpDownCounter
	JobProgress    metric.Int64Gauge
	JobsRejected   metric.Int64Counter
	JobStallsTotal metric.Int64Counter

	// Checkpoints and uploads
	CheckpointsDetected metric.Int64Counter
	UploadsTotal        metric.Int64Counter
	UploadDuration      metric.Float64Histogram

	// Notifications
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifySkipped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge

	// Queue and lease
	MessagesReceived metric.Int64Counter
	MessagesAcked    metric.Int64Counter
	LeaseRenewals    metric.Int64Counter

	// Instance lifecycle
	TeardownsTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("trainer")}
	b := builder{meter: m.meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobsStarted = b.counter("jobs_started_total", "Jobs whose training process was spawned")
	m.JobsCompleted = b.counter("jobs_completed_total", "Jobs that reached a terminal state")
	m.JobDuration = b.histogram("job_duration_seconds", "Training job wall time in seconds",
		60, 300, 600, 1200, 1800, 3600, 7200, 14400, 28800)
	m.JobsActive = b.upDown("jobs_active", "Jobs currently being processed (0 or 1)")
	m.JobProgress = b.gauge("job_progress_percent", "Progress of the active job")
	m.JobsRejected = b.counter("jobs_rejected_total", "Queue messages rejected before a job was created")
	m.JobStallsTotal = b.counter("job_stalls_total", "Jobs failed by the stall watchdog")

	m.CheckpointsDetected = b.counter("checkpoints_detected_total", "Checkpoint files detected in job output directories")
	m.UploadsTotal = b.counter("uploads_total", "Artifact uploads by outcome")
	m.UploadDuration = b.histogram("upload_duration_seconds", "Artifact upload latency in seconds",
		0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300)

	m.NotifyDuration = b.histogram("notify_duration_seconds", "Webhook delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.NotifyDelivered = b.counter("notify_delivered_total", "Webhook notifications delivered")
	m.NotifyFailed = b.counter("notify_failed_total", "Webhook notifications that failed")
	m.NotifyDropped = b.counter("notify_dropped_total", "Webhook notifications dropped (buffer full or circuit open)")
	m.NotifySkipped = b.counter("notify_skipped_total", "Webhook notifications skipped for an undeliverable URL")
	m.NotifyQueueSize = b.gauge("notify_queue_size", "Notifications waiting for delivery")

	m.MessagesReceived = b.counter("queue_messages_received_total", "Queue messages received")
	m.MessagesAcked = b.counter("queue_messages_acked_total", "Queue messages acknowledged")
	m.LeaseRenewals = b.counter("lease_renewals_total", "Lease extensions by outcome")

	m.TeardownsTotal = b.counter("instance_teardowns_total", "Instance teardown requests by reason")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.Handler(), nil
}

// builder keeps the first instrument error so NewMetrics can check once.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobStarted records a job entering PROCESSING.
func (m *Metrics) RecordJobStarted(ctx context.Context, model string) {
	attrs := metric.WithAttributes(modelAttr(model))
	m.JobsStarted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1)
	m.JobProgress.Record(ctx, 0)
}

// RecordJobCompleted records a job reaching FINISHED or FAILED.
func (m *Metrics) RecordJobCompleted(ctx context.Context, model, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(modelAttr(model), outcomeAttr(status))
	m.JobsCompleted.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)
}

// RecordJobProgress records the active job's progress.
func (m *Metrics) RecordJobProgress(ctx context.Context, percent int) {
	m.JobProgress.Record(ctx, int64(percent))
}

// RecordJobRejected records a malformed request.
func (m *Metrics) RecordJobRejected(ctx context.Context, field string) {
	m.JobsRejected.Add(ctx, 1, metric.WithAttributes(fieldAttr(field)))
}

// RecordJobStalled records a watchdog failure.
func (m *Metrics) RecordJobStalled(ctx context.Context) {
	m.JobStallsTotal.Add(ctx, 1)
}

// RecordCheckpointDetected records a new checkpoint file.
func (m *Metrics) RecordCheckpointDetected(ctx context.Context) {
	m.CheckpointsDetected.Add(ctx, 1)
}

// RecordUpload records an artifact upload attempt.
func (m *Metrics) RecordUpload(ctx context.Context, backend string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), successAttr(success))
	m.UploadsTotal.Add(ctx, 1, attrs)
	m.UploadDuration.Record(ctx, durationSeconds, attrs)
}

// RecordNotifyDelivered records a successful webhook delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed webhook delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped notification.
func (m *Metrics) RecordNotifyDropped(ctx context.Context, reason string) {
	m.NotifyDropped.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordNotifySkipped records a notification with an undeliverable URL.
func (m *Metrics) RecordNotifySkipped(ctx context.Context) {
	m.NotifySkipped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current notification queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}

// RecordMessageReceived records a message pulled from the queue.
func (m *Metrics) RecordMessageReceived(ctx context.Context) {
	m.MessagesReceived.Add(ctx, 1)
}

// RecordMessageAcked records an acknowledgement.
func (m *Metrics) RecordMessageAcked(ctx context.Context, success bool) {
	m.MessagesAcked.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordLeaseRenewal records a lease extension attempt.
func (m *Metrics) RecordLeaseRenewal(ctx context.Context, success bool) {
	m.LeaseRenewals.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordTeardown records an instance teardown request.
func (m *Metrics) RecordTeardown(ctx context.Context, reason string) {
	m.TeardownsTotal.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

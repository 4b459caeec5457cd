// Package notify delivers fire-and-forget webhook notifications.
//
// Callers never block and never see delivery failures: an undeliverable URL
// is skipped, a full buffer drops the notification, and a failed POST is
// logged and counted without retry.
package notify

import (
	"context"
)

// Notifier sends a status notification to url.
type Notifier interface {
	Send(url string, success bool, code int, message string, data any)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // notifications waiting across all workers
	Queued       int64 // total accepted
	Delivered    int64 // 2xx responses
	Failed       int64 // network errors and non-2xx responses
	Dropped      int64 // buffer full, circuit open, or sent after Close
	Skipped      int64 // URL was empty or not http(s)
	BreakersOpen int   // hosts currently blocked
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context, reason string)
	RecordNotifySkipped(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Func adapts a function to Notifier.
type Func func(url string, success bool, code int, message string, data any)

// Send calls f.
func (f Func) Send(url string, success bool, code int, message string, data any) {
	f(url, success, code, message, data)
}

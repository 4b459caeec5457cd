package observability

import (
	"context"
	"testing"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil || handler == nil {
		t.Fatal("expected metrics and handler to be non-nil")
	}
	return metrics
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestMetrics(t)

	// Should not panic
	m.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	m.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 202, 0.050)
	m.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 400, 0.002)
	m.RecordHTTPRequest(ctx, "GET", "/v1/jobs/current", 404, 0.001)
}

func TestRecordJobLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestMetrics(t)

	m.RecordJobStarted(ctx, "dev")
	m.RecordJobProgress(ctx, 55)
	m.RecordCheckpointDetected(ctx)
	m.RecordUpload(ctx, "minio", true, 3.2)
	m.RecordUpload(ctx, "http", false, 0.4)
	m.RecordJobCompleted(ctx, "dev", "finished", 1800)
	m.RecordJobStarted(ctx, "")
	m.RecordJobStalled(ctx)
	m.RecordJobCompleted(ctx, "", "failed", 720)
	m.RecordJobRejected(ctx, "images_urls")
	m.RecordJobRejected(ctx, "")
}

func TestRecordDeliveryAndQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestMetrics(t)

	m.RecordNotifyDelivered(ctx, 0.02)
	m.RecordNotifyFailed(ctx)
	m.RecordNotifyDropped(ctx, "buffer_full")
	m.RecordNotifySkipped(ctx)
	m.RecordNotifyQueueSize(ctx, 3)
	m.RecordMessageReceived(ctx)
	m.RecordMessageAcked(ctx, true)
	m.RecordLeaseRenewal(ctx, false)
	m.RecordTeardown(ctx, "idle")
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/readyz", "/readyz"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/current", "/v1/jobs/current"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/wp-admin/login.php", "other"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

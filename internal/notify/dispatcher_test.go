package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"trainer/internal/testutil"
	"trainer/pkg/webhook"
)

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.Close(ctx)
}

func TestDispatcher_Send(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []webhook.Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		bodies = append(bodies, p)
		mu.Unlock()
	}))
	defer server.Close()

	d := NewDispatcher(Config{BufferSize: 10, Workers: 2, HTTPTimeout: time.Second}, nil)
	defer closeDispatcher(t, d)

	d.Send(server.URL, true, 200, "Job Completed", map[string]any{"job_id": "j1"})

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 || !bodies[0].Status || bodies[0].Code != 200 || bodies[0].Message != "Job Completed" {
		t.Fatalf("unexpected bodies %+v", bodies)
	}
}

func TestDispatcher_SkipsUndeliverableURL(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{BufferSize: 10, Workers: 1}, nil)
	defer closeDispatcher(t, d)

	for _, u := range []string{"", "ftp://example.com", "not-a-url"} {
		d.Send(u, false, 400, "No image urls provided!", nil)
	}

	stats := d.Stats()
	if stats.Skipped != 3 || stats.Queued != 0 {
		t.Errorf("expected 3 skipped and 0 queued, got %+v", stats)
	}
}

func TestDispatcher_NeverBlocksWhenFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()

	d := NewDispatcher(Config{BufferSize: 2, Workers: 1, HTTPTimeout: 5 * time.Second}, nil)
	defer closeDispatcher(t, d)
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Send(server.URL, true, 200, "Job Progress", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a stalled endpoint")
	}
	if d.Stats().Dropped == 0 {
		t.Error("expected drops with a full buffer")
	}
}

func TestDispatcher_NoRetryOnFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewDispatcher(Config{BufferSize: 10, Workers: 1, HTTPTimeout: time.Second}, nil)
	defer closeDispatcher(t, d)

	d.Send(server.URL, true, 200, "Job Started", nil)
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 })

	time.Sleep(50 * time.Millisecond)
	if attempts.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestDispatcher_UnreachableHost(t *testing.T) {
	t.Parallel()

	// Reserve a port then close it so connections are refused.
	server := httptest.NewServer(http.NotFoundHandler())
	dead := server.URL
	server.Close()

	d := NewDispatcher(Config{BufferSize: 100, Workers: 1, HTTPTimeout: 200 * time.Millisecond}, nil)
	defer closeDispatcher(t, d)

	for i := 0; i < 10; i++ {
		d.Send(dead, true, 200, "Job Progress", i)
	}

	testutil.MustWaitFor(t, func() bool {
		s := d.Stats()
		return s.Failed+s.Dropped == 10
	})
	stats := d.Stats()
	if stats.Failed != defaultBreakerThreshold {
		t.Errorf("expected breaker to open after %d failures, got %d failed", defaultBreakerThreshold, stats.Failed)
	}
	if stats.BreakersOpen != 1 {
		t.Errorf("expected one open breaker, got %d", stats.BreakersOpen)
	}
}

func TestDispatcher_PreservesOrderPerURL(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		seen = append(seen, int(p.Data.(float64)))
		mu.Unlock()
	}))
	defer server.Close()

	d := NewDispatcher(Config{BufferSize: 400, Workers: 4, HTTPTimeout: time.Second}, nil)
	for i := 0; i < 50; i++ {
		d.Send(server.URL+"/hook", true, 200, "Job Progress", i)
	}
	closeDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("expected 50 deliveries, got %d", len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("delivery %d carried %d, order not preserved", i, v)
		}
	}
}

func TestDispatcher_Signature(t *testing.T) {
	t.Parallel()

	sigs := make(chan string, 1)
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		sigs <- r.Header.Get(webhook.SignatureHeader)
	}))
	defer server.Close()

	d := NewDispatcher(Config{BufferSize: 10, Workers: 1, SigningKey: "secret"}, nil)
	defer closeDispatcher(t, d)
	d.Send(server.URL, true, 200, "Job Started", nil)

	body := <-bodies
	if sig := <-sigs; sig != webhook.Sign(body, "secret") {
		t.Errorf("unexpected signature %q", sig)
	}
}

func TestDispatcher_CloseDrains(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	d := NewDispatcher(Config{BufferSize: 100, Workers: 2}, nil)
	for i := 0; i < 10; i++ {
		d.Send(server.URL, true, 200, "Job Progress", i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}

	d.Send(server.URL, true, 200, "late", nil)
	if d.Stats().Dropped != 1 {
		t.Error("Send after Close should drop")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.BufferSize != 1000 || cfg.Workers != 4 || cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if small := (Config{BufferSize: 1, Workers: 3}).withDefaults(); small.BufferSize != 3 {
		t.Errorf("buffer must hold at least one per worker, got %d", small.BufferSize)
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"http://localhost:8080/webhook": "localhost:8080",
		"https://example.com/callback":  "example.com",
		"://invalid":                    "://invalid",
	}
	for in, want := range tests {
		if got := extractHost(in); got != want {
			t.Errorf("extractHost(%q) = %q, want %q", in, got, want)
		}
	}
}

package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"trainer/internal/apperrors"
	"trainer/internal/job"
	"trainer/internal/testutil"
)

type recordingTerminator struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingTerminator) Terminate(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *recordingTerminator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func startedJob() *job.Job {
	j := job.New(&job.Request{
		JobID:              "j1",
		LoraName:           "alice",
		ImageURLs:          []string{"http://example.com/1.jpg"},
		TrainingWebhookURL: "http://hooks.example.com/train",
		Steps:              100,
		SaveEvery:          50,
	}, time.Now())
	j.Start()
	return j
}

func fastConfig() Config {
	return Config{GracePeriod: 50 * time.Millisecond, CheckInterval: 5 * time.Millisecond}
}

func TestRun_StallFailsJob(t *testing.T) {
	t.Parallel()
	j := startedJob()
	notes := &testutil.Notifications{}
	term := &recordingTerminator{}
	w := New(fastConfig(), notes, term, nil)

	canceled := make(chan struct{})
	err := w.Run(context.Background(), j, func() { close(canceled) })
	if !errors.Is(err, apperrors.ErrStalled) {
		t.Fatalf("expected stalled error, got %v", err)
	}

	if j.Status() != job.StatusFailed || j.ErrorMessage() != StallMessage(50*time.Millisecond) {
		t.Errorf("job not failed with stall message: %s %q", j.Status(), j.ErrorMessage())
	}
	select {
	case <-canceled:
	default:
		t.Error("process context was not cancelled")
	}

	all := notes.All()
	if len(all) != 1 || all[0].Success || all[0].Code != 504 {
		t.Errorf("unexpected notifications %+v", all)
	}
	if got := term.calls(); len(got) != 1 || got[0] != "stalled" {
		t.Errorf("unexpected teardown calls %v", got)
	}
}

func TestRun_ProgressDisarms(t *testing.T) {
	t.Parallel()
	j := startedJob()
	j.UpdateProgress(1)
	notes := &testutil.Notifications{}
	term := &recordingTerminator{}
	w := New(fastConfig(), notes, term, nil)

	if err := w.Run(context.Background(), j, nil); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if j.Status() != job.StatusProcessing || notes.Len() != 0 || len(term.calls()) != 0 {
		t.Error("watchdog acted on a job with progress")
	}
}

func TestRun_ProgressBeforeGraceDisarms(t *testing.T) {
	t.Parallel()
	j := startedJob()
	w := New(Config{GracePeriod: 200 * time.Millisecond, CheckInterval: 5 * time.Millisecond}, &testutil.Notifications{}, nil, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		j.UpdateProgress(3)
	}()
	start := time.Now()
	if err := w.Run(context.Background(), j, nil); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if time.Since(start) >= 200*time.Millisecond {
		t.Error("watchdog did not exit early on progress")
	}
}

func TestRun_TerminalJobDisarms(t *testing.T) {
	t.Parallel()
	j := startedJob()
	j.Fail("CUDA OOM")
	notes := &testutil.Notifications{}
	w := New(fastConfig(), notes, nil, nil)

	if err := w.Run(context.Background(), j, nil); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if j.ErrorMessage() != "CUDA OOM" || notes.Len() != 0 {
		t.Error("watchdog overrode a terminal job")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()
	j := startedJob()
	w := New(Config{GracePeriod: time.Hour, CheckInterval: 5 * time.Millisecond}, &testutil.Notifications{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := w.Run(ctx, j, nil); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if j.Status() != job.StatusProcessing {
		t.Error("job changed after cancel")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.GracePeriod != 720*time.Second || cfg.CheckInterval != 10*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if StallMessage(cfg.GracePeriod) != "Job stalled: no training progress within 12m0s" {
		t.Errorf("unexpected message %q", StallMessage(cfg.GracePeriod))
	}
}

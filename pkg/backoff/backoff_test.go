package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second}, // capped
		{20, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, nil); got != tt.want {
			t.Errorf("Exponential(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	t.Parallel()

	cfg := &Config{Initial: time.Second, Max: 30 * time.Second}
	if got := Exponential(3, cfg); got != 4*time.Second {
		t.Errorf("expected 4s, got %v", got)
	}
	if got := Exponential(10, cfg); got != 30*time.Second {
		t.Errorf("expected cap of 30s, got %v", got)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	fast := &Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), 3, fast, func(int) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("permanent stops early", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("bad request")
		calls := 0
		err := Retry(context.Background(), 5, fast, func(int) error {
			calls++
			return Permanent(sentinel)
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected sentinel, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("exhausted returns last error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), 2, fast, func(int) error {
			calls++
			return errors.New("still down")
		})
		if err == nil || err.Error() != "still down" {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, 3, &Config{Initial: time.Hour}, func(int) error {
			return errors.New("transient")
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

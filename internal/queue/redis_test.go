package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	q := newRedis(client, Config{
		Name:         fmt.Sprintf("trainer-test-%d", time.Now().UnixNano()),
		Visibility:   200 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	}.withDefaults())
	t.Cleanup(func() {
		_ = q.Purge(context.Background())
		client.Close()
	})
	return q
}

func TestRedis_PublishReceiveAck(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	id, err := q.Publish(ctx, []byte("job"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	msg, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.ID != id || string(msg.Body) != "job" || msg.Attempts != 1 {
		t.Errorf("unexpected message %+v", msg)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("expected len 1 while leased, got %d", n)
	}
	if err := q.Ack(ctx, msg); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	if err := q.Extend(ctx, msg, time.Second); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost after ack, got %v", err)
	}
}

func TestRedis_ReapRequeuesExpiredLease(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	if _, err := q.Publish(ctx, []byte("job")); err != nil {
		t.Fatal(err)
	}
	first, err := q.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)

	// First pass only marks the id.
	if n, _ := q.Reap(ctx); n != 0 {
		t.Fatalf("first pass should not requeue, got %d", n)
	}
	if n, err := q.Reap(ctx); err != nil || n != 1 {
		t.Fatalf("expected one requeue, got %d (%v)", n, err)
	}

	again, err := q.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || again.Attempts != 2 {
		t.Errorf("unexpected redelivery %+v", again)
	}
}

func TestRedis_ReceiveHonoursContext(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	if _, err := q.Receive(ctx); err == nil {
		t.Error("expected error on empty queue with deadline")
	}
}

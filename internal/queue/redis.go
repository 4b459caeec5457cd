package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a lease queue on Redis lists.
//
// Keys, all under cfg.Name:
//
//	<name>:pending       list of visible message ids (LPUSH in, BLMOVE out from the right)
//	<name>:processing    list of leased message ids
//	<name>:lease:<id>    string whose TTL is the lease
//	<name>:msg:<id>      hash with body, attempts and created_at
//
// A reaper requeues processing ids whose lease key has expired.
type Redis struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	reapMu   sync.Mutex
	suspects map[string]bool // ids seen without a lease on the previous pass

	stop chan struct{}
	wg   sync.WaitGroup
}

// OpenRedis connects to the Redis server named by cfg.URL and starts the
// lease reaper.
func OpenRedis(ctx context.Context, cfg Config) (*Redis, error) {
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL %q: %w", redact(cfg.URL), err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	q := newRedis(client, cfg)
	q.wg.Add(1)
	go q.reapLoop()
	return q, nil
}

func newRedis(client *redis.Client, cfg Config) *Redis {
	return &Redis{
		client:   client,
		cfg:      cfg,
		logger:   slog.With("component", "queue", "transport", "redis"),
		now:      time.Now,
		suspects: make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

func (q *Redis) pendingKey() string        { return q.cfg.Name + ":pending" }
func (q *Redis) processingKey() string     { return q.cfg.Name + ":processing" }
func (q *Redis) leaseKey(id string) string { return q.cfg.Name + ":lease:" + id }
func (q *Redis) msgKey(id string) string   { return q.cfg.Name + ":msg:" + id }

// Receive moves the oldest pending id into the processing list and leases it.
func (q *Redis) Receive(ctx context.Context) (*Message, error) {
	for {
		id, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.cfg.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive message: %w", err)
		}

		now := q.now()
		if err := q.client.Set(ctx, q.leaseKey(id), now.UnixMilli(), q.cfg.Visibility).Err(); err != nil {
			return nil, fmt.Errorf("failed to lease message %s: %w", id, err)
		}

		attempts, err := q.client.HIncrBy(ctx, q.msgKey(id), "attempts", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count attempt for %s: %w", id, err)
		}
		body, err := q.client.HGet(ctx, q.msgKey(id), "body").Bytes()
		if errors.Is(err, redis.Nil) {
			// Purged while in flight.
			q.logger.Warn("Dropping message without body", "messageId", id)
			q.remove(ctx, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message %s: %w", id, err)
		}

		return &Message{ID: id, Body: body, Attempts: int(attempts), ReceivedAt: now}, nil
	}
}

// Extend resets the lease TTL to d.
func (q *Redis) Extend(ctx context.Context, msg *Message, d time.Duration) error {
	ok, err := q.client.PExpire(ctx, q.leaseKey(msg.ID), d).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Ack drops msg from the processing list and deletes its keys.
func (q *Redis) Ack(ctx context.Context, msg *Message) error {
	if err := q.remove(ctx, msg.ID); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

func (q *Redis) remove(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, id)
		pipe.Del(ctx, q.msgKey(id), q.leaseKey(id))
		return nil
	})
	return err
}

// Publish stores the body and pushes its id onto the pending list.
func (q *Redis) Publish(ctx context.Context, body []byte) (string, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	id := uid.String()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgKey(id), map[string]any{
			"body":       body,
			"attempts":   0,
			"created_at": strconv.FormatInt(q.now().UnixMilli(), 10),
		})
		pipe.LPush(ctx, q.pendingKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return id, nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	processing := pipe.LLen(ctx, q.processingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(pending.Val() + processing.Val()), nil
}

func (q *Redis) Purge(ctx context.Context) error {
	var ids []string
	for _, key := range []string{q.pendingKey(), q.processingKey()} {
		list, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		ids = append(ids, list...)
	}

	keys := []string{q.pendingKey(), q.processingKey()}
	for _, id := range ids {
		keys = append(keys, q.msgKey(id), q.leaseKey(id))
	}
	return q.client.Del(ctx, keys...).Err()
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops the reaper and closes the client.
func (q *Redis) Close() error {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	q.wg.Wait()
	return q.client.Close()
}

func (q *Redis) reapLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.Visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := q.Reap(ctx)
			cancel()
			if err != nil {
				q.logger.Warn("Lease reap failed", "error", err)
			} else if n > 0 {
				q.logger.Info("Requeued expired leases", "count", n)
			}
		}
	}
}

// Reap requeues processing ids whose lease has expired. An id must be seen
// without a lease on two consecutive passes, since Receive leases a
// message just after moving it.
func (q *Redis) Reap(ctx context.Context) (int, error) {
	q.reapMu.Lock()
	defer q.reapMu.Unlock()

	ids, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	suspects := make(map[string]bool)
	requeued := 0
	for _, id := range ids {
		exists, err := q.client.Exists(ctx, q.leaseKey(id)).Result()
		if err != nil {
			return requeued, err
		}
		if exists > 0 {
			continue
		}
		if !q.suspects[id] {
			suspects[id] = true
			continue
		}

		// RPUSH puts it at the receiving end so it is delivered next.
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processingKey(), 1, id)
			pipe.RPush(ctx, q.pendingKey(), id)
			return nil
		})
		if err != nil {
			return requeued, err
		}
		requeued++
	}
	q.suspects = suspects
	return requeued, nil
}

var _ Queue = (*Redis)(nil)

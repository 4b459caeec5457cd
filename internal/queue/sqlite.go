package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trainer_queue (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trainer_queue_visible ON trainer_queue (queue, visible_at);
`

// SQLite is a visibility-timeout queue stored in a single SQLite table.
// visible_at and created_at are milliseconds since the epoch.
type SQLite struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	wake   chan struct{}
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the queue database at path.
// The path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string, cfg Config) (*SQLite, error) {
	cfg = cfg.withDefaults()

	memory := path == ":memory:"
	dsn := path
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		q := url.Values{}
		q.Add("_pragma", "busy_timeout(10000)")
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Add("_pragma", "foreign_keys(1)")
		dsn = path + "?" + q.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue table: %w", err)
	}

	return &SQLite{
		db:     db,
		cfg:    cfg,
		logger: slog.With("component", "queue", "transport", "sqlite"),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}, nil
}

// Receive claims the oldest visible message, polling until one appears.
func (q *SQLite) Receive(ctx context.Context) (*Message, error) {
	for {
		msg, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if err := wait(ctx, q.cfg.PollInterval, q.wake); err != nil {
			return nil, err
		}
	}
}

// claim returns nil, nil when nothing is visible.
func (q *SQLite) claim(ctx context.Context) (*Message, error) {
	now := q.now()
	hideUntil := now.Add(q.cfg.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE trainer_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM trainer_queue
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, payload, attempts`,
		hideUntil, q.cfg.Name, now.UnixMilli(),
	)

	msg := &Message{ReceivedAt: now}
	err := row.Scan(&msg.ID, &msg.Body, &msg.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}
	return msg, nil
}

// Extend moves visible_at to now+d. The attempts counter written at claim
// time fences the lease: a holder whose claim was redelivered gets ErrLeaseLost.
func (q *SQLite) Extend(ctx context.Context, msg *Message, d time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE trainer_queue SET visible_at = ? WHERE id = ? AND queue = ? AND attempts = ?`,
		q.now().Add(d).UnixMilli(), msg.ID, q.cfg.Name, msg.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack deletes msg if this claim still holds it.
func (q *SQLite) Ack(ctx context.Context, msg *Message) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM trainer_queue WHERE id = ? AND queue = ? AND attempts = ?`,
		msg.ID, q.cfg.Name, msg.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Publish inserts an immediately visible message.
func (q *SQLite) Publish(ctx context.Context, body []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	now := q.now().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO trainer_queue (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id.String(), q.cfg.Name, body, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id.String(), nil
}

func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trainer_queue WHERE queue = ?`, q.cfg.Name,
	).Scan(&n)
	return n, err
}

func (q *SQLite) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM trainer_queue WHERE queue = ?`, q.cfg.Name)
	return err
}

func (q *SQLite) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

func (q *SQLite) Close() error {
	return q.db.Close()
}

var _ Queue = (*SQLite)(nil)

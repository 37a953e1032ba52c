// Package queue wraps the Postgres-resident message queue (pgmq). The queue
// provides at-least-once delivery; explicit per-message deletion is the only
// "done" signal in the system.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue names used by the synchronization pipelines.
const (
	QueueDBToRemote = "db_to_remote"
	QueueRemoteToDB = "remote_to_db"
)

// Message is one delivery read from a Postgres queue.
type Message struct {
	MsgID      int64
	ReadCount  int
	EnqueuedAt time.Time
	Body       []byte
}

// Client is a thin pgmq wrapper sharing the process-wide pgx pool.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewClient(pool *pgxpool.Pool, logger *slog.Logger) *Client {
	return &Client{pool: pool, logger: logger}
}

// Send enqueues a JSON-serializable payload and returns the assigned message id.
func (c *Client) Send(ctx context.Context, queueName string, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize queue payload: %v", err)
	}

	var msgID int64
	err = c.pool.QueryRow(ctx,
		`SELECT pgmq.send($1, $2::jsonb)`,
		queueName, body,
	).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("pgmq send failed on %s: %w", queueName, err)
	}
	return msgID, nil
}

// ReadBatch reads up to qty messages, making them invisible to other readers
// for the visibility timeout. Messages reappear if not deleted in time.
func (c *Client) ReadBatch(ctx context.Context, queueName string, visibility time.Duration, qty int) ([]Message, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT msg_id, read_ct, enqueued_at, message FROM pgmq.read($1, $2, $3)`,
		queueName, int(visibility.Seconds()), qty,
	)
	if err != nil {
		return nil, fmt.Errorf("pgmq read failed on %s: %w", queueName, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.Body); err != nil {
			return nil, fmt.Errorf("pgmq read scan failed: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Delete removes one message permanently. Deleting an already-deleted or
// nonexistent message is a benign no-op, which keeps the acknowledgment path
// idempotent under redelivery.
func (c *Client) Delete(ctx context.Context, queueName string, msgID int64) error {
	var deleted bool
	err := c.pool.QueryRow(ctx,
		`SELECT pgmq.delete($1::text, $2::bigint)`,
		queueName, msgID,
	).Scan(&deleted)
	if err != nil {
		return fmt.Errorf("pgmq delete failed on %s/%d: %w", queueName, msgID, err)
	}
	if !deleted {
		c.logger.Debug("Queue message already gone", "queue", queueName, "msg_id", msgID)
	}
	return nil
}

// Enqueuer adapts the client to the publish contract the webhook ingress
// writes through. Fetch jobs are persisted to a Postgres queue instead of
// going straight to the broker, so they survive broker outages and reappear
// until the inbound handler deletes them after a successful upsert. The
// routing key is decided later by the relay, so it is ignored here.
type Enqueuer struct {
	client    *Client
	queueName string
}

func NewEnqueuer(client *Client, queueName string) *Enqueuer {
	return &Enqueuer{client: client, queueName: queueName}
}

func (e *Enqueuer) Publish(ctx context.Context, _ string, payload any) error {
	_, err := e.client.Send(ctx, e.queueName, payload)
	return err
}

// Backlog returns the number of messages currently visible in a queue. Used
// by the relay's lag gauge.
func (c *Client) Backlog(ctx context.Context, queueName string) (int64, error) {
	var count int64
	err := c.pool.QueryRow(ctx,
		`SELECT queue_length FROM pgmq.metrics($1)`,
		queueName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pgmq metrics failed on %s: %w", queueName, err)
	}
	return count, nil
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridsync/gridsync/internal/models"
	"github.com/gridsync/gridsync/internal/queue"
	"github.com/gridsync/gridsync/internal/webhook"
	"github.com/gridsync/gridsync/pkg/metrics"
)

// RoutingKeyChangeEvents is where relayed change events are published.
const RoutingKeyChangeEvents = "sync.db_to_remote"

// visibilityTimeout is how long read messages stay invisible. It must exceed
// the worst-case handler invocation, or redeliveries will race deletions.
const visibilityTimeout = 60 * time.Second

// QueueReader is the Postgres queue surface the relay consumes.
type QueueReader interface {
	ReadBatch(ctx context.Context, queueName string, visibility time.Duration, qty int) ([]queue.Message, error)
	Delete(ctx context.Context, queueName string, msgID int64) error
	Backlog(ctx context.Context, queueName string) (int64, error)
}

// BrokerClient is the publishing contract toward RabbitMQ.
type BrokerClient interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// RelayService moves change events from the durable Postgres queue to the
// broker. Messages are NOT deleted here: deletion is the sync handler's "done"
// signal, so a relay crash after publishing at worst causes a redelivery.
type RelayService struct {
	queue  QueueReader
	broker BrokerClient
	logger *slog.Logger
}

func NewRelayService(q QueueReader, b BrokerClient, l *slog.Logger) *RelayService {
	return &RelayService{
		queue:  q,
		broker: b,
		logger: l,
	}
}

// ProcessNextBatch reads one batch from the db_to_remote queue, stamps each
// event with its queue identity, and publishes the batch as a single
// delivery. Returns the number of events published.
func (s *RelayService) ProcessNextBatch(ctx context.Context, batchSize int) (int, error) {
	messages, err := s.queue.ReadBatch(ctx, queue.QueueDBToRemote, visibilityTimeout, batchSize)
	if err != nil {
		return 0, fmt.Errorf("queue read failure: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues("relay").Observe(time.Since(start).Seconds())
	}()

	events := make([]models.ChangeEvent, 0, len(messages))
	for _, m := range messages {
		var event models.ChangeEvent
		if err := json.Unmarshal(m.Body, &event); err != nil {
			// Poison payload from the trigger: drop it, it can never parse
			s.logger.Error("Unparseable change event, deleting from queue",
				"msg_id", m.MsgID, "read_count", m.ReadCount, "error", err)
			if delErr := s.queue.Delete(ctx, queue.QueueDBToRemote, m.MsgID); delErr != nil {
				s.logger.Error("Failed to delete poison message", "msg_id", m.MsgID, "error", delErr)
			}
			continue
		}

		// The trigger cannot know its own message id; the relay stamps the
		// queue identity the handlers later delete by
		event.MessageID = m.MsgID
		event.QueueName = queue.QueueDBToRemote
		events = append(events, event)
	}

	if len(events) == 0 {
		return 0, nil
	}

	if err := s.broker.Publish(ctx, RoutingKeyChangeEvents, events); err != nil {
		// Leave the messages invisible; they reappear after the visibility
		// timeout and get relayed again
		return 0, fmt.Errorf("broker publish failure: %w", err)
	}

	s.logger.Info("Relayed change events", "count", len(events))
	return len(events), nil
}

// ProcessNextFetchBatch reads one batch from the remote_to_db queue and
// publishes it toward the inbound consumer. Webhook-origin fetch jobs land in
// this queue, so each job is stamped with the queue identity the handler
// deletes by after a successful upsert; an undeliverable batch stays invisible
// and reappears, same as the change-event side.
func (s *RelayService) ProcessNextFetchBatch(ctx context.Context, batchSize int) (int, error) {
	messages, err := s.queue.ReadBatch(ctx, queue.QueueRemoteToDB, visibilityTimeout, batchSize)
	if err != nil {
		return 0, fmt.Errorf("queue read failure: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	jobs := make([]models.FetchJob, 0, len(messages))
	for _, m := range messages {
		var job models.FetchJob
		if err := json.Unmarshal(m.Body, &job); err != nil {
			s.logger.Error("Unparseable fetch job, deleting from queue",
				"msg_id", m.MsgID, "read_count", m.ReadCount, "error", err)
			if delErr := s.queue.Delete(ctx, queue.QueueRemoteToDB, m.MsgID); delErr != nil {
				s.logger.Error("Failed to delete poison message", "msg_id", m.MsgID, "error", delErr)
			}
			continue
		}

		job.MessageID = m.MsgID
		job.QueueName = queue.QueueRemoteToDB
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return 0, nil
	}

	if err := s.broker.Publish(ctx, webhook.RoutingKeyFetchJobs, jobs); err != nil {
		return 0, fmt.Errorf("broker publish failure: %w", err)
	}

	s.logger.Info("Relayed fetch jobs", "count", len(jobs))
	return len(jobs), nil
}

// ObserveBacklog refreshes the lag gauges for both queues.
func (s *RelayService) ObserveBacklog(ctx context.Context) {
	for _, name := range []string{queue.QueueDBToRemote, queue.QueueRemoteToDB} {
		backlog, err := s.queue.Backlog(ctx, name)
		if err != nil {
			s.logger.Warn("Failed to read queue backlog", "queue", name, "error", err)
			continue
		}
		metrics.QueueBacklog.WithLabelValues(name).Set(float64(backlog))
	}
}

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Errors prefixed with "FATAL:" mark
// poison messages that are dropped instead of requeued; any other error
// triggers a throttled requeue.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// RabbitMQConsumer manages the connection and message flow from the broker
// for one queue/routing-key pair.
type RabbitMQConsumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	handler    Handler
	logger     *slog.Logger
	queueName  string
	routingKey string
}

// NewRabbitMQConsumer initializes a consumer bound to a specific queue
func NewRabbitMQConsumer(url, queueName, routingKey string, handler Handler, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// QoS: Prefetch 1 ensures we process deliveries one by one; each delivery
	// may itself carry a batch of events
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	return &RabbitMQConsumer{
		conn:       conn,
		channel:    ch,
		handler:    handler,
		logger:     logger,
		queueName:  queueName,
		routingKey: routingKey,
	}, nil
}

// Listen starts the consumption loop and handles the queue/exchange binding
func (c *RabbitMQConsumer) Listen(ctx context.Context) error {
	// Declare Queue with durability to survive broker restarts
	q, err := c.channel.QueueDeclare(c.queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}

	if err := c.channel.QueueBind(q.Name, c.routingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Consumer is online and waiting for messages", "queue", q.Name, "routing_key", c.routingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			err := c.handler.Handle(ctx, d.Body)
			if err != nil {
				if strings.HasPrefix(err.Error(), "FATAL:") {
					c.logger.Error("Dropping poison message", "queue", q.Name, "error", err)
					d.Nack(false, false)
					continue
				}

				c.logger.Error("Processing failed, requeueing", "queue", q.Name, "error", err)
				time.Sleep(5 * time.Second) // Throttling retries
				d.Nack(false, true)
				continue
			}

			// Manual Ack: the handler has already deleted the underlying
			// Postgres queue messages, so the delivery is done either way
			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to Ack delivery", "queue", q.Name, "error", err)
			}
		}
	}
}

// Close gracefully terminates RabbitMQ resources
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}

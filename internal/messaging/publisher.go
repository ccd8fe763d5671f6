// Package messaging fans job lifecycle events out to RabbitMQ so other
// services (a gallery indexer, a notifier) can follow generation progress
// without polling the broker.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

const (
	DefaultQueue    = "genbroker.job_events"
	MaxConnectRetry = 5
	RetryDelay      = 2 * time.Second
)

// Publisher sends one event synchronously.
type Publisher interface {
	Publish(ctx context.Context, ev types.JobEvent) error
	Close() error
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes JSON events to a durable queue on the default
// exchange.
type RabbitMQPublisher struct {
	conn    *amqp.Connection
	channel amqpChannel
	queue   string
}

// NewRabbitMQPublisher dials url, retrying a few times, and declares queue.
func NewRabbitMQPublisher(url, queue string) (*RabbitMQPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		slog.Warn("Failed to connect to RabbitMQ", "attempt", i+1, "error", err)
		time.Sleep(RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", MaxConnectRetry, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	slog.Info("RabbitMQ publisher ready", "queue", queue)
	return &RabbitMQPublisher{conn: conn, channel: ch, queue: queue}, nil
}

// Publish sends ev as a persistent message.
func (p *RabbitMQPublisher) Publish(ctx context.Context, ev types.JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         string(ev.Type),
		MessageId:    string(ev.JobID) + ":" + string(ev.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event for %s: %w", ev.Type, ev.JobID, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitMQPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		slog.Warn("Failed to close RabbitMQ channel", "error", err)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

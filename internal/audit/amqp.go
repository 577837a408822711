package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// AMQP publishes audit entries as JSON to a durable RabbitMQ queue.
type AMQP struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
	mu     sync.Mutex // amqp.Channel is not safe for concurrent publishing
}

func NewAMQP(url, queue string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	logger.Info("connected to RabbitMQ", "queue", queue)
	return &AMQP{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// publishing is the message an entry is sent as.
func publishing(e Entry) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Type:         string(e.Action),
		Body:         body,
	}, nil
}

func (a *AMQP) Record(ctx context.Context, e Entry) error {
	msg, err := publishing(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.PublishWithContext(ctx, "", a.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func (a *AMQP) Close() error {
	if err := a.ch.Close(); err != nil {
		a.logger.Warn("closing amqp channel", "err", err)
	}
	return a.conn.Close()
}

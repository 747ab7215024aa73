package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// publishTimeout bounds a single broker publish.
const publishTimeout = 2 * time.Second

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events as persistent JSON messages to a topic
// exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *slog.Logger
}

var _ Publisher = (*AMQPPublisher)(nil)

// DialAMQP connects to the broker and declares a durable topic exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	p, err := NewAMQPPublisher(ch, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.conn = conn

	return p, nil
}

// NewAMQPPublisher wraps an open channel and declares the exchange.
func NewAMQPPublisher(ch Channel, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish sends ev to the exchange with the event type as routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("encoding audit event", slog.String("event", ev.Type), slog.String("error", err.Error()))
		return
	}

	// Detach from the request so a cancelled client does not drop the
	// event, but still bound the broker round trip.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(pubCtx, p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.Time,
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("publishing audit event", slog.String("event", ev.Type), slog.String("error", err.Error()))
		return
	}

	p.logger.Debug("audit event published", slog.String("event", ev.Type))
}

// Close closes the channel and, when DialAMQP opened it, the connection.
func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("closing amqp channel: %w", err)
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("closing amqp connection: %w", err)
		}
	}

	return nil
}

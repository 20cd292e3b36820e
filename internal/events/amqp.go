package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// publishTimeout bounds a single broker publish.
const publishTimeout = 5 * time.Second

type AMQPPublisher struct {
	exchange string
	log      *zap.Logger

	mu   sync.Mutex
	ch   channel
	conn interface{ Close() error }
}

// NewAMQPPublisher dials url and declares a durable topic exchange. Events
// are routed by their type.
func NewAMQPPublisher(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, fmt.Errorf("amqp exchange is required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to declare exchange: %w", err), multierr.Combine(ch.Close(), conn.Close()))
	}

	log.Info("connected to amqp broker", zap.String("exchange", exchange))
	return newAMQPPublisher(exchange, ch, conn, log), nil
}

func newAMQPPublisher(exchange string, ch channel, conn interface{ Close() error }, log *zap.Logger) *AMQPPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPPublisher{
		exchange: exchange,
		log:      log.Named("events.amqp"),
		ch:       ch,
		conn:     conn,
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	evt = ensureID(evt)
	body, err := Encode(ctx, evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("amqp publisher closed")
	}

	return p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Type:         evt.Type,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil {
		err = multierr.Append(err, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		err = multierr.Append(err, p.conn.Close())
		p.conn = nil
	}
	return err
}

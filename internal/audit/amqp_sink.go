package audit

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by AMQPSink.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes entries to a fanout exchange, routed by action, so
// downstream consumers (notifications, reporting) can follow payments.
type AMQPSink struct {
	conn     *amqp.Connection
	channel  func() (Channel, error)
	exchange string
}

// DialAMQPSink connects to url and declares a durable fanout exchange.
func DialAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("audit: connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: declare exchange: %w", err)
	}

	return &AMQPSink{
		conn:     conn,
		exchange: exchange,
		channel: func() (Channel, error) {
			return conn.Channel()
		},
	}, nil
}

// NewAMQPSinkWithChannel creates a sink that opens channels with open.
func NewAMQPSinkWithChannel(exchange string, open func() (Channel, error)) *AMQPSink {
	return &AMQPSink{channel: open, exchange: exchange}
}

func (s *AMQPSink) Log(ctx context.Context, e Entry) error {
	e = stamp(ctx, e)
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}

	ch, err := s.channel()
	if err != nil {
		return fmt.Errorf("audit: open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, s.exchange, e.Action, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.CreatedAt,
		Type:         e.Action,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("audit: publish %s: %w", e.Action, err)
	}
	return nil
}

// Close closes the connection, if the sink owns one.
func (s *AMQPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

var _ Sink = (*AMQPSink)(nil)

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kstore/settlement-core/internal/model"
)

const (
	ExchangeName = "kstore.events"
	ExchangeType = "topic"

	confirmTimeout = 5 * time.Second
)

// ErrNotAcknowledged is returned when the broker nacks a publish.
var ErrNotAcknowledged = errors.New("notify: event not acknowledged by broker")

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// AMQPPublisher publishes events to a RabbitMQ topic exchange, routed by
// event type (withdrawal.approved, order.settled, ...).
type AMQPPublisher struct {
	conn *amqp.Connection
	ch   channel
}

// DialAMQP connects to RabbitMQ, declares the exchange and enables
// publisher confirms.
func DialAMQP(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	slog.Info("connected to RabbitMQ", "exchange", ExchangeName)
	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

// NewAMQPPublisher wraps an already configured channel.
func NewAMQPPublisher(ch channel) *AMQPPublisher {
	return &AMQPPublisher{ch: ch}
}

// Publish sends one event and waits for the broker's confirmation.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		ExchangeName,
		e.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.Timestamp,
			MessageId:    e.ID,
			Body:         body,
			Headers: amqp.Table{
				"event_type": e.Type,
				"store_id":   e.StoreID,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	if dc == nil {
		// Channel not in confirm mode.
		return nil
	}
	ack, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", e.Type, err)
	}
	if !ack {
		return fmt.Errorf("%w: %s", ErrNotAcknowledged, e.ID)
	}
	return nil
}

// WithdrawalChanged implements Sink.
func (p *AMQPPublisher) WithdrawalChanged(ctx context.Context, w model.WithdrawalRequest) error {
	return p.Publish(ctx, WithdrawalEvent(w))
}

// OrderSettled implements Sink.
func (p *AMQPPublisher) OrderSettled(ctx context.Context, o model.Order, t model.Transaction) error {
	return p.Publish(ctx, OrderSettledEvent(o, t))
}

// IsHealthy reports whether the broker connection is open.
func (p *AMQPPublisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the broker connection, which also closes the channel.
func (p *AMQPPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

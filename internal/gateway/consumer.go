// Package gateway consumes payment outcomes published by the payment gateway
// integration and hands them to the settlement coordinator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/settlement"
)

var tracer = otel.Tracer("settlement-core/gateway")

// ErrMalformedMessage is returned by Decode for messages that can never be
// applied.
var ErrMalformedMessage = errors.New("gateway: malformed outcome message")

// Message is the wire form of a payment outcome.
type Message struct {
	Type          string          `json:"type"` // "confirmed" or "failed"
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
}

// Decode parses a message value into an outcome.
func Decode(value []byte) (settlement.Outcome, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(m.TransactionID) == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", ErrMalformedMessage)
	}
	switch m.Type {
	case "confirmed":
		return settlement.Confirmed{TransactionID: m.TransactionID, Amount: m.Amount}, nil
	case "failed":
		reason := m.Reason
		if reason == "" {
			reason = "payment failed"
		}
		return settlement.Failed{TransactionID: m.TransactionID, Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
}

// Handler applies outcomes. *settlement.Coordinator satisfies it.
type Handler interface {
	Handle(ctx context.Context, o settlement.Outcome) (*settlement.Result, error)
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads payment outcomes from Kafka. Offsets are committed only
// after the outcome has been handled, so a crash redelivers; the
// coordinator is idempotent per transaction. An outcome that fails for a
// transient reason is handled again, with backoff, before the reader moves
// past it.
type Consumer struct {
	reader     Reader
	handler    Handler
	retryDelay time.Duration
	maxDelay   time.Duration
	wg         sync.WaitGroup
}

// NewReader builds a consumer-group reader for the outcomes topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // commit synchronously
	})
}

// NewConsumer creates a consumer.
func NewConsumer(reader Reader, handler Handler) *Consumer {
	return &Consumer{reader: reader, handler: handler, retryDelay: time.Second, maxDelay: 30 * time.Second}
}

// WithRetryDelay sets the first wait before a transient failure is handled
// again. The wait doubles up to limit.
func (c *Consumer) WithRetryDelay(first, limit time.Duration) *Consumer {
	c.retryDelay = first
	c.maxDelay = limit
	return c
}

// Run consumes until ctx is done. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.wg.Add(1)
	defer c.wg.Done()

	slog.Info("gateway consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("gateway consumer shutting down")
				return nil
			}
			slog.Error("could not fetch message, retrying", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if !c.deliver(ctx, msg) {
			// Interrupted mid-handle: leave the offset for redelivery.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to commit message", "offset", msg.Offset, "partition", msg.Partition, "err", err)
		}
	}
}

// Close stops the reader and waits for Run to return.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	c.wg.Wait()
	return err
}

// deliver processes msg until it is applied or rejected for good. It
// reports false when ctx ended first.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) bool {
	delay := c.retryDelay
	for {
		err := c.process(ctx, msg)
		if err != nil && ctx.Err() != nil {
			return false
		}
		if !retryable(err) {
			return true
		}
		slog.Warn("outcome hit a transient failure, handling again",
			"offset", msg.Offset, "partition", msg.Partition, "retry_in", delay, "err", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxDelay)
	}
}

func retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrMalformedMessage) && settlement.IsTransient(err)
}

// process handles one message. Malformed messages and domain rejections are
// logged and counted; they are still committed since redelivery cannot fix
// them.
func (c *Consumer) process(parent context.Context, msg kafka.Message) error {
	carrier := headerCarrier(msg.Headers)
	ctx := otel.GetTextMapPropagator().Extract(parent, &carrier)
	ctx, span := tracer.Start(ctx, "gateway.process", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	outcome, err := Decode(msg.Value)
	if err != nil {
		metrics.GatewayMessages.WithLabelValues("malformed").Inc()
		slog.Error("skipping malformed outcome", "offset", msg.Offset, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return err
	}
	span.SetAttributes(attribute.String("transaction.id", outcome.TxID()))

	res, err := c.handler.Handle(ctx, outcome)
	if err != nil {
		result := "rejected"
		if retryable(err) {
			result = "retried"
		}
		metrics.GatewayMessages.WithLabelValues(result).Inc()
		slog.Error("outcome not applied", "transaction", outcome.TxID(), "result", result, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metrics.GatewayMessages.WithLabelValues("applied").Inc()
	slog.Info("outcome applied", "transaction", res.TransactionID, "order", res.OrderID,
		"status", res.Status, "already_processed", res.AlreadyProcessed)
	return nil
}

// headerCarrier adapts Kafka headers to a propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/model"
)

// Log is a Sink that only writes structured log lines.
type Log struct{}

func (Log) WithdrawalChanged(_ context.Context, w model.WithdrawalRequest) error {
	slog.Info("notify withdrawal", "withdrawal", w.ID, "store", w.StoreID, "status", w.Status,
		"amount", w.Amount.String(), "net", w.NetAmount.String())
	return nil
}

func (Log) OrderSettled(_ context.Context, o model.Order, t model.Transaction) error {
	slog.Info("notify order settled", "order", o.ID, "store", o.StoreID, "transaction", t.ID,
		"amount", t.Amount.String())
	return nil
}

type namedSink struct {
	name string
	sink Sink
}

// Multi fans events out to several sinks. Every sink is tried; failures are
// counted per sink name and returned joined.
type Multi struct {
	sinks []namedSink
}

// NewMulti creates an empty fan-out.
func NewMulti() *Multi {
	return &Multi{}
}

// Add registers a sink under name, used as the metrics label.
func (m *Multi) Add(name string, s Sink) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, sink: s})
	return m
}

func (m *Multi) WithdrawalChanged(ctx context.Context, w model.WithdrawalRequest) error {
	return m.each(func(s Sink) error { return s.WithdrawalChanged(ctx, w) })
}

func (m *Multi) OrderSettled(ctx context.Context, o model.Order, t model.Transaction) error {
	return m.each(func(s Sink) error { return s.OrderSettled(ctx, o, t) })
}

func (m *Multi) each(fn func(Sink) error) error {
	var errs []error
	for _, ns := range m.sinks {
		if err := fn(ns.sink); err != nil {
			metrics.NotificationFailures.WithLabelValues(ns.name).Inc()
			slog.Warn("notification delivery failed", "channel", ns.name, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

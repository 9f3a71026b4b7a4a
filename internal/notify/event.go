// Package notify delivers settlement and withdrawal events to store owners
// and downstream services. Every sink is fire-and-forget from the caller's
// point of view: a failed delivery is logged and counted, never propagated
// into the state transition that produced it.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kstore/settlement-core/internal/model"
)

// Event types double as AMQP routing keys.
const (
	EventWithdrawalPrefix = "withdrawal."
	EventOrderSettled     = "order.settled"
)

// Event is the wire form of a notification. It never carries inventory
// payloads.
type Event struct {
	ID            string    `json:"event_id"`
	Type          string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	StoreID       string    `json:"store_id"`
	OrderID       string    `json:"order_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	WithdrawalID  string    `json:"withdrawal_id,omitempty"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount,omitempty"`
	NetAmount     string    `json:"net_amount,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Sink receives both kinds of events. It satisfies ledger.Notifier and
// settlement.Notifier.
type Sink interface {
	WithdrawalChanged(ctx context.Context, w model.WithdrawalRequest) error
	OrderSettled(ctx context.Context, o model.Order, t model.Transaction) error
}

// WithdrawalEvent describes a withdrawal's current state.
func WithdrawalEvent(w model.WithdrawalRequest) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         EventWithdrawalPrefix + string(w.Status),
		Timestamp:    time.Now().UTC(),
		StoreID:      w.StoreID,
		WithdrawalID: w.ID,
		Status:       string(w.Status),
		Amount:       w.Amount.String(),
		NetAmount:    w.NetAmount.String(),
		Reason:       w.RejectionReason,
	}
}

// OrderSettledEvent describes a paid order.
func OrderSettledEvent(o model.Order, t model.Transaction) Event {
	return Event{
		ID:            uuid.New().String(),
		Type:          EventOrderSettled,
		Timestamp:     time.Now().UTC(),
		StoreID:       o.StoreID,
		OrderID:       o.ID,
		TransactionID: t.ID,
		Status:        string(o.Status),
		Amount:        t.Amount.String(),
	}
}

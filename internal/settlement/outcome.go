package settlement

import "github.com/shopspring/decimal"

// Outcome is a payment result reported by the gateway. The set of outcomes
// is closed: Confirmed and Failed are the only implementations.
type Outcome interface {
	TxID() string
	outcome()
}

// Confirmed reports a captured payment. A non-zero Amount is checked
// against the recorded transaction amount.
type Confirmed struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// Failed reports a declined, cancelled or timed-out payment.
type Failed struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func (o Confirmed) TxID() string { return o.TransactionID }
func (o Failed) TxID() string    { return o.TransactionID }

func (Confirmed) outcome() {}
func (Failed) outcome()    {}

// Package model defines the core domain types shared across the settlement core.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemStatus is the lifecycle state of one inventory item.
type ItemStatus string

const (
	ItemAvailable ItemStatus = "available"
	ItemReserved  ItemStatus = "reserved"
	ItemSold      ItemStatus = "sold"
)

// InventoryType controls whether a product draws from an item pool.
type InventoryType string

const (
	InventoryManaged InventoryType = "managed"
	InventoryNone    InventoryType = "none" // unmanaged: nothing to reserve
)

// InventoryItem is one fungible fulfillment unit (e.g. a license key).
// OrderID is empty iff Status is available.
type InventoryItem struct {
	ID          string     `json:"id" db:"id"`
	ProductID   string     `json:"product_id" db:"product_id"`
	Position    int        `json:"position" db:"position"`
	Status      ItemStatus `json:"status" db:"status"`
	Payload     string     `json:"-" db:"payload"`
	OrderID     string     `json:"order_id,omitempty" db:"order_id"`
	CustomerRef string     `json:"customer_ref,omitempty" db:"customer_ref"`
	ReservedAt  *time.Time `json:"reserved_at,omitempty" db:"reserved_at"`
	SoldAt      *time.Time `json:"sold_at,omitempty" db:"sold_at"`
}

// Product owns an ordered pool of inventory items.
type Product struct {
	ID            string          `json:"id" db:"id"`
	StoreID       string          `json:"store_id" db:"store_id"`
	Name          string          `json:"name" db:"name"`
	Price         decimal.Decimal `json:"price" db:"price"`
	InventoryType InventoryType   `json:"inventory_type" db:"inventory_type"`
	Items         []InventoryItem `json:"items,omitempty"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Managed reports whether the product draws from its item pool.
func (p *Product) Managed() bool {
	return p.InventoryType != InventoryNone
}

// StockCount is the number of available items. Derived from Items on every
// call so it can never drift from the pool.
func (p *Product) StockCount() int { return p.count(ItemAvailable) }

// SoldCount is the number of sold items.
func (p *Product) SoldCount() int { return p.count(ItemSold) }

// ReservedCount is the number of items held for unpaid orders.
func (p *Product) ReservedCount() int { return p.count(ItemReserved) }

func (p *Product) count(status ItemStatus) int {
	n := 0
	for i := range p.Items {
		if p.Items[i].Status == status {
			n++
		}
	}
	return n
}

// PaymentStatus of an order.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// OrderStatus is the fulfillment state of an order.
type OrderStatus string

const (
	OrderCreated             OrderStatus = "created"
	OrderCompleted           OrderStatus = "completed"
	OrderFailed              OrderStatus = "failed"
	OrderNeedsReconciliation OrderStatus = "needs_reconciliation"
)

// OrderLine is one product line of an order.
type OrderLine struct {
	ProductID           string          `json:"product_id"`
	Quantity            int             `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	RequiresFulfillment bool            `json:"requires_fulfillment"`
	InventoryAssigned   bool            `json:"inventory_assigned"`
	Payloads            []string        `json:"payloads,omitempty"`
}

// ReservedItem links an order to one held inventory item.
type ReservedItem struct {
	ProductID       string    `json:"product_id"`
	InventoryItemID string    `json:"inventory_item_id"`
	ReservedAt      time.Time `json:"reserved_at"`
}

// Order is created by the buyer before payment and mutated on the payment
// outcome. Immutable once paid and confirmed.
type Order struct {
	ID                string          `json:"id" db:"id"`
	BuyerID           string          `json:"buyer_id" db:"buyer_id"`
	StoreID           string          `json:"store_id" db:"store_id"`
	Lines             []OrderLine     `json:"lines"`
	Total             decimal.Decimal `json:"total" db:"total"`
	PaymentStatus     PaymentStatus   `json:"payment_status" db:"payment_status"`
	Status            OrderStatus     `json:"status" db:"status"`
	InventoryReserved bool            `json:"inventory_reserved" db:"inventory_reserved"`
	ReservedItems     []ReservedItem  `json:"reserved_items"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// TransactionStatus of one payment attempt.
type TransactionStatus string

const (
	TxCreated   TransactionStatus = "created"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"
)

// Transaction is one payment attempt. Its gateway-assigned ID is the
// idempotency key for settlement.
type Transaction struct {
	ID            string            `json:"id" db:"id"`
	OrderID       string            `json:"order_id" db:"order_id"`
	Amount        decimal.Decimal   `json:"amount" db:"amount"`
	Status        TransactionStatus `json:"status" db:"status"`
	Gateway       string            `json:"gateway" db:"gateway"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// StoreLedger holds one store's financial figures.
//
// Revenue is the spendable pool: credited on confirmed sales and debited
// when a withdrawal is requested. LifetimeRevenue only ever grows and is the
// base for the withdrawable cap.
type StoreLedger struct {
	StoreID         string          `json:"store_id" db:"store_id"`
	OwnerID         string          `json:"owner_id" db:"owner_id"`
	Revenue         decimal.Decimal `json:"revenue" db:"revenue"`
	LifetimeRevenue decimal.Decimal `json:"lifetime_revenue" db:"lifetime_revenue"`
	SalesCount      int64           `json:"sales_count" db:"sales_count"`
	OrdersCount     int64           `json:"orders_count" db:"orders_count"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// WithdrawalStatus of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalCancelled WithdrawalStatus = "cancelled"
)

// PayoutMethod selects which payout fields are required.
type PayoutMethod string

const (
	PayoutBankTransfer PayoutMethod = "bank_transfer"
	PayoutPayPal       PayoutMethod = "paypal"
	PayoutCrypto       PayoutMethod = "crypto"
)

// PayoutDetails is where a withdrawal is paid to.
type PayoutDetails struct {
	Method        PayoutMethod `json:"method"`
	AccountName   string       `json:"account_name,omitempty"`
	AccountNumber string       `json:"account_number,omitempty"`
	BankName      string       `json:"bank_name,omitempty"`
	PayPalEmail   string       `json:"paypal_email,omitempty"`
	WalletAddress string       `json:"wallet_address,omitempty"`
	Network       string       `json:"network,omitempty"`
}

// WithdrawalRequest is a store owner's claim against the store's revenue.
type WithdrawalRequest struct {
	ID              string           `json:"id" db:"id"`
	StoreID         string           `json:"store_id" db:"store_id"`
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	ServiceFeeRate  decimal.Decimal  `json:"service_fee_rate" db:"service_fee_rate"`
	ServiceFee      decimal.Decimal  `json:"service_fee" db:"service_fee"`
	NetAmount       decimal.Decimal  `json:"net_amount" db:"net_amount"`
	Payout          PayoutDetails    `json:"payout"`
	Status          WithdrawalStatus `json:"status" db:"status"`
	PreviousRevenue decimal.Decimal  `json:"previous_revenue" db:"previous_revenue"`
	NewRevenue      decimal.Decimal  `json:"new_revenue" db:"new_revenue"`
	ApprovedAt      *time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	ApprovedBy      string           `json:"approved_by,omitempty" db:"approved_by"`
	RejectedAt      *time.Time       `json:"rejected_at,omitempty" db:"rejected_at"`
	RejectedBy      string           `json:"rejected_by,omitempty" db:"rejected_by"`
	RejectionReason string           `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	CompletedBy     string           `json:"completed_by,omitempty" db:"completed_by"`
	PayoutReference string           `json:"payout_reference,omitempty" db:"payout_reference"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// Claimed reports whether the request still holds funds against the
// store's withdrawable cap.
func (w *WithdrawalRequest) Claimed() bool {
	switch w.Status {
	case WithdrawalPending, WithdrawalApproved, WithdrawalCompleted:
		return true
	}
	return false
}

// Tier is a store owner's subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium" // privileged: no withdrawal service fee
)

// Subscription is the owner's current plan for one store.
type Subscription struct {
	StoreID   string    `json:"store_id" db:"store_id"`
	Tier      Tier      `json:"tier" db:"tier"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// ActiveAt reports whether the subscription has not expired as of now.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

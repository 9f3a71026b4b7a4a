// Package store defines the persistence interface for the settlement core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kstore/settlement-core/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when creating a record whose ID is taken.
	ErrConflict = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Store does not serialize callers. Read-modify-write sequences must run
// inside RunInTx while holding the matching lock.Locker keys.
type Store interface {
	// RunInTx runs fn against a transactional view of the store. Writes
	// made through tx become visible to other readers only if fn returns
	// nil. Calling RunInTx on a transactional view runs fn in the same
	// transaction.
	RunInTx(ctx context.Context, fn func(tx Store) error) error

	// --- Products and inventory pools ---

	// CreateProduct persists a product together with any initial items.
	CreateProduct(ctx context.Context, p *model.Product) error

	// GetProduct returns a product with its items in pool order.
	GetProduct(ctx context.Context, id string) (*model.Product, error)

	// AddInventoryItems appends items to the end of a product's pool.
	AddInventoryItems(ctx context.Context, productID string, items []model.InventoryItem) error

	// UpdateInventoryItem overwrites one item's state.
	UpdateInventoryItem(ctx context.Context, item *model.InventoryItem) error

	// ListReservedItems returns reserved items held since before cutoff.
	ListReservedItems(ctx context.Context, cutoff time.Time) ([]model.InventoryItem, error)

	// --- Orders and payment attempts ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error

	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, t *model.Transaction) error
	ListTransactionsByOrder(ctx context.Context, orderID string) ([]model.Transaction, error)

	// --- Store ledgers and withdrawals ---

	CreateStoreLedger(ctx context.Context, l *model.StoreLedger) error
	GetStoreLedger(ctx context.Context, storeID string) (*model.StoreLedger, error)
	UpdateStoreLedger(ctx context.Context, l *model.StoreLedger) error

	CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error

	// ListWithdrawalsByStore returns a store's requests, oldest first.
	ListWithdrawalsByStore(ctx context.Context, storeID string) ([]model.WithdrawalRequest, error)

	// --- Subscriptions ---

	PutSubscription(ctx context.Context, s *model.Subscription) error
	GetSubscription(ctx context.Context, storeID string) (*model.Subscription, error)
}

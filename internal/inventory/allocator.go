// Package inventory allocates per-product pools of fulfillment items (license
// keys, account credentials) to concurrent buyers.
//
// An item moves available → reserved → sold, or back from reserved to
// available on release. Every mutation of one product's pool runs under that
// product's lock and inside a store transaction, so two buyers can never be
// handed the same item.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kstore/settlement-core/internal/lock"
	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/model"
	"github.com/kstore/settlement-core/internal/store"
)

var (
	// ErrProductNotFound is returned when the product does not exist.
	ErrProductNotFound = errors.New("inventory: product not found")

	// ErrNoInventory is returned when a managed pool has no available item.
	ErrNoInventory = errors.New("inventory: no available inventory")

	// ErrNotReservedForOrder is returned when confirming an item that is
	// not held (or sold) for the given order.
	ErrNotReservedForOrder = errors.New("inventory: item not reserved for order")

	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")

	// ErrOrderRequired is returned when reserving without an order ID.
	ErrOrderRequired = errors.New("inventory: order id is required")

	// ErrUnknownOrder is returned by an ExpiryHandler that has no record
	// of the order holding a reservation.
	ErrUnknownOrder = errors.New("inventory: unknown order")

	// ErrUnmanagedProduct is returned when stocking a product that does
	// not use an item pool.
	ErrUnmanagedProduct = errors.New("inventory: product does not use managed inventory")
)

// Availability is the read-only answer to CheckAvailability.
type Availability struct {
	Available           bool `json:"available"`
	AvailableCount      int  `json:"available_count"`
	NoInventoryRequired bool `json:"no_inventory_required"`
}

// PoolStats summarises one product's pool. Counts are derived from the
// item list at read time.
type PoolStats struct {
	ProductID string `json:"product_id"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
}

// Allocator owns inventory item lifecycles.
type Allocator struct {
	store  store.Store
	locker lock.Locker
	now    func() time.Time
}

// NewAllocator creates an allocator over st, serializing per product with
// locker.
func NewAllocator(st store.Store, locker lock.Locker) *Allocator {
	return &Allocator{
		store:  st,
		locker: locker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of the allocator that reads time from now.
func (a *Allocator) WithClock(now func() time.Time) *Allocator {
	cp := *a
	cp.now = now
	return &cp
}

// Bind returns a copy of the allocator that works inside tx and takes no
// locks. The caller must already hold the product locks for every product
// it touches through the copy.
func (a *Allocator) Bind(tx store.Store) *Allocator {
	cp := *a
	cp.store = tx
	cp.locker = lock.Nop{}
	return &cp
}

// CreateProduct persists a product. Items given with only a payload are
// filled in as available units.
func (a *Allocator) CreateProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.InventoryType == "" {
		p.InventoryType = model.InventoryManaged
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = a.now()
	}
	if !p.Managed() && len(p.Items) > 0 {
		return fmt.Errorf("%w: %s", ErrUnmanagedProduct, p.ID)
	}
	for i := range p.Items {
		p.Items[i] = newItem(p.ID, i, p.Items[i].Payload)
	}
	// The product and its initial pool appear together or not at all.
	return a.store.RunInTx(ctx, func(tx store.Store) error {
		return tx.CreateProduct(ctx, p)
	})
}

// AddItems appends available items with the given payloads to the end of
// the product's pool.
func (a *Allocator) AddItems(ctx context.Context, productID string, payloads ...string) ([]model.InventoryItem, error) {
	unlock, err := a.locker.Lock(ctx, lock.ProductKey(productID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var added []model.InventoryItem
	err = a.store.RunInTx(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return productErr(productID, err)
		}
		if !p.Managed() {
			return fmt.Errorf("%w: %s", ErrUnmanagedProduct, productID)
		}
		added = make([]model.InventoryItem, len(payloads))
		for i, payload := range payloads {
			added[i] = newItem(productID, len(p.Items)+i, payload)
		}
		return tx.AddInventoryItems(ctx, productID, added)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("inventory restocked", "product", productID, "added", len(added))
	return added, nil
}

// Reserve holds the first available item of the product for orderID.
//
// For an unmanaged product (inventory type none) the call succeeds with a
// nil item and touches nothing.
func (a *Allocator) Reserve(ctx context.Context, productID, orderID, customerRef string) (*model.InventoryItem, error) {
	if orderID == "" {
		return nil, ErrOrderRequired
	}

	unlock, err := a.locker.Lock(ctx, lock.ProductKey(productID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var reserved *model.InventoryItem
	unmanaged := false
	err = a.store.RunInTx(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return productErr(productID, err)
		}
		if !p.Managed() {
			unmanaged = true
			return nil
		}
		for i := range p.Items {
			if p.Items[i].Status != model.ItemAvailable {
				continue
			}
			item := p.Items[i]
			now := a.now()
			item.Status = model.ItemReserved
			item.OrderID = orderID
			item.CustomerRef = customerRef
			item.ReservedAt = &now
			item.SoldAt = nil
			if err := tx.UpdateInventoryItem(ctx, &item); err != nil {
				return err
			}
			reserved = &item
			return nil
		}
		return fmt.Errorf("%w: product %s", ErrNoInventory, productID)
	})

	switch {
	case errors.Is(err, ErrNoInventory):
		metrics.ReservationsTotal.WithLabelValues("exhausted").Inc()
		return nil, err
	case err != nil:
		metrics.ReservationsTotal.WithLabelValues("error").Inc()
		return nil, err
	case unmanaged:
		metrics.ReservationsTotal.WithLabelValues("unmanaged").Inc()
		return nil, nil
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	slog.Debug("inventory reserved", "product", productID, "order", orderID, "item", reserved.ID)
	return reserved, nil
}

// Confirm marks a reserved item as sold and returns its payload. Confirming
// an item already sold to the same order returns the same payload, so a
// settlement retry never errors.
func (a *Allocator) Confirm(ctx context.Context, productID, orderID, itemID string) (string, error) {
	unlock, err := a.locker.Lock(ctx, lock.ProductKey(productID))
	if err != nil {
		return "", err
	}
	defer unlock()

	var payload string
	sold := false
	err = a.store.RunInTx(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return productErr(productID, err)
		}
		item := findItem(p, itemID)
		if item == nil || item.OrderID != orderID {
			return fmt.Errorf("%w: item %s order %s", ErrNotReservedForOrder, itemID, orderID)
		}

		switch item.Status {
		case model.ItemSold:
			payload = item.Payload
			return nil
		case model.ItemReserved:
			now := a.now()
			item.Status = model.ItemSold
			item.SoldAt = &now
			if err := tx.UpdateInventoryItem(ctx, item); err != nil {
				return err
			}
			payload = item.Payload
			sold = true
			return nil
		default:
			return fmt.Errorf("%w: item %s is %s", ErrNotReservedForOrder, itemID, item.Status)
		}
	})
	if err != nil {
		return "", err
	}

	if sold {
		metrics.ItemsSold.Inc()
	}
	return payload, nil
}

// Release returns an item held for orderID to the pool. Anything else
// (unknown product or item, already available, held by another order,
// already sold) is a successful no-op: release runs on cleanup paths that
// must never fail on state.
func (a *Allocator) Release(ctx context.Context, productID, orderID, itemID string) error {
	_, err := a.release(ctx, productID, orderID, itemID)
	return err
}

func (a *Allocator) release(ctx context.Context, productID, orderID, itemID string) (bool, error) {
	unlock, err := a.locker.Lock(ctx, lock.ProductKey(productID))
	if err != nil {
		return false, err
	}
	defer unlock()

	released := false
	err = a.store.RunInTx(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		item := findItem(p, itemID)
		if item == nil || item.Status != model.ItemReserved || item.OrderID != orderID {
			return nil
		}
		item.Status = model.ItemAvailable
		item.OrderID = ""
		item.CustomerRef = ""
		item.ReservedAt = nil
		if err := tx.UpdateInventoryItem(ctx, item); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

// CheckAvailability reports whether at least quantity items are available.
// Unmanaged products report NoInventoryRequired.
func (a *Allocator) CheckAvailability(ctx context.Context, productID string, quantity int) (Availability, error) {
	if quantity <= 0 {
		return Availability{}, ErrInvalidQuantity
	}
	p, err := a.store.GetProduct(ctx, productID)
	if err != nil {
		return Availability{}, productErr(productID, err)
	}
	if !p.Managed() {
		return Availability{Available: true, NoInventoryRequired: true}, nil
	}
	count := p.StockCount()
	return Availability{
		Available:      count >= quantity,
		AvailableCount: count,
	}, nil
}

// Stats returns the pool counts for a product.
func (a *Allocator) Stats(ctx context.Context, productID string) (PoolStats, error) {
	p, err := a.store.GetProduct(ctx, productID)
	if err != nil {
		return PoolStats{}, productErr(productID, err)
	}
	return PoolStats{
		ProductID: p.ID,
		Total:     len(p.Items),
		Available: p.StockCount(),
		Reserved:  p.ReservedCount(),
		Sold:      p.SoldCount(),
	}, nil
}

// ReserveOrder reserves one item per unit for every order line that needs
// fulfillment from a managed pool. If any unit fails, everything reserved
// so far for the order is released before the error is returned, so a
// failed call leaves no reservations behind.
func (a *Allocator) ReserveOrder(ctx context.Context, order *model.Order) ([]model.ReservedItem, error) {
	var held []model.ReservedItem
	fail := func(err error) ([]model.ReservedItem, error) {
		if len(held) > 0 {
			n, relErr := a.ReleaseReservations(context.WithoutCancel(ctx), order.ID, held)
			slog.Warn("order reservation rolled back",
				"order", order.ID, "released", n, "err", err, "release_err", relErr)
		}
		return nil, err
	}

	for _, line := range order.Lines {
		if !line.RequiresFulfillment {
			continue
		}
		if line.Quantity <= 0 {
			return fail(fmt.Errorf("%w: product %s", ErrInvalidQuantity, line.ProductID))
		}

		avail, err := a.CheckAvailability(ctx, line.ProductID, line.Quantity)
		if err != nil {
			return fail(err)
		}
		if avail.NoInventoryRequired {
			continue
		}

		for unit := 0; unit < line.Quantity; unit++ {
			item, err := a.Reserve(ctx, line.ProductID, order.ID, order.BuyerID)
			if err != nil {
				return fail(err)
			}
			if item == nil {
				// Product switched to unmanaged between the check and now.
				break
			}
			held = append(held, model.ReservedItem{
				ProductID:       line.ProductID,
				InventoryItemID: item.ID,
				ReservedAt:      *item.ReservedAt,
			})
		}
	}
	return held, nil
}

// ReleaseReservations releases every listed reservation held for orderID
// and returns how many items went back to the pool. It keeps going past
// failures and returns them joined.
func (a *Allocator) ReleaseReservations(ctx context.Context, orderID string, items []model.ReservedItem) (int, error) {
	released := 0
	var errs []error
	for _, ri := range items {
		ok, err := a.release(ctx, ri.ProductID, orderID, ri.InventoryItemID)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s/%s: %w", ri.ProductID, ri.InventoryItemID, err))
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		metrics.ReleasesTotal.WithLabelValues("order").Add(float64(released))
	}
	return released, errors.Join(errs...)
}

func newItem(productID string, position int, payload string) model.InventoryItem {
	return model.InventoryItem{
		ID:        uuid.New().String(),
		ProductID: productID,
		Position:  position,
		Status:    model.ItemAvailable,
		Payload:   payload,
	}
}

func findItem(p *model.Product, itemID string) *model.InventoryItem {
	for i := range p.Items {
		if p.Items[i].ID == itemID {
			return &p.Items[i]
		}
	}
	return nil
}

func productErr(productID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return err
}

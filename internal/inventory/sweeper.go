package inventory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/model"
)

// ExpiryHandler expires an unpaid order whose reservations outlived the TTL.
// The settlement coordinator implements it so that expiry and payment
// confirmation serialize on the same locks.
type ExpiryHandler interface {
	ExpireOrder(ctx context.Context, orderID string) error
}

// Sweeper periodically returns stale reservations to their pools.
type Sweeper struct {
	alloc    *Allocator
	handler  ExpiryHandler
	ttl      time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper that expires reservations older than ttl
// every interval. handler may be nil, in which case stale items are
// released directly without touching their orders. Items whose order the
// handler does not know are released directly as well.
func NewSweeper(alloc *Allocator, handler ExpiryHandler, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{alloc: alloc, handler: handler, ttl: ttl, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("reservation sweeper started", "ttl", s.ttl, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reservation sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("reservation sweep failed", "err", err)
			}
			if n > 0 {
				slog.Info("expired reservations swept", "orders", n)
			}
		}
	}
}

// SweepOnce expires every order holding a reservation older than the TTL
// and returns how many orders it handled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.alloc.now().Add(-s.ttl)
	items, err := s.alloc.store.ListReservedItems(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	byOrder := make(map[string][]model.ReservedItem)
	var orders []string
	for _, it := range items {
		if _, ok := byOrder[it.OrderID]; !ok {
			orders = append(orders, it.OrderID)
		}
		byOrder[it.OrderID] = append(byOrder[it.OrderID], model.ReservedItem{
			ProductID:       it.ProductID,
			InventoryItemID: it.ID,
		})
	}

	var errs []error
	handled := 0
	for _, orderID := range orders {
		if s.handler != nil {
			err := s.handler.ExpireOrder(ctx, orderID)
			if err == nil {
				handled++
				continue
			}
			if !errors.Is(err, ErrUnknownOrder) {
				errs = append(errs, err)
				continue
			}
			// No order record: nothing else refers to these items.
		}
		n, err := s.alloc.ReleaseReservations(ctx, orderID, byOrder[orderID])
		metrics.ExpiredReservations.Add(float64(n))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handled++
	}
	return handled, errors.Join(errs...)
}

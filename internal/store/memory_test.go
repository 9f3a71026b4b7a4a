package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kstore/settlement-core/internal/model"
	"github.com/kstore/settlement-core/internal/store"
)

func seedLedger(t *testing.T, ms *store.MemoryStore, revenue int64) {
	t.Helper()
	err := ms.CreateStoreLedger(context.Background(), &model.StoreLedger{
		StoreID: "s1", Revenue: decimal.NewFromInt(revenue), LifetimeRevenue: decimal.NewFromInt(revenue),
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
}

func TestMemoryStore_RunInTxCommits(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedLedger(t, ms, 100)

	err := ms.RunInTx(ctx, func(tx store.Store) error {
		l, err := tx.GetStoreLedger(ctx, "s1")
		if err != nil {
			return err
		}
		l.Revenue = decimal.NewFromInt(40)
		return tx.UpdateStoreLedger(ctx, l)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	l, _ := ms.GetStoreLedger(ctx, "s1")
	if !l.Revenue.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected committed revenue 40, got %s", l.Revenue)
	}
}

func TestMemoryStore_RunInTxRollsBack(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedLedger(t, ms, 100)
	boom := errors.New("boom")

	err := ms.RunInTx(ctx, func(tx store.Store) error {
		l, _ := tx.GetStoreLedger(ctx, "s1")
		l.Revenue = decimal.Zero
		if err := tx.UpdateStoreLedger(ctx, l); err != nil {
			return err
		}
		// Nested calls join the enclosing transaction.
		return tx.RunInTx(ctx, func(inner store.Store) error {
			if err := inner.CreateOrder(ctx, &model.Order{ID: "o1"}); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	l, _ := ms.GetStoreLedger(ctx, "s1")
	if !l.Revenue.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected revenue untouched, got %s", l.Revenue)
	}
	if _, err := ms.GetOrder(ctx, "o1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected rolled back order to be absent, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	err := ms.CreateProduct(ctx, &model.Product{
		ID:    "p1",
		Items: []model.InventoryItem{{ID: "i1", Status: model.ItemAvailable, Payload: "KEY-1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p, _ := ms.GetProduct(ctx, "p1")
	p.Items[0].Status = model.ItemSold

	again, _ := ms.GetProduct(ctx, "p1")
	if again.Items[0].Status != model.ItemAvailable {
		t.Errorf("caller mutation leaked into the store")
	}
	if err := ms.CreateProduct(ctx, &model.Product{ID: "p1"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryStore_ListReservedItems(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	err := ms.CreateProduct(ctx, &model.Product{
		ID: "p1",
		Items: []model.InventoryItem{
			{ID: "i1", Status: model.ItemReserved, OrderID: "o1", ReservedAt: &old},
			{ID: "i2", Status: model.ItemReserved, OrderID: "o2", ReservedAt: &recent},
			{ID: "i3", Status: model.ItemAvailable},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	items, err := ms.ListReservedItems(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != "i1" {
		t.Errorf("expected only the stale reservation, got %+v", items)
	}
}

package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kstore/settlement-core/internal/inventory"
	"github.com/kstore/settlement-core/internal/lock"
	"github.com/kstore/settlement-core/internal/model"
	"github.com/kstore/settlement-core/internal/store"
)

func newTestAllocator(t *testing.T) (*inventory.Allocator, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return inventory.NewAllocator(ms, lock.NewKeyedMutex()), ms
}

// seedProduct creates a managed product stocked with the given payloads.
func seedProduct(t *testing.T, a *inventory.Allocator, id string, payloads ...string) *model.Product {
	t.Helper()
	p := &model.Product{
		ID:      id,
		StoreID: "store-1",
		Name:    "License " + id,
		Price:   decimal.NewFromInt(10),
	}
	for _, payload := range payloads {
		p.Items = append(p.Items, model.InventoryItem{Payload: payload})
	}
	if err := a.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	return p
}

func assertPool(t *testing.T, a *inventory.Allocator, productID string, available, reserved, sold int) {
	t.Helper()
	stats, err := a.Stats(context.Background(), productID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Available != available || stats.Reserved != reserved || stats.Sold != sold {
		t.Errorf("pool = %d/%d/%d (available/reserved/sold), want %d/%d/%d",
			stats.Available, stats.Reserved, stats.Sold, available, reserved, sold)
	}
	if stats.Available+stats.Reserved+stats.Sold != stats.Total {
		t.Errorf("pool counts do not add up to total %d", stats.Total)
	}
}

// itemBatchFailingStore writes the product row on its own and then fails
// the initial item batch.
type itemBatchFailingStore struct {
	store.Store
}

func (f itemBatchFailingStore) RunInTx(ctx context.Context, fn func(tx store.Store) error) error {
	return f.Store.RunInTx(ctx, func(tx store.Store) error {
		return fn(itemBatchFailingStore{tx})
	})
}

func (f itemBatchFailingStore) CreateProduct(ctx context.Context, p *model.Product) error {
	row := *p
	row.Items = nil
	if err := f.Store.CreateProduct(ctx, &row); err != nil {
		return err
	}
	return errors.New("batch insert failed")
}

func TestCreateProduct_FailedItemBatchLeavesNoProduct(t *testing.T) {
	ms := store.NewMemoryStore()
	a := inventory.NewAllocator(itemBatchFailingStore{ms}, lock.NewKeyedMutex())
	ctx := context.Background()

	err := a.CreateProduct(ctx, &model.Product{
		ID:    "p1",
		Items: []model.InventoryItem{{Payload: "KEY-1"}},
	})
	if err == nil {
		t.Fatal("expected the item batch error")
	}
	if _, err := ms.GetProduct(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no product row, got %v", err)
	}
}

// --- Reserve ---

func TestReserve_TakesFirstAvailableInPoolOrder(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A", "KEY-B")

	first, err := a.Reserve(ctx, "p1", "order-1", "buyer-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := a.Reserve(ctx, "p1", "order-2", "buyer-2")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if first.Position != 0 || second.Position != 1 {
		t.Errorf("expected positions 0 and 1, got %d and %d", first.Position, second.Position)
	}
	if first.Status != model.ItemReserved || first.OrderID != "order-1" || first.ReservedAt == nil {
		t.Errorf("unexpected reserved item: %+v", first)
	}
	assertPool(t, a, "p1", 0, 2, 0)
}

func TestReserve_Exhausted(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A")

	if _, err := a.Reserve(ctx, "p1", "order-1", "buyer-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err := a.Reserve(ctx, "p1", "order-2", "buyer-2")
	if !errors.Is(err, inventory.ErrNoInventory) {
		t.Fatalf("expected ErrNoInventory, got %v", err)
	}
	assertPool(t, a, "p1", 0, 1, 0)
}

func TestReserve_UnknownProduct(t *testing.T) {
	a, _ := newTestAllocator(t)
	_, err := a.Reserve(context.Background(), "missing", "order-1", "buyer-1")
	if !errors.Is(err, inventory.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestReserve_RequiresOrderID(t *testing.T) {
	a, _ := newTestAllocator(t)
	seedProduct(t, a, "p1", "KEY-A")
	_, err := a.Reserve(context.Background(), "p1", "", "buyer-1")
	if !errors.Is(err, inventory.ErrOrderRequired) {
		t.Fatalf("expected ErrOrderRequired, got %v", err)
	}
	assertPool(t, a, "p1", 1, 0, 0)
}

func TestReserve_UnmanagedProductHoldsNothing(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	p := &model.Product{ID: "svc", StoreID: "store-1", Name: "Consulting", InventoryType: model.InventoryNone}
	if err := a.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	item, err := a.Reserve(ctx, "svc", "order-1", "buyer-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if item != nil {
		t.Errorf("expected no item for unmanaged product, got %+v", item)
	}

	avail, err := a.CheckAvailability(ctx, "svc", 50)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !avail.Available || !avail.NoInventoryRequired {
		t.Errorf("unexpected availability: %+v", avail)
	}
}

func TestReserve_ConcurrentBuyersNeverShareAnItem(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	const stock, buyers = 5, 20
	payloads := make([]string, stock)
	for i := range payloads {
		payloads[i] = "KEY-" + string(rune('A'+i))
	}
	seedProduct(t, a, "p1", payloads...)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		got       = make(map[string]string)
		exhausted int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := "order-" + string(rune('a'+i))
			item, err := a.Reserve(ctx, "p1", orderID, "buyer")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, inventory.ErrNoInventory):
				exhausted++
			case err != nil:
				t.Errorf("reserve %d: %v", i, err)
			default:
				if prev, dup := got[item.ID]; dup {
					t.Errorf("item %s handed to %s and %s", item.ID, prev, orderID)
				}
				got[item.ID] = orderID
			}
		}(i)
	}
	wg.Wait()

	if len(got) != stock {
		t.Errorf("expected %d successful reservations, got %d", stock, len(got))
	}
	if exhausted != buyers-stock {
		t.Errorf("expected %d exhausted, got %d", buyers-stock, exhausted)
	}
	assertPool(t, a, "p1", 0, stock, 0)
}

// --- Confirm / Release ---

func TestConfirm_ReturnsPayloadAndIsIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A")

	item, err := a.Reserve(ctx, "p1", "order-1", "buyer-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := 0; i < 2; i++ {
		payload, err := a.Confirm(ctx, "p1", "order-1", item.ID)
		if err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
		if payload != "KEY-A" {
			t.Errorf("confirm %d: expected KEY-A, got %q", i, payload)
		}
	}
	assertPool(t, a, "p1", 0, 0, 1)
}

func TestConfirm_WrongOrder(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A")

	item, _ := a.Reserve(ctx, "p1", "order-1", "buyer-1")
	_, err := a.Confirm(ctx, "p1", "order-2", item.ID)
	if !errors.Is(err, inventory.ErrNotReservedForOrder) {
		t.Fatalf("expected ErrNotReservedForOrder, got %v", err)
	}
	assertPool(t, a, "p1", 0, 1, 0)
}

func TestConfirm_AvailableItem(t *testing.T) {
	a, _ := newTestAllocator(t)
	p := seedProduct(t, a, "p1", "KEY-A")

	_, err := a.Confirm(context.Background(), "p1", "order-1", p.Items[0].ID)
	if !errors.Is(err, inventory.ErrNotReservedForOrder) {
		t.Fatalf("expected ErrNotReservedForOrder, got %v", err)
	}
}

func TestRelease_ReturnsItemToPool(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A")

	item, _ := a.Reserve(ctx, "p1", "order-1", "buyer-1")
	if err := a.Release(ctx, "p1", "order-1", item.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertPool(t, a, "p1", 1, 0, 0)

	again, err := a.Reserve(ctx, "p1", "order-2", "buyer-2")
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if again.ID != item.ID || again.OrderID != "order-2" || again.CustomerRef != "buyer-2" {
		t.Errorf("unexpected re-reserved item: %+v", again)
	}
}

func TestRelease_NoOpCases(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A", "KEY-B")

	sold, _ := a.Reserve(ctx, "p1", "order-1", "buyer-1")
	if _, err := a.Confirm(ctx, "p1", "order-1", sold.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	held, _ := a.Reserve(ctx, "p1", "order-2", "buyer-2")

	cases := []struct {
		name, productID, orderID, itemID string
	}{
		{"sold item", "p1", "order-1", sold.ID},
		{"other order's item", "p1", "order-9", held.ID},
		{"unknown item", "p1", "order-2", "nope"},
		{"unknown product", "nope", "order-2", held.ID},
	}
	for _, tc := range cases {
		if err := a.Release(ctx, tc.productID, tc.orderID, tc.itemID); err != nil {
			t.Errorf("%s: expected no-op, got %v", tc.name, err)
		}
	}
	assertPool(t, a, "p1", 0, 1, 1)
}

// --- CheckAvailability / AddItems ---

func TestCheckAvailability(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A", "KEY-B")

	avail, err := a.CheckAvailability(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !avail.Available || avail.AvailableCount != 2 {
		t.Errorf("unexpected availability: %+v", avail)
	}

	avail, _ = a.CheckAvailability(ctx, "p1", 3)
	if avail.Available {
		t.Error("3 of 2 should not be available")
	}

	if _, err := a.CheckAvailability(ctx, "p1", 0); !errors.Is(err, inventory.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestAddItems_AppendsToPool(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "KEY-A")

	added, err := a.AddItems(ctx, "p1", "KEY-B", "KEY-C")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(added) != 2 || added[0].Position != 1 || added[1].Position != 2 {
		t.Errorf("unexpected added items: %+v", added)
	}
	assertPool(t, a, "p1", 3, 0, 0)

	if _, err := a.AddItems(ctx, "missing", "X"); !errors.Is(err, inventory.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
}

// --- ReserveOrder ---

func TestReserveOrder_AllUnits(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "A1", "A2", "A3")
	seedProduct(t, a, "p2", "B1")

	order := &model.Order{
		ID:      "order-1",
		BuyerID: "buyer-1",
		Lines: []model.OrderLine{
			{ProductID: "p1", Quantity: 2, RequiresFulfillment: true},
			{ProductID: "p2", Quantity: 1, RequiresFulfillment: true},
			{ProductID: "p2", Quantity: 5, RequiresFulfillment: false},
		},
	}
	held, err := a.ReserveOrder(ctx, order)
	if err != nil {
		t.Fatalf("reserve order: %v", err)
	}
	if len(held) != 3 {
		t.Fatalf("expected 3 reservations, got %d", len(held))
	}
	assertPool(t, a, "p1", 1, 2, 0)
	assertPool(t, a, "p2", 0, 1, 0)
}

func TestReserveOrder_ShortStockReservesNothing(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "A1", "A2")

	order := &model.Order{
		ID:    "order-1",
		Lines: []model.OrderLine{{ProductID: "p1", Quantity: 3, RequiresFulfillment: true}},
	}
	if _, err := a.ReserveOrder(ctx, order); !errors.Is(err, inventory.ErrNoInventory) {
		t.Fatalf("expected ErrNoInventory, got %v", err)
	}
	assertPool(t, a, "p1", 2, 0, 0)
}

func TestReserveOrder_LaterLineFailureReleasesEarlierLines(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "A1", "A2")
	seedProduct(t, a, "p2")

	order := &model.Order{
		ID: "order-1",
		Lines: []model.OrderLine{
			{ProductID: "p1", Quantity: 2, RequiresFulfillment: true},
			{ProductID: "p2", Quantity: 1, RequiresFulfillment: true},
		},
	}
	if _, err := a.ReserveOrder(ctx, order); !errors.Is(err, inventory.ErrNoInventory) {
		t.Fatalf("expected ErrNoInventory, got %v", err)
	}
	assertPool(t, a, "p1", 2, 0, 0)
}

func TestReserveOrder_SkipsUnmanagedProducts(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	svc := &model.Product{ID: "svc", StoreID: "store-1", InventoryType: model.InventoryNone}
	if err := a.CreateProduct(ctx, svc); err != nil {
		t.Fatalf("create: %v", err)
	}

	order := &model.Order{
		ID:    "order-1",
		Lines: []model.OrderLine{{ProductID: "svc", Quantity: 4, RequiresFulfillment: true}},
	}
	held, err := a.ReserveOrder(ctx, order)
	if err != nil {
		t.Fatalf("reserve order: %v", err)
	}
	if len(held) != 0 {
		t.Errorf("expected no reservations, got %d", len(held))
	}
}

func TestReleaseReservations_CountsReleased(t *testing.T) {
	a, _ := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "A1", "A2")

	order := &model.Order{
		ID:    "order-1",
		Lines: []model.OrderLine{{ProductID: "p1", Quantity: 2, RequiresFulfillment: true}},
	}
	held, err := a.ReserveOrder(ctx, order)
	if err != nil {
		t.Fatalf("reserve order: %v", err)
	}
	if _, err := a.Confirm(ctx, "p1", "order-1", held[0].InventoryItemID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	n, err := a.ReleaseReservations(ctx, "order-1", held)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 released (sold item stays sold), got %d", n)
	}
	assertPool(t, a, "p1", 1, 0, 1)
}

// --- Bind ---

func TestBind_RollsBackWithEnclosingTransaction(t *testing.T) {
	a, ms := newTestAllocator(t)
	ctx := context.Background()
	seedProduct(t, a, "p1", "A1")

	boom := errors.New("boom")
	err := ms.RunInTx(ctx, func(tx store.Store) error {
		if _, err := a.Bind(tx).Reserve(ctx, "p1", "order-1", "buyer-1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	assertPool(t, a, "p1", 1, 0, 0)
}

// --- Sweeper ---

type recordingExpiry struct {
	mu     sync.Mutex
	orders []string
}

func (r *recordingExpiry) ExpireOrder(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, orderID)
	return nil
}

func TestSweeper_ReleasesStaleReservations(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a := inventory.NewAllocator(ms, lock.NewKeyedMutex()).WithClock(clock)
	ctx := context.Background()
	seedProduct(t, a, "p1", "A1", "A2")

	if _, err := a.Reserve(ctx, "p1", "stale", "buyer-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	now = now.Add(20 * time.Minute)
	if _, err := a.Reserve(ctx, "p1", "fresh", "buyer-2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	sw := inventory.NewSweeper(a, nil, 15*time.Minute, time.Minute)
	n, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 order swept, got %d", n)
	}
	assertPool(t, a, "p1", 1, 1, 0)
}

func TestSweeper_DelegatesToHandler(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := inventory.NewAllocator(ms, lock.NewKeyedMutex()).WithClock(func() time.Time { return now })
	ctx := context.Background()
	seedProduct(t, a, "p1", "A1", "A2")

	order := &model.Order{
		ID:    "order-1",
		Lines: []model.OrderLine{{ProductID: "p1", Quantity: 2, RequiresFulfillment: true}},
	}
	if _, err := a.ReserveOrder(ctx, order); err != nil {
		t.Fatalf("reserve order: %v", err)
	}
	now = now.Add(time.Hour)

	h := &recordingExpiry{}
	sw := inventory.NewSweeper(a, h, 15*time.Minute, time.Minute)
	if _, err := sw.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(h.orders) != 1 || h.orders[0] != "order-1" {
		t.Errorf("expected handler called once for order-1, got %v", h.orders)
	}
	// The handler owns the release; the sweeper itself must not touch the pool.
	assertPool(t, a, "p1", 0, 2, 0)
}

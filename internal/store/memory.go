package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kstore/settlement-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// RunInTx works on a private copy of the data and swaps it in on success,
// so a failed transaction leaves no trace and readers never observe a
// half-applied one.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(&memTx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) CreateProduct(_ context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createProduct(p)
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getProduct(id)
}

func (s *MemoryStore) AddInventoryItems(_ context.Context, productID string, items []model.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.addInventoryItems(productID, items)
}

func (s *MemoryStore) UpdateInventoryItem(_ context.Context, item *model.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateInventoryItem(item)
}

func (s *MemoryStore) ListReservedItems(_ context.Context, cutoff time.Time) ([]model.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listReservedItems(cutoff), nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createOrder(o)
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getOrder(id)
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateOrder(o)
}

func (s *MemoryStore) CreateTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createTransaction(t)
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getTransaction(id)
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateTransaction(t)
}

func (s *MemoryStore) ListTransactionsByOrder(_ context.Context, orderID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listTransactionsByOrder(orderID), nil
}

func (s *MemoryStore) CreateStoreLedger(_ context.Context, l *model.StoreLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createStoreLedger(l)
}

func (s *MemoryStore) GetStoreLedger(_ context.Context, storeID string) (*model.StoreLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getStoreLedger(storeID)
}

func (s *MemoryStore) UpdateStoreLedger(_ context.Context, l *model.StoreLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateStoreLedger(l)
}

func (s *MemoryStore) CreateWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createWithdrawal(w)
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getWithdrawal(id)
}

func (s *MemoryStore) UpdateWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateWithdrawal(w)
}

func (s *MemoryStore) ListWithdrawalsByStore(_ context.Context, storeID string) ([]model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listWithdrawalsByStore(storeID), nil
}

func (s *MemoryStore) PutSubscription(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.putSubscription(sub)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, storeID string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getSubscription(storeID)
}

// memTx is the transactional view handed to RunInTx callbacks. The owning
// MemoryStore already holds the write lock, so nothing here locks.
type memTx struct {
	data *memData
}

func (t *memTx) RunInTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memTx) CreateProduct(_ context.Context, p *model.Product) error {
	return t.data.createProduct(p)
}

func (t *memTx) GetProduct(_ context.Context, id string) (*model.Product, error) {
	return t.data.getProduct(id)
}

func (t *memTx) AddInventoryItems(_ context.Context, productID string, items []model.InventoryItem) error {
	return t.data.addInventoryItems(productID, items)
}

func (t *memTx) UpdateInventoryItem(_ context.Context, item *model.InventoryItem) error {
	return t.data.updateInventoryItem(item)
}

func (t *memTx) ListReservedItems(_ context.Context, cutoff time.Time) ([]model.InventoryItem, error) {
	return t.data.listReservedItems(cutoff), nil
}

func (t *memTx) CreateOrder(_ context.Context, o *model.Order) error { return t.data.createOrder(o) }

func (t *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	return t.data.getOrder(id)
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error { return t.data.updateOrder(o) }

func (t *memTx) CreateTransaction(_ context.Context, tx *model.Transaction) error {
	return t.data.createTransaction(tx)
}

func (t *memTx) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	return t.data.getTransaction(id)
}

func (t *memTx) UpdateTransaction(_ context.Context, tx *model.Transaction) error {
	return t.data.updateTransaction(tx)
}

func (t *memTx) ListTransactionsByOrder(_ context.Context, orderID string) ([]model.Transaction, error) {
	return t.data.listTransactionsByOrder(orderID), nil
}

func (t *memTx) CreateStoreLedger(_ context.Context, l *model.StoreLedger) error {
	return t.data.createStoreLedger(l)
}

func (t *memTx) GetStoreLedger(_ context.Context, storeID string) (*model.StoreLedger, error) {
	return t.data.getStoreLedger(storeID)
}

func (t *memTx) UpdateStoreLedger(_ context.Context, l *model.StoreLedger) error {
	return t.data.updateStoreLedger(l)
}

func (t *memTx) CreateWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	return t.data.createWithdrawal(w)
}

func (t *memTx) GetWithdrawal(_ context.Context, id string) (*model.WithdrawalRequest, error) {
	return t.data.getWithdrawal(id)
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	return t.data.updateWithdrawal(w)
}

func (t *memTx) ListWithdrawalsByStore(_ context.Context, storeID string) ([]model.WithdrawalRequest, error) {
	return t.data.listWithdrawalsByStore(storeID), nil
}

func (t *memTx) PutSubscription(_ context.Context, sub *model.Subscription) error {
	t.data.putSubscription(sub)
	return nil
}

func (t *memTx) GetSubscription(_ context.Context, storeID string) (*model.Subscription, error) {
	return t.data.getSubscription(storeID)
}

// memData holds the maps. Every value handed out or taken in is copied to
// avoid external mutation.
type memData struct {
	products      map[string]*model.Product
	orders        map[string]*model.Order
	transactions  map[string]*model.Transaction
	ledgers       map[string]*model.StoreLedger
	withdrawals   map[string]*model.WithdrawalRequest
	withdrawalIDs []string // creation order
	subscriptions map[string]*model.Subscription
}

func newMemData() *memData {
	return &memData{
		products:      make(map[string]*model.Product),
		orders:        make(map[string]*model.Order),
		transactions:  make(map[string]*model.Transaction),
		ledgers:       make(map[string]*model.StoreLedger),
		withdrawals:   make(map[string]*model.WithdrawalRequest),
		subscriptions: make(map[string]*model.Subscription),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.products {
		c.products[k] = copyProduct(v)
	}
	for k, v := range d.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range d.transactions {
		c.transactions[k] = copyTransaction(v)
	}
	for k, v := range d.ledgers {
		l := *v
		c.ledgers[k] = &l
	}
	for k, v := range d.withdrawals {
		w := *v
		c.withdrawals[k] = &w
	}
	c.withdrawalIDs = append([]string(nil), d.withdrawalIDs...)
	for k, v := range d.subscriptions {
		sub := *v
		c.subscriptions[k] = &sub
	}
	return c
}

func (d *memData) createProduct(p *model.Product) error {
	if _, ok := d.products[p.ID]; ok {
		return fmt.Errorf("product %s: %w", p.ID, ErrConflict)
	}
	cp := copyProduct(p)
	for i := range cp.Items {
		cp.Items[i].ProductID = cp.ID
		cp.Items[i].Position = i
	}
	d.products[p.ID] = cp
	return nil
}

func (d *memData) getProduct(id string) (*model.Product, error) {
	p, ok := d.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return copyProduct(p), nil
}

func (d *memData) addInventoryItems(productID string, items []model.InventoryItem) error {
	p, ok := d.products[productID]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	for _, it := range items {
		it.ProductID = productID
		it.Position = len(p.Items)
		p.Items = append(p.Items, it)
	}
	return nil
}

func (d *memData) updateInventoryItem(item *model.InventoryItem) error {
	p, ok := d.products[item.ProductID]
	if !ok {
		return fmt.Errorf("product %s: %w", item.ProductID, ErrNotFound)
	}
	for i := range p.Items {
		if p.Items[i].ID == item.ID {
			pos := p.Items[i].Position
			p.Items[i] = *item
			p.Items[i].Position = pos
			return nil
		}
	}
	return fmt.Errorf("inventory item %s: %w", item.ID, ErrNotFound)
}

func (d *memData) listReservedItems(cutoff time.Time) []model.InventoryItem {
	var result []model.InventoryItem
	for _, p := range d.products {
		for _, it := range p.Items {
			if it.Status == model.ItemReserved && it.ReservedAt != nil && it.ReservedAt.Before(cutoff) {
				result = append(result, it)
			}
		}
	}
	return result
}

func (d *memData) createOrder(o *model.Order) error {
	if _, ok := d.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	d.orders[o.ID] = copyOrder(o)
	return nil
}

func (d *memData) getOrder(id string) (*model.Order, error) {
	o, ok := d.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return copyOrder(o), nil
}

func (d *memData) updateOrder(o *model.Order) error {
	if _, ok := d.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	d.orders[o.ID] = copyOrder(o)
	return nil
}

func (d *memData) createTransaction(t *model.Transaction) error {
	if _, ok := d.transactions[t.ID]; ok {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrConflict)
	}
	d.transactions[t.ID] = copyTransaction(t)
	return nil
}

func (d *memData) getTransaction(id string) (*model.Transaction, error) {
	t, ok := d.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return copyTransaction(t), nil
}

func (d *memData) updateTransaction(t *model.Transaction) error {
	if _, ok := d.transactions[t.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrNotFound)
	}
	d.transactions[t.ID] = copyTransaction(t)
	return nil
}

func (d *memData) listTransactionsByOrder(orderID string) []model.Transaction {
	var result []model.Transaction
	for _, t := range d.transactions {
		if t.OrderID == orderID {
			result = append(result, *copyTransaction(t))
		}
	}
	return result
}

func (d *memData) createStoreLedger(l *model.StoreLedger) error {
	if _, ok := d.ledgers[l.StoreID]; ok {
		return fmt.Errorf("store ledger %s: %w", l.StoreID, ErrConflict)
	}
	cp := *l
	d.ledgers[l.StoreID] = &cp
	return nil
}

func (d *memData) getStoreLedger(storeID string) (*model.StoreLedger, error) {
	l, ok := d.ledgers[storeID]
	if !ok {
		return nil, fmt.Errorf("store ledger %s: %w", storeID, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (d *memData) updateStoreLedger(l *model.StoreLedger) error {
	if _, ok := d.ledgers[l.StoreID]; !ok {
		return fmt.Errorf("store ledger %s: %w", l.StoreID, ErrNotFound)
	}
	cp := *l
	d.ledgers[l.StoreID] = &cp
	return nil
}

func (d *memData) createWithdrawal(w *model.WithdrawalRequest) error {
	if _, ok := d.withdrawals[w.ID]; ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, ErrConflict)
	}
	cp := *w
	d.withdrawals[w.ID] = &cp
	d.withdrawalIDs = append(d.withdrawalIDs, w.ID)
	return nil
}

func (d *memData) getWithdrawal(id string) (*model.WithdrawalRequest, error) {
	w, ok := d.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (d *memData) updateWithdrawal(w *model.WithdrawalRequest) error {
	if _, ok := d.withdrawals[w.ID]; !ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, ErrNotFound)
	}
	cp := *w
	d.withdrawals[w.ID] = &cp
	return nil
}

func (d *memData) listWithdrawalsByStore(storeID string) []model.WithdrawalRequest {
	var result []model.WithdrawalRequest
	for _, id := range d.withdrawalIDs {
		if w := d.withdrawals[id]; w.StoreID == storeID {
			result = append(result, *w)
		}
	}
	return result
}

func (d *memData) putSubscription(sub *model.Subscription) {
	cp := *sub
	d.subscriptions[sub.StoreID] = &cp
}

func (d *memData) getSubscription(storeID string) (*model.Subscription, error) {
	sub, ok := d.subscriptions[storeID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", storeID, ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

// --- Copy helpers ---

func copyProduct(p *model.Product) *model.Product {
	cp := *p
	cp.Items = append([]model.InventoryItem(nil), p.Items...)
	return &cp
}

func copyOrder(o *model.Order) *model.Order {
	cp := *o
	cp.Lines = make([]model.OrderLine, len(o.Lines))
	for i, l := range o.Lines {
		l.Payloads = append([]string(nil), l.Payloads...)
		cp.Lines[i] = l
	}
	cp.ReservedItems = append([]model.ReservedItem(nil), o.ReservedItems...)
	return &cp
}

func copyTransaction(t *model.Transaction) *model.Transaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

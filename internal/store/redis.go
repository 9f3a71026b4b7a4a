package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kstore/settlement-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for store ledgers and subscriptions, the two records behind every
// balance read. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
//
// Reads made inside RunInTx always hit the primary so balance checks never
// act on a cached value.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// RunInTx runs fn on the primary's transaction and drops the cache keys it
// touched once the transaction commits.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	var dirty []string
	var mu sync.Mutex
	err := s.primary.RunInTx(ctx, func(tx Store) error {
		return fn(&invalidatingTx{Store: tx, mark: func(key string) {
			mu.Lock()
			dirty = append(dirty, key)
			mu.Unlock()
		}})
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		s.invalidate(ctx, dirty...)
	}
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateStoreLedger(ctx context.Context, l *model.StoreLedger) error {
	if err := s.primary.CreateStoreLedger(ctx, l); err != nil {
		return err
	}
	s.invalidate(ctx, ledgerKey(l.StoreID))
	return nil
}

func (s *CachedStore) UpdateStoreLedger(ctx context.Context, l *model.StoreLedger) error {
	if err := s.primary.UpdateStoreLedger(ctx, l); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx, ledgerKey(l.StoreID))
	return nil
}

func (s *CachedStore) PutSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := s.primary.PutSubscription(ctx, sub); err != nil {
		return err
	}
	s.invalidate(ctx, subscriptionKey(sub.StoreID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStoreLedger(ctx context.Context, storeID string) (*model.StoreLedger, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(storeID)).Bytes()
	if err == nil {
		var l model.StoreLedger
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.primary.GetStoreLedger(ctx, storeID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ledgerKey(storeID), l)
	return l, nil
}

func (s *CachedStore) GetSubscription(ctx context.Context, storeID string) (*model.Subscription, error) {
	data, err := s.rdb.Get(ctx, subscriptionKey(storeID)).Bytes()
	if err == nil {
		var sub model.Subscription
		if json.Unmarshal(data, &sub) == nil {
			return &sub, nil
		}
	}

	sub, err := s.primary.GetSubscription(ctx, storeID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, subscriptionKey(storeID), sub)
	return sub, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateProduct(ctx context.Context, p *model.Product) error {
	return s.primary.CreateProduct(ctx, p)
}

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return s.primary.GetProduct(ctx, id)
}

func (s *CachedStore) AddInventoryItems(ctx context.Context, productID string, items []model.InventoryItem) error {
	return s.primary.AddInventoryItems(ctx, productID, items)
}

func (s *CachedStore) UpdateInventoryItem(ctx context.Context, item *model.InventoryItem) error {
	return s.primary.UpdateInventoryItem(ctx, item)
}

func (s *CachedStore) ListReservedItems(ctx context.Context, cutoff time.Time) ([]model.InventoryItem, error) {
	return s.primary.ListReservedItems(ctx, cutoff)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return s.primary.CreateTransaction(ctx, t)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	return s.primary.UpdateTransaction(ctx, t)
}

func (s *CachedStore) ListTransactionsByOrder(ctx context.Context, orderID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByOrder(ctx, orderID)
}

func (s *CachedStore) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	return s.primary.CreateWithdrawal(ctx, w)
}

func (s *CachedStore) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	return s.primary.GetWithdrawal(ctx, id)
}

func (s *CachedStore) UpdateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	return s.primary.UpdateWithdrawal(ctx, w)
}

func (s *CachedStore) ListWithdrawalsByStore(ctx context.Context, storeID string) ([]model.WithdrawalRequest, error) {
	return s.primary.ListWithdrawalsByStore(ctx, storeID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// invalidatingTx records which cached records a transaction wrote.
type invalidatingTx struct {
	Store
	mark func(key string)
}

func (t *invalidatingTx) RunInTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *invalidatingTx) CreateStoreLedger(ctx context.Context, l *model.StoreLedger) error {
	t.mark(ledgerKey(l.StoreID))
	return t.Store.CreateStoreLedger(ctx, l)
}

func (t *invalidatingTx) UpdateStoreLedger(ctx context.Context, l *model.StoreLedger) error {
	t.mark(ledgerKey(l.StoreID))
	return t.Store.UpdateStoreLedger(ctx, l)
}

func (t *invalidatingTx) PutSubscription(ctx context.Context, sub *model.Subscription) error {
	t.mark(subscriptionKey(sub.StoreID))
	return t.Store.PutSubscription(ctx, sub)
}

func ledgerKey(storeID string) string       { return fmt.Sprintf("ledger:%s", storeID) }
func subscriptionKey(storeID string) string { return fmt.Sprintf("subscription:%s", storeID) }

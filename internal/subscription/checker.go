// Package subscription answers the one question the ledger asks about a
// store's plan: is the owner on the privileged fee tier right now.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/kstore/settlement-core/internal/model"
	"github.com/kstore/settlement-core/internal/store"
)

// PrivilegedTier waives the withdrawal service fee while active.
const PrivilegedTier = model.TierPremium

// Checker reads subscriptions from the store.
type Checker struct {
	store store.Store
	now   func() time.Time
}

// NewChecker creates a Checker. Pass a CachedStore to serve lookups from
// Redis.
func NewChecker(st store.Store) *Checker {
	return &Checker{store: st, now: time.Now}
}

// WithClock returns a copy of the checker that reads time from now.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	cp := *c
	cp.now = now
	return &cp
}

// Tier returns the store's tier as of now. A store without a subscription,
// or whose subscription has expired, is on the free tier.
func (c *Checker) Tier(ctx context.Context, storeID string) (model.Tier, error) {
	sub, err := c.store.GetSubscription(ctx, storeID)
	if errors.Is(err, store.ErrNotFound) {
		return model.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	if !sub.ActiveAt(c.now()) {
		return model.TierFree, nil
	}
	return sub.Tier, nil
}

// IsPrivileged implements ledger.TierChecker.
func (c *Checker) IsPrivileged(ctx context.Context, storeID string) (bool, error) {
	tier, err := c.Tier(ctx, storeID)
	if err != nil {
		return false, err
	}
	return tier == PrivilegedTier, nil
}

// Put stores or replaces a store's subscription.
func (c *Checker) Put(ctx context.Context, sub *model.Subscription) error {
	return c.store.PutSubscription(ctx, sub)
}

// Package ledger maintains each store's revenue figures and drives the
// withdrawal request workflow.
//
// Revenue is the spendable pool. A withdrawal request debits it at creation
// time so that two concurrent requests cannot both spend the same funds; a
// rejection or cancellation credits it back. The withdrawable cap is computed
// from LifetimeRevenue, which is never debited, so a pending request is
// counted against the cap exactly once.
//
// Every mutation of one store's figures runs under that store's lock and
// inside a single store transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kstore/settlement-core/internal/lock"
	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/model"
	"github.com/kstore/settlement-core/internal/store"
)

var (
	ErrStoreNotFound        = errors.New("ledger: store not found")
	ErrWithdrawalNotFound   = errors.New("ledger: withdrawal not found")
	ErrInvalidState         = errors.New("ledger: invalid withdrawal state")
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrInvalidAmount        = errors.New("ledger: amount must be positive")
	ErrMissingPayoutDetails = errors.New("ledger: missing payout details")
	ErrReasonRequired       = errors.New("ledger: rejection reason is required")
)

var (
	// WithdrawableShare is the share of lifetime revenue a store may ever
	// withdraw. The rest is retained by the platform.
	WithdrawableShare = decimal.RequireFromString("0.8")

	// StandardFeeRate is charged on withdrawals by stores without an active
	// privileged subscription.
	StandardFeeRate = decimal.RequireFromString("0.20")

	// PrivilegedFeeRate is charged on withdrawals by privileged stores.
	PrivilegedFeeRate = decimal.Zero
)

// TierChecker reports whether a store's owner is on the privileged fee tier
// with a subscription that has not expired.
type TierChecker interface {
	IsPrivileged(ctx context.Context, storeID string) (bool, error)
}

// Notifier is told about every withdrawal state change. Delivery failures
// are logged and never fail the transition.
type Notifier interface {
	WithdrawalChanged(ctx context.Context, w model.WithdrawalRequest) error
}

// Stats is the per-store summary returned with the balance.
type Stats struct {
	Revenue         decimal.Decimal `json:"revenue"`
	LifetimeRevenue decimal.Decimal `json:"lifetime_revenue"`
	MaxWithdrawable decimal.Decimal `json:"max_withdrawable"`
	SalesCount      int64           `json:"sales_count"`
	OrdersCount     int64           `json:"orders_count"`
	Withdrawals     int             `json:"withdrawals"`
	Pending         int             `json:"pending"`
	Approved        int             `json:"approved"`
	Completed       int             `json:"completed"`
	Rejected        int             `json:"rejected"`
	Cancelled       int             `json:"cancelled"`
}

// BalanceInfo is the read model for a store's withdrawable funds.
type BalanceInfo struct {
	StoreID          string          `json:"store_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PendingTotal     decimal.Decimal `json:"pending_total"`
	CompletedTotal   decimal.Decimal `json:"completed_total"`
	ServiceFeeRate   decimal.Decimal `json:"service_fee_rate"`
	Stats            Stats           `json:"stats"`
}

// Engine owns store ledgers and withdrawal requests.
type Engine struct {
	store    store.Store
	locker   lock.Locker
	tiers    TierChecker
	notifier Notifier
	now      func() time.Time
}

// NewEngine creates a ledger engine. tiers and notifier may be nil: without
// a tier checker every store pays the standard fee, without a notifier
// transitions are only logged.
func NewEngine(st store.Store, locker lock.Locker, tiers TierChecker, notifier Notifier) *Engine {
	return &Engine{
		store:    st,
		locker:   locker,
		tiers:    tiers,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of the engine that reads time from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// Bind returns a copy of the engine that works inside tx and takes no locks.
// The caller must already hold the store lock.
func (e *Engine) Bind(tx store.Store) *Engine {
	cp := *e
	cp.store = tx
	cp.locker = lock.Nop{}
	return &cp
}

// OpenStore creates an empty ledger for a store.
func (e *Engine) OpenStore(ctx context.Context, storeID, ownerID string) (*model.StoreLedger, error) {
	l := &model.StoreLedger{
		StoreID:         storeID,
		OwnerID:         ownerID,
		Revenue:         decimal.Zero,
		LifetimeRevenue: decimal.Zero,
		UpdatedAt:       e.now(),
	}
	if err := e.store.CreateStoreLedger(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetLedger returns a store's ledger.
func (e *Engine) GetLedger(ctx context.Context, storeID string) (*model.StoreLedger, error) {
	l, err := e.store.GetStoreLedger(ctx, storeID)
	if err != nil {
		return nil, storeErr(storeID, err)
	}
	return l, nil
}

// FeeRate returns the withdrawal service fee rate for a store.
func (e *Engine) FeeRate(ctx context.Context, storeID string) (decimal.Decimal, error) {
	if e.tiers == nil {
		return StandardFeeRate, nil
	}
	privileged, err := e.tiers.IsPrivileged(ctx, storeID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tier lookup for %s: %w", storeID, err)
	}
	if privileged {
		return PrivilegedFeeRate, nil
	}
	return StandardFeeRate, nil
}

// Credit adds confirmed sale proceeds to a store's revenue and counters,
// creating the ledger on first sale.
func (e *Engine) Credit(ctx context.Context, storeID string, amount decimal.Decimal, orders, units int64) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: credit %s", ErrInvalidAmount, amount)
	}

	unlock, err := e.locker.Lock(ctx, lock.StoreKey(storeID))
	if err != nil {
		return err
	}
	defer unlock()

	return e.store.RunInTx(ctx, func(tx store.Store) error {
		l, err := tx.GetStoreLedger(ctx, storeID)
		isNew := errors.Is(err, store.ErrNotFound)
		switch {
		case isNew:
			l = &model.StoreLedger{StoreID: storeID}
		case err != nil:
			return err
		}

		l.Revenue = l.Revenue.Add(amount)
		l.LifetimeRevenue = l.LifetimeRevenue.Add(amount)
		l.OrdersCount += orders
		l.SalesCount += units
		l.UpdatedAt = e.now()

		if isNew {
			return tx.CreateStoreLedger(ctx, l)
		}
		return tx.UpdateStoreLedger(ctx, l)
	})
}

// RequestWithdrawal creates a pending withdrawal and earmarks its amount by
// debiting the store's revenue. The balance check and the debit are one
// atomic step per store.
func (e *Engine) RequestWithdrawal(ctx context.Context, storeID string, amount decimal.Decimal, payout model.PayoutDetails) (*model.WithdrawalRequest, error) {
	if !amount.IsPositive() {
		metrics.WithdrawalRejections.WithLabelValues("invalid_amount").Inc()
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if err := ValidatePayout(payout); err != nil {
		metrics.WithdrawalRejections.WithLabelValues("payout_details").Inc()
		return nil, err
	}
	rate, err := e.FeeRate(ctx, storeID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, lock.StoreKey(storeID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var w *model.WithdrawalRequest
	err = e.store.RunInTx(ctx, func(tx store.Store) error {
		l, err := tx.GetStoreLedger(ctx, storeID)
		if err != nil {
			return storeErr(storeID, err)
		}
		existing, err := tx.ListWithdrawalsByStore(ctx, storeID)
		if err != nil {
			return err
		}

		t := sumWithdrawals(existing)
		available := availableBalance(l, t)
		if amount.GreaterThan(available) {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientBalance, amount, available)
		}

		fee := amount.Mul(rate).Round(2)
		newRevenue := decimal.Max(decimal.Zero, l.Revenue.Sub(amount))
		w = &model.WithdrawalRequest{
			ID:              uuid.New().String(),
			StoreID:         storeID,
			Amount:          amount,
			ServiceFeeRate:  rate,
			ServiceFee:      fee,
			NetAmount:       amount.Sub(fee),
			Payout:          payout,
			Status:          model.WithdrawalPending,
			PreviousRevenue: l.Revenue,
			NewRevenue:      newRevenue,
			CreatedAt:       e.now(),
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return err
		}

		l.Revenue = newRevenue
		l.UpdatedAt = w.CreatedAt
		return tx.UpdateStoreLedger(ctx, l)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.WithdrawalRejections.WithLabelValues("insufficient_balance").Inc()
		}
		return nil, err
	}

	slog.Info("withdrawal requested",
		"withdrawal", w.ID, "store", storeID,
		"amount", w.Amount.String(), "fee", w.ServiceFee.String(), "net", w.NetAmount.String())
	e.transitioned(ctx, *w)
	return w, nil
}

// Approve moves a pending withdrawal to approved.
func (e *Engine) Approve(ctx context.Context, id, approverID string) (*model.WithdrawalRequest, error) {
	return e.transition(ctx, id, func(_ store.Store, w *model.WithdrawalRequest, _ *model.StoreLedger) error {
		if w.Status != model.WithdrawalPending {
			return fmt.Errorf("%w: cannot approve %s withdrawal %s", ErrInvalidState, w.Status, w.ID)
		}
		now := e.now()
		w.Status = model.WithdrawalApproved
		w.ApprovedAt = &now
		w.ApprovedBy = approverID
		return nil
	})
}

// Complete records the payout of an approved withdrawal. Revenue was debited
// when the request was made, so completion only re-checks that the earmark
// is still covered by the store's withdrawable cap.
func (e *Engine) Complete(ctx context.Context, id, approverID, payoutRef string) (*model.WithdrawalRequest, error) {
	return e.transition(ctx, id, func(tx store.Store, w *model.WithdrawalRequest, l *model.StoreLedger) error {
		if w.Status != model.WithdrawalApproved {
			return fmt.Errorf("%w: cannot complete %s withdrawal %s", ErrInvalidState, w.Status, w.ID)
		}
		all, err := tx.ListWithdrawalsByStore(ctx, w.StoreID)
		if err != nil {
			return err
		}
		paidOut := sumWithdrawals(all).completed
		if paidOut.Add(w.Amount).GreaterThan(maxWithdrawable(l)) {
			return fmt.Errorf("%w: completing %s would pay out %s of %s withdrawable",
				ErrInsufficientBalance, w.ID, paidOut.Add(w.Amount), maxWithdrawable(l))
		}
		now := e.now()
		w.Status = model.WithdrawalCompleted
		w.CompletedAt = &now
		w.CompletedBy = approverID
		w.PayoutReference = payoutRef
		return nil
	})
}

// Reject refuses a pending withdrawal and credits its amount back to the
// store's revenue.
func (e *Engine) Reject(ctx context.Context, id, approverID, reason string) (*model.WithdrawalRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return e.transition(ctx, id, func(tx store.Store, w *model.WithdrawalRequest, l *model.StoreLedger) error {
		if w.Status != model.WithdrawalPending {
			return fmt.Errorf("%w: cannot reject %s withdrawal %s", ErrInvalidState, w.Status, w.ID)
		}
		now := e.now()
		w.Status = model.WithdrawalRejected
		w.RejectedAt = &now
		w.RejectedBy = approverID
		w.RejectionReason = reason
		return e.recredit(ctx, tx, l, w.Amount)
	})
}

// Cancel lets the store owner withdraw a request that is still pending. The
// amount is credited back like a rejection.
func (e *Engine) Cancel(ctx context.Context, id, requesterID string) (*model.WithdrawalRequest, error) {
	w, err := e.transition(ctx, id, func(tx store.Store, w *model.WithdrawalRequest, l *model.StoreLedger) error {
		if w.Status != model.WithdrawalPending {
			return fmt.Errorf("%w: cannot cancel %s withdrawal %s", ErrInvalidState, w.Status, w.ID)
		}
		now := e.now()
		w.Status = model.WithdrawalCancelled
		w.CancelledAt = &now
		return e.recredit(ctx, tx, l, w.Amount)
	})
	if err == nil {
		slog.Info("withdrawal cancelled by owner", "withdrawal", id, "requester", requesterID)
	}
	return w, err
}

// GetWithdrawal returns one withdrawal request.
func (e *Engine) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, withdrawalErr(id, err)
	}
	return w, nil
}

// ListWithdrawals returns a store's withdrawal requests, oldest first.
func (e *Engine) ListWithdrawals(ctx context.Context, storeID string) ([]model.WithdrawalRequest, error) {
	return e.store.ListWithdrawalsByStore(ctx, storeID)
}

// GetBalanceInfo computes the store's withdrawable balance.
func (e *Engine) GetBalanceInfo(ctx context.Context, storeID string) (*BalanceInfo, error) {
	l, err := e.store.GetStoreLedger(ctx, storeID)
	if err != nil {
		return nil, storeErr(storeID, err)
	}
	ws, err := e.store.ListWithdrawalsByStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	rate, err := e.FeeRate(ctx, storeID)
	if err != nil {
		return nil, err
	}

	t := sumWithdrawals(ws)
	return &BalanceInfo{
		StoreID:          storeID,
		AvailableBalance: availableBalance(l, t),
		PendingTotal:     t.pending,
		CompletedTotal:   t.completed,
		ServiceFeeRate:   rate,
		Stats: Stats{
			Revenue:         l.Revenue,
			LifetimeRevenue: l.LifetimeRevenue,
			MaxWithdrawable: maxWithdrawable(l),
			SalesCount:      l.SalesCount,
			OrdersCount:     l.OrdersCount,
			Withdrawals:     len(ws),
			Pending:         t.counts[model.WithdrawalPending],
			Approved:        t.counts[model.WithdrawalApproved],
			Completed:       t.counts[model.WithdrawalCompleted],
			Rejected:        t.counts[model.WithdrawalRejected],
			Cancelled:       t.counts[model.WithdrawalCancelled],
		},
	}, nil
}

// transition applies fn to a withdrawal and its store's ledger under the
// store lock, persists both, and notifies on success.
func (e *Engine) transition(ctx context.Context, id string, fn func(tx store.Store, w *model.WithdrawalRequest, l *model.StoreLedger) error) (*model.WithdrawalRequest, error) {
	current, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, withdrawalErr(id, err)
	}

	unlock, err := e.locker.Lock(ctx, lock.StoreKey(current.StoreID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var w *model.WithdrawalRequest
	err = e.store.RunInTx(ctx, func(tx store.Store) error {
		// Re-read under the lock; the status may have moved since.
		w, err = tx.GetWithdrawal(ctx, id)
		if err != nil {
			return withdrawalErr(id, err)
		}
		l, err := tx.GetStoreLedger(ctx, w.StoreID)
		if err != nil {
			return storeErr(w.StoreID, err)
		}
		if err := fn(tx, w, l); err != nil {
			return err
		}
		return tx.UpdateWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("withdrawal transitioned", "withdrawal", w.ID, "store", w.StoreID, "status", w.Status)
	e.transitioned(ctx, *w)
	return w, nil
}

func (e *Engine) recredit(ctx context.Context, tx store.Store, l *model.StoreLedger, amount decimal.Decimal) error {
	l.Revenue = l.Revenue.Add(amount)
	l.UpdatedAt = e.now()
	return tx.UpdateStoreLedger(ctx, l)
}

func (e *Engine) transitioned(ctx context.Context, w model.WithdrawalRequest) {
	metrics.WithdrawalTransitions.WithLabelValues(string(w.Status)).Inc()
	if e.notifier == nil {
		return
	}
	if err := e.notifier.WithdrawalChanged(context.WithoutCancel(ctx), w); err != nil {
		slog.Warn("withdrawal notification failed", "withdrawal", w.ID, "status", w.Status, "err", err)
	}
}

// ValidatePayout checks that the fields required by the payout method are
// present.
func ValidatePayout(p model.PayoutDetails) error {
	var missing []string
	need := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	switch p.Method {
	case model.PayoutBankTransfer:
		need("account_name", p.AccountName)
		need("account_number", p.AccountNumber)
		need("bank_name", p.BankName)
	case model.PayoutPayPal:
		need("paypal_email", p.PayPalEmail)
	case model.PayoutCrypto:
		need("wallet_address", p.WalletAddress)
		need("network", p.Network)
	default:
		return fmt.Errorf("%w: unknown payout method %q", ErrMissingPayoutDetails, p.Method)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrMissingPayoutDetails, p.Method, strings.Join(missing, ", "))
	}
	return nil
}

type totals struct {
	pending   decimal.Decimal // pending + approved
	completed decimal.Decimal
	counts    map[model.WithdrawalStatus]int
}

func sumWithdrawals(ws []model.WithdrawalRequest) totals {
	t := totals{counts: make(map[model.WithdrawalStatus]int)}
	for _, w := range ws {
		t.counts[w.Status]++
		switch w.Status {
		case model.WithdrawalPending, model.WithdrawalApproved:
			t.pending = t.pending.Add(w.Amount)
		case model.WithdrawalCompleted:
			t.completed = t.completed.Add(w.Amount)
		}
	}
	return t
}

func maxWithdrawable(l *model.StoreLedger) decimal.Decimal {
	return l.LifetimeRevenue.Mul(WithdrawableShare)
}

func availableBalance(l *model.StoreLedger, t totals) decimal.Decimal {
	return decimal.Max(decimal.Zero, maxWithdrawable(l).Sub(t.completed).Sub(t.pending))
}

func storeErr(storeID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}
	return err
}

func withdrawalErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, id)
	}
	return err
}

// Package settlement applies payment outcomes to inventory and store
// revenue as one unit of work.
//
// A confirmed payment sells every item reserved for the order and credits
// the store inside a single store transaction, while holding the order,
// transaction, product and store locks. Readers therefore see either none
// or all of a settlement. The gateway-assigned transaction ID is the
// idempotency key: a completed or failed transaction absorbs duplicate
// deliveries without further side effects.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kstore/settlement-core/internal/inventory"
	"github.com/kstore/settlement-core/internal/ledger"
	"github.com/kstore/settlement-core/internal/lock"
	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/model"
	"github.com/kstore/settlement-core/internal/store"
)

var (
	ErrTransactionNotFound    = errors.New("settlement: transaction not found")
	ErrOrderNotFound          = errors.New("settlement: order not found")
	ErrInvalidState           = errors.New("settlement: invalid state")
	ErrInvalidOrder           = errors.New("settlement: invalid order")
	ErrAmountMismatch         = errors.New("settlement: confirmed amount does not match transaction")
	ErrReconciliationRequired = errors.New("settlement: order needs manual reconciliation")
	ErrCapturedAfterFailure   = errors.New("settlement: payment captured after the transaction failed")
	ErrUnknownOutcome         = errors.New("settlement: unknown outcome")
)

var tracer = otel.Tracer("settlement-core/settlement")

// Result describes what applying an outcome did. AlreadyProcessed is set
// when the transaction had already reached the outcome's terminal state;
// callers treat that as success.
type Result struct {
	TransactionID    string                  `json:"transaction_id"`
	OrderID          string                  `json:"order_id"`
	Status           model.TransactionStatus `json:"status"`
	AlreadyProcessed bool                    `json:"already_processed"`
	ItemsConfirmed   int                     `json:"items_confirmed"`
	ItemsReleased    int                     `json:"items_released"`
	Credited         decimal.Decimal         `json:"credited"`
}

// Notifier is told about orders that settled. Failures are logged only.
type Notifier interface {
	OrderSettled(ctx context.Context, order model.Order, tx model.Transaction) error
}

// Coordinator drives the allocator and the ledger from payment outcomes.
type Coordinator struct {
	store    store.Store
	locker   lock.Locker
	alloc    *inventory.Allocator
	ledger   *ledger.Engine
	notifier Notifier

	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewCoordinator creates a coordinator. notifier may be nil.
func NewCoordinator(st store.Store, locker lock.Locker, alloc *inventory.Allocator, led *ledger.Engine, notifier Notifier) *Coordinator {
	return &Coordinator{
		store:    st,
		locker:   locker,
		alloc:    alloc,
		ledger:   led,
		notifier: notifier,
		attempts: 3,
		backoff:  50 * time.Millisecond,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithRetry returns a copy of the coordinator that tries a settlement up to
// attempts times on transient store errors, sleeping backoff, 2*backoff, ...
// between tries.
func (c *Coordinator) WithRetry(attempts int, backoff time.Duration) *Coordinator {
	cp := *c
	cp.attempts = max(1, attempts)
	cp.backoff = backoff
	return &cp
}

// WithClock returns a copy of the coordinator that reads time from now.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	cp := *c
	cp.now = now
	return &cp
}

// PlaceOrder persists a new order and reserves inventory for it. If the
// reservation fails the order is kept, marked failed, and the error is
// returned.
func (c *Coordinator) PlaceOrder(ctx context.Context, order *model.Order) (*model.Order, error) {
	if len(order.Lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidOrder)
	}
	total := decimal.Zero
	for _, l := range order.Lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line needs a product and a positive quantity", ErrInvalidOrder)
		}
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}

	now := c.now()
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Total.IsZero() {
		order.Total = total
	}
	order.PaymentStatus = model.PaymentPending
	order.Status = model.OrderCreated
	order.InventoryReserved = false
	order.ReservedItems = nil
	order.CreatedAt = now
	order.UpdatedAt = now
	if err := c.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	reserved, err := c.ReserveOrder(ctx, order.ID)
	if err != nil {
		order.Status = model.OrderFailed
		order.PaymentStatus = model.PaymentFailed
		order.UpdatedAt = c.now()
		if uerr := c.store.UpdateOrder(context.WithoutCancel(ctx), order); uerr != nil {
			slog.Error("failed to mark unreservable order", "order", order.ID, "err", uerr)
		}
		return nil, err
	}
	return reserved, nil
}

// ReserveOrder reserves inventory for every fulfillment line of an order
// and records the reservations on it. An order that already holds its
// reservations is returned unchanged.
func (c *Coordinator) ReserveOrder(ctx context.Context, orderID string) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "settlement.ReserveOrder",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	unlock, err := c.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return nil, spanErr(span, err)
	}
	defer unlock()

	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, spanErr(span, orderErr(orderID, err))
	}
	if order.InventoryReserved {
		return order, nil
	}
	if order.Status != model.OrderCreated || order.PaymentStatus != model.PaymentPending {
		return nil, spanErr(span, fmt.Errorf("%w: order %s is %s/%s", ErrInvalidState, orderID, order.Status, order.PaymentStatus))
	}

	held, err := c.alloc.ReserveOrder(ctx, order)
	if err != nil {
		return nil, spanErr(span, err)
	}

	order.ReservedItems = held
	order.InventoryReserved = true
	order.UpdatedAt = c.now()
	if err := c.store.UpdateOrder(ctx, order); err != nil {
		if _, relErr := c.alloc.ReleaseReservations(context.WithoutCancel(ctx), orderID, held); relErr != nil {
			slog.Error("failed to release reservations of unsaved order", "order", orderID, "err", relErr)
		}
		return nil, spanErr(span, err)
	}

	span.SetAttributes(attribute.Int("order.reserved_items", len(held)))
	slog.Info("order reserved", "order", orderID, "items", len(held))
	return order, nil
}

// RegisterTransaction records a payment attempt for an unpaid order so that
// its outcome can be settled later.
func (c *Coordinator) RegisterTransaction(ctx context.Context, t *model.Transaction) error {
	if t.ID == "" || t.OrderID == "" {
		return fmt.Errorf("%w: transaction needs an id and an order", ErrInvalidOrder)
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: transaction amount must be positive", ErrInvalidOrder)
	}
	order, err := c.store.GetOrder(ctx, t.OrderID)
	if err != nil {
		return orderErr(t.OrderID, err)
	}
	if order.PaymentStatus != model.PaymentPending {
		return fmt.Errorf("%w: order %s payment is %s", ErrInvalidState, order.ID, order.PaymentStatus)
	}
	now := c.now()
	t.Status = model.TxCreated
	t.CreatedAt = now
	t.UpdatedAt = now
	return c.store.CreateTransaction(ctx, t)
}

// GetTransaction returns a recorded payment attempt.
func (c *Coordinator) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := c.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, txErr(id, err)
	}
	return t, nil
}

// GetOrder returns an order.
func (c *Coordinator) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := c.store.GetOrder(ctx, id)
	if err != nil {
		return nil, orderErr(id, err)
	}
	return o, nil
}

// Handle applies a gateway outcome.
func (c *Coordinator) Handle(ctx context.Context, o Outcome) (*Result, error) {
	switch o := o.(type) {
	case Confirmed:
		return c.confirm(ctx, o.TransactionID, o.Amount)
	case Failed:
		return c.OnPaymentFailed(ctx, o.TransactionID, o.Reason)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOutcome, o)
	}
}

// OnPaymentConfirmed settles a captured payment: every reserved item of the
// order is sold, payloads are assigned to the order lines, the order is
// marked paid and the store is credited with the transaction amount.
//
// If an item cannot be confirmed the whole settlement is rolled back and
// the order is flagged for reconciliation. Transient store errors are
// retried first.
func (c *Coordinator) OnPaymentConfirmed(ctx context.Context, transactionID string) (*Result, error) {
	return c.confirm(ctx, transactionID, decimal.Zero)
}

func (c *Coordinator) confirm(ctx context.Context, txID string, reported decimal.Decimal) (*Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "settlement.OnPaymentConfirmed",
		trace.WithAttributes(attribute.String("transaction.id", txID)))
	defer span.End()

	res, err := c.settle(ctx, txID, true, func(tx store.Store, t *model.Transaction, order *model.Order) (*Result, error) {
		return c.applyConfirmed(ctx, tx, t, order, reported)
	})
	record(span, "confirmed", start, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// OnPaymentFailed records a failed payment and returns the order's
// reservations to their pools. Revenue is never touched.
func (c *Coordinator) OnPaymentFailed(ctx context.Context, transactionID, reason string) (*Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "settlement.OnPaymentFailed",
		trace.WithAttributes(attribute.String("transaction.id", transactionID)))
	defer span.End()

	res, err := c.settle(ctx, transactionID, false, func(tx store.Store, t *model.Transaction, order *model.Order) (*Result, error) {
		return c.applyFailed(ctx, tx, t, order, reason)
	})
	record(span, "failed", start, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExpireOrder releases the reservations of an order that is still unpaid
// and marks it failed together with its open payment attempts. Paid orders
// and orders awaiting reconciliation are left alone.
func (c *Coordinator) ExpireOrder(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "settlement.ExpireOrder",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	unlockOrder, err := c.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		return spanErr(span, err)
	}
	defer unlockOrder()

	order, err := c.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", inventory.ErrUnknownOrder, orderID)
	}
	if err != nil {
		return spanErr(span, err)
	}
	if !expirable(order) {
		return nil
	}
	txs, err := c.store.ListTransactionsByOrder(ctx, orderID)
	if err != nil {
		return spanErr(span, err)
	}

	var keys []string
	for _, t := range sortedTxIDs(txs) {
		keys = append(keys, lock.TransactionKey(t))
	}
	keys = append(keys, lock.ProductKeys(reservedProducts(order)...)...)
	unlock, err := lock.LockAll(ctx, c.locker, keys...)
	if err != nil {
		return spanErr(span, err)
	}
	defer unlock()

	released := 0
	err = c.store.RunInTx(ctx, func(tx store.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !expirable(order) {
			return nil
		}
		n, err := c.alloc.Bind(tx).ReleaseReservations(ctx, orderID, order.ReservedItems)
		if err != nil {
			return err
		}
		released = n

		now := c.now()
		order.PaymentStatus = model.PaymentFailed
		order.Status = model.OrderFailed
		order.InventoryReserved = false
		order.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		open, err := tx.ListTransactionsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for i := range open {
			if open[i].Status != model.TxCreated {
				continue
			}
			open[i].Status = model.TxFailed
			open[i].FailureReason = "reservation expired"
			open[i].UpdatedAt = now
			if err := tx.UpdateTransaction(ctx, &open[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return spanErr(span, err)
	}

	metrics.ExpiredReservations.Add(float64(released))
	if released > 0 {
		slog.Info("order reservations expired", "order", orderID, "released", released)
	}
	return nil
}

type applyFunc func(tx store.Store, t *model.Transaction, order *model.Order) (*Result, error)

// pass is the state left behind by one settlement attempt.
type pass struct {
	orderID string
	applied bool // the store transaction was started
	res     *Result
	order   model.Order
	tx      model.Transaction
}

// settle runs settleOnce, retrying transient failures. Lock waits and
// pre-reads are retried along with the store transaction, and the locks are
// dropped between attempts.
//
// A confirmation whose store transaction keeps failing flags the order for
// reconciliation. A failure that never got that far is returned as is, so
// the caller can redeliver the outcome.
func (c *Coordinator) settle(ctx context.Context, txID string, crediting bool, apply applyFunc) (*Result, error) {
	var last *pass
	err := c.retry(ctx, txID, func() error {
		var err error
		last, err = c.settleOnce(ctx, txID, crediting, apply)
		return err
	})
	if err != nil {
		if crediting && last != nil && last.applied && needsReconciliation(err) {
			return nil, c.flagForReconciliation(ctx, last.orderID, txID, err)
		}
		return nil, err
	}

	if crediting && !last.res.AlreadyProcessed && c.notifier != nil {
		if nerr := c.notifier.OrderSettled(context.WithoutCancel(ctx), last.order, last.tx); nerr != nil {
			slog.Warn("order settled notification failed", "order", last.order.ID, "err", nerr)
		}
	}
	return last.res, nil
}

// settleOnce takes the locks for the transaction's order and runs apply
// inside one store transaction. The product and store locks are only needed
// (and only taken) when the outcome touches them.
func (c *Coordinator) settleOnce(ctx context.Context, txID string, crediting bool, apply applyFunc) (*pass, error) {
	p := &pass{}
	t, err := c.store.GetTransaction(ctx, txID)
	if err != nil {
		return p, txErr(txID, err)
	}
	p.orderID = t.OrderID

	unlockOrder, err := c.locker.Lock(ctx, lock.OrderKey(t.OrderID))
	if err != nil {
		return p, err
	}
	defer unlockOrder()

	// The order's reservation list cannot change while the order lock is
	// held, so the product keys read here stay valid.
	order, err := c.store.GetOrder(ctx, t.OrderID)
	if err != nil {
		return p, orderErr(t.OrderID, err)
	}
	keys := []string{lock.TransactionKey(txID)}
	keys = append(keys, lock.ProductKeys(reservedProducts(order)...)...)
	if crediting {
		keys = append(keys, lock.StoreKey(order.StoreID))
	}
	unlock, err := lock.LockAll(ctx, c.locker, keys...)
	if err != nil {
		return p, err
	}
	defer unlock()

	p.applied = true
	err = c.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return txErr(txID, err)
		}
		order, err := tx.GetOrder(ctx, t.OrderID)
		if err != nil {
			return orderErr(t.OrderID, err)
		}
		p.res, err = apply(tx, t, order)
		p.order, p.tx = *order, *t
		return err
	})
	return p, err
}

func (c *Coordinator) applyConfirmed(ctx context.Context, tx store.Store, t *model.Transaction, order *model.Order, reported decimal.Decimal) (*Result, error) {
	res := &Result{TransactionID: t.ID, OrderID: order.ID, Status: t.Status}
	switch t.Status {
	case model.TxCompleted:
		res.AlreadyProcessed = true
		return res, nil
	case model.TxCreated:
	case model.TxFailed:
		// The transaction stays failed; the money still has to be traced.
		return nil, fmt.Errorf("%w: transaction %s (%s)", ErrCapturedAfterFailure, t.ID, t.FailureReason)
	default:
		return nil, fmt.Errorf("%w: cannot confirm %s transaction %s", ErrInvalidState, t.Status, t.ID)
	}
	if !reported.IsZero() && !reported.Equal(t.Amount) {
		return nil, fmt.Errorf("%w: gateway reported %s, recorded %s", ErrAmountMismatch, reported, t.Amount)
	}
	if order.PaymentStatus == model.PaymentPaid {
		return nil, fmt.Errorf("%w: order %s was already paid by another transaction", ErrInvalidState, order.ID)
	}

	alloc := c.alloc.Bind(tx)
	payloads := make(map[string][]string)
	for _, ri := range order.ReservedItems {
		payload, err := alloc.Confirm(ctx, ri.ProductID, order.ID, ri.InventoryItemID)
		if err != nil {
			return nil, err
		}
		payloads[ri.ProductID] = append(payloads[ri.ProductID], payload)
	}

	var units int64
	for i := range order.Lines {
		line := &order.Lines[i]
		units += int64(line.Quantity)
		if line.RequiresFulfillment {
			n := min(line.Quantity, len(payloads[line.ProductID]))
			line.Payloads = payloads[line.ProductID][:n]
			payloads[line.ProductID] = payloads[line.ProductID][n:]
			if n < line.Quantity {
				if err := checkUnmanaged(ctx, tx, order.ID, line.ProductID, n, line.Quantity); err != nil {
					return nil, err
				}
			}
		}
		line.InventoryAssigned = true
	}

	now := c.now()
	order.PaymentStatus = model.PaymentPaid
	order.Status = model.OrderCompleted
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	t.Status = model.TxCompleted
	t.FailureReason = ""
	t.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return nil, err
	}
	if err := c.ledger.Bind(tx).Credit(ctx, order.StoreID, t.Amount, 1, units); err != nil {
		return nil, err
	}

	res.Status = t.Status
	res.ItemsConfirmed = len(order.ReservedItems)
	res.Credited = t.Amount
	return res, nil
}

func (c *Coordinator) applyFailed(ctx context.Context, tx store.Store, t *model.Transaction, order *model.Order, reason string) (*Result, error) {
	res := &Result{TransactionID: t.ID, OrderID: order.ID, Status: t.Status}
	switch t.Status {
	case model.TxFailed:
		res.AlreadyProcessed = true
		return res, nil
	case model.TxCreated:
	default:
		return nil, fmt.Errorf("%w: cannot fail %s transaction %s", ErrInvalidState, t.Status, t.ID)
	}

	now := c.now()
	t.Status = model.TxFailed
	t.FailureReason = reason
	t.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return nil, err
	}
	res.Status = t.Status

	// Another attempt may have paid for the order; its items are sold.
	if order.PaymentStatus == model.PaymentPaid {
		return res, nil
	}

	released, err := c.alloc.Bind(tx).ReleaseReservations(ctx, order.ID, order.ReservedItems)
	if err != nil {
		return nil, err
	}
	order.PaymentStatus = model.PaymentFailed
	order.Status = model.OrderFailed
	order.InventoryReserved = false
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	res.ItemsReleased = released
	return res, nil
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempts are used up.
func (c *Coordinator) retry(ctx context.Context, txID string, fn func() error) error {
	var err error
	delay := c.backoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = fn(); err == nil || !transient(err) {
			return err
		}
		if attempt == c.attempts {
			break
		}
		slog.Warn("settlement attempt failed, retrying",
			"transaction", txID, "attempt", attempt, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// flagForReconciliation marks the order as needing manual attention after a
// confirmation could not be applied. An open transaction stays open so that
// a retried webhook can still settle it once the cause is fixed. If the flag
// cannot be written the error is returned without ErrReconciliationRequired,
// leaving the outcome eligible for redelivery.
func (c *Coordinator) flagForReconciliation(ctx context.Context, orderID, txID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	unlock, err := c.locker.Lock(ctx, lock.OrderKey(orderID))
	if err != nil {
		slog.Error("failed to flag order for reconciliation", "order", orderID, "transaction", txID, "err", err, "cause", cause)
		return fmt.Errorf("settlement: flag order %s: %w", orderID, err)
	}
	defer unlock()

	err = c.store.RunInTx(ctx, func(tx store.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		order.Status = model.OrderNeedsReconciliation
		order.UpdatedAt = c.now()
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		t.FailureReason = cause.Error()
		t.UpdatedAt = order.UpdatedAt
		return tx.UpdateTransaction(ctx, t)
	})
	if err != nil {
		slog.Error("failed to flag order for reconciliation", "order", orderID, "transaction", txID, "err", err, "cause", cause)
		return fmt.Errorf("settlement: flag order %s: %w", orderID, err)
	}
	metrics.ReconciliationFlags.Inc()
	slog.Error("order flagged for reconciliation", "order", orderID, "transaction", txID, "cause", cause)
	return fmt.Errorf("%w: order %s: %w", ErrReconciliationRequired, orderID, cause)
}

// IsTransient reports whether an error returned by Handle may go away if the
// same outcome is delivered again.
func IsTransient(err error) bool {
	return err != nil && transient(err)
}

// transient reports whether err may go away on retry. Domain failures and
// cancellation never do.
func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case isDomain(err):
		return false
	}
	return true
}

func isDomain(err error) bool {
	for _, target := range []error{
		ErrTransactionNotFound, ErrOrderNotFound, ErrInvalidState, ErrInvalidOrder,
		ErrAmountMismatch, ErrReconciliationRequired, ErrCapturedAfterFailure, ErrUnknownOutcome,
		inventory.ErrNotReservedForOrder, inventory.ErrProductNotFound, inventory.ErrUnknownOrder,
		ledger.ErrInvalidAmount, ledger.ErrStoreNotFound, store.ErrNotFound, store.ErrConflict, store.ErrCorruptNumeric,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// needsReconciliation reports whether a failed confirmation left a captured
// payment unapplied. Unknown transactions and terminal-state conflicts are
// answered to the caller instead.
func needsReconciliation(err error) bool {
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrInvalidState):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// expirable reports whether the sweeper may fail an order. A paid order is
// settled, and a flagged one may still carry a captured payment.
func expirable(o *model.Order) bool {
	return o.PaymentStatus != model.PaymentPaid && o.Status != model.OrderNeedsReconciliation
}

// checkUnmanaged fails a confirmation whose fulfillment line got fewer items
// than it ordered from a managed pool.
func checkUnmanaged(ctx context.Context, tx store.Store, orderID, productID string, got, want int) error {
	p, err := tx.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
		}
		return err
	}
	if !p.Managed() {
		return nil
	}
	return fmt.Errorf("%w: order %s holds %d of %d items of %s", inventory.ErrNotReservedForOrder, orderID, got, want, productID)
}

func record(span trace.Span, outcome string, start time.Time, res *Result, err error) {
	metrics.SettlementLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	result := "applied"
	switch {
	case errors.Is(err, ErrReconciliationRequired):
		result = "reconciliation"
	case err != nil:
		result = "error"
	case res.AlreadyProcessed:
		result = "duplicate"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome, result).Inc()

	if err != nil {
		spanErr(span, err)
		slog.Warn("payment outcome not applied", "outcome", outcome, "result", result, "err", err)
		return
	}
	span.SetAttributes(
		attribute.String("order.id", res.OrderID),
		attribute.Bool("settlement.already_processed", res.AlreadyProcessed),
	)
	slog.Info("payment outcome applied",
		"outcome", outcome, "transaction", res.TransactionID, "order", res.OrderID,
		"duplicate", res.AlreadyProcessed, "confirmed", res.ItemsConfirmed,
		"released", res.ItemsReleased, "credited", res.Credited.String())
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func reservedProducts(o *model.Order) []string {
	ids := make([]string, 0, len(o.ReservedItems))
	for _, ri := range o.ReservedItems {
		ids = append(ids, ri.ProductID)
	}
	return ids
}

func sortedTxIDs(txs []model.Transaction) []string {
	ids := make([]string, 0, len(txs))
	for _, t := range txs {
		ids = append(ids, t.ID)
	}
	slices.Sort(ids)
	return ids
}

func txErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return err
}

func orderErr(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return err
}

package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kstore/settlement-core/internal/ledger"
	"github.com/kstore/settlement-core/internal/lock"
	"github.com/kstore/settlement-core/internal/model"
	"github.com/kstore/settlement-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type stubTiers map[string]bool

func (s stubTiers) IsPrivileged(_ context.Context, storeID string) (bool, error) {
	return s[storeID], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.WithdrawalStatus
	err    error
}

func (n *recordingNotifier) WithdrawalChanged(_ context.Context, w model.WithdrawalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, w.Status)
	return n.err
}

var paypal = model.PayoutDetails{Method: model.PayoutPayPal, PayPalEmail: "owner@example.com"}

// newTestEngine returns an engine over a memory store with a ledger for
// "store-1" credited with revenue.
func newTestEngine(t *testing.T, revenue float64, tiers ledger.TierChecker, n ledger.Notifier) (*ledger.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	e := ledger.NewEngine(ms, lock.NewKeyedMutex(), tiers, n)
	ctx := context.Background()
	if _, err := e.OpenStore(ctx, "store-1", "owner-1"); err != nil {
		t.Fatalf("open store: %v", err)
	}
	if revenue > 0 {
		if err := e.Credit(ctx, "store-1", d(revenue), 1, 1); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	return e, ms
}

func revenueOf(t *testing.T, e *ledger.Engine) decimal.Decimal {
	t.Helper()
	l, err := e.GetLedger(context.Background(), "store-1")
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	return l.Revenue
}

// --- Fees ---

func TestRequestWithdrawal_StandardFee(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)

	w, err := e.RequestWithdrawal(context.Background(), "store-1", d(100), paypal)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !w.ServiceFee.Equal(d(20)) || !w.NetAmount.Equal(d(80)) {
		t.Errorf("expected fee 20 / net 80, got %s / %s", w.ServiceFee, w.NetAmount)
	}
	if !w.ServiceFeeRate.Equal(ledger.StandardFeeRate) {
		t.Errorf("expected standard rate, got %s", w.ServiceFeeRate)
	}
}

func TestRequestWithdrawal_PrivilegedNoFee(t *testing.T) {
	e, _ := newTestEngine(t, 1000, stubTiers{"store-1": true}, nil)

	w, err := e.RequestWithdrawal(context.Background(), "store-1", d(100), paypal)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !w.ServiceFee.IsZero() || !w.NetAmount.Equal(d(100)) {
		t.Errorf("expected fee 0 / net 100, got %s / %s", w.ServiceFee, w.NetAmount)
	}
}

// --- Balance ---

func TestRequestWithdrawal_DebitsRevenueAndSnapshots(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)

	w, err := e.RequestWithdrawal(context.Background(), "store-1", d(700), paypal)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !w.PreviousRevenue.Equal(d(1000)) || !w.NewRevenue.Equal(d(300)) {
		t.Errorf("snapshot = %s -> %s, want 1000 -> 300", w.PreviousRevenue, w.NewRevenue)
	}
	if got := revenueOf(t, e); !got.Equal(d(300)) {
		t.Errorf("expected revenue 300, got %s", got)
	}
	if w.Status != model.WithdrawalPending {
		t.Errorf("expected pending, got %s", w.Status)
	}
}

func TestRequestWithdrawal_CapIsEightyPercentOfLifetime(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	if _, err := e.RequestWithdrawal(ctx, "store-1", d(700), paypal); err != nil {
		t.Fatalf("request 700: %v", err)
	}
	_, err := e.RequestWithdrawal(ctx, "store-1", d(200), paypal)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := e.RequestWithdrawal(ctx, "store-1", d(100), paypal); err != nil {
		t.Fatalf("request 100 should fit the remaining balance: %v", err)
	}

	info, err := e.GetBalanceInfo(ctx, "store-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !info.AvailableBalance.IsZero() {
		t.Errorf("expected 0 available, got %s", info.AvailableBalance)
	}
	if !info.PendingTotal.Equal(d(800)) {
		t.Errorf("expected pending 800, got %s", info.PendingTotal)
	}
}

func TestRequestWithdrawal_ConcurrentRequestsCannotOverspend(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	var (
		g         errgroup.Group
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for _, amount := range []float64{700, 200} {
		amount := amount
		g.Go(func() error {
			_, err := e.RequestWithdrawal(ctx, "store-1", d(amount), paypal)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientBalance):
				refused++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if succeeded != 1 || refused != 1 {
		t.Errorf("expected exactly one success, got %d succeeded, %d refused", succeeded, refused)
	}

	info, _ := e.GetBalanceInfo(ctx, "store-1")
	if info.PendingTotal.GreaterThan(d(800)) {
		t.Errorf("pending total %s exceeds withdrawable cap", info.PendingTotal)
	}
	if revenueOf(t, e).IsNegative() {
		t.Error("revenue went negative")
	}
}

func TestRequestWithdrawal_Validation(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		amount decimal.Decimal
		payout model.PayoutDetails
		want   error
	}{
		{"zero amount", decimal.Zero, paypal, ledger.ErrInvalidAmount},
		{"negative amount", d(-5), paypal, ledger.ErrInvalidAmount},
		{"no method", d(10), model.PayoutDetails{}, ledger.ErrMissingPayoutDetails},
		{"bank without number", d(10), model.PayoutDetails{
			Method: model.PayoutBankTransfer, AccountName: "A", BankName: "B",
		}, ledger.ErrMissingPayoutDetails},
		{"crypto without network", d(10), model.PayoutDetails{
			Method: model.PayoutCrypto, WalletAddress: "0xabc",
		}, ledger.ErrMissingPayoutDetails},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.RequestWithdrawal(ctx, "store-1", tc.amount, tc.payout)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if got := revenueOf(t, e); !got.Equal(d(1000)) {
		t.Errorf("validation failures must not touch revenue, got %s", got)
	}
}

func TestRequestWithdrawal_UnknownStore(t *testing.T) {
	e, _ := newTestEngine(t, 0, nil, nil)
	_, err := e.RequestWithdrawal(context.Background(), "nope", d(10), paypal)
	if !errors.Is(err, ledger.ErrStoreNotFound) {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}
}

// --- Workflow ---

func TestReject_RecreditsRevenue(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	w, err := e.RequestWithdrawal(ctx, "store-1", d(500), paypal)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := revenueOf(t, e); !got.Equal(d(500)) {
		t.Fatalf("expected revenue 500 after request, got %s", got)
	}

	rejected, err := e.Reject(ctx, w.ID, "admin-1", "payout account closed")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != model.WithdrawalRejected || rejected.RejectedBy != "admin-1" || rejected.RejectedAt == nil {
		t.Errorf("unexpected rejected withdrawal: %+v", rejected)
	}
	if got := revenueOf(t, e); !got.Equal(d(1000)) {
		t.Errorf("expected revenue back to 1000, got %s", got)
	}

	info, _ := e.GetBalanceInfo(ctx, "store-1")
	if !info.AvailableBalance.Equal(d(800)) {
		t.Errorf("expected available 800 after reject, got %s", info.AvailableBalance)
	}
}

func TestReject_RequiresReason(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()
	w, _ := e.RequestWithdrawal(ctx, "store-1", d(100), paypal)

	if _, err := e.Reject(ctx, w.ID, "admin-1", "  "); !errors.Is(err, ledger.ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	got, _ := e.GetWithdrawal(ctx, w.ID)
	if got.Status != model.WithdrawalPending {
		t.Errorf("expected still pending, got %s", got.Status)
	}
}

func TestApproveComplete_DoesNotTouchRevenue(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	w, _ := e.RequestWithdrawal(ctx, "store-1", d(800), paypal)
	if _, err := e.Approve(ctx, w.ID, "admin-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	done, err := e.Complete(ctx, w.ID, "admin-1", "PAYOUT-123")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.WithdrawalCompleted || done.PayoutReference != "PAYOUT-123" || done.CompletedAt == nil {
		t.Errorf("unexpected completed withdrawal: %+v", done)
	}
	if got := revenueOf(t, e); !got.Equal(d(200)) {
		t.Errorf("expected revenue 200, got %s", got)
	}

	info, _ := e.GetBalanceInfo(ctx, "store-1")
	if !info.CompletedTotal.Equal(d(800)) || !info.PendingTotal.IsZero() || !info.AvailableBalance.IsZero() {
		t.Errorf("unexpected balance: %+v", info)
	}
	if info.Stats.Completed != 1 || info.Stats.Withdrawals != 1 {
		t.Errorf("unexpected stats: %+v", info.Stats)
	}
}

func TestBalance_NewSalesRaiseTheCap(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	w, _ := e.RequestWithdrawal(ctx, "store-1", d(800), paypal)
	e.Approve(ctx, w.ID, "admin-1")
	e.Complete(ctx, w.ID, "admin-1", "P1")

	if err := e.Credit(ctx, "store-1", d(500), 1, 2); err != nil {
		t.Fatalf("credit: %v", err)
	}
	info, _ := e.GetBalanceInfo(ctx, "store-1")
	// 1500 * 0.8 - 800 completed
	if !info.AvailableBalance.Equal(d(400)) {
		t.Errorf("expected available 400, got %s", info.AvailableBalance)
	}
	if !info.Stats.Revenue.Equal(d(700)) || !info.Stats.LifetimeRevenue.Equal(d(1500)) {
		t.Errorf("unexpected revenue figures: %+v", info.Stats)
	}
	if info.Stats.SalesCount != 3 || info.Stats.OrdersCount != 2 {
		t.Errorf("unexpected counters: %+v", info.Stats)
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	pending, _ := e.RequestWithdrawal(ctx, "store-1", d(100), paypal)
	if _, err := e.Complete(ctx, pending.ID, "admin-1", "P"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("complete from pending: expected ErrInvalidState, got %v", err)
	}

	approved, _ := e.RequestWithdrawal(ctx, "store-1", d(100), paypal)
	e.Approve(ctx, approved.ID, "admin-1")
	if _, err := e.Approve(ctx, approved.ID, "admin-1"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("approve twice: expected ErrInvalidState, got %v", err)
	}
	if _, err := e.Reject(ctx, approved.ID, "admin-1", "late"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("reject approved: expected ErrInvalidState, got %v", err)
	}
	if _, err := e.Cancel(ctx, approved.ID, "owner-1"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("cancel approved: expected ErrInvalidState, got %v", err)
	}

	rejected, _ := e.RequestWithdrawal(ctx, "store-1", d(100), paypal)
	e.Reject(ctx, rejected.ID, "admin-1", "no")
	if _, err := e.Approve(ctx, rejected.ID, "admin-1"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("approve rejected: expected ErrInvalidState, got %v", err)
	}

	if _, err := e.Approve(ctx, "missing", "admin-1"); !errors.Is(err, ledger.ErrWithdrawalNotFound) {
		t.Errorf("expected ErrWithdrawalNotFound, got %v", err)
	}
}

func TestCancel_RecreditsRevenue(t *testing.T) {
	e, _ := newTestEngine(t, 1000, nil, nil)
	ctx := context.Background()

	w, _ := e.RequestWithdrawal(ctx, "store-1", d(300), paypal)
	cancelled, err := e.Cancel(ctx, w.ID, "owner-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.WithdrawalCancelled || cancelled.CancelledAt == nil {
		t.Errorf("unexpected cancelled withdrawal: %+v", cancelled)
	}
	if got := revenueOf(t, e); !got.Equal(d(1000)) {
		t.Errorf("expected revenue 1000, got %s", got)
	}
}

// --- Notifications ---

func TestNotifier_FailureDoesNotFailTransition(t *testing.T) {
	n := &recordingNotifier{err: errors.New("smtp down")}
	e, _ := newTestEngine(t, 1000, nil, n)
	ctx := context.Background()

	w, err := e.RequestWithdrawal(ctx, "store-1", d(100), paypal)
	if err != nil {
		t.Fatalf("request must succeed despite notifier failure: %v", err)
	}
	if _, err := e.Approve(ctx, w.ID, "admin-1"); err != nil {
		t.Fatalf("approve must succeed despite notifier failure: %v", err)
	}
	if len(n.events) != 2 || n.events[0] != model.WithdrawalPending || n.events[1] != model.WithdrawalApproved {
		t.Errorf("unexpected notifications: %v", n.events)
	}
}

func TestListWithdrawals_OldestFirst(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, 1000, nil, nil)
	e = e.WithClock(func() time.Time { now = now.Add(time.Minute); return now })
	ctx := context.Background()

	first, _ := e.RequestWithdrawal(ctx, "store-1", d(10), paypal)
	second, _ := e.RequestWithdrawal(ctx, "store-1", d(20), paypal)

	ws, err := e.ListWithdrawals(ctx, "store-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ws) != 2 || ws[0].ID != first.ID || ws[1].ID != second.ID {
		t.Errorf("unexpected order: %+v", ws)
	}
}

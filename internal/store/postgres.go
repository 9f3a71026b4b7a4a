package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kstore/settlement-core/internal/model"
)

// Schema creates the tables PostgresStore expects.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	store_id       TEXT NOT NULL,
	name           TEXT NOT NULL,
	price          NUMERIC NOT NULL,
	inventory_type TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS inventory_items (
	id           TEXT PRIMARY KEY,
	product_id   TEXT NOT NULL REFERENCES products(id),
	position     INT NOT NULL,
	status       TEXT NOT NULL,
	payload      TEXT NOT NULL,
	order_id     TEXT,
	customer_ref TEXT NOT NULL DEFAULT '',
	reserved_at  TIMESTAMPTZ,
	sold_at      TIMESTAMPTZ,
	UNIQUE (product_id, position),
	CHECK ((status = 'available') = (order_id IS NULL))
);
CREATE TABLE IF NOT EXISTS orders (
	id                 TEXT PRIMARY KEY,
	buyer_id           TEXT NOT NULL,
	store_id           TEXT NOT NULL,
	lines              JSONB NOT NULL,
	total              NUMERIC NOT NULL,
	payment_status     TEXT NOT NULL,
	status             TEXT NOT NULL,
	inventory_reserved BOOLEAN NOT NULL,
	reserved_items     JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id             TEXT PRIMARY KEY,
	order_id       TEXT NOT NULL REFERENCES orders(id),
	amount         NUMERIC NOT NULL,
	status         TEXT NOT NULL,
	gateway        TEXT NOT NULL,
	metadata       JSONB NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS store_ledgers (
	store_id         TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	revenue          NUMERIC NOT NULL CHECK (revenue >= 0),
	lifetime_revenue NUMERIC NOT NULL,
	sales_count      BIGINT NOT NULL,
	orders_count     BIGINT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS withdrawal_requests (
	id               TEXT PRIMARY KEY,
	store_id         TEXT NOT NULL REFERENCES store_ledgers(store_id),
	amount           NUMERIC NOT NULL,
	service_fee_rate NUMERIC NOT NULL,
	service_fee      NUMERIC NOT NULL,
	net_amount       NUMERIC NOT NULL,
	payout           JSONB NOT NULL,
	status           TEXT NOT NULL,
	previous_revenue NUMERIC NOT NULL,
	new_revenue      NUMERIC NOT NULL,
	approved_at      TIMESTAMPTZ,
	approved_by      TEXT NOT NULL DEFAULT '',
	rejected_at      TIMESTAMPTZ,
	rejected_by      TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	completed_at     TIMESTAMPTZ,
	completed_by     TEXT NOT NULL DEFAULT '',
	payout_reference TEXT NOT NULL DEFAULT '',
	cancelled_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
	store_id   TEXT PRIMARY KEY,
	tier       TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Inside RunInTx, single-row reads take FOR UPDATE row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&PostgresStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) forUpdate() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

// --- Products and inventory ---

// CreateProduct inserts the product row and its initial items together.
func (s *PostgresStore) CreateProduct(ctx context.Context, p *model.Product) error {
	if !s.inTx && len(p.Items) > 0 {
		return s.RunInTx(ctx, func(tx Store) error { return tx.CreateProduct(ctx, p) })
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO products (id, store_id, name, price, inventory_type, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		p.ID, p.StoreID, p.Name, p.Price.String(), string(p.InventoryType), p.CreatedAt,
	)
	if err != nil {
		return mapErr(fmt.Sprintf("create product %s", p.ID), err)
	}
	if len(p.Items) == 0 {
		return nil
	}
	return s.AddInventoryItems(ctx, p.ID, p.Items)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	var price, invType string

	err := s.q.QueryRow(ctx,
		`SELECT id, store_id, name, price::TEXT, inventory_type, created_at
		 FROM products WHERE id = $1`+s.forUpdate(), id).
		Scan(&p.ID, &p.StoreID, &p.Name, &price, &invType, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get product %s", id), err)
	}
	if p.Price, err = parseNumeric("price", price); err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	p.InventoryType = model.InventoryType(invType)

	rows, err := s.q.Query(ctx,
		`SELECT id, product_id, position, status, payload, COALESCE(order_id, ''),
		        customer_ref, reserved_at, sold_at
		 FROM inventory_items WHERE product_id = $1 ORDER BY position`+s.forUpdate(), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p.Items, err = scanInventoryItems(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) AddInventoryItems(ctx context.Context, productID string, items []model.InventoryItem) error {
	var next int
	if err := s.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM inventory_items WHERE product_id = $1`,
		productID).Scan(&next); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, it := range items {
		batch.Queue(
			`INSERT INTO inventory_items (id, product_id, position, status, payload, order_id, customer_ref, reserved_at, sold_at)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`,
			it.ID, productID, next+i, string(it.Status), it.Payload, it.OrderID, it.CustomerRef, it.ReservedAt, it.SoldAt,
		)
	}
	br := s.q.SendBatch(ctx, batch)
	defer br.Close()
	for range items {
		if _, err := br.Exec(); err != nil {
			return mapErr(fmt.Sprintf("add items to %s", productID), err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateInventoryItem(ctx context.Context, it *model.InventoryItem) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE inventory_items
		 SET status = $2, order_id = NULLIF($3, ''), customer_ref = $4, reserved_at = $5, sold_at = $6
		 WHERE id = $1`,
		it.ID, string(it.Status), it.OrderID, it.CustomerRef, it.ReservedAt, it.SoldAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inventory item %s: %w", it.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListReservedItems(ctx context.Context, cutoff time.Time) ([]model.InventoryItem, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, product_id, position, status, payload, COALESCE(order_id, ''),
		        customer_ref, reserved_at, sold_at
		 FROM inventory_items
		 WHERE status = 'reserved' AND reserved_at < $1
		 ORDER BY reserved_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInventoryItems(rows)
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	lines, reserved, err := marshalOrder(o)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO orders (id, buyer_id, store_id, lines, total, payment_status, status,
		                     inventory_reserved, reserved_items, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5::NUMERIC, $6, $7, $8, $9::JSONB, $10, $11)`,
		o.ID, o.BuyerID, o.StoreID, lines, o.Total.String(), string(o.PaymentStatus), string(o.Status),
		o.InventoryReserved, reserved, o.CreatedAt, o.UpdatedAt,
	)
	return mapErr(fmt.Sprintf("create order %s", o.ID), err)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	var lines, reserved []byte
	var total, payStatus, status string

	err := s.q.QueryRow(ctx,
		`SELECT id, buyer_id, store_id, lines, total::TEXT, payment_status, status,
		        inventory_reserved, reserved_items, created_at, updated_at
		 FROM orders WHERE id = $1`+s.forUpdate(), id).
		Scan(&o.ID, &o.BuyerID, &o.StoreID, &lines, &total, &payStatus, &status,
			&o.InventoryReserved, &reserved, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get order %s", id), err)
	}
	if o.Total, err = parseNumeric("total", total); err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	o.PaymentStatus = model.PaymentStatus(payStatus)
	o.Status = model.OrderStatus(status)
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("decode order %s lines: %w", id, err)
	}
	if err := json.Unmarshal(reserved, &o.ReservedItems); err != nil {
		return nil, fmt.Errorf("decode order %s reservations: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	lines, reserved, err := marshalOrder(o)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE orders
		 SET lines = $2::JSONB, payment_status = $3, status = $4, inventory_reserved = $5,
		     reserved_items = $6::JSONB, updated_at = $7
		 WHERE id = $1`,
		o.ID, lines, string(o.PaymentStatus), string(o.Status), o.InventoryReserved, reserved, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

// --- Transactions ---

func (s *PostgresStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO transactions (id, order_id, amount, status, gateway, metadata, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::JSONB, $7, $8, $9)`,
		t.ID, t.OrderID, t.Amount.String(), string(t.Status), t.Gateway, meta, t.FailureReason,
		t.CreatedAt, t.UpdatedAt,
	)
	return mapErr(fmt.Sprintf("create transaction %s", t.ID), err)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	row := s.q.QueryRow(ctx,
		`SELECT id, order_id, amount::TEXT, status, gateway, metadata, failure_reason, created_at, updated_at
		 FROM transactions WHERE id = $1`+s.forUpdate(), id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get transaction %s", id), err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions
		 SET status = $2, metadata = $3::JSONB, failure_reason = $4, updated_at = $5
		 WHERE id = $1`,
		t.ID, string(t.Status), meta, t.FailureReason, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListTransactionsByOrder(ctx context.Context, orderID string) ([]model.Transaction, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, order_id, amount::TEXT, status, gateway, metadata, failure_reason, created_at, updated_at
		 FROM transactions WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// --- Store ledgers ---

func (s *PostgresStore) CreateStoreLedger(ctx context.Context, l *model.StoreLedger) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO store_ledgers (store_id, owner_id, revenue, lifetime_revenue, sales_count, orders_count, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)`,
		l.StoreID, l.OwnerID, l.Revenue.String(), l.LifetimeRevenue.String(),
		l.SalesCount, l.OrdersCount, l.UpdatedAt,
	)
	return mapErr(fmt.Sprintf("create store ledger %s", l.StoreID), err)
}

func (s *PostgresStore) GetStoreLedger(ctx context.Context, storeID string) (*model.StoreLedger, error) {
	var l model.StoreLedger
	var revenue, lifetime string

	err := s.q.QueryRow(ctx,
		`SELECT store_id, owner_id, revenue::TEXT, lifetime_revenue::TEXT, sales_count, orders_count, updated_at
		 FROM store_ledgers WHERE store_id = $1`+s.forUpdate(), storeID).
		Scan(&l.StoreID, &l.OwnerID, &revenue, &lifetime, &l.SalesCount, &l.OrdersCount, &l.UpdatedAt)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get store ledger %s", storeID), err)
	}
	var n numerics
	l.Revenue = n.parse("revenue", revenue)
	l.LifetimeRevenue = n.parse("lifetime_revenue", lifetime)
	if n.err != nil {
		return nil, fmt.Errorf("get store ledger %s: %w", storeID, n.err)
	}
	return &l, nil
}

func (s *PostgresStore) UpdateStoreLedger(ctx context.Context, l *model.StoreLedger) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE store_ledgers
		 SET revenue = $2::NUMERIC, lifetime_revenue = $3::NUMERIC,
		     sales_count = $4, orders_count = $5, updated_at = $6
		 WHERE store_id = $1`,
		l.StoreID, l.Revenue.String(), l.LifetimeRevenue.String(), l.SalesCount, l.OrdersCount, l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store ledger %s: %w", l.StoreID, ErrNotFound)
	}
	return nil
}

// --- Withdrawals ---

const withdrawalColumns = `id, store_id, amount::TEXT, service_fee_rate::TEXT, service_fee::TEXT,
	net_amount::TEXT, payout, status, previous_revenue::TEXT, new_revenue::TEXT,
	approved_at, approved_by, rejected_at, rejected_by, rejection_reason,
	completed_at, completed_by, payout_reference, cancelled_at, created_at`

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	payout, err := json.Marshal(w.Payout)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO withdrawal_requests (id, store_id, amount, service_fee_rate, service_fee, net_amount,
		        payout, status, previous_revenue, new_revenue, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::JSONB, $8,
		         $9::NUMERIC, $10::NUMERIC, $11)`,
		w.ID, w.StoreID, w.Amount.String(), w.ServiceFeeRate.String(), w.ServiceFee.String(),
		w.NetAmount.String(), string(payout), string(w.Status),
		w.PreviousRevenue.String(), w.NewRevenue.String(), w.CreatedAt,
	)
	return mapErr(fmt.Sprintf("create withdrawal %s", w.ID), err)
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`+s.forUpdate(), id)
	w, err := scanWithdrawal(row)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get withdrawal %s", id), err)
	}
	return w, nil
}

func (s *PostgresStore) UpdateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE withdrawal_requests
		 SET status = $2, approved_at = $3, approved_by = $4, rejected_at = $5, rejected_by = $6,
		     rejection_reason = $7, completed_at = $8, completed_by = $9, payout_reference = $10,
		     cancelled_at = $11
		 WHERE id = $1`,
		w.ID, string(w.Status), w.ApprovedAt, w.ApprovedBy, w.RejectedAt, w.RejectedBy,
		w.RejectionReason, w.CompletedAt, w.CompletedBy, w.PayoutReference, w.CancelledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListWithdrawalsByStore(ctx context.Context, storeID string) ([]model.WithdrawalRequest, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE store_id = $1 ORDER BY created_at, id`,
		storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

// --- Subscriptions ---

func (s *PostgresStore) PutSubscription(ctx context.Context, sub *model.Subscription) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO subscriptions (store_id, tier, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (store_id) DO UPDATE SET tier = EXCLUDED.tier, expires_at = EXCLUDED.expires_at`,
		sub.StoreID, string(sub.Tier), sub.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, storeID string) (*model.Subscription, error) {
	var sub model.Subscription
	var tier string
	err := s.q.QueryRow(ctx,
		`SELECT store_id, tier, expires_at FROM subscriptions WHERE store_id = $1`, storeID).
		Scan(&sub.StoreID, &tier, &sub.ExpiresAt)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get subscription %s", storeID), err)
	}
	sub.Tier = model.Tier(tier)
	return &sub, nil
}

// --- Scan helpers ---

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInventoryItems(rows pgxRows) ([]model.InventoryItem, error) {
	var items []model.InventoryItem
	for rows.Next() {
		var it model.InventoryItem
		var status string
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Position, &status, &it.Payload, &it.OrderID,
			&it.CustomerRef, &it.ReservedAt, &it.SoldAt); err != nil {
			return nil, err
		}
		it.Status = model.ItemStatus(status)
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var amount, status string
	var meta []byte
	if err := row.Scan(&t.ID, &t.OrderID, &amount, &status, &t.Gateway, &meta, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	amt, err := parseNumeric("amount", amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	t.Amount = amt
	t.Status = model.TransactionStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction %s metadata: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanWithdrawal(row rowScanner) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	var amount, rate, fee, net, status, prev, next string
	var payout []byte
	if err := row.Scan(&w.ID, &w.StoreID, &amount, &rate, &fee, &net, &payout, &status, &prev, &next,
		&w.ApprovedAt, &w.ApprovedBy, &w.RejectedAt, &w.RejectedBy, &w.RejectionReason,
		&w.CompletedAt, &w.CompletedBy, &w.PayoutReference, &w.CancelledAt, &w.CreatedAt); err != nil {
		return nil, err
	}
	var n numerics
	w.Amount = n.parse("amount", amount)
	w.ServiceFeeRate = n.parse("service_fee_rate", rate)
	w.ServiceFee = n.parse("service_fee", fee)
	w.NetAmount = n.parse("net_amount", net)
	w.PreviousRevenue = n.parse("previous_revenue", prev)
	w.NewRevenue = n.parse("new_revenue", next)
	if n.err != nil {
		return nil, fmt.Errorf("withdrawal %s: %w", w.ID, n.err)
	}
	w.Status = model.WithdrawalStatus(status)
	if err := json.Unmarshal(payout, &w.Payout); err != nil {
		return nil, fmt.Errorf("decode withdrawal %s payout: %w", w.ID, err)
	}
	return &w, nil
}

func marshalOrder(o *model.Order) (lines, reserved string, err error) {
	l := o.Lines
	if l == nil {
		l = []model.OrderLine{}
	}
	r := o.ReservedItems
	if r == nil {
		r = []model.ReservedItem{}
	}
	lb, err := json.Marshal(l)
	if err != nil {
		return "", "", err
	}
	rb, err := json.Marshal(r)
	if err != nil {
		return "", "", err
	}
	return string(lb), string(rb), nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// ErrCorruptNumeric is returned when a NUMERIC column does not parse as a
// decimal.
var ErrCorruptNumeric = errors.New("store: corrupt numeric value")

func parseNumeric(col, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q: %w", ErrCorruptNumeric, col, s, err)
	}
	return d, nil
}

// numerics parses several columns of one row and keeps the first error.
type numerics struct{ err error }

func (n *numerics) parse(col, s string) decimal.Decimal {
	if n.err != nil {
		return decimal.Zero
	}
	d, err := parseNumeric(col, s)
	n.err = err
	return d
}

// mapErr translates pgx "no rows" and unique violations into the store's
// sentinel errors.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

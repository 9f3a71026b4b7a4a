package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fakeRow feeds fixed column values to a scan helper.
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r))
	}
	for i, v := range r {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func transactionRow(amount string) fakeRow {
	now := time.Now()
	return fakeRow{"tx-1", "o-1", amount, "created", "stripe", []byte(`{}`), "", now, now}
}

func TestScanTransaction_ParsesAmount(t *testing.T) {
	tx, err := scanTransaction(transactionRow("12.50"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !tx.Amount.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("expected 12.50, got %s", tx.Amount)
	}
}

func TestScanTransaction_CorruptAmount(t *testing.T) {
	tx, err := scanTransaction(transactionRow("12,50"))
	if !errors.Is(err, ErrCorruptNumeric) {
		t.Fatalf("expected ErrCorruptNumeric, got %v (%+v)", err, tx)
	}
}

func TestNumerics_KeepsFirstError(t *testing.T) {
	var n numerics
	a := n.parse("amount", "10")
	b := n.parse("fee", "NaN?")
	c := n.parse("net", "8")

	if !a.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected 10, got %s", a)
	}
	if !errors.Is(n.err, ErrCorruptNumeric) {
		t.Fatalf("expected ErrCorruptNumeric, got %v", n.err)
	}
	if !b.IsZero() || !c.IsZero() {
		t.Errorf("values after the first error should be zero, got %s and %s", b, c)
	}
}

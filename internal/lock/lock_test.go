package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), ProductKey("p1"))
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if len(m.keys) != 0 {
		t.Errorf("expected entries to be released, %d left", len(m.keys))
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), ProductKey("p1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := m.Lock(ctx, ProductKey("p2"))
	if err != nil {
		t.Fatalf("distinct key should not block: %v", err)
	}
	other()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), StoreKey("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, StoreKey("s1")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if len(m.keys) != 0 {
		t.Errorf("expected no entries after release, got %d", len(m.keys))
	}
}

type failingLocker struct {
	failOn string
	held   map[string]bool
}

func (f *failingLocker) Lock(_ context.Context, key string) (func(), error) {
	if key == f.failOn {
		return nil, errors.New("boom")
	}
	f.held[key] = true
	return func() { delete(f.held, key) }, nil
}

func TestLockAll_ReleasesOnFailure(t *testing.T) {
	l := &failingLocker{failOn: ProductKey("b"), held: map[string]bool{}}
	_, err := LockAll(context.Background(), l, TransactionKey("tx"), ProductKey("a"), ProductKey("b"))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(l.held) != 0 {
		t.Errorf("expected nothing held, got %v", l.held)
	}

	l.failOn = ""
	release, err := LockAll(context.Background(), l, TransactionKey("tx"), ProductKey("a"))
	if err != nil {
		t.Fatalf("lock all: %v", err)
	}
	if len(l.held) != 2 {
		t.Errorf("expected 2 keys held, got %v", l.held)
	}
	release()
	if len(l.held) != 0 {
		t.Errorf("expected release to free every key, got %v", l.held)
	}
}

func TestProductKeys_SortedAndDistinct(t *testing.T) {
	got := ProductKeys("b", "a", "b", "c")
	want := []string{"product:a", "product:b", "product:c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

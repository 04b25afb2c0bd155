package hal

import (
	"errors"
	"sync"
	"testing"
)

type counter struct {
	n int
}

func TestLockReadersShare(t *testing.T) {
	l := NewLock(&counter{n: 1})

	a := l.RLock()
	b, ok := l.TryRLock()
	if !ok {
		t.Fatalf("second reader was refused")
	}
	if a != b {
		t.Fatalf("readers saw different values")
	}
	if _, ok := l.TryLock(); ok {
		t.Fatalf("writer acquired while readers hold the lock")
	}
	l.RUnlock()
	l.RUnlock()

	if _, ok := l.TryLock(); !ok {
		t.Fatalf("writer refused after readers released")
	}
	l.Unlock()
}

func TestLockWriterExcludes(t *testing.T) {
	l := NewLock(counter{})

	p := l.Lock()
	p.n = 42
	if _, ok := l.TryRLock(); ok {
		t.Fatalf("reader acquired while writer holds the lock")
	}
	if _, ok := l.TryLock(); ok {
		t.Fatalf("second writer acquired")
	}
	l.Unlock()

	if got := l.RLock().n; got != 42 {
		t.Fatalf("value after write = %d, want 42", got)
	}
	l.RUnlock()
}

func TestLockWriteReplacesValue(t *testing.T) {
	l := NewLock[*counter](nil)
	if err := l.Write(func(slot **counter) error {
		*slot = &counter{n: 7}
		return nil
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := l.Read(func(c *counter) error {
		if c == nil || c.n != 7 {
			t.Fatalf("Read saw %+v, want n=7", c)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
}

func TestLockTryFormsReportBusy(t *testing.T) {
	l := NewLock(counter{})
	l.Lock()
	defer l.Unlock()

	called := false
	if err := l.TryRead(func(counter) error { called = true; return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("TryRead = %v, want %v", err, ErrBusy)
	}
	if err := l.TryWrite(func(*counter) error { called = true; return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("TryWrite = %v, want %v", err, ErrBusy)
	}
	if called {
		t.Fatalf("callback ran on a contended lock")
	}
}

func TestLockCallbackErrorPropagates(t *testing.T) {
	l := NewLock(counter{})
	boom := errors.New("boom")
	if err := l.TryWrite(func(*counter) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("TryWrite = %v, want %v", err, boom)
	}
	// The failed callback must still release the lock.
	if _, ok := l.TryLock(); !ok {
		t.Fatalf("lock leaked after callback error")
	}
	l.Unlock()
}

func TestLocksAreIndependent(t *testing.T) {
	a := NewLock(counter{})
	b := NewLock(counter{})
	a.Lock()
	defer a.Unlock()
	if _, ok := b.TryLock(); !ok {
		t.Fatalf("holding one lock blocked an unrelated lock")
	}
	b.Unlock()
}

func TestLockConcurrentWriters(t *testing.T) {
	l := NewLock(counter{})
	const workers, iterations = 8, 500

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				_ = l.Write(func(c *counter) error {
					c.n++
					return nil
				})
				_ = l.Read(func(counter) error { return nil })
			}
		}()
	}
	wg.Wait()

	if got := l.RLock().n; got != workers*iterations {
		t.Fatalf("n = %d, want %d", got, workers*iterations)
	}
	l.RUnlock()
}

func TestLockUnlockUnheldPanics(t *testing.T) {
	l := NewLock(counter{})
	defer func() {
		if recover() == nil {
			t.Fatalf("Unlock of free lock did not panic")
		}
	}()
	l.Unlock()
}

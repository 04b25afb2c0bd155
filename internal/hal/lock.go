package hal

import (
	"runtime"
	"sync/atomic"
)

const writerHeld = -1

// Lock is a reader/writer spin lock guarding a single heap-allocated value.
//
// Readers may hold the lock concurrently; a writer excludes every other holder
// of the same Lock and nothing else. The blocking forms busy-wait and must not
// be used from interrupt-handler context: a handler has to use TryRLock,
// TryLock, TryRead or TryWrite and treat ErrBusy as "try again later".
type Lock[T any] struct {
	state   atomic.Int32
	waiting atomic.Int32
	slot    *T
}

// NewLock moves v into a fresh heap slot guarded by the returned Lock.
func NewLock[T any](v T) *Lock[T] {
	slot := new(T)
	*slot = v
	return &Lock[T]{slot: slot}
}

// RLock acquires the lock for reading and returns the guarded value. New
// readers back off while a writer is waiting so writers are not starved.
func (l *Lock[T]) RLock() T {
	for {
		if l.waiting.Load() == 0 {
			s := l.state.Load()
			if s >= 0 && l.state.CompareAndSwap(s, s+1) {
				return *l.slot
			}
		}
		runtime.Gosched()
	}
}

// TryRLock acquires the lock for reading if no writer holds or waits for it.
func (l *Lock[T]) TryRLock() (T, bool) {
	for {
		s := l.state.Load()
		if s < 0 || l.waiting.Load() != 0 {
			var zero T
			return zero, false
		}
		if l.state.CompareAndSwap(s, s+1) {
			return *l.slot, true
		}
	}
}

// RUnlock releases one read hold.
func (l *Lock[T]) RUnlock() {
	if l.state.Add(-1) < 0 {
		panic("hal: RUnlock of Lock not held for reading")
	}
}

// Lock acquires the lock for writing and returns a pointer to the guarded
// slot. Storing through the pointer replaces the guarded value.
func (l *Lock[T]) Lock() *T {
	l.waiting.Add(1)
	for !l.state.CompareAndSwap(0, writerHeld) {
		runtime.Gosched()
	}
	l.waiting.Add(-1)
	return l.slot
}

// TryLock acquires the lock for writing if nobody holds it.
func (l *Lock[T]) TryLock() (*T, bool) {
	if !l.state.CompareAndSwap(0, writerHeld) {
		return nil, false
	}
	return l.slot, true
}

// Unlock releases a write hold.
func (l *Lock[T]) Unlock() {
	if !l.state.CompareAndSwap(writerHeld, 0) {
		panic("hal: Unlock of Lock not held for writing")
	}
}

// Read runs fn with the value held for reading.
func (l *Lock[T]) Read(fn func(T) error) error {
	v := l.RLock()
	defer l.RUnlock()
	return fn(v)
}

// TryRead is the non-blocking form of Read. It returns ErrBusy without
// calling fn when a writer holds the lock.
func (l *Lock[T]) TryRead(fn func(T) error) error {
	v, ok := l.TryRLock()
	if !ok {
		return ErrBusy
	}
	defer l.RUnlock()
	return fn(v)
}

// Write runs fn with the slot held for writing.
func (l *Lock[T]) Write(fn func(*T) error) error {
	p := l.Lock()
	defer l.Unlock()
	return fn(p)
}

// TryWrite is the non-blocking form of Write.
func (l *Lock[T]) TryWrite(fn func(*T) error) error {
	p, ok := l.TryLock()
	if !ok {
		return ErrBusy
	}
	defer l.Unlock()
	return fn(p)
}

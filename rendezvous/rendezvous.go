// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package rendezvous implements a registry of one-shot result slots.
//
// Each slot pairs a producer, which delivers a value at most once, with a
// single consumer blocked in Wait. The registry is a pure synchronization
// primitive: it knows nothing about what the values mean, and it is safe
// for concurrent use by multiple goroutines.
package rendezvous

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled is reported by Wait when the slot was canceled before a
// value was delivered.
var ErrCanceled = errors.New("rendezvous canceled")

// A Registry tracks one-shot slots keyed by string identifier.
// The zero value is not ready for use; call New.
type Registry[T any] struct {
	mu    sync.Mutex
	slots map[string]*Slot[T]
}

// New constructs a new, empty registry.
func New[T any]() *Registry[T] { return &Registry[T]{slots: make(map[string]*Slot[T])} }

// A Slot is a single-value hand-off cell. A value delivered to the slot
// is received by exactly one call to Wait.
type Slot[T any] struct {
	ch   chan T        // capacity 1; filled at most once
	done chan struct{} // closed on cancellation

	fill   sync.Once
	cancel sync.Once
}

func newSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1), done: make(chan struct{})}
}

// Register returns the slot for id, creating it if necessary. Calling
// Register again with the same id returns the same slot until the id is
// released.
func (r *Registry[T]) Register(id string) *Slot[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		return s
	}
	s := newSlot[T]()
	r.slots[id] = s
	return s
}

// Deliver fills the slot for id with v. Delivering to an unknown or
// already-filled slot is a no-op: the second of two racing producers
// must not observe an error.
func (r *Registry[T]) Deliver(id string, v T) {
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.fill.Do(func() { s.ch <- v })
}

// Cancel wakes the waiter for id with ErrCanceled. Canceling an unknown
// id is a no-op. A slot that has already received a value keeps it; the
// waiter is still handed the value, not the cancellation.
func (r *Registry[T]) Cancel(id string) {
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	if ok {
		s.cancel.Do(func() { close(s.done) })
	}
}

// CancelAll cancels every registered slot. It is intended for process
// shutdown.
func (r *Registry[T]) CancelAll() {
	r.mu.Lock()
	all := make([]*Slot[T], 0, len(r.slots))
	for _, s := range r.slots {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.cancel.Do(func() { close(s.done) })
	}
}

// Release discards the slot for id. After Release, Deliver for id is a
// no-op and Register creates a fresh slot. The caller is responsible for
// ensuring no goroutine is still blocked on the released slot.
func (r *Registry[T]) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, id)
}

// Len reports the number of registered slots.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Wait blocks until a value is delivered to s, s is canceled, or ctx
// ends. A delivered value wins over a concurrent cancellation or context
// expiry whenever both are ready.
func (s *Slot[T]) Wait(ctx context.Context) (T, error) {
	// Prefer a value that is already present.
	select {
	case v := <-s.ch:
		return v, nil
	default:
	}
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		var zero T
		return zero, ErrCanceled
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

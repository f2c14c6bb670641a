// Package events provides observer registration scoped to the lifetime of the
// component that owns the event. Event calls observers synchronously, in emit
// order with the state of the owner. Bus delivers to channels.
package events

import (
	"sync"
)

// Event delivers values of T to registered observers. The owner emits and closes it,
// closing drops all observers so that they don't outlive the owner.
type Event[T any] struct {
	mu        sync.Mutex
	closed    bool
	next      int
	observers map[int]func(T)
}

// Subscribe registers fn. Observers are called synchronously from Emit and must not block.
// The returned function unregisters fn, it is safe to call more than once.
func (e *Event[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	if e.observers == nil {
		e.observers = map[int]func(T){}
	}
	id := e.next
	e.next++
	e.observers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// Emit calls every registered observer with v.
func (e *Event[T]) Emit(v T) {
	e.mu.Lock()
	observers := make([]func(T), 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.mu.Unlock()
	for _, fn := range observers {
		fn(v)
	}
}

// Close unregisters all observers. Subscriptions after Close are noops.
func (e *Event[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.observers = nil
}

package util

import (
	"context"
	"sync"
)

// Trigger is a one-shot completion handle. It is created unresolved and may be
// resolved exactly once; waiters are released when it resolves.
//
// The component that creates a Trigger owns the resolve step, other components only
// wait on it.
type Trigger struct {
	once sync.Once
	done chan struct{}
}

// NewTrigger creates an unresolved trigger.
func NewTrigger() *Trigger {
	return &Trigger{done: make(chan struct{})}
}

// Resolve releases all waiters. It returns false if the trigger was already resolved.
func (t *Trigger) Resolve() bool {
	resolved := false
	t.once.Do(func() {
		close(t.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel closed when the trigger resolves.
func (t *Trigger) Done() <-chan struct{} {
	return t.done
}

// Resolved returns true if the trigger was resolved.
func (t *Trigger) Resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the trigger resolves or ctx is done.
func (t *Trigger) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

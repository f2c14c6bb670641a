package events

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
)

// Bus delivers values of T to channel subscribers over a libp2p event bus. Every
// subscriber gets values in emit order. A subscriber that doesn't keep up misses
// values instead of blocking the emitter.
type Bus[T any] struct {
	bus     event.Bus
	emitter event.Emitter

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

type subscription struct {
	sub  event.Subscription
	once sync.Once
	stop chan struct{}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.stop) })
}

// NewBus creates a bus for T.
func NewBus[T any]() *Bus[T] {
	bus := eventbus.NewBus()
	emitter, err := bus.Emitter(new(T))
	if err != nil {
		panic(err) // only fails for non pointer types
	}
	return &Bus[T]{bus: bus, emitter: emitter, subs: map[*subscription]struct{}{}}
}

// Subscribe returns a channel with a buffer of size. The channel is closed after
// cancel or after the bus is closed, once values emitted before are delivered.
func (b *Bus[T]) Subscribe(size int) (<-chan T, func()) {
	out := make(chan T, size)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(out)
		return out, func() {}
	}
	sub, err := b.bus.Subscribe(new(T), eventbus.BufSize(size))
	if err != nil {
		panic(err) // the type matches the emitter
	}
	s := &subscription{sub: sub, stop: make(chan struct{})}
	b.subs[s] = struct{}{}
	go forward(s, out)
	return out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.close()
	}
}

func forward[T any](s *subscription, out chan<- T) {
	defer close(out)
	defer s.sub.Close()
	deliver := func(evt any) {
		select {
		case out <- evt.(T):
		default:
		}
	}
	for {
		select {
		case evt := <-s.sub.Out():
			deliver(evt)
		case <-s.stop:
			for {
				select {
				case evt := <-s.sub.Out():
					deliver(evt)
				default:
					return
				}
			}
		}
	}
}

// Emit delivers v to all subscribers.
func (b *Bus[T]) Emit(v T) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		_ = b.emitter.Emit(v)
	}
}

// Close closes the bus and all subscriptions.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	b.emitter.Close()
	for s := range subs {
		s.close()
	}
}

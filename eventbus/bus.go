// Package eventbus provides a small named-event publish/subscribe bus.
// Components that need to publish receive a *Bus explicitly; nothing embeds it.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// ListenerID identifies a registered listener so it can be removed later.
type ListenerID uint64

// Handler receives an event payload. Returning true stops propagation to the
// listeners registered after it for the same emission.
type Handler[T any] func(T) bool

type listener[T any] struct {
	id   ListenerID
	name string
	fn   Handler[T]
}

// Bus dispatches payloads of type T to listeners registered by event name.
// It is safe for concurrent use. Handlers run without the bus lock held, so a
// handler may register or remove listeners.
type Bus[T any] struct {
	mu        sync.RWMutex
	listeners []listener[T]
	nextID    atomic.Uint64
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// On registers fn for the named event.
func (b *Bus[T]) On(name string, fn Handler[T]) ListenerID {
	id := ListenerID(b.nextID.Add(1))
	b.add(id, name, fn)
	return id
}

// Once registers fn for a single delivery of the named event. The listener is
// removed before fn runs.
func (b *Bus[T]) Once(name string, fn Handler[T]) ListenerID {
	id := ListenerID(b.nextID.Add(1))
	var fired atomic.Bool
	b.add(id, name, func(payload T) bool {
		if !fired.CompareAndSwap(false, true) {
			return false
		}
		b.Off(id)
		return fn(payload)
	})
	return id
}

func (b *Bus[T]) add(id ListenerID, name string, fn Handler[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener[T]{id: id, name: name, fn: fn})
}

// Off removes the listener with the given id. Unknown ids are ignored.
func (b *Bus[T]) Off(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// OffEvent removes every listener registered for name.
func (b *Bus[T]) OffEvent(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.listeners[:0:0]
	for _, l := range b.listeners {
		if l.name != name {
			kept = append(kept, l)
		}
	}
	b.listeners = kept
}

// Clear removes all listeners.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
}

// Len returns the number of listeners registered for name.
func (b *Bus[T]) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, l := range b.listeners {
		if l.name == name {
			n++
		}
	}
	return n
}

// Emit delivers payload to the listeners of name in registration order.
// It reports false if a listener stopped propagation.
func (b *Bus[T]) Emit(name string, payload T) bool {
	if b == nil {
		return true
	}

	b.mu.RLock()
	var targets []Handler[T]
	for _, l := range b.listeners {
		if l.name == name {
			targets = append(targets, l.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		if fn(payload) {
			return false
		}
	}
	return true
}

package page

import (
	"log/slog"
	"sync"
)

// Bus is the window message channel. Messages are untyped and delivered
// synchronously to every listener in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners []*listener
}

type listener struct {
	fn func(msg any)
}

func NewBus() *Bus {
	return &Bus{}
}

// PostMessage delivers msg to all listeners. A panicking listener does not
// prevent delivery to the others and never reaches the poster.
func (b *Bus) PostMessage(msg any) {
	b.mu.RLock()
	ls := append([]*listener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, l := range ls {
		safeCall(func() { l.fn(msg) })
	}
}

// AddListener subscribes f and returns a function removing it.
func (b *Bus) AddListener(f func(msg any)) (remove func()) {
	l := &listener{fn: f}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, x := range b.listeners {
			if x == l {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Listeners returns the number of registered listeners.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("page callback panicked", slog.Any("panic", r))
		}
	}()
	f()
}

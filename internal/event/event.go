// Package event provides the notification primitives shared by the ride
// entities: a one-shot event that replays to late subscribers, and a plain
// multi-subscriber hook list. Handlers always run outside internal locks.
package event

import "sync"

// Once fires at most once. Subscribers registered after the event fired are
// invoked immediately with the recorded payload instead of being stored.
type Once[T any] struct {
	mu       sync.Mutex
	fired    bool
	payload  T
	next     uint64
	handlers map[uint64]func(T)
}

// Fire records v and notifies subscribers. Only the first call succeeds.
func (o *Once[T]) Fire(v T) bool {
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return false
	}
	o.fired = true
	o.payload = v
	hs := make([]func(T), 0, len(o.handlers))
	for _, h := range o.handlers {
		hs = append(hs, h)
	}
	o.handlers = nil
	o.mu.Unlock()

	for _, h := range hs {
		h(v)
	}
	return true
}

// Fired reports whether Fire has succeeded.
func (o *Once[T]) Fired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fired
}

// Subscribe registers fn and returns a function that detaches it. If the
// event already fired, fn runs synchronously before Subscribe returns.
func (o *Once[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	if o.fired {
		v := o.payload
		o.mu.Unlock()
		fn(v)
		return func() {}
	}
	if o.handlers == nil {
		o.handlers = make(map[uint64]func(T))
	}
	id := o.next
	o.next++
	o.handlers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.handlers, id)
		o.mu.Unlock()
	}
}

// Hooks is a list of handlers invoked on every Emit.
type Hooks[T any] struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]func(T)
}

func (h *Hooks[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	if h.handlers == nil {
		h.handlers = make(map[uint64]func(T))
	}
	id := h.next
	h.next++
	h.handlers[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

// Emit calls every current handler with v. Handlers added or removed during
// Emit take effect from the next call.
func (h *Hooks[T]) Emit(v T) {
	h.mu.Lock()
	hs := make([]func(T), 0, len(h.handlers))
	for _, fn := range h.handlers {
		hs = append(hs, fn)
	}
	h.mu.Unlock()
	for _, fn := range hs {
		fn(v)
	}
}

// Len returns the number of subscribed handlers.
func (h *Hooks[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

package events

import (
	"context"
	"sync"
)

type Handler[T any] func(ctx context.Context, ev T)

// Registry is a publish/subscribe point for one event type. Handlers run on
// the publisher's goroutine in subscription order; a handler that needs to do
// slow work hands it off itself.
type Registry[T any] struct {
	mu       sync.RWMutex
	nextId   int
	handlers []subscription[T]
}

type subscription[T any] struct {
	id int
	fn Handler[T]
}

// Subscribe registers fn and returns a function that removes it again.
func (r *Registry[T]) Subscribe(fn Handler[T]) (unsubscribe func()) {
	r.mu.Lock()
	r.nextId++
	id := r.nextId
	r.handlers = append(r.handlers, subscription[T]{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.handlers {
			if s.id == id {
				r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry[T]) Publish(ctx context.Context, ev T) {
	r.mu.RLock()
	hs := make([]Handler[T], len(r.handlers))
	for i, s := range r.handlers {
		hs[i] = s.fn
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(ctx, ev)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

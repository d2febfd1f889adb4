package ifrpc

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// MessageHandler receives every message delivered to a context.
type MessageHandler interface {
	HandleMessage(ev MessageEvent)
}

// Registry fans inbound messages out to every registered handler.
//
// Each handler examines each message independently: a handler that rejects
// or panics does not prevent delivery to the others.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	nextID   int
	order    []int
	handlers map[int]MessageHandler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[int]MessageHandler),
		logger:   logger,
	}
}

// Register adds h and returns a function that removes it again.
func (r *Registry) Register(h MessageHandler) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	r.order = append(r.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Dispatch hands ev to every handler registered at call time, in
// registration order.
func (r *Registry) Dispatch(ev MessageEvent) {
	r.mu.Lock()
	snapshot := make([]MessageHandler, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.handlers[id])
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		r.deliver(h, ev)
	}
}

func (r *Registry) deliver(h MessageHandler, ev MessageEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message handler panicked",
				"panic", p,
				"stack", string(debug.Stack()))
		}
	}()
	h.HandleMessage(ev)
}

package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler runs one job. data is the raw value the producer pushed.
type Handler interface {
	Handle(ctx context.Context, data json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, data json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, data json.RawMessage) error { return f(ctx, data) }

// Registry maps job names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register replaces any handler already bound to name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, data json.RawMessage) error) {
	r.Register(name, HandlerFunc(fn))
}

func (r *Registry) lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Package registry maps operation names to client-side replay handlers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fieldsync/internal/models"
)

// ErrHandlerMissing marks an operation nobody registered a handler for.
// Retrying cannot help.
var ErrHandlerMissing = errors.New("no handler registered")

// Handler replays one operation. A failed call must be safe to repeat.
type Handler func(ctx context.Context, payload models.Payload) error

// Registry is built once at startup and read during drain passes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds action to h. A later registration for the same name wins.
func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Call runs the handler for action or returns ErrHandlerMissing.
func (r *Registry) Call(ctx context.Context, action string, payload models.Payload) error {
	h, ok := r.Lookup(action)
	if !ok {
		return fmt.Errorf("%w for action %q", ErrHandlerMissing, action)
	}
	return h(ctx, payload)
}

func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package dispatch routes replayed operations to server-side domain functions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fieldsync/internal/models"
)

// ErrUnknownAction is returned for names with no registered function.
var ErrUnknownAction = errors.New("unknown action")

// Func performs one domain operation with the payload fields as arguments.
type Func func(ctx context.Context, payload models.Payload) (any, error)

// DomainError wraps a failure raised by a domain function.
type DomainError struct {
	Action string
	Err    error
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// Dispatcher does not look inside payloads; validation is the domain's job.
type Dispatcher struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func New() *Dispatcher {
	return &Dispatcher{funcs: make(map[string]Func)}
}

func (d *Dispatcher) Register(action string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.funcs[action] = fn
}

// Dispatch invokes the function registered for action.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, payload models.Payload) (any, error) {
	d.mu.RLock()
	fn, ok := d.funcs[action]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if payload == nil {
		payload = models.Payload{}
	}

	result, err := fn(ctx, payload)
	if err != nil {
		return nil, &DomainError{Action: action, Err: err}
	}
	return result, nil
}

func (d *Dispatcher) Has(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.funcs[action]
	return ok
}

func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.funcs))
	for name := range d.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

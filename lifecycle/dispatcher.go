package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Errors returned by the Dispatcher.
var (
	ErrUnknownEvent     = errors.New("lifecycle: unknown event")
	ErrDuplicateHandler = errors.New("lifecycle: handler already registered")
	ErrNoHandler        = errors.New("lifecycle: no handler registered")
)

// Dispatcher holds at most one handler per event.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Event]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Event]Handler)}
}

// Register installs h for event.
func (d *Dispatcher) Register(event Event, h Handler) error {
	if !event.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	if h == nil {
		return fmt.Errorf("lifecycle: nil handler for %s", event)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[event]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, event)
	}
	d.handlers[event] = h
	slog.Debug("lifecycle handler registered", "event", event)
	return nil
}

// Has reports whether a handler is registered for event.
func (d *Dispatcher) Has(event Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[event]
	return ok
}

// Dispatch runs the handler registered for ev.Event and waits for it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Context) error {
	d.mu.RLock()
	h, ok := d.handlers[ev.Event]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Event)
	}
	return h(ctx, ev)
}

// Package lifecycle defines the events a host dispatches to the offline cache
// manager and the Dispatcher that routes them.
//
// A host (the caching proxy, or a test) owns a Dispatcher and passes it to
// the manager as a Registrar. The manager registers exactly one handler per
// event; the host then calls Dispatch whenever the matching signal occurs and
// waits for the handler to return before considering the event complete.
package lifecycle

import (
	"context"
	"net/http"

	"github.com/ferro-labs/pwacache/storage"
)

// Event names a lifecycle hook.
type Event string

// Event constants define the hooks a manager may handle.
const (
	EventInstall  Event = "install"
	EventActivate Event = "activate"
	EventFetch    Event = "fetch"
	EventSync     Event = "sync"
	EventPush     Event = "push"
)

// Events lists every known hook in dispatch-table order.
var Events = []Event{EventInstall, EventActivate, EventFetch, EventSync, EventPush}

// Valid reports whether e is a known hook.
func (e Event) Valid() bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Context carries the data for one dispatched event. Fields that do not apply
// to the event are left zero.
type Context struct {
	Event Event

	// Request is set for fetch events.
	Request *http.Request
	// Response is filled by a fetch handler that responds to the request.
	Response *storage.Entry
	// Source names where Response came from ("network", "precache", "runtime").
	Source string
	// PassThrough is set by a fetch handler that declines to intercept.
	PassThrough bool

	// Tag is set for sync events.
	Tag string
	// Payload is the raw push message body, possibly empty.
	Payload []byte
}

// NewFetchContext creates the context for a fetch event.
func NewFetchContext(r *http.Request) *Context {
	return &Context{Event: EventFetch, Request: r}
}

// Handler reacts to a dispatched event. The event is complete when the
// handler returns.
type Handler func(ctx context.Context, ev *Context) error

// Registrar accepts handler registrations.
type Registrar interface {
	Register(event Event, h Handler) error
}

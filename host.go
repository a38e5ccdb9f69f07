package pwacache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ferro-labs/pwacache/internal/logging"
	"github.com/ferro-labs/pwacache/internal/metrics"
	"github.com/ferro-labs/pwacache/lifecycle"
)

// State is the lifecycle state of the version hosted by a LocalHost.
type State string

// State constants follow the service worker lifecycle.
const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ErrNotInstalled is returned by Activate before a successful install.
var ErrNotInstalled = errors.New("pwacache: version is not installed")

const maxNotifications = 50

// Status is a snapshot of a LocalHost.
type Status struct {
	State       State `json:"state"`
	SkipWaiting bool  `json:"skip_waiting"`
	Controlling bool  `json:"controlling"`
	Claims      int   `json:"claims"`
}

// LocalHost is an in-process host for one Manager. It owns the dispatcher
// the manager attaches to, drives the install/activate state machine, and
// only routes fetches to the manager once the version is active and has
// claimed its clients.
type LocalHost struct {
	*lifecycle.Dispatcher

	// lifecycleMu serialises install and activate.
	lifecycleMu sync.Mutex

	mu            sync.Mutex
	state         State
	skipWaiting   bool
	controlling   bool
	claims        int
	notifications []Notification
}

// NewLocalHost creates a host in the parsed state.
func NewLocalHost() *LocalHost {
	return &LocalHost{
		Dispatcher: lifecycle.NewDispatcher(),
		state:      StateParsed,
	}
}

// SkipWaiting implements Host.
func (h *LocalHost) SkipWaiting(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipWaiting = true
	return nil
}

// ClaimClients implements Host.
func (h *LocalHost) ClaimClients(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controlling = true
	h.claims++
	return nil
}

// ShowNotification implements Host. Notifications are logged and the most
// recent ones are kept for inspection.
func (h *LocalHost) ShowNotification(ctx context.Context, n Notification) error {
	h.mu.Lock()
	h.notifications = append(h.notifications, n)
	if len(h.notifications) > maxNotifications {
		h.notifications = h.notifications[len(h.notifications)-maxNotifications:]
	}
	h.mu.Unlock()

	metrics.Notifications.Inc()
	logging.FromContext(ctx).Info("notification shown", "title", n.Title, "body", n.Body)
	return nil
}

// Notifications returns the most recently shown notifications, oldest first.
func (h *LocalHost) Notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notifications...)
}

// Status returns a snapshot of the host state.
func (h *LocalHost) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		State:       h.state,
		SkipWaiting: h.skipWaiting,
		Controlling: h.controlling,
		Claims:      h.claims,
	}
}

func (h *LocalHost) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// Install dispatches the install event. Re-installing an active version
// refreshes the precache without leaving the active state. A failed first
// install marks the version redundant.
func (h *LocalHost) Install(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	prev := h.Status().State
	if prev != StateActive {
		h.setState(StateInstalling)
	}
	err := h.Dispatch(ctx, &lifecycle.Context{Event: lifecycle.EventInstall})
	switch {
	case err != nil && prev == StateActive:
		h.setState(StateActive)
	case err != nil:
		h.setState(StateRedundant)
	case prev != StateActive:
		h.setState(StateInstalled)
	}
	return err
}

// Activate dispatches the activate event. The version must be installed.
func (h *LocalHost) Activate(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	prev := h.Status().State
	if prev != StateInstalled && prev != StateActive {
		return fmt.Errorf("%w (state %s)", ErrNotInstalled, prev)
	}
	h.setState(StateActivating)
	if err := h.Dispatch(ctx, &lifecycle.Context{Event: lifecycle.EventActivate}); err != nil {
		h.setState(prev)
		return err
	}
	h.setState(StateActive)
	return nil
}

// Start installs and activates, retrying every interval until both succeed
// or ctx is done.
func (h *LocalHost) Start(ctx context.Context, interval time.Duration) error {
	log := logging.FromContext(ctx)
	for {
		err := h.Install(ctx)
		if err == nil {
			err = h.Activate(ctx)
		}
		if err == nil {
			log.Info("cache version active")
			return nil
		}
		log.Error("cache lifecycle failed, retrying", "error", err.Error(), "retry_in", interval.String())
		// A failed first install leaves the version redundant; the retry
		// starts over from parsed.
		if h.Status().State == StateRedundant {
			h.setState(StateParsed)
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Fetch dispatches a fetch event for r. Requests arriving before the version
// controls its clients are marked pass-through without reaching the manager.
func (h *LocalHost) Fetch(ctx context.Context, r *http.Request) (*lifecycle.Context, error) {
	ev := lifecycle.NewFetchContext(r)
	st := h.Status()
	if st.State != StateActive || !st.Controlling {
		ev.PassThrough = true
		return ev, nil
	}
	if err := h.Dispatch(ctx, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// Sync dispatches a background sync event.
func (h *LocalHost) Sync(ctx context.Context, tag string) error {
	return h.Dispatch(ctx, &lifecycle.Context{Event: lifecycle.EventSync, Tag: tag})
}

// Push dispatches a push event carrying payload.
func (h *LocalHost) Push(ctx context.Context, payload []byte) error {
	return h.Dispatch(ctx, &lifecycle.Context{Event: lifecycle.EventPush, Payload: payload})
}

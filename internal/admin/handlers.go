// Package admin provides HTTP handlers for the cache proxy administration
// API: partition inspection, lifecycle triggers and the sync/push stubs.
// All routes are protected by bearer-token authentication via AuthMiddleware.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/pwacache"
	"github.com/ferro-labs/pwacache/internal/logging"
	"github.com/ferro-labs/pwacache/internal/ratelimit"
	"github.com/ferro-labs/pwacache/storage"
)

// maxPushPayload bounds push bodies accepted by the admin API.
const maxPushPayload = 4 << 10

// Host is the lifecycle surface the admin API drives.
type Host interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Sync(ctx context.Context, tag string) error
	Push(ctx context.Context, payload []byte) error
	Status() pwacache.Status
	Notifications() []pwacache.Notification
}

// Partitions tells which partition names the running version recognizes.
type Partitions interface {
	Names() (precache, runtime string)
	Recognized(name string) bool
}

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Host       Host
	Storage    storage.Storage
	Partitions Partitions
	// Limiter, when set, throttles the trigger endpoints per token scope.
	Limiter *ratelimit.Store
}

// PartitionInfo describes one stored partition.
type PartitionInfo struct {
	Name       string `json:"name"`
	Entries    int    `json:"entries"`
	Recognized bool   `json:"recognized"`
	Role       string `json:"role,omitempty"`
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/state", h.state)
		r.Get("/partitions", h.listPartitions)
		r.Get("/partitions/{name}/entries", h.listEntries)
		r.Get("/notifications", h.listNotifications)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware(func(r *http.Request) string {
				scope, _ := ScopeFromContext(r.Context())
				return scope
			}))
		}
		r.Post("/lifecycle/install", h.install)
		r.Post("/lifecycle/activate", h.activate)
		r.Post("/sync/{tag}", h.sync)
		r.Post("/push", h.push)
	})

	return r
}

func (h *Handlers) state(w http.ResponseWriter, _ *http.Request) {
	precache, runtime := h.Partitions.Names()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   h.Host.Status(),
		"precache": precache,
		"runtime":  runtime,
	})
}

func (h *Handlers) listPartitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := h.Storage.Keys(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		return
	}
	precache, runtime := h.Partitions.Names()

	out := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		// Skip partitions deleted since Keys; Open would recreate them.
		ok, err := h.Storage.Has(ctx, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "", "")
			return
		}
		if !ok {
			continue
		}
		p, err := h.Storage.Open(ctx, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "", "")
			return
		}
		n, err := p.Len(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "", "")
			return
		}
		info := PartitionInfo{Name: name, Entries: n, Recognized: h.Partitions.Recognized(name)}
		switch name {
		case precache:
			info.Role = "precache"
		case runtime:
			info.Role = "runtime"
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   out,
	})
}

func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	ok, err := h.Storage.Has(ctx, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "partition not found: "+name, "", "partition_not_found")
		return
	}
	p, err := h.Storage.Open(ctx, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		return
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":    "list",
		"partition": name,
		"data":      keys,
	})
}

func (h *Handlers) listNotifications(w http.ResponseWriter, _ *http.Request) {
	n := h.Host.Notifications()
	if n == nil {
		n = []pwacache.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   n,
	})
}

func (h *Handlers) install(w http.ResponseWriter, r *http.Request) {
	if err := h.Host.Install(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pwacache.ErrInstallFailed) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error(), "", "install_failed")
		return
	}
	logging.FromContext(r.Context()).Info("install triggered via admin API")
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": h.Host.Status()})
}

func (h *Handlers) activate(w http.ResponseWriter, r *http.Request) {
	if err := h.Host.Activate(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pwacache.ErrNotInstalled) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error(), "", "activate_failed")
		return
	}
	logging.FromContext(r.Context()).Info("activate triggered via admin API")
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": h.Host.Status()})
}

func (h *Handlers) sync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := h.Host.Sync(r.Context(), tag); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", "sync_failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) push(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error(), "", "")
		return
	}
	if len(payload) > maxPushPayload {
		writeError(w, http.StatusRequestEntityTooLarge, "push payload too large", "invalid_request_error", "payload_too_large")
		return
	}
	if err := h.Host.Push(r.Context(), payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", "invalid_payload")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package pwacache keeps a website usable when its origin is slow or
// unreachable. It implements an offline cache manager in the style of a
// service worker: a fixed precache filled at install time, a runtime cache
// filled as visitors browse, garbage collection of stale partitions on
// activation, and a per-request policy that prefers the network for page
// loads and the cache for sub-resources.
//
// The Manager reacts to lifecycle events (install, activate, fetch, sync,
// push) registered on a [lifecycle.Registrar]. [LocalHost] is an in-process
// host that drives those events; cmd/pwacached wraps it in an HTTP proxy.
// Partitions live in a [storage.Storage], and network fetches go through a
// [Fetcher].
package pwacache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferro-labs/pwacache/internal/logging"
	"github.com/ferro-labs/pwacache/internal/metrics"
	"github.com/ferro-labs/pwacache/lifecycle"
	"github.com/ferro-labs/pwacache/storage"
)

// Errors returned by the Manager.
var (
	// ErrPassThrough means the manager does not intercept the request; the
	// host must forward it untouched.
	ErrPassThrough = errors.New("pwacache: request not intercepted")
	// ErrNoCacheMatch means a navigation failed on the network and no cached
	// entry could stand in for it.
	ErrNoCacheMatch = errors.New("pwacache: no cached response")
	// ErrInstallFailed wraps every install failure.
	ErrInstallFailed = errors.New("pwacache: install failed")
)

// SyncAnalyticsTag is the only background sync tag the manager reacts to.
const SyncAnalyticsTag = "sync-analytics"

// Source tells where a response came from.
type Source string

// Source constants.
const (
	SourceNetwork  Source = "network"
	SourcePrecache Source = "precache"
	SourceRuntime  Source = "runtime"
)

// Fetcher performs network fetches. req carries an absolute URL.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*storage.Entry, error)
}

// Host provides the signals the manager sends back to its environment.
type Host interface {
	// SkipWaiting asks for the installed version to take over immediately.
	SkipWaiting(ctx context.Context) error
	// ClaimClients puts every open session under this version's control.
	ClaimClients(ctx context.Context) error
	// ShowNotification displays a push notification.
	ShowNotification(ctx context.Context, n Notification) error
}

// Response is the result of an intercepted fetch.
type Response struct {
	Entry  *storage.Entry
	Source Source
	Class  Class
}

// Manager is the offline cache manager. Create one per process with New.
type Manager struct {
	origin       *url.URL
	precacheName string
	runtimeName  string
	precache     []string
	notify       NotificationConfig

	store storage.Storage
	net   Fetcher
	host  Host
	now   func() time.Time
}

// New creates a Manager. cfg is validated; missing defaults are applied.
func New(cfg Config, store storage.Storage, net Fetcher, host Host) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if store == nil || net == nil || host == nil {
		return nil, fmt.Errorf("pwacache: storage, fetcher and host are required")
	}
	origin, err := parseOrigin(cfg.Site.Origin)
	if err != nil {
		return nil, fmt.Errorf("site.origin: %w", err)
	}
	origin = &url.URL{Scheme: origin.Scheme, Host: origin.Host}

	precacheName, runtimeName := cfg.Cache.Names()
	return &Manager{
		origin:       origin,
		precacheName: precacheName,
		runtimeName:  runtimeName,
		precache:     append([]string(nil), cfg.Cache.Precache...),
		notify:       cfg.Notifications,
		store:        store,
		net:          net,
		host:         host,
		now:          time.Now,
	}, nil
}

// Origin returns the site origin requests are classified against.
func (m *Manager) Origin() *url.URL {
	u := *m.origin
	return &u
}

// Names returns the two partition names this version recognizes.
func (m *Manager) Names() (precache, runtime string) {
	return m.precacheName, m.runtimeName
}

// Recognized reports whether name is one of this version's partitions.
func (m *Manager) Recognized(name string) bool {
	return name == m.precacheName || name == m.runtimeName
}

// Attach registers one handler per lifecycle event on r.
func (m *Manager) Attach(r lifecycle.Registrar) error {
	handlers := map[lifecycle.Event]lifecycle.Handler{
		lifecycle.EventInstall: func(ctx context.Context, _ *lifecycle.Context) error {
			return m.Install(ctx)
		},
		lifecycle.EventActivate: func(ctx context.Context, _ *lifecycle.Context) error {
			return m.Activate(ctx)
		},
		lifecycle.EventFetch: func(ctx context.Context, ev *lifecycle.Context) error {
			resp, err := m.Fetch(ctx, ev.Request)
			if errors.Is(err, ErrPassThrough) {
				ev.PassThrough = true
				return nil
			}
			if err != nil {
				return err
			}
			ev.Response = resp.Entry
			ev.Source = string(resp.Source)
			return nil
		},
		lifecycle.EventSync: func(ctx context.Context, ev *lifecycle.Context) error {
			return m.Sync(ctx, ev.Tag)
		},
		lifecycle.EventPush: func(ctx context.Context, ev *lifecycle.Context) error {
			return m.Push(ctx, ev.Payload)
		},
	}
	for _, event := range lifecycle.Events {
		if err := r.Register(event, counted(event, handlers[event])); err != nil {
			return err
		}
	}
	return nil
}

func counted(event lifecycle.Event, h lifecycle.Handler) lifecycle.Handler {
	return func(ctx context.Context, ev *lifecycle.Context) error {
		err := h(ctx, ev)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.LifecycleEvents.WithLabelValues(string(event), status).Inc()
		return err
	}
}

// Install fetches every precache path and replaces the precache partition with
// the responses. Either every path is stored or the install fails and the
// partition keeps whatever it held before.
func (m *Manager) Install(ctx context.Context) error {
	log := logging.FromContext(ctx)

	entries := make([]*storage.Entry, len(m.precache))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range m.precache {
		g.Go(func() error {
			target := m.origin.ResolveReference(&url.URL{Path: path})
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return err
			}
			e, err := m.net.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if e.Status < 200 || e.Status > 299 {
				return fmt.Errorf("precache %s: unexpected status %d", path, e.Status)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("precache fetch failed", "partition", m.precacheName, "error", err.Error())
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	for i, e := range entries {
		entries[i] = shareable(e)
	}
	if err := m.store.Replace(ctx, m.precacheName, entries); err != nil {
		metrics.CacheWrites.WithLabelValues(string(SourcePrecache), "error").Inc()
		log.Error("precache write failed", "partition", m.precacheName, "error", err.Error())
		return fmt.Errorf("%w: store precache: %w", ErrInstallFailed, err)
	}
	metrics.CacheWrites.WithLabelValues(string(SourcePrecache), "stored").Add(float64(len(entries)))
	log.Info("precache populated", "partition", m.precacheName, "entries", len(entries))

	return m.host.SkipWaiting(ctx)
}

// Activate deletes every partition this version does not recognize and then
// claims all open sessions.
func (m *Manager) Activate(ctx context.Context) error {
	log := logging.FromContext(ctx)

	names, err := m.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if m.Recognized(name) {
			continue
		}
		g.Go(func() error {
			deleted, err := m.store.Delete(gctx, name)
			if err != nil {
				return fmt.Errorf("delete partition %q: %w", name, err)
			}
			if deleted {
				metrics.PartitionsDeleted.Inc()
				log.Info("stale partition deleted", "partition", name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.host.ClaimClients(ctx)
}

// Fetch applies the caching policy to r. Cross-origin requests return
// ErrPassThrough. Navigations go to the network first and fall back to the
// cache; everything else is served from the cache when possible and fetched
// (and, on 200, stored in the runtime partition) otherwise.
func (m *Manager) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	start := time.Now()
	d := DescriptorFromRequest(r, m.origin)
	class := Classify(d, m.origin)

	var (
		resp *Response
		err  error
	)
	switch class {
	case CrossOrigin:
		metrics.FetchesTotal.WithLabelValues(class.String(), "passthrough", "ok").Inc()
		return nil, ErrPassThrough
	case Navigation:
		resp, err = m.networkFirst(ctx, r, d)
	default:
		resp, err = m.cacheFirst(ctx, r, d)
	}

	source, outcome := "none", "ok"
	if err != nil {
		outcome = "error"
	} else {
		resp.Class = class
		source = string(resp.Source)
	}
	metrics.FetchesTotal.WithLabelValues(class.String(), source, outcome).Inc()
	metrics.FetchDuration.WithLabelValues(class.String(), source).Observe(time.Since(start).Seconds())

	logging.FromContext(ctx).Debug("fetch handled",
		"class", class.String(),
		"method", d.Method,
		"url", d.URL.String(),
		"source", source,
		"outcome", outcome,
	)
	return resp, err
}

func (m *Manager) networkFirst(ctx context.Context, r *http.Request, d Descriptor) (*Response, error) {
	e, netErr := m.net.Fetch(ctx, outbound(ctx, r, d))
	if netErr == nil {
		return &Response{Entry: e, Source: SourceNetwork}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hit, src, ok, err := m.match(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("%w; cache lookup: %w", netErr, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNoCacheMatch, netErr)
	}
	logging.FromContext(ctx).Info("navigation served from cache",
		"url", d.URL.String(),
		"source", string(src),
		"network_error", netErr.Error(),
	)
	return &Response{Entry: hit, Source: src}, nil
}

func (m *Manager) cacheFirst(ctx context.Context, r *http.Request, d Descriptor) (*Response, error) {
	hit, src, ok, err := m.match(ctx, d)
	if err != nil {
		logging.FromContext(ctx).Warn("cache lookup failed, using network", "url", d.URL.String(), "error", err.Error())
	}
	if ok {
		return &Response{Entry: hit, Source: src}, nil
	}

	e, err := m.net.Fetch(ctx, outbound(ctx, r, d))
	if err != nil {
		return nil, err
	}
	if storable(r, d, e) {
		m.storeRuntime(ctx, shareable(e))
	} else {
		metrics.CacheWrites.WithLabelValues(string(SourceRuntime), "skipped").Inc()
	}
	return &Response{Entry: e, Source: SourceNetwork}, nil
}

// storable reports whether a network response may enter the shared runtime
// partition. Only 200 responses to GET qualify, and never responses the
// origin marked as private to one visitor.
func storable(r *http.Request, d Descriptor, e *storage.Entry) bool {
	if e.Status != http.StatusOK || d.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	if e.Header.Get("Vary") == "*" {
		return false
	}
	for _, v := range e.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}

// shareable returns a copy of e without the headers that belong to the visitor
// whose request filled the cache.
func shareable(e *storage.Entry) *storage.Entry {
	cp := e.Clone()
	cp.Header.Del("Set-Cookie")
	return cp
}

// storeRuntime is best effort: failures are logged and never reach the caller.
func (m *Manager) storeRuntime(ctx context.Context, e *storage.Entry) {
	log := logging.FromContext(ctx)
	if ctx.Err() != nil {
		metrics.CacheWrites.WithLabelValues(string(SourceRuntime), "skipped").Inc()
		return
	}
	p, err := m.store.Open(ctx, m.runtimeName)
	if err == nil {
		err = p.Put(ctx, e)
	}
	if err != nil {
		metrics.CacheWrites.WithLabelValues(string(SourceRuntime), "error").Inc()
		log.Warn("runtime cache write failed", "partition", m.runtimeName, "url", e.URL, "error", err.Error())
		return
	}
	metrics.CacheWrites.WithLabelValues(string(SourceRuntime), "stored").Inc()
}

// match looks d up in the precache, then the runtime partition. Only GET
// requests ever match. Partitions that do not exist are skipped rather than
// created.
func (m *Manager) match(ctx context.Context, d Descriptor) (*storage.Entry, Source, bool, error) {
	if d.Method != http.MethodGet {
		return nil, "", false, nil
	}
	for _, part := range []struct {
		name   string
		source Source
	}{
		{m.precacheName, SourcePrecache},
		{m.runtimeName, SourceRuntime},
	} {
		ok, err := m.store.Has(ctx, part.name)
		if err != nil {
			return nil, "", false, err
		}
		if !ok {
			continue
		}
		p, err := m.store.Open(ctx, part.name)
		if err != nil {
			return nil, "", false, err
		}
		e, ok, err := p.Match(ctx, d.Method, d.URL.String())
		if err != nil {
			return nil, "", false, err
		}
		if ok {
			return e, part.source, true, nil
		}
	}
	return nil, "", false, nil
}

// outbound returns r addressed to its absolute URL.
func outbound(ctx context.Context, r *http.Request, d Descriptor) *http.Request {
	out := r.Clone(ctx)
	out.URL = d.URL
	out.Method = d.Method
	return out
}

// Sync handles a background sync event. It has no synchronization logic yet;
// the analytics tag is acknowledged in the log and every other tag is ignored.
func (m *Manager) Sync(ctx context.Context, tag string) error {
	if tag == SyncAnalyticsTag {
		logging.FromContext(ctx).Info("background sync triggered", "tag", tag)
	}
	return nil
}

// Push decodes a push payload and asks the host to show the notification.
func (m *Manager) Push(ctx context.Context, payload []byte) error {
	n, err := BuildNotification(payload, m.notify, m.now())
	if err != nil {
		return err
	}
	return m.host.ShowNotification(ctx, n)
}

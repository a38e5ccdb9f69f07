package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/ferro-labs/pwacache"
	"github.com/ferro-labs/pwacache/internal/logging"
	"github.com/ferro-labs/pwacache/lifecycle"
	"github.com/ferro-labs/pwacache/storage"
)

// Response headers set by the proxy.
const (
	headerCacheSource = "X-Cache-Source"
	headerPassThrough = "X-Cache-Passthrough"
)

// fetchDispatcher dispatches fetch events. *pwacache.LocalHost implements it.
type fetchDispatcher interface {
	Fetch(ctx context.Context, r *http.Request) (*lifecycle.Context, error)
}

// cacheHandler returns an http.HandlerFunc that dispatches every request as a
// fetch event and writes the manager's response. Requests the manager does
// not intercept, and every request before the cache version is active, are
// reverse-proxied untouched to target.
//
// The proxy only fronts origin. Absolute-form requests naming any other host
// are answered 421 and never forwarded.
//
// When the manager cannot produce a response (navigation offline with no
// cached copy, or a sub-resource whose fetch failed) the proxy answers 504
// with a JSON error body.
func cacheHandler(host fetchDispatcher, origin, target *url.URL) http.HandlerFunc {
	proxy := newPassthroughProxy(target)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host != "" && pwacache.Classify(pwacache.Descriptor{URL: r.URL}, origin) == pwacache.CrossOrigin {
			logging.FromContext(r.Context()).Warn("rejected request for foreign host", "host", r.URL.Host)
			writeError(w, http.StatusMisdirectedRequest, "this proxy only serves "+origin.String(), "invalid_request_error", "foreign_host")
			return
		}
		ev, err := host.Fetch(r.Context(), r)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			code := "network_error"
			if errors.Is(err, pwacache.ErrNoCacheMatch) {
				code = "offline_no_cache"
			}
			logging.FromContext(r.Context()).Warn("fetch failed", "url", r.URL.String(), "error", err.Error())
			writeError(w, http.StatusGatewayTimeout, err.Error(), "offline_error", code)
			return
		}
		if ev.PassThrough || ev.Response == nil {
			proxy.ServeHTTP(w, r)
			return
		}
		writeEntry(w, r, ev.Response, ev.Source)
	}
}

// writeEntry writes a stored or freshly fetched snapshot.
func writeEntry(w http.ResponseWriter, r *http.Request, e *storage.Entry, source string) {
	h := w.Header()
	for k, vv := range e.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set(headerCacheSource, source)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	w.WriteHeader(e.Status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(e.Body)
}

// newPassthroughProxy forwards a request untouched to target, whatever host
// the request line named.
func newPassthroughProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := &httputil.ReverseProxy{}

	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		if target.Path != "" && target.Path != "/" {
			req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
		}
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set(headerPassThrough, "1")
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.FromContext(r.Context()).Warn("passthrough failed", "url", r.URL.String(), "error", err.Error())
		writeError(w, http.StatusBadGateway, "proxy error: "+err.Error(), "proxy_error", "passthrough_failed")
	}

	return proxy
}

// passthroughTarget is the upstream when configured, otherwise the origin.
func passthroughTarget(cfg *pwacache.Config) *url.URL {
	raw := cfg.Site.Upstream
	if raw == "" {
		raw = cfg.Site.Origin
	}
	u, err := url.Parse(raw)
	if err != nil {
		// ValidateConfig has already rejected unparsable URLs.
		return &url.URL{}
	}
	return u
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

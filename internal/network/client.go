// Package network performs the outbound fetches the cache manager needs:
// passthrough fallbacks, navigation loads and runtime cache fills. Every
// fetch is turned into a storage.Entry snapshot so it can be returned to the
// caller and stored without a second read of the body.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ferro-labs/pwacache/internal/circuitbreaker"
	"github.com/ferro-labs/pwacache/internal/logging"
	"github.com/ferro-labs/pwacache/internal/metrics"
	"github.com/ferro-labs/pwacache/storage"
)

// DefaultMaxBodyBytes caps how much of a response body is buffered.
const DefaultMaxBodyBytes = 32 << 20

// ErrBodyTooLarge is returned when a response body exceeds the configured cap.
var ErrBodyTooLarge = errors.New("network: response body too large")

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options configures a Client.
type Options struct {
	// Upstream, when set, replaces the scheme and host of every outgoing
	// request. The incoming Host header is kept so the origin can route by
	// virtual host.
	Upstream string
	// Timeout bounds a single fetch. Zero means no client-side timeout.
	Timeout time.Duration
	// Transport overrides http.DefaultTransport.
	Transport http.RoundTripper
	// Breaker, when set, fails fetches fast while the origin is down.
	Breaker *circuitbreaker.CircuitBreaker
	// MaxBodyBytes caps buffered bodies. Zero selects DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Client fetches requests from the network.
type Client struct {
	http     *http.Client
	upstream *url.URL
	breaker  *circuitbreaker.CircuitBreaker
	maxBody  int64
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	c := &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			// The browser fetch API follows redirects; so do we, which means a
			// stored entry is always the final response.
		},
		breaker: opts.Breaker,
		maxBody: opts.MaxBodyBytes,
	}
	if c.maxBody <= 0 {
		c.maxBody = DefaultMaxBodyBytes
	}
	if opts.Upstream != "" {
		u, err := url.Parse(opts.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream %q must be an absolute URL", opts.Upstream)
		}
		c.upstream = u
	}
	return c, nil
}

// Fetch sends req to the network and buffers the response. An error means the
// network could not produce a response at all; HTTP error statuses are
// returned as ordinary entries.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*storage.Entry, error) {
	if req.URL == nil || !req.URL.IsAbs() {
		return nil, fmt.Errorf("network: request URL must be absolute")
	}
	out := c.outgoing(ctx, req)

	start := time.Now()
	var entry *storage.Entry
	do := func() error {
		resp, err := c.http.Do(out)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if int64(len(body)) > c.maxBody {
			return ErrBodyTooLarge
		}
		header := resp.Header.Clone()
		for _, h := range hopHeaders {
			header.Del(h)
		}
		entry = &storage.Entry{
			Method:   req.Method,
			URL:      req.URL.String(),
			Status:   resp.StatusCode,
			Header:   header,
			Body:     body,
			StoredAt: time.Now().UTC(),
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.DoContext(ctx, do)
	} else {
		err = do()
	}
	metrics.UpstreamDuration.WithLabelValues(outcomeLabel(entry, err)).Observe(time.Since(start).Seconds())
	if err != nil {
		logging.FromContext(ctx).Debug("network fetch failed",
			"method", req.Method,
			"url", req.URL.String(),
			"error", err.Error(),
		)
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	return entry, nil
}

// outgoing builds the request actually sent on the wire.
func (c *Client) outgoing(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	if out.Host == "" {
		out.Host = req.URL.Host
	}
	if c.upstream != nil {
		out.URL.Scheme = c.upstream.Scheme
		out.URL.Host = c.upstream.Host
		if p := strings.TrimSuffix(c.upstream.Path, "/"); p != "" {
			out.URL.Path = p + out.URL.Path
		}
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	// Let the transport negotiate compression so stored bodies are decoded.
	out.Header.Del("Accept-Encoding")
	return out
}

func outcomeLabel(e *storage.Entry, err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case err != nil:
		return "error"
	case e.Status >= 500:
		return "5xx"
	case e.Status >= 400:
		return "4xx"
	default:
		return "ok"
	}
}

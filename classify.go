package pwacache

import (
	"net/http"
	"net/url"
	"strings"
)

// Class is the policy branch a request falls into.
type Class int

// Class constants. Every request is exactly one of these.
const (
	SameOrigin Class = iota
	Navigation
	CrossOrigin
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case Navigation:
		return "navigation"
	case SameOrigin:
		return "same_origin"
	case CrossOrigin:
		return "cross_origin"
	default:
		return "unknown"
	}
}

// ModeNavigate is the request mode of a top-level page load.
const ModeNavigate = "navigate"

// Descriptor is the request metadata classification depends on.
type Descriptor struct {
	Method string
	// URL is absolute.
	URL *url.URL
	// Mode is the fetch mode ("navigate", "cors", "no-cors", "same-origin").
	Mode string
}

// Classify assigns req to a policy branch relative to origin. It is a pure
// function of its arguments.
func Classify(req Descriptor, origin *url.URL) Class {
	if req.URL == nil || !sameOrigin(req.URL, origin) {
		return CrossOrigin
	}
	if req.Mode == ModeNavigate {
		return Navigation
	}
	return SameOrigin
}

// DescriptorFromRequest describes an incoming HTTP request. Origin-relative
// request targets are resolved against origin. The mode comes from the
// Sec-Fetch-Mode header; clients that do not send it are treated as
// navigating when they GET a document that prefers text/html.
func DescriptorFromRequest(r *http.Request, origin *url.URL) Descriptor {
	d := Descriptor{
		Method: r.Method,
		URL:    resolveURL(r, origin),
		Mode:   strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
	}
	if d.Method == "" {
		d.Method = http.MethodGet
	}
	if d.Mode == "" && d.Method == http.MethodGet && acceptsHTML(r.Header.Get("Accept")) {
		d.Mode = ModeNavigate
	}
	return d
}

func resolveURL(r *http.Request, origin *url.URL) *url.URL {
	if r.URL == nil {
		return nil
	}
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	u := *r.URL
	u.Scheme = origin.Scheme
	u.Host = origin.Host
	if u.Path == "" {
		u.Path = "/"
	}
	return &u
}

// acceptsHTML reports whether text/html is the first media range listed.
func acceptsHTML(accept string) bool {
	first, _, _ := strings.Cut(accept, ",")
	mt, _, _ := strings.Cut(first, ";")
	return strings.EqualFold(strings.TrimSpace(mt), "text/html")
}

func sameOrigin(a, b *url.URL) bool {
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

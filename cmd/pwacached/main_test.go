package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/ferro-labs/pwacache"
	"github.com/ferro-labs/pwacache/internal/network"
	"github.com/ferro-labs/pwacache/storage"
)

// testOrigin is a site origin that counts hits per path.
type testOrigin struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		o.mu.Unlock()
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>home</html>")
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"site"}`)
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "console.log(1)")
		case "/about":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>about</html>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

type testProxy struct {
	*httptest.Server
	host *pwacache.LocalHost
	cfg  *pwacache.Config
}

func newTestProxy(t *testing.T, origin string, mutate func(*pwacache.Config)) *testProxy {
	t.Helper()
	cfg := &pwacache.Config{Site: pwacache.SiteConfig{Origin: origin}}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()

	store := storage.NewMemory()
	client, err := network.New(network.Options{})
	if err != nil {
		t.Fatalf("network.New: %v", err)
	}
	host := pwacache.NewLocalHost()
	mgr, err := pwacache.New(*cfg, store, client, host)
	if err != nil {
		t.Fatalf("pwacache.New: %v", err)
	}
	if err := mgr.Attach(host); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	srv := httptest.NewServer(newRouter(cfg, host, mgr, store))
	t.Cleanup(srv.Close)
	return &testProxy{Server: srv, host: host, cfg: cfg}
}

func (p *testProxy) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := p.host.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := p.host.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func (p *testProxy) get(t *testing.T, path string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, p.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

var navigate = map[string]string{"Sec-Fetch-Mode": "navigate", "Accept": "text/html"}

func TestHealth(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)

	resp, body := p.get(t, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if got["status"] != string(pwacache.StateParsed) {
		t.Errorf("status = %v, want parsed", got["status"])
	}
	if _, ok := got["version"]; !ok {
		t.Error("health response missing version field")
	}
}

func TestMetrics(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)
	p.activate(t)

	resp, body := p.get(t, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "pwacache_lifecycle_events_total") {
		t.Error("metrics output missing pwacache_lifecycle_events_total")
	}
}

func TestCacheProxy_PassThroughBeforeActive(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)

	resp, body := p.get(t, "/app.js", nil)
	if resp.StatusCode != http.StatusOK || body != "console.log(1)" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(headerPassThrough) != "1" {
		t.Error("expected passthrough header before activation")
	}
	if resp.Header.Get(headerCacheSource) != "" {
		t.Error("passthrough response must not carry a cache source")
	}
}

// rawGet writes an absolute-form request line straight onto the proxy socket.
func (p *testProxy) rawGet(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	conn, err := net.Dial("tcp", p.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	u, _ := url.Parse(target)
	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target, u.Host); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestCacheProxy_RefusesForeignHosts(t *testing.T) {
	var internalHits int
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		internalHits++
		_, _ = io.WriteString(w, "INTERNAL-SECRET")
	}))
	defer internal.Close()

	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)

	for _, active := range []bool{false, true} {
		if active {
			p.activate(t)
		}
		resp, body := p.rawGet(t, internal.URL+"/anything")
		if resp.StatusCode != http.StatusMisdirectedRequest {
			t.Errorf("active=%v: status = %d, want 421", active, resp.StatusCode)
		}
		if strings.Contains(body, "INTERNAL-SECRET") {
			t.Errorf("active=%v: foreign host content leaked through the proxy", active)
		}
	}
	if internalHits != 0 {
		t.Errorf("foreign host received %d requests", internalHits)
	}

	resp, body := p.rawGet(t, origin.URL+"/app.js")
	if resp.StatusCode != http.StatusOK || body != "console.log(1)" {
		t.Errorf("absolute-form origin request = %d %q", resp.StatusCode, body)
	}
}

func TestCacheProxy_SameOriginStoredAfterFirstFetch(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)
	p.activate(t)

	resp, body := p.get(t, "/app.js", nil)
	if got := resp.Header.Get(headerCacheSource); got != string(pwacache.SourceNetwork) {
		t.Errorf("first fetch source = %q, want network", got)
	}
	if body != "console.log(1)" {
		t.Errorf("body = %q", body)
	}

	resp, body = p.get(t, "/app.js", nil)
	if got := resp.Header.Get(headerCacheSource); got != string(pwacache.SourceRuntime) {
		t.Errorf("second fetch source = %q, want runtime", got)
	}
	if body != "console.log(1)" {
		t.Errorf("cached body = %q", body)
	}
	if resp.Header.Get("Content-Type") != "application/javascript" {
		t.Errorf("cached content type = %q", resp.Header.Get("Content-Type"))
	}
	if n := origin.count("/app.js"); n != 1 {
		t.Errorf("origin hits for /app.js = %d, want 1", n)
	}
}

func TestCacheProxy_PrecacheServedWithoutNetwork(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)
	p.activate(t)

	resp, _ := p.get(t, "/manifest.json", nil)
	if got := resp.Header.Get(headerCacheSource); got != string(pwacache.SourcePrecache) {
		t.Errorf("source = %q, want precache", got)
	}
	if n := origin.count("/manifest.json"); n != 1 {
		t.Errorf("origin hits for /manifest.json = %d, want 1 (install only)", n)
	}
}

func TestCacheProxy_NotFoundNotStored(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)
	p.activate(t)

	for i := 0; i < 2; i++ {
		resp, _ := p.get(t, "/missing.png", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
		if got := resp.Header.Get(headerCacheSource); got != string(pwacache.SourceNetwork) {
			t.Errorf("source = %q, want network", got)
		}
	}
	if n := origin.count("/missing.png"); n != 2 {
		t.Errorf("origin hits = %d, want 2", n)
	}
}

func TestCacheProxy_NavigationPrefersNetwork(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)
	p.activate(t)

	resp, body := p.get(t, "/", navigate)
	if got := resp.Header.Get(headerCacheSource); got != string(pwacache.SourceNetwork) {
		t.Errorf("source = %q, want network", got)
	}
	if body != "<html>home</html>" {
		t.Errorf("body = %q", body)
	}
	if n := origin.count("/"); n != 2 {
		t.Errorf("origin hits for / = %d, want 2 (install and navigation)", n)
	}
}

func TestCacheProxy_OfflineNavigation(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)
	p.activate(t)
	origin.Close()

	resp, body := p.get(t, "/", navigate)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(headerCacheSource); got != string(pwacache.SourcePrecache) {
		t.Errorf("source = %q, want precache", got)
	}
	if body != "<html>home</html>" {
		t.Errorf("body = %q", body)
	}

	resp, body = p.get(t, "/about", navigate)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	var errBody struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Error.Type != "offline_error" || errBody.Error.Code != "offline_no_cache" {
		t.Errorf("error = %+v", errBody.Error)
	}
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, nil)

	resp, _ := p.get(t, adminPrefix+"/state", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if n := origin.count(adminPrefix + "/state"); n != 0 {
		t.Errorf("admin path was proxied to origin %d time(s)", n)
	}
}

func TestAdmin_LifecycleViaAPI(t *testing.T) {
	origin := newTestOrigin(t)
	p := newTestProxy(t, origin.URL, func(c *pwacache.Config) {
		c.Server.AdminToken = "secret"
	})
	auth := map[string]string{"Authorization": "Bearer secret"}

	for _, path := range []string{"/lifecycle/install", "/lifecycle/activate"} {
		req, _ := http.NewRequest(http.MethodPost, p.URL+adminPrefix+path, nil)
		req.Header.Set("Authorization", auth["Authorization"])
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s: status = %d", path, resp.StatusCode)
		}
	}

	resp, body := p.get(t, adminPrefix+"/partitions", auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("partitions status = %d", resp.StatusCode)
	}
	precache, _ := p.cfg.Cache.Names()
	if !strings.Contains(body, precache) {
		t.Errorf("partitions body %s missing %s", body, precache)
	}
	if st := p.host.Status(); st.State != pwacache.StateActive || !st.Controlling {
		t.Errorf("host status = %+v", st)
	}
}

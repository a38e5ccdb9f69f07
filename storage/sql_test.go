package storage

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQL {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQL_ImplementsStorage(_ *testing.T) {
	var _ Storage = (*SQL)(nil)
}

func TestSQL_PutMatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	p, err := s.Open(ctx, "site-v1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = p.Put(ctx, &Entry{
		Method: http.MethodGet,
		URL:    "https://example.com/manifest.json",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/manifest+json"}},
		Body:   []byte(`{"name":"site"}`),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := p.Match(ctx, http.MethodGet, "https://example.com/manifest.json")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got.Status != http.StatusOK {
		t.Errorf("status = %d", got.Status)
	}
	if string(got.Body) != `{"name":"site"}` {
		t.Errorf("body = %q", got.Body)
	}
	if got.Header.Get("Content-Type") != "application/manifest+json" {
		t.Errorf("content-type = %q", got.Header.Get("Content-Type"))
	}

	if _, ok, _ := p.Match(ctx, http.MethodGet, "https://example.com/missing"); ok {
		t.Error("expected miss")
	}
}

func TestSQL_PutUpserts(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	p, _ := s.Open(ctx, "site-v1")

	_ = p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200, Body: []byte("old")})
	if err := p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200, Body: []byte("new")}); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, _, _ := p.Match(ctx, http.MethodGet, "https://example.com/a")
	if string(got.Body) != "new" {
		t.Errorf("body = %q, want new", got.Body)
	}
	if n, _ := p.Len(ctx); n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
}

func TestSQL_KeysAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for _, name := range []string{"v0-precache", "v0-runtime", "v1-precache"} {
		p, err := s.Open(ctx, name)
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		_ = p.Put(ctx, &Entry{URL: "https://example.com/", Status: 200})
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 3 || keys[0] != "v0-precache" || keys[2] != "v1-precache" {
		t.Fatalf("keys = %v", keys)
	}

	deleted, err := s.Delete(ctx, "v0-runtime")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if ok, _ := s.Has(ctx, "v0-runtime"); ok {
		t.Error("expected v0-runtime to be gone")
	}
	deleted, _ = s.Delete(ctx, "v0-runtime")
	if deleted {
		t.Error("second delete should report false")
	}

	fresh, _ := s.Open(ctx, "v0-runtime")
	if n, _ := fresh.Len(ctx); n != 0 {
		t.Errorf("recreated partition has %d entries, want 0", n)
	}
}

func TestSQL_PutOnDeletedPartitionIsDropped(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	p, _ := s.Open(ctx, "gone")
	_, _ = s.Delete(ctx, "gone")
	if err := p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := s.Has(ctx, "gone"); ok {
		t.Fatal("put must not resurrect a deleted partition")
	}
	if n, _ := p.Len(ctx); n != 0 {
		t.Errorf("len = %d, want 0", n)
	}
}

func TestSQL_PartitionKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	p, _ := s.Open(ctx, "site-v1")
	_ = p.Put(ctx, &Entry{URL: "https://example.com/b", Status: 200})
	_ = p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200})

	keys, err := p.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "GET https://example.com/a" {
		t.Errorf("keys = %v", keys)
	}
}

func TestSQL_Rebind(t *testing.T) {
	pg := &SQL{dialect: dialectPostgres}
	if got := pg.rebind("SELECT ? WHERE a = ? AND b = ?"); got != "SELECT $1 WHERE a = $2 AND b = $3" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQL{dialect: dialectSQLite}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestNewPostgres_RequiresDSN(t *testing.T) {
	if _, err := NewPostgres("  "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestSQL_Replace(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	p, _ := s.Open(ctx, "site-v1")
	_ = p.Put(ctx, &Entry{Method: http.MethodGet, URL: "https://example.com/old.js", Status: 200})

	err := s.Replace(ctx, "site-v1", []*Entry{
		{Method: http.MethodGet, URL: "https://example.com/", Status: 200, Body: []byte("home")},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	keys, _ := p.Keys(ctx)
	if len(keys) != 1 || keys[0] != "GET https://example.com/" {
		t.Errorf("keys = %v", keys)
	}

	if err := s.Replace(ctx, "site-v2", []*Entry{{URL: "https://example.com/", Status: 200}}); err != nil {
		t.Fatalf("Replace new partition: %v", err)
	}
	if ok, _ := s.Has(ctx, "site-v2"); !ok {
		t.Error("Replace did not create the partition")
	}
}

func TestSQL_ReplaceCancelledKeepsContents(t *testing.T) {
	s := newTestSQLite(t)
	p, _ := s.Open(context.Background(), "site-v1")
	_ = p.Put(context.Background(), &Entry{Method: http.MethodGet, URL: "https://example.com/", Status: 200})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Replace(ctx, "site-v1", nil); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if n, _ := p.Len(context.Background()); n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
}

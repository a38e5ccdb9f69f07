package storage

import (
	"context"
	"net/http"
	"sync"
	"testing"
)

func TestMemory_ImplementsStorage(_ *testing.T) {
	var _ Storage = (*Memory)(nil)
}

func TestMemory_PutAndMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p, err := m.Open(ctx, "site-v1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = p.Put(ctx, &Entry{
		Method: http.MethodGet,
		URL:    "https://example.com/app.js",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/javascript"}},
		Body:   []byte("console.log(1)"),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := p.Match(ctx, http.MethodGet, "https://example.com/app.js")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "console.log(1)" {
		t.Errorf("body = %q", got.Body)
	}
	if got.Header.Get("Content-Type") != "text/javascript" {
		t.Errorf("content-type = %q", got.Header.Get("Content-Type"))
	}
}

func TestMemory_MatchIsMethodSensitive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p, _ := m.Open(ctx, "site-v1")
	_ = p.Put(ctx, &Entry{Method: http.MethodGet, URL: "https://example.com/", Status: 200})

	if _, ok, _ := p.Match(ctx, http.MethodPost, "https://example.com/"); ok {
		t.Error("expected POST to miss a GET entry")
	}
}

func TestMemory_EntriesAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p, _ := m.Open(ctx, "site-v1")

	body := []byte("original")
	_ = p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200, Body: body})
	body[0] = 'X'

	got, _, _ := p.Match(ctx, http.MethodGet, "https://example.com/a")
	if string(got.Body) != "original" {
		t.Fatalf("stored body mutated through caller buffer: %q", got.Body)
	}
	got.Body[0] = 'Y'
	again, _, _ := p.Match(ctx, http.MethodGet, "https://example.com/a")
	if string(again.Body) != "original" {
		t.Fatalf("stored body mutated through match result: %q", again.Body)
	}
}

func TestMemory_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p, _ := m.Open(ctx, "site-v1")
	_ = p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200, Body: []byte("old")})
	_ = p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200, Body: []byte("new")})

	got, _, _ := p.Match(ctx, http.MethodGet, "https://example.com/a")
	if string(got.Body) != "new" {
		t.Errorf("body = %q, want new", got.Body)
	}
	if n, _ := p.Len(ctx); n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
}

func TestMemory_KeysInCreationOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, name := range []string{"c", "a", "b"} {
		if _, err := m.Open(ctx, name); err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
	}
	// reopening must not reorder
	_, _ = m.Open(ctx, "c")

	keys, _ := m.Keys(ctx)
	want := []string{"c", "a", "b"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p, _ := m.Open(ctx, "old")
	_ = p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200})

	deleted, err := m.Delete(ctx, "old")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if ok, _ := m.Has(ctx, "old"); ok {
		t.Error("expected partition to be gone")
	}
	deleted, _ = m.Delete(ctx, "old")
	if deleted {
		t.Error("second delete should report false")
	}

	fresh, _ := m.Open(ctx, "old")
	if n, _ := fresh.Len(ctx); n != 0 {
		t.Errorf("reopened partition has %d entries, want 0", n)
	}
}

func TestMemory_OpenRejectsEmptyName(t *testing.T) {
	if _, err := NewMemory().Open(context.Background(), ""); err != ErrInvalidName {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	p, _ := m.Open(context.Background(), "site-v1")
	cancel()

	if err := p.Put(ctx, &Entry{URL: "https://example.com/a", Status: 200}); err == nil {
		t.Fatal("expected error on cancelled put")
	}
	if n, _ := p.Len(context.Background()); n != 0 {
		t.Errorf("len = %d, want 0", n)
	}
}

func TestMemory_Concurrent(_ *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _ := m.Open(ctx, string(rune('a'+i%3)))
			url := "https://example.com/" + string(rune('a'+i%26))
			_ = p.Put(ctx, &Entry{URL: url, Status: 200})
			_, _, _ = p.Match(ctx, http.MethodGet, url)
			_, _ = m.Keys(ctx)
		}(i)
	}
	wg.Wait()
}

func TestKey(t *testing.T) {
	tests := []struct {
		method, url, want string
	}{
		{"", "https://example.com/", "GET https://example.com/"},
		{"get", "https://example.com/a", "GET https://example.com/a"},
		{http.MethodPost, "https://example.com/a", "POST https://example.com/a"},
	}
	for _, tt := range tests {
		if got := Key(tt.method, tt.url); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.method, tt.url, got, tt.want)
		}
	}
}

func TestMemory_Replace(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Open(ctx, "a")
	old, _ := m.Open(ctx, "site-v1")
	_ = old.Put(ctx, &Entry{Method: http.MethodGet, URL: "https://example.com/old.js", Status: 200})

	err := m.Replace(ctx, "site-v1", []*Entry{
		{Method: http.MethodGet, URL: "https://example.com/", Status: 200},
		{Method: http.MethodGet, URL: "https://example.com/app.js", Status: 200},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	p, _ := m.Open(ctx, "site-v1")
	keys, _ := p.Keys(ctx)
	if len(keys) != 2 || keys[0] != "GET https://example.com/" || keys[1] != "GET https://example.com/app.js" {
		t.Errorf("keys = %v", keys)
	}
	names, _ := m.Keys(ctx)
	if len(names) != 2 || names[1] != "site-v1" {
		t.Errorf("partition order = %v", names)
	}
	// The handle opened before the swap still sees the old contents.
	if _, ok, _ := old.Match(ctx, http.MethodGet, "https://example.com/old.js"); !ok {
		t.Error("old handle lost its entry")
	}
}

func TestMemory_ReplaceCancelledKeepsContents(t *testing.T) {
	m := NewMemory()
	p, _ := m.Open(context.Background(), "site-v1")
	_ = p.Put(context.Background(), &Entry{Method: http.MethodGet, URL: "https://example.com/", Status: 200})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Replace(ctx, "site-v1", nil); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if n, _ := p.Len(context.Background()); n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
}

// Package storage defines the named cache partitions used by the offline
// cache manager, plus the Entry snapshot they hold. Two implementations ship
// with the package: Memory for tests and single-process deployments, and SQL
// for SQLite or Postgres backed persistence.
package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidName is returned when a partition name is empty.
var ErrInvalidName = errors.New("storage: partition name is required")

// Entry is an immutable snapshot of a response stored under a request
// identity (method + URL).
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Key returns the request identity of the entry.
func (e *Entry) Key() string {
	return Key(e.Method, e.URL)
}

// Clone returns a deep copy of e so callers never share header maps or body
// buffers with the store.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Header = e.Header.Clone()
	if e.Body != nil {
		cp.Body = append([]byte(nil), e.Body...)
	}
	return &cp
}

// Key builds the request identity used as the partition key.
func Key(method, url string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + url
}

// Partition is a named key-value store of entries.
type Partition interface {
	Name() string
	// Match returns the entry stored for method + url.
	Match(ctx context.Context, method, url string) (*Entry, bool, error)
	// Put stores e, replacing any entry with the same key. A put is atomic per key.
	Put(ctx context.Context, e *Entry) error
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// Storage addresses partitions by name. Open creates the partition when it
// does not yet exist.
type Storage interface {
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists partition names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the partition and all its entries. It reports whether
	// a partition was removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Replace sets the contents of the partition called name to exactly
	// entries, creating the partition if needed. Readers see either the old
	// contents or the new ones, never a mix.
	Replace(ctx context.Context, name string, entries []*Entry) error
}

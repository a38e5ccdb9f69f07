package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQL persists partitions and entries in SQLite or Postgres.
type SQL struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLite opens a SQLite-backed storage. dsn can be a file path
// (e.g. /var/lib/pwacache/cache.db) or a SQLite DSN.
func NewSQLite(dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "pwacache.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite storage: %w", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQL{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres opens a Postgres-backed storage.
func NewPostgres(dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres storage: %w", err)
	}
	s := &SQL{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s storage: %w", s.dialect, err)
	}

	var ddl []string
	switch s.dialect {
	case dialectPostgres:
		ddl = []string{`
CREATE TABLE IF NOT EXISTS cache_partitions (
	id BIGSERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS cache_entries (
	partition_name TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BYTEA,
	stored_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_name, entry_key)
)`}
	default:
		ddl = []string{`
CREATE TABLE IF NOT EXISTS cache_partitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL,
	created_at DATETIME NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS cache_entries (
	partition_name TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB,
	stored_at DATETIME NOT NULL,
	PRIMARY KEY (partition_name, entry_key)
)`}
	}

	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s storage schema: %w", s.dialect, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open returns the partition called name, creating it if needed.
func (s *SQL) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO cache_partitions(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`),
		name, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("open partition %q: %w", name, err)
	}
	return &sqlPartition{store: s, name: name}, nil
}

// Has reports whether a partition called name exists.
func (s *SQL) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM cache_partitions WHERE name = ?`), name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup partition %q: %w", name, err)
	}
	return n > 0, nil
}

// Keys lists partition names in creation order.
func (s *SQL) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_partitions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the partition and its entries in one transaction.
func (s *SQL) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete partition %q: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM cache_partitions WHERE name = ?`), name)
	if err != nil {
		return false, fmt.Errorf("delete partition %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM cache_entries WHERE partition_name = ?`), name); err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete of %q: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Replace rewrites the partition in one transaction.
func (s *SQL) Replace(ctx context.Context, name string, entries []*Entry) error {
	if name == "" {
		return ErrInvalidName
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace partition %q: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO cache_partitions(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`),
		name, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("replace partition %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM cache_entries WHERE partition_name = ?`), name); err != nil {
		return fmt.Errorf("clear entries of %q: %w", name, err)
	}
	for _, e := range entries {
		if err := s.put(ctx, tx, name, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace of %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlPartition struct {
	store *SQL
	name  string
}

func (p *sqlPartition) Name() string { return p.name }

func (p *sqlPartition) Match(ctx context.Context, method, url string) (*Entry, bool, error) {
	var (
		e      Entry
		header string
	)
	err := p.store.db.QueryRowContext(ctx,
		p.store.rebind(`SELECT method, url, status, header, body, stored_at FROM cache_entries WHERE partition_name = ? AND entry_key = ?`),
		p.name, Key(method, url),
	).Scan(&e.Method, &e.URL, &e.Status, &header, &e.Body, &e.StoredAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match in %q: %w", p.name, err)
	}
	if header != "" {
		e.Header = http.Header{}
		if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
			return nil, false, fmt.Errorf("decode stored headers: %w", err)
		}
	}
	return &e, true, nil
}

// Put upserts e. Entries for a partition deleted after this handle was opened
// are dropped.
func (p *sqlPartition) Put(ctx context.Context, e *Entry) error {
	return p.store.put(ctx, p.store.db, p.name, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) put(ctx context.Context, db execer, name string, e *Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}

	// Postgres cannot infer parameter types in a SELECT list.
	values := `?, ?, ?, ?, ?, ?, ?, ?`
	if s.dialect == dialectPostgres {
		values = `?::text, ?::text, ?::text, ?::text, ?::integer, ?::text, ?::bytea, ?::timestamptz`
	}
	query := `INSERT INTO cache_entries(partition_name, entry_key, method, url, status, header, body, stored_at)
	SELECT ` + values + ` WHERE EXISTS (SELECT 1 FROM cache_partitions WHERE name = ?)
	ON CONFLICT(partition_name, entry_key) DO UPDATE SET
		method = excluded.method,
		url = excluded.url,
		status = excluded.status,
		header = excluded.header,
		body = excluded.body,
		stored_at = excluded.stored_at`

	_, err = db.ExecContext(ctx, s.rebind(query),
		name, Key(method, e.URL), method, e.URL, e.Status, string(header), e.Body, storedAt, name,
	)
	if err != nil {
		return fmt.Errorf("put into %q: %w", name, err)
	}
	return nil
}

func (p *sqlPartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.store.db.QueryContext(ctx,
		p.store.rebind(`SELECT entry_key FROM cache_entries WHERE partition_name = ? ORDER BY entry_key ASC`), p.name)
	if err != nil {
		return nil, fmt.Errorf("list entries of %q: %w", p.name, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan entry key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *sqlPartition) Len(ctx context.Context) (int, error) {
	var n int
	err := p.store.db.QueryRowContext(ctx,
		p.store.rebind(`SELECT COUNT(*) FROM cache_entries WHERE partition_name = ?`), p.name,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries of %q: %w", p.name, err)
	}
	return n, nil
}

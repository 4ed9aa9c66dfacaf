package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	for _, dialect := range []string{"sqlite", "postgres", "mysql"} {
		d := dialect
		Register(d, func(opts Options) (Store, error) {
			opts.Dialect = d
			return NewSQLStore(opts)
		})
	}
}

const (
	createEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS kv_entries (
    kv_key VARCHAR(255) NOT NULL,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (kv_key)
);
`

	createItemsTableSQL = `
CREATE TABLE IF NOT EXISTS kv_items (
    kv_key VARCHAR(255) NOT NULL,
    seq BIGINT NOT NULL,
    item TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (kv_key, seq)
);
`
)

// SQLStore implements Store over database/sql with sqlite, postgres, and
// mysql dialects. Values live in kv_entries; list items live in kv_items
// ordered by a per-key sequence number.
type SQLStore struct {
	opts Options

	mu        sync.Mutex
	db        *sql.DB
	connected bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore validates options and returns an unconnected store.
func NewSQLStore(opts Options) (*SQLStore, error) {
	switch opts.Dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", opts.Dialect)
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("dsn is required for %s storage", opts.Dialect)
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = 25
	}
	if opts.MaxIdle == 0 {
		opts.MaxIdle = 5
	}
	return &SQLStore{opts: opts}, nil
}

func (s *SQLStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	driverName := s.opts.Dialect
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, s.opts.DSN)
	if err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "connect", Err: err}
	}

	// SQLite supports one writer at a time; a single connection serializes
	// access and prevents "database is locked" errors.
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.opts.MaxConns)
		db.SetMaxIdleConns(s.opts.MaxIdle)
		db.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return &BackendError{
			Driver: s.opts.Dialect,
			Op:     "connect",
			Err: fmt.Errorf("failed to reach database: %w\n"+
				"  Troubleshooting:\n"+
				"     - Ensure the database server is running\n"+
				"     - Check that the host and port are correct\n"+
				"     - Confirm database credentials are correct", err),
		}
	}

	if err := s.initSchema(ctx, db); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.connected = true
	return nil
}

func (s *SQLStore) initSchema(ctx context.Context, db *sql.DB) error {
	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createEntriesTableSQL, createItemsTableSQL} {
		if _, err := db.ExecContext(schemaCtx, stmt); err != nil {
			return &BackendError{Driver: s.opts.Dialect, Op: "init schema", Err: err}
		}
	}
	return nil
}

func (s *SQLStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	db := s.db
	s.db = nil
	return db.Close()
}

func (s *SQLStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SQLStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.opts.Dialect != "postgres" {
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

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	db, err := s.conn()
	if err != nil {
		return nil, false, err
	}

	var value string
	query := s.rebind(`SELECT value FROM kv_entries WHERE kv_key = ?`)
	err = db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &BackendError{Driver: s.opts.Dialect, Op: "get", Err: err}
	}
	return []byte(value), true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	var query string
	switch s.opts.Dialect {
	case "mysql":
		query = `INSERT INTO kv_entries (kv_key, value, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
	default:
		query = s.rebind(`INSERT INTO kv_entries (kv_key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (kv_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	}

	if _, err := db.ExecContext(ctx, query, key, string(value), time.Now().UTC()); err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "set", Err: err}
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "delete", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM kv_entries WHERE kv_key = ?`), key); err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "delete", Err: err}
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM kv_items WHERE kv_key = ?`), key); err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "delete", Err: err}
	}
	if err = tx.Commit(); err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "delete", Err: err}
	}
	return nil
}

// escapeLike escapes LIKE wildcards so prefixes match literally.
func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	pattern := escapeLike(prefix) + "%"
	escape := `ESCAPE '\'`
	if s.opts.Dialect == "mysql" {
		// MySQL treats backslash as the default LIKE escape character.
		escape = ""
	}

	query := s.rebind(fmt.Sprintf(`
SELECT kv_key FROM kv_entries WHERE kv_key LIKE ? %s
UNION
SELECT kv_key FROM kv_items WHERE kv_key LIKE ? %s
ORDER BY kv_key ASC`, escape, escape))

	rows, err := db.QueryContext(ctx, query, pattern, pattern)
	if err != nil {
		return nil, &BackendError{Driver: s.opts.Dialect, Op: "list", Err: err}
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &BackendError{Driver: s.opts.Dialect, Op: "list", Err: err}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &BackendError{Driver: s.opts.Dialect, Op: "list", Err: err}
	}
	return keys, nil
}

func (s *SQLStore) Append(ctx context.Context, key string, item []byte) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "append", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	seqQuery := s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM kv_items WHERE kv_key = ?`)
	if err = tx.QueryRowContext(ctx, seqQuery, key).Scan(&seq); err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "append", Err: err}
	}

	insertQuery := s.rebind(`INSERT INTO kv_items (kv_key, seq, item, created_at) VALUES (?, ?, ?, ?)`)
	if _, err = tx.ExecContext(ctx, insertQuery, key, seq, string(item), time.Now().UTC()); err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "append", Err: err}
	}

	if err = tx.Commit(); err != nil {
		return &BackendError{Driver: s.opts.Dialect, Op: "append", Err: err}
	}
	return nil
}

func (s *SQLStore) GetRange(ctx context.Context, key string, start, count int) ([][]byte, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if start < 0 || count < 0 {
		return [][]byte{}, nil
	}

	query := s.rebind(`SELECT item FROM kv_items WHERE kv_key = ? ORDER BY seq ASC LIMIT ? OFFSET ?`)
	rows, err := db.QueryContext(ctx, query, key, count, start)
	if err != nil {
		return nil, &BackendError{Driver: s.opts.Dialect, Op: "getRange", Err: err}
	}
	defer rows.Close()

	items := [][]byte{}
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, &BackendError{Driver: s.opts.Dialect, Op: "getRange", Err: err}
		}
		items = append(items, []byte(item))
	}
	if err := rows.Err(); err != nil {
		return nil, &BackendError{Driver: s.opts.Dialect, Op: "getRange", Err: err}
	}
	return items, nil
}

func (s *SQLStore) Name() string {
	return s.opts.Dialect
}

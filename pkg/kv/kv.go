// Package kv provides the keyed storage backend for session metadata,
// conversation histories, and runtime state.
//
// A Store is a hybrid of a KV map (JSON values) and an ordered append-only
// list per key. Drivers register themselves through Register and are selected
// at runtime by name; the in-memory driver is always available.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotConnected is returned by operations invoked before Connect.
var ErrNotConnected = errors.New("storage backend not connected")

// BackendError wraps a driver-level failure.
type BackendError struct {
	Driver string
	Op     string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("storage %s: %s failed: %v", e.Driver, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Store is the storage backend contract. Values are serialized JSON.
//
// Get/Set/Delete operate on single values; Append/GetRange operate on an
// ordered list kept under the same key namespace. Delete removes both the
// value and the list stored under the key.
type Store interface {
	// Connect establishes the backend connection. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect releases the backend connection.
	Disconnect() error
	// Connected reports whether the store is usable.
	Connected() bool

	// Get returns the value stored under key. ok is false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key, last-write-wins.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the value and any list stored under key.
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)

	// Append adds an item to the ordered list under key.
	Append(ctx context.Context, key string, item []byte) error
	// GetRange returns up to count items starting at the zero-based start
	// index. Out-of-range indices yield an empty slice.
	GetRange(ctx context.Context, key string, start, count int) ([][]byte, error)

	// Name returns the driver name.
	Name() string
}

// GetJSON reads and unmarshals the value under key into out.
// Returns false without error when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to decode value for %q: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// AppendJSON marshals v and appends it to the list under key.
func AppendJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode item for %q: %w", key, err)
	}
	return s.Append(ctx, key, raw)
}

// Constructor builds an unconnected Store from driver options.
type Constructor func(opts Options) (Store, error)

// Options carries driver-specific settings. SQL drivers read the DSN fields;
// the memory driver ignores everything.
type Options struct {
	// Driver is the registered driver name.
	Driver string
	// DSN is the connection string for SQL drivers (file path for sqlite).
	DSN string
	// Dialect is the SQL dialect: "sqlite", "postgres", "mysql".
	Dialect string
	// MaxConns caps open connections for networked drivers.
	MaxConns int
	// MaxIdle caps idle connections for networked drivers.
	MaxIdle int
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Constructor)
)

// Register makes a driver constructor available under name.
// Registering a duplicate name panics, mirroring database/sql.
func Register(name string, ctor Constructor) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("kv: driver %q registered twice", name))
	}
	drivers[name] = ctor
}

// Open constructs an unconnected store for the named driver.
func Open(name string, opts Options) (Store, error) {
	driversMu.RLock()
	ctor, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kv: unknown driver %q (registered: %v)", name, Drivers())
	}
	opts.Driver = name
	return ctor(opts)
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

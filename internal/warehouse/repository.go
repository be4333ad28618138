// Package warehouse is the backend-agnostic warehouse access layer.
//
// Backends register themselves under a kind string from an init() function;
// the warehouse/all package blank-imports every backend so a single binary
// supports all of them while config picks one.
package warehouse

import (
	"context"
	"fmt"
	"sync"
)

// Row is one query result row: column name (lower-cased) to value.
type Row map[string]any

// LoadMode selects bulk-load behavior for the target table.
type LoadMode string

const (
	// LoadAppend appends rows to the existing table contents.
	LoadAppend LoadMode = "append"
	// LoadTruncate empties the table in the same unit of work, then appends.
	LoadTruncate LoadMode = "truncate_then_append"
)

// Config is the minimal configuration needed to create a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is a backend-agnostic interface for warehouse access.
//
// IMPORTANT: this interface is intentionally minimal and focused on what the
// pipeline stages need. Each backend implements the semantics in its own
// idiomatic way (COPY for Postgres, batched multi-row INSERT elsewhere).
type Repository interface {
	// Query runs a parameterized query and returns all rows with lower-cased
	// column names. Parameterization is mandatory: callers never interpolate
	// values into sql.
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)

	// BulkLoad inserts rows into table in chunks, committing chunk by chunk.
	// The returned count is the number of rows durably committed, even on
	// error: a failure mid-load yields a *LoadError carrying the same count
	// so callers can distinguish "0 loaded" from a partial load.
	//
	// mode LoadTruncate empties the table before the first chunk.
	BulkLoad(ctx context.Context, table string, columns []string, rows [][]any, mode LoadMode) (int64, error)

	// Exec runs a statement that returns no rows (DDL, TRUNCATE).
	Exec(ctx context.Context, sql string, args ...any) error

	// EnsureTable creates the table if it does not exist.
	EnsureTable(ctx context.Context, spec TableSpec) error

	// Close releases backend resources. Call once at shutdown.
	Close()
}

// LoadError reports a bulk load that failed after zero or more chunks were
// already committed.
type LoadError struct {
	Table  string
	Loaded int64 // rows committed before the failure
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("bulk load %s: %d rows committed before failure: %v", e.Table, e.Loaded, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ---- backend factories (registered by backend packages) ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Failing fast
//     here avoids ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register; New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported, or whatever the
//     registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("warehouse: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported warehouse kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

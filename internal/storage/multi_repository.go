// Package storage defines the warehouse repository contract used by the
// multi-table loader and a registry of backends.
//
// Backends live in sub-packages (sqlite, postgres, mssql) and register
// themselves from init(); import megashop/internal/storage/all to link every
// backend into a binary.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MultiConfig selects and configures a backend.
//
// Edge cases:
//   - Kind must match a registered backend ("sqlite", "postgres", "sqlserver").
//   - DSN is passed through untouched; each backend validates its own format.
type MultiConfig struct {
	Kind string
	DSN  string
}

// MultiRepository is the set of operations the two-pass loader needs.
//
// Every backend implements idempotency its own way (SQLite OR IGNORE,
// Postgres ON CONFLICT, SQL Server NOT EXISTS) so that reloading the same
// processed store inserts nothing new.
type MultiRepository interface {
	// Close releases the connection pool. Call it once.
	Close()

	// EnsureTables creates tables with AutoCreateTable set. It is safe to call
	// on every run.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// EnsureDimensionKeys inserts keys that are not yet present.
	EnsureDimensionKeys(ctx context.Context, table, keyColumn string, keys []any, conflictColumns []string) error

	// SelectKeyValueByKeys returns NormalizeKey(key) -> surrogate id for keys.
	SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error)

	// SelectAllKeyValue returns the whole dimension, used to prewarm caches.
	SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error)

	// InsertFactRows inserts rows. When dedupeColumns is set, rows matching an
	// existing row on those columns are skipped. Returns rows actually written.
	InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)
}

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
)

// RegisterMulti registers a backend factory under kind. Call it from init().
//
// Panics when kind is empty, f is nil, or kind is already registered.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}
	multiFactories[kind] = f
}

// NewMulti opens a repository using the factory registered for cfg.Kind.
//
// Errors:
//   - cfg.Kind empty or not registered.
//   - Whatever the backend factory returns (bad DSN, unreachable server).
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing warehouse kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported warehouse kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	multiMu.RLock()
	defer multiMu.RUnlock()
	out := make([]string, 0, len(multiFactories))
	for k := range multiFactories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package engine

import (
	"fmt"
	"sort"
	"sync"

	"megashop/internal/config"
)

// Options configures an engine at construction time.
type Options struct {
	Logger Logger
	// Workers bounds parallel file reads. Zero means one per file.
	Workers int
	// JSON holds parser options (header_map, array_join_separator).
	JSON   config.Options
	DuckDB config.DuckDBConfig
}

// Factory builds an Engine.
type Factory func(opts Options) (Engine, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes an engine available under kind. It panics on an empty kind,
// a nil factory, or a duplicate registration.
func Register(kind string, f Factory) {
	if kind == "" {
		panic("engine: Register with empty kind")
	}
	if f == nil {
		panic("engine: Register with nil factory for " + kind)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[kind]; dup {
		panic("engine: Register called twice for " + kind)
	}
	factories[kind] = f
}

// Open builds the engine registered under kind.
func Open(kind string, opts Options) (Engine, error) {
	regMu.RLock()
	f, ok := factories[kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown kind %q (registered: %v)", kind, Kinds())
	}
	e, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", kind, err)
	}
	return e, nil
}

// Kinds returns the registered engine kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

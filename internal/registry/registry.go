// Package registry resolves and caches symbol identities against the store.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SymbolStore is the persistence surface the registry depends on.
type SymbolStore interface {
	// UpsertSymbol inserts or touches the (exchange, symbol) row and returns its id.
	UpsertSymbol(ctx context.Context, exchange, symbol string) (int64, error)
	// ActiveSymbols returns the symbol -> id mapping of all active symbols.
	ActiveSymbols(ctx context.Context, exchange string) (map[string]int64, error)
}

// Registry owns the symbol -> id cache. Reads are lock-shared; the upsert
// path holds a short exclusive guard. The store's unique constraint on
// (exchange, symbol) guarantees a single id per pair.
type Registry struct {
	store    SymbolStore
	exchange string

	mu    sync.RWMutex
	cache map[string]int64
}

// New constructs a registry for the given exchange identity.
func New(store SymbolStore, exchange string) *Registry {
	return &Registry{
		store:    store,
		exchange: exchange,
		cache:    make(map[string]int64),
	}
}

// Preload loads all active symbols in one query. Called once at startup.
func (r *Registry) Preload(ctx context.Context) error {
	symbols, err := r.store.ActiveSymbols(ctx, r.exchange)
	if err != nil {
		return fmt.Errorf("preload symbols: %w", err)
	}
	r.mu.Lock()
	for name, id := range symbols {
		r.cache[name] = id
	}
	r.mu.Unlock()
	return nil
}

// Resolve returns the cached id for the symbol, upserting on a miss.
func (r *Registry) Resolve(ctx context.Context, symbol string) (int64, error) {
	name := strings.ToUpper(strings.TrimSpace(symbol))

	r.mu.RLock()
	id, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.cache[name]; ok {
		return id, nil
	}
	id, err := r.store.UpsertSymbol(ctx, r.exchange, name)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", name, err)
	}
	r.cache[name] = id
	return id, nil
}

// Size returns the number of cached symbols.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

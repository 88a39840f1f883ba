package collector

import (
	"context"
	"sync"
)

// memorySymbolStore assigns process-local symbol ids when persistence is
// disabled (DRY_RUN); buffers still fill with resolvable events.
type memorySymbolStore struct {
	mu   sync.Mutex
	next int64
	ids  map[string]int64
}

func newMemorySymbolStore() *memorySymbolStore {
	return &memorySymbolStore{ids: make(map[string]int64)}
}

func (m *memorySymbolStore) UpsertSymbol(_ context.Context, _, symbol string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[symbol]; ok {
		return id, nil
	}
	m.next++
	m.ids[symbol] = m.next
	return m.next, nil
}

func (m *memorySymbolStore) ActiveSymbols(context.Context, string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.ids))
	for sym, id := range m.ids {
		out[sym] = id
	}
	return out, nil
}

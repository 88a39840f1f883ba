package registry_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/registry"
)

type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	ids     map[string]int64
	upserts atomic.Int64
	fail    error
	active  map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{ids: make(map[string]int64)}
}

func (s *fakeStore) UpsertSymbol(_ context.Context, _, symbol string) (int64, error) {
	if s.fail != nil {
		return 0, s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts.Add(1)
	if id, ok := s.ids[symbol]; ok {
		return id, nil
	}
	s.nextID++
	s.ids[symbol] = s.nextID
	return s.nextID, nil
}

func (s *fakeStore) ActiveSymbols(context.Context, string) (map[string]int64, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return s.active, nil
}

func TestResolveCachesUpsertedID(t *testing.T) {
	store := newFakeStore()
	reg := registry.New(store, "binance-futures")

	id, err := reg.Resolve(context.Background(), "btcusdt")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	again, err := reg.Resolve(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, int64(1), store.upserts.Load())
}

func TestPreloadPopulatesCache(t *testing.T) {
	store := newFakeStore()
	store.active = map[string]int64{"BTCUSDT": 7, "ETHUSDT": 9}
	reg := registry.New(store, "binance-futures")

	require.NoError(t, reg.Preload(context.Background()))
	require.Equal(t, 2, reg.Size())

	id, err := reg.Resolve(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.Equal(t, int64(9), id)
	require.Equal(t, int64(0), store.upserts.Load())
}

func TestResolvePropagatesStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.fail = errs.New("store", errs.KindStoreTransient, errs.WithMessage("connection refused"))
	reg := registry.New(store, "binance-futures")

	_, err := reg.Resolve(context.Background(), "BTCUSDT")
	require.Error(t, err)
	require.Equal(t, errs.KindStoreTransient, errs.KindOf(err))
}

func TestConcurrentResolveYieldsOneID(t *testing.T) {
	store := newFakeStore()
	reg := registry.New(store, "binance-futures")

	var wg sync.WaitGroup
	ids := make([]int64, 32)
	for i := range ids {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			id, err := reg.Resolve(context.Background(), "SOLUSDT")
			require.NoError(t, err)
			ids[slot] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

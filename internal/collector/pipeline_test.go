package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/depthcast/collector/internal/buffer"
	"github.com/depthcast/collector/internal/registry"
	"github.com/depthcast/collector/internal/schema"
	"github.com/depthcast/collector/internal/stream"
	"github.com/depthcast/collector/lib/async"
)

// fakeWriter counts rows per table and can fail a configured number of times.
// Depth rows additionally record their final update ids in arrival order.
type fakeWriter struct {
	mu       sync.Mutex
	rows     map[schema.Table]int
	failures map[schema.Table]int
	depthIDs []int64
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		rows:     make(map[schema.Table]int),
		failures: make(map[schema.Table]int),
	}
}

func (w *fakeWriter) record(table schema.Table, n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures[table] > 0 {
		w.failures[table]--
		return errors.New("store unavailable")
	}
	w.rows[table] += n
	return nil
}

func (w *fakeWriter) count(table schema.Table) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows[table]
}

func (w *fakeWriter) failNext(table schema.Table, times int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[table] = times
}

func (w *fakeWriter) InsertBookTicker(_ context.Context, events []schema.BookTickerEvent) error {
	return w.record(schema.TableBookTicker, len(events))
}

func (w *fakeWriter) InsertTrades(_ context.Context, events []schema.TradeEvent) error {
	return w.record(schema.TableTrades, len(events))
}

func (w *fakeWriter) InsertDepthEvents(_ context.Context, events []schema.DepthDiffEvent) error {
	if err := w.record(schema.TableDepthEvents, len(events)); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, evt := range events {
		w.depthIDs = append(w.depthIDs, evt.FinalUpdateID)
	}
	return nil
}

func (w *fakeWriter) depthOrder() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, len(w.depthIDs))
	copy(out, w.depthIDs)
	return out
}

func (w *fakeWriter) InsertTopN(_ context.Context, snaps []schema.TopNSnapshot) error {
	return w.record(schema.TableTopN, len(snaps))
}

func (w *fakeWriter) InsertMarkPrice(_ context.Context, events []schema.MarkPriceEvent) error {
	return w.record(schema.TableMarkPrice, len(events))
}

func (w *fakeWriter) InsertForceOrders(_ context.Context, events []schema.ForceOrderEvent) error {
	return w.record(schema.TableForceOrders, len(events))
}

func newTestPipeline(t *testing.T, writer BatchWriter) *Pipeline {
	t.Helper()
	tasks, err := async.NewPool(2, 16)
	require.NoError(t, err)
	t.Cleanup(tasks.Close)
	reg := registry.New(newMemorySymbolStore(), "binance-futures")
	return NewPipeline(reg, writer, nil, tasks, buffer.Overrides{})
}

func frameFor(streamName, data string) stream.Frame {
	return stream.Frame{
		Shard:    "main-0",
		Data:     []byte(fmt.Sprintf(`{"stream":%q,"data":%s}`, streamName, data)),
		Received: time.Now(),
	}
}

func TestHandleFrameRoutesByChannel(t *testing.T) {
	ctx := context.Background()
	writer := newFakeWriter()
	p := newTestPipeline(t, writer)

	frames := []stream.Frame{
		frameFor("btcusdt@bookTicker",
			`{"e":"bookTicker","E":1700000000000,"u":42,"s":"BTCUSDT","b":"50000","B":"1.5","a":"50001","A":"2"}`),
		frameFor("btcusdt@aggTrade",
			`{"e":"aggTrade","E":1700000000000,"s":"BTCUSDT","a":7,"p":"50000.5","q":"0.25","T":1700000000001,"m":true}`),
		frameFor("btcusdt@markPrice@1s",
			`{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"50000.1","i":"50000.2","P":"50000.3","r":"0.0001","T":1700003600000}`),
		frameFor("btcusdt@forceOrder",
			`{"e":"forceOrder","E":1700000000000,"o":{"s":"BTCUSDT","S":"SELL","q":"0.1","p":"49000","ap":"49001","T":1700000000002}}`),
		frameFor("btcusdt@depth@100ms",
			`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":100,"u":105,"pu":99,"b":[["49999","3"]],"a":[["50002","1"]]}`),
	}
	for _, frame := range frames {
		require.NoError(t, p.HandleFrame(ctx, frame))
	}

	require.Equal(t, uint64(len(frames)), p.Decoded())
	require.Equal(t, len(frames), p.Buffered())

	require.NoError(t, p.FlushAll(ctx))
	require.Zero(t, p.Buffered())
	require.Equal(t, 1, writer.count(schema.TableBookTicker))
	require.Equal(t, 1, writer.count(schema.TableTrades))
	require.Equal(t, 1, writer.count(schema.TableMarkPrice))
	require.Equal(t, 1, writer.count(schema.TableForceOrders))
	require.Equal(t, 1, writer.count(schema.TableDepthEvents))
}

func TestHandleFrameDropsMalformedAndUnknown(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, newFakeWriter())

	require.NoError(t, p.HandleFrame(ctx, stream.Frame{
		Shard:    "main-0",
		Data:     []byte(`{"stream":"btcusdt@bookTicker","data":{"b":"not-a-number","a":"x"}}`),
		Received: time.Now(),
	}))
	require.Equal(t, uint64(1), p.ParseFailures())

	require.NoError(t, p.HandleFrame(ctx, frameFor("btcusdt@kline_1m", `{"e":"kline"}`)))
	require.Equal(t, uint64(1), p.UnknownStreams())

	require.Zero(t, p.Decoded())
	require.Zero(t, p.Buffered())
}

// erroringSymbolStore always fails so resolution drops can be observed.
type erroringSymbolStore struct{}

func (erroringSymbolStore) UpsertSymbol(context.Context, string, string) (int64, error) {
	return 0, errors.New("store down")
}

func (erroringSymbolStore) ActiveSymbols(context.Context, string) (map[string]int64, error) {
	return nil, errors.New("store down")
}

func TestUnresolvableSymbolDropsEvent(t *testing.T) {
	ctx := context.Background()
	writer := newFakeWriter()
	tasks, err := async.NewPool(1, 4)
	require.NoError(t, err)
	t.Cleanup(tasks.Close)
	p := NewPipeline(registry.New(erroringSymbolStore{}, "binance-futures"), writer, nil, tasks, buffer.Overrides{})

	require.NoError(t, p.HandleFrame(ctx, frameFor("btcusdt@bookTicker",
		`{"e":"bookTicker","E":1700000000000,"u":1,"s":"BTCUSDT","b":"1","B":"1","a":"2","A":"1"}`)))

	require.Equal(t, uint64(1), p.Decoded())
	require.Equal(t, uint64(1), p.ResolveDrops())
	require.Zero(t, p.Buffered())
	require.NoError(t, p.FlushAll(ctx))
	require.Zero(t, writer.count(schema.TableBookTicker))
}

func TestSinkRetainsBatchAcrossFailedFlush(t *testing.T) {
	ctx := context.Background()
	writer := newFakeWriter()
	writer.failNext(schema.TableTrades, 1)

	var got []schema.TradeEvent
	s := newSink(schema.TableTrades, buffer.Overrides{}, func(ctx context.Context, rows []schema.TradeEvent) error {
		if err := writer.InsertTrades(ctx, rows); err != nil {
			return err
		}
		got = append(got, rows...)
		return nil
	})

	s.add(schema.TradeEvent{AggTradeID: 1})
	s.add(schema.TradeEvent{AggTradeID: 2})
	require.Error(t, s.flush(ctx))
	require.Equal(t, 2, s.depth())
	require.True(t, s.due(), "retained batch must report due")

	// new rows arriving after the failure must trail the retained ones
	s.add(schema.TradeEvent{AggTradeID: 3})
	require.NoError(t, s.flush(ctx))
	require.Zero(t, s.depth())
	require.Equal(t, []int64{1, 2, 3}, []int64{got[0].AggTradeID, got[1].AggTradeID, got[2].AggTradeID})
	require.Equal(t, 3, writer.count(schema.TableTrades))
}

func TestFlushDueSkipsFreshBuffers(t *testing.T) {
	ctx := context.Background()
	writer := newFakeWriter()
	p := newTestPipeline(t, writer)

	require.NoError(t, p.HandleFrame(ctx, frameFor("btcusdt@aggTrade",
		`{"e":"aggTrade","E":1700000000000,"s":"BTCUSDT","a":1,"p":"1","q":"1","T":1700000000001,"m":false}`)))

	p.FlushDue(ctx)
	require.Equal(t, 1, p.Buffered(), "fresh buffer must not flush on age tick")
	require.Zero(t, writer.count(schema.TableTrades))
}

func TestMemorySymbolStoreAssignsStableIDs(t *testing.T) {
	ctx := context.Background()
	store := newMemorySymbolStore()

	first, err := store.UpsertSymbol(ctx, "binance-futures", "BTCUSDT")
	require.NoError(t, err)
	again, err := store.UpsertSymbol(ctx, "binance-futures", "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, first, again)

	second, err := store.UpsertSymbol(ctx, "binance-futures", "ETHUSDT")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	active, err := store.ActiveSymbols(ctx, "binance-futures")
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, first, active["BTCUSDT"])
}

package orderbook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/binance"
	"github.com/depthcast/collector/internal/schema"
)

type fakeFetcher struct {
	snapshots []*binance.DepthSnapshot
	errs      []error
	calls     int
}

func (f *fakeFetcher) DepthSnapshot(_ context.Context, _ string, _ int) (*binance.DepthSnapshot, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.snapshots) == 0 {
		return nil, errors.New("no snapshot queued")
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snap, nil
}

func lvl(price, qty string) schema.PriceLevel {
	return schema.PriceLevel{
		Price: decimal.RequireFromString(price),
		Qty:   decimal.RequireFromString(qty),
	}
}

func snapshotAt(lastUpdateID int64, bids, asks []schema.PriceLevel) *binance.DepthSnapshot {
	return &binance.DepthSnapshot{LastUpdateID: lastUpdateID, Bids: bids, Asks: asks}
}

func diffAt(first, final int64, bids, asks []schema.PriceLevel) schema.DepthDiffEvent {
	return schema.DepthDiffEvent{
		TsExchange:    time.UnixMilli(1700000000000 + final).UTC(),
		TsIngest:      time.UnixMilli(1700000000001 + final).UTC(),
		Symbol:        "BTCUSDT",
		SymbolID:      1,
		FirstUpdateID: first,
		FinalUpdateID: final,
		Bids:          bids,
		Asks:          asks,
	}
}

func TestColdStartAppliesFirstDiff(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []*binance.DepthSnapshot{
		snapshotAt(100, []schema.PriceLevel{lvl("50000", "1")}, []schema.PriceLevel{lvl("50001", "1")}),
	}}
	rec := NewReconstructor(fetcher)

	snap, err := rec.Handle(context.Background(), diffAt(101, 101, []schema.PriceLevel{lvl("49999", "2")}, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)

	require.Equal(t, "50000", snap.Bids[0].Price.String())
	require.Equal(t, "1", snap.Bids[0].Qty.String())
	require.Equal(t, "49999", snap.Bids[1].Price.String())
	require.Equal(t, "2", snap.Bids[1].Qty.String())
	require.Equal(t, "50001", snap.Asks[0].Price.String())
	require.Zero(t, snap.I1)
	require.Equal(t, int64(101), snap.FinalUpdateID)
	require.Equal(t, uint64(1), rec.Resyncs())
}

func TestGapTriggersResyncWithoutEmission(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []*binance.DepthSnapshot{
		snapshotAt(100, []schema.PriceLevel{lvl("50000", "1")}, []schema.PriceLevel{lvl("50001", "1")}),
		snapshotAt(205, []schema.PriceLevel{lvl("50002", "1")}, []schema.PriceLevel{lvl("50003", "1")}),
	}}
	rec := NewReconstructor(fetcher)

	snap, err := rec.Handle(context.Background(), diffAt(101, 101, nil, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)

	// gap: U jumps past last+1
	snap, err = rec.Handle(context.Background(), diffAt(200, 200, []schema.PriceLevel{lvl("49000", "9")}, nil))
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Equal(t, uint64(2), rec.Resyncs())

	// next contiguous diff against the new snapshot resumes emission
	snap, err = rec.Handle(context.Background(), diffAt(206, 206, []schema.PriceLevel{lvl("50002", "3")}, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "3", snap.Bids[0].Qty.String())
}

func TestStaleDiffIgnored(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []*binance.DepthSnapshot{
		snapshotAt(100, []schema.PriceLevel{lvl("50000", "1")}, []schema.PriceLevel{lvl("50001", "1")}),
	}}
	rec := NewReconstructor(fetcher)

	snap, err := rec.Handle(context.Background(), diffAt(90, 95, []schema.PriceLevel{lvl("1", "1")}, nil))
	require.NoError(t, err)
	require.Nil(t, snap)

	// book untouched by the stale diff
	snap, err = rec.Handle(context.Background(), diffAt(101, 101, nil, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "50000", snap.Bids[0].Price.String())
}

func TestQtyZeroRemovalAndAbsentPriceNoop(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []*binance.DepthSnapshot{
		snapshotAt(100,
			[]schema.PriceLevel{lvl("50000", "1"), lvl("49999", "2")},
			[]schema.PriceLevel{lvl("50001", "1")}),
	}}
	rec := NewReconstructor(fetcher)

	// removal of an existing level plus a removal for a price never seen
	snap, err := rec.Handle(context.Background(), diffAt(101, 101,
		[]schema.PriceLevel{lvl("49999", "0"), lvl("40000", "0")}, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Bids, 1)
	require.Equal(t, "50000", snap.Bids[0].Price.String())
}

func TestEmptySidesDoNotCrash(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []*binance.DepthSnapshot{
		snapshotAt(100, nil, nil),
	}}
	rec := NewReconstructor(fetcher)

	snap, err := rec.Handle(context.Background(), diffAt(101, 101, nil, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Empty(t, snap.Bids)
	require.Empty(t, snap.Asks)
	require.Zero(t, snap.Microprice)
}

func TestSingleIDUpdateApplied(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []*binance.DepthSnapshot{
		snapshotAt(100, []schema.PriceLevel{lvl("50000", "1")}, []schema.PriceLevel{lvl("50001", "1")}),
	}}
	rec := NewReconstructor(fetcher)

	_, err := rec.Handle(context.Background(), diffAt(101, 101, nil, nil))
	require.NoError(t, err)

	// U == last+1 == u
	snap, err := rec.Handle(context.Background(), diffAt(102, 102, []schema.PriceLevel{lvl("50000", "5")}, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "5", snap.Bids[0].Qty.String())
}

func TestSnapshotFailureDropsDiffAndArmsBackoff(t *testing.T) {
	fetcher := &fakeFetcher{
		errs: []error{errors.New("rest down")},
		snapshots: []*binance.DepthSnapshot{
			snapshotAt(100, []schema.PriceLevel{lvl("50000", "1")}, []schema.PriceLevel{lvl("50001", "1")}),
		},
	}
	rec := NewReconstructor(fetcher)
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.clock = func() time.Time { return current }

	_, err := rec.Handle(context.Background(), diffAt(101, 101, nil, nil))
	require.Error(t, err)

	// within the backoff window the retry is suppressed without a REST call
	calls := fetcher.calls
	_, err = rec.Handle(context.Background(), diffAt(102, 102, nil, nil))
	require.Error(t, err)
	require.Equal(t, errs.KindUnavailable, errs.KindOf(err))
	require.Equal(t, calls, fetcher.calls)

	// after the window the next diff retries and succeeds
	current = current.Add(time.Minute)
	snap, err := rec.Handle(context.Background(), diffAt(101, 101, []schema.PriceLevel{lvl("49999", "1")}, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestPersistentGapsEnterCooldown(t *testing.T) {
	// every snapshot lands at 100 while diffs keep jumping far ahead
	fetcher := &fakeFetcher{snapshots: []*binance.DepthSnapshot{
		snapshotAt(100, []schema.PriceLevel{lvl("50000", "1")}, []schema.PriceLevel{lvl("50001", "1")}),
	}}
	rec := NewReconstructor(fetcher)

	for i := 0; i < gapCooldownThreshold; i++ {
		snap, err := rec.Handle(context.Background(), diffAt(int64(200+i*10), int64(205+i*10), nil, nil))
		require.NoError(t, err)
		require.Nil(t, snap)
	}

	// resync completed but emission stays paused for the first applied diff
	snap, err := rec.Handle(context.Background(), diffAt(101, 101, []schema.PriceLevel{lvl("49999", "1")}, nil))
	require.NoError(t, err)
	require.Nil(t, snap)

	// emission resumes afterwards
	snap, err = rec.Handle(context.Background(), diffAt(102, 102, nil, nil))
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestReplayProducesIdenticalSnapshots(t *testing.T) {
	seed := func() *Reconstructor {
		return NewReconstructor(&fakeFetcher{snapshots: []*binance.DepthSnapshot{
			snapshotAt(100,
				[]schema.PriceLevel{lvl("50000", "1"), lvl("49999", "4")},
				[]schema.PriceLevel{lvl("50001", "2"), lvl("50002", "3")}),
		}})
	}
	diffs := []schema.DepthDiffEvent{
		diffAt(101, 102, []schema.PriceLevel{lvl("49998", "1")}, []schema.PriceLevel{lvl("50001", "0")}),
		diffAt(103, 103, []schema.PriceLevel{lvl("50000", "2.5")}, nil),
		diffAt(104, 106, nil, []schema.PriceLevel{lvl("50003", "7")}),
	}

	run := func() []schema.TopNSnapshot {
		rec := seed()
		out := make([]schema.TopNSnapshot, 0, len(diffs))
		for _, d := range diffs {
			snap, err := rec.Handle(context.Background(), d)
			require.NoError(t, err)
			require.NotNil(t, snap)
			out = append(out, *snap)
		}
		return out
	}

	first := run()
	second := run()
	require.Equal(t, first, second)
}

func TestComputeFeaturesScenario(t *testing.T) {
	bids := []schema.PriceLevel{lvl("50000", "1"), lvl("49999", "2")}
	asks := []schema.PriceLevel{lvl("50001", "1")}

	f := ComputeFeatures(bids, asks)
	// equal touch sizes: microprice == weighted mid, i1 == 0
	require.InDelta(t, 50000.5, f.Microprice, 1e-9)
	require.Zero(t, f.I1)
	require.InDelta(t, (3.0-1.0)/(3.0+1.0), f.I5, 1e-9)
	require.Equal(t, 2.0, f.WallSizeBid)
	require.Equal(t, 1.0, f.WallSizeAsk)
	require.InDelta(t, (50000.5-49999.0)/50000.5*10000, f.WallDistBidBps, 1e-9)
}

func TestBookCapDropsFarthestLevels(t *testing.T) {
	b := newBook()
	bids := make([]schema.PriceLevel, 0, maxLevelsPerSide+10)
	for i := 0; i < maxLevelsPerSide+10; i++ {
		bids = append(bids, schema.PriceLevel{
			Price: decimal.NewFromInt(int64(100000 - i)),
			Qty:   decimal.NewFromInt(1),
		})
	}
	b.reset(100, nil, nil)
	b.apply(schema.DepthDiffEvent{FinalUpdateID: 101, Bids: bids})

	require.Equal(t, maxLevelsPerSide, len(b.bids))
	top, _ := b.topN(1)
	require.Equal(t, "100000", top[0].Price.String())
}

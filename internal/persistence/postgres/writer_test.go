package postgres

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/depthcast/collector/internal/schema"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDryRunWriterCountsWithoutPool(t *testing.T) {
	w := NewWriter(nil, true)
	tsExchange := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := w.InsertBookTicker(context.Background(), []schema.BookTickerEvent{
		{
			TsExchange: tsExchange,
			TsIngest:   tsExchange.Add(5 * time.Millisecond),
			Symbol:     "BTCUSDT",
			SymbolID:   1,
			UpdateID:   42,
			BestBid:    dec("50000.0"),
			BestAsk:    dec("50001.0"),
			BidQty:     dec("1.0"),
			AskQty:     dec("2.0"),
		},
	})
	require.NoError(t, err)

	stats := w.Stats()[schema.TableBookTicker]
	require.Equal(t, uint64(1), stats.Inserted)
	require.Zero(t, stats.Failed)
	require.Equal(t, tsExchange, stats.LastTsExchange)
}

func TestFreshnessNeverMovesBackwards(t *testing.T) {
	w := NewWriter(nil, true)
	newer := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	older := newer.Add(-time.Second)

	trade := func(ts time.Time, id int64) schema.TradeEvent {
		return schema.TradeEvent{
			TsExchange: ts,
			TsIngest:   ts,
			SymbolID:   1,
			AggTradeID: id,
			Price:      dec("50000"),
			Qty:        dec("0.1"),
		}
	}
	require.NoError(t, w.InsertTrades(context.Background(), []schema.TradeEvent{trade(newer, 1)}))
	require.NoError(t, w.InsertTrades(context.Background(), []schema.TradeEvent{trade(older, 2)}))

	require.Equal(t, newer, w.Stats()[schema.TableTrades].LastTsExchange)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	w := NewWriter(nil, false)
	require.NoError(t, w.InsertTrades(context.Background(), nil))
	require.Zero(t, w.Stats()[schema.TableTrades].Inserted)
}

func TestEncodeLevels(t *testing.T) {
	data, err := encodeLevels(nil)
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(data))

	data, err = encodeLevels([]schema.PriceLevel{{Price: dec("50000"), Qty: dec("1.5")}})
	require.NoError(t, err)

	var decoded []schema.PriceLevel
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	require.True(t, decoded[0].Price.Equal(dec("50000")))
	require.True(t, decoded[0].Qty.Equal(dec("1.5")))
}

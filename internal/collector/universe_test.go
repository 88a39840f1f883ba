package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/depthcast/collector/config"
	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/binance"
	"github.com/depthcast/collector/internal/schema"
)

type fakeLister struct {
	instruments []binance.Instrument
	err         error
}

func (f fakeLister) ExchangeInfo(context.Context) ([]binance.Instrument, error) {
	return f.instruments, f.err
}

func perp(symbol string) binance.Instrument {
	return binance.Instrument{Symbol: symbol, Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USDT"}
}

func TestResolveUniverseIntersectsAndRotates(t *testing.T) {
	lister := fakeLister{instruments: []binance.Instrument{
		perp("BTCUSDT"), perp("ETHUSDT"), perp("SOLUSDT"),
		{Symbol: "BTCUSD_PERP", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USD"},
		{Symbol: "XRPUSDT", Status: "SETTLING", ContractType: "PERPETUAL", QuoteAsset: "USDT"},
	}}

	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT", "XRPUSDT", "ethusdt", "SOLUSDT", "NOPEUSDT"}
	cfg.StartingSymbol = "ETHUSDT"

	universe, err := ResolveUniverse(context.Background(), lister, cfg)
	require.NoError(t, err)
	// XRPUSDT and NOPEUSDT drop; order rotates so the starting symbol leads
	require.Equal(t, []string{"ETHUSDT", "SOLUSDT", "BTCUSDT"}, universe)
}

func TestResolveUniverseCapsBeforeRotation(t *testing.T) {
	lister := fakeLister{instruments: []binance.Instrument{
		perp("BTCUSDT"), perp("ETHUSDT"), perp("SOLUSDT"),
	}}

	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	cfg.TotalSymbols = 2
	cfg.StartingSymbol = "SOLUSDT"

	universe, err := ResolveUniverse(context.Background(), lister, cfg)
	require.NoError(t, err)
	// the cap removes SOLUSDT first, so the unknown start leaves order as-is
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, universe)
}

func TestResolveUniverseEmptyIntersectionIsFatal(t *testing.T) {
	lister := fakeLister{instruments: []binance.Instrument{perp("BTCUSDT")}}

	cfg := config.Default()
	cfg.Symbols = []string{"DOGEUSDT"}

	_, err := ResolveUniverse(context.Background(), lister, cfg)
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindConfig, e.Kind)
}

func TestResolveUniversePropagatesListerError(t *testing.T) {
	lister := fakeLister{err: errors.New("exchangeInfo unavailable")}

	_, err := ResolveUniverse(context.Background(), lister, config.Default())
	require.ErrorContains(t, err, "exchangeInfo unavailable")
}

func TestRotateToFront(t *testing.T) {
	symbols := []string{"A", "B", "C", "D"}
	require.Equal(t, []string{"C", "D", "A", "B"}, rotateToFront(symbols, "c"))
	require.Equal(t, symbols, rotateToFront(symbols, ""))
	require.Equal(t, symbols, rotateToFront(symbols, "Z"))
}

func TestToChannels(t *testing.T) {
	channels, err := toChannels([]string{"bookTicker", "aggTrade", "depth@100ms", "markPrice", "forceOrder"})
	require.NoError(t, err)
	require.Equal(t, []schema.Channel{
		schema.ChannelBookTicker,
		schema.ChannelAggTrade,
		schema.ChannelDepth,
		schema.ChannelMarkPrice,
		schema.ChannelForceOrder,
	}, channels)

	_, err = toChannels([]string{"kline_1m"})
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindConfig, e.Kind)
}

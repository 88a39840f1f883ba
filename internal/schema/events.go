// Package schema defines canonical market-data event types shared across the collector.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel names a stream channel suffix understood by the decoder.
type Channel string

const (
	// ChannelBookTicker carries best bid/ask updates.
	ChannelBookTicker Channel = "bookTicker"
	// ChannelAggTrade carries aggregated trades.
	ChannelAggTrade Channel = "aggTrade"
	// ChannelDepth carries incremental order-book diffs at 100ms cadence.
	ChannelDepth Channel = "depth@100ms"
	// ChannelMarkPrice carries mark/index price updates at 1s cadence.
	ChannelMarkPrice Channel = "markPrice@1s"
	// ChannelForceOrder carries liquidation orders.
	ChannelForceOrder Channel = "forceOrder"
)

// Table names a persisted event table.
type Table string

const (
	TableBookTicker  Table = "book_ticker"
	TableTrades      Table = "trades"
	TableDepthEvents Table = "depth_events"
	TableTopN        Table = "orderbook_top5"
	TableMarkPrice   Table = "mark_price"
	TableForceOrders Table = "force_orders"
)

// Tables lists every persisted event table in flush order.
var Tables = []Table{
	TableBookTicker,
	TableTrades,
	TableDepthEvents,
	TableTopN,
	TableMarkPrice,
	TableForceOrders,
}

// PriceLevel is one (price, quantity) entry on a book side.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// BookTickerEvent is a best bid/ask update. Spread and mid are derived at write time.
type BookTickerEvent struct {
	TsExchange time.Time
	TsIngest   time.Time
	Symbol     string
	SymbolID   int64
	UpdateID   int64
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	BidQty     decimal.Decimal
	AskQty     decimal.Decimal
}

// Spread returns ask minus bid.
func (e BookTickerEvent) Spread() decimal.Decimal {
	return e.BestAsk.Sub(e.BestBid)
}

// Mid returns the midpoint between bid and ask.
func (e BookTickerEvent) Mid() decimal.Decimal {
	return e.BestAsk.Add(e.BestBid).Div(decimal.NewFromInt(2))
}

// TradeEvent is one aggregated trade. (SymbolID, AggTradeID) identifies it for dedup.
type TradeEvent struct {
	TsExchange   time.Time
	TsIngest     time.Time
	Symbol       string
	SymbolID     int64
	AggTradeID   int64
	Price        decimal.Decimal
	Qty          decimal.Decimal
	IsBuyerMaker bool
}

// DepthDiffEvent is an incremental book update covering the inclusive
// update-id range [FirstUpdateID, FinalUpdateID]. Qty zero removes a level.
type DepthDiffEvent struct {
	TsExchange        time.Time
	TsIngest          time.Time
	Symbol            string
	SymbolID          int64
	FirstUpdateID     int64
	FinalUpdateID     int64
	PrevFinalUpdateID int64
	Bids              []PriceLevel
	Asks              []PriceLevel
}

// MarkPriceEvent carries mark/index price and funding information.
type MarkPriceEvent struct {
	TsExchange      time.Time
	TsIngest        time.Time
	Symbol          string
	SymbolID        int64
	EventType       string
	MarkPrice       decimal.Decimal
	IndexPrice      decimal.Decimal
	EstSettlePrice  decimal.Decimal
	FundingRate     decimal.Decimal
	NextFundingTime time.Time
}

// ForceOrderEvent is a liquidation order with its raw envelope retained.
type ForceOrderEvent struct {
	TsExchange time.Time
	TsIngest   time.Time
	Symbol     string
	SymbolID   int64
	Side       string
	Price      decimal.Decimal
	Qty        decimal.Decimal
	Raw        []byte
}

// TopNDepth is the number of levels retained per side in a TopNSnapshot.
const TopNDepth = 5

// TopNSnapshot is emitted per applied depth diff. (SymbolID, TsExchange)
// identifies it for dedup. Sides hold up to TopNDepth levels; missing levels
// carry zero values.
type TopNSnapshot struct {
	TsExchange    time.Time
	TsIngest      time.Time
	Symbol        string
	SymbolID      int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel

	Microprice     float64
	I1             float64
	I5             float64
	WallSizeBid    float64
	WallSizeAsk    float64
	WallDistBidBps float64
	WallDistAskBps float64
}

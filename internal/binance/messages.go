// Package binance decodes Binance USDT-perp futures stream frames and serves
// the REST endpoints used for order-book resynchronization.
package binance

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// msTimestamp decodes Binance millisecond epoch timestamps that may arrive as
// integers, floats, or quoted strings.
type msTimestamp int64

func (ts *msTimestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}

	if trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		if len(inner) == 0 {
			*ts = 0
			return nil
		}
		trimmed = inner
	}

	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = msTimestamp(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*ts = msTimestamp(int64(parsed))
		return nil
	}
	return fmt.Errorf("binance: invalid timestamp %q", string(data))
}

func (ts msTimestamp) Int64() int64 { return int64(ts) }

type bookTickerMessage struct {
	EventTime msTimestamp `json:"E"`
	Symbol    string      `json:"s"`
	UpdateID  int64       `json:"u"`
	BidPrice  string      `json:"b"`
	BidQty    string      `json:"B"`
	AskPrice  string      `json:"a"`
	AskQty    string      `json:"A"`
}

type aggTradeMessage struct {
	EventTime    msTimestamp `json:"E"`
	Symbol       string      `json:"s"`
	AggTradeID   int64       `json:"a"`
	Price        string      `json:"p"`
	Quantity     string      `json:"q"`
	TradeTime    msTimestamp `json:"T"`
	IsBuyerMaker bool        `json:"m"`
}

type depthDiffMessage struct {
	EventTime         msTimestamp `json:"E"`
	Symbol            string      `json:"s"`
	FirstUpdateID     int64       `json:"U"`
	FinalUpdateID     int64       `json:"u"`
	PrevFinalUpdateID int64       `json:"pu"`
	Bids              [][]string  `json:"b"`
	Asks              [][]string  `json:"a"`
}

type markPriceMessage struct {
	EventType       string      `json:"e"`
	EventTime       msTimestamp `json:"E"`
	Symbol          string      `json:"s"`
	MarkPrice       string      `json:"p"`
	IndexPrice      string      `json:"i"`
	EstSettlePrice  string      `json:"P"`
	FundingRate     string      `json:"r"`
	NextFundingTime msTimestamp `json:"T"`
}

type forceOrderMessage struct {
	EventTime msTimestamp     `json:"E"`
	Order     forceOrderEntry `json:"o"`
}

type forceOrderEntry struct {
	Symbol    string      `json:"s"`
	Side      string      `json:"S"`
	Price     string      `json:"p"`
	AvgPrice  string      `json:"ap"`
	Quantity  string      `json:"q"`
	TradeTime msTimestamp `json:"T"`
}

func parseDecimal(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, false
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return dec, true
}

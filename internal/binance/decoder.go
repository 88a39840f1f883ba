package binance

import (
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/schema"
)

// ErrUnknownStream marks frames whose stream suffix is not dispatched. The
// caller drops them at debug level without counting a parse failure.
var ErrUnknownStream = errors.New("binance: unknown stream suffix")

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DecodeFrame parses one combined-stream frame into a typed event. The
// returned value is one of the schema event structs; ingest stamps TsIngest.
func DecodeFrame(raw []byte, ingest time.Time) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.New("decoder", errs.KindParse,
			errs.WithMessage("frame envelope"), errs.WithCause(err))
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return nil, errs.New("decoder", errs.KindParse, errs.WithMessage("empty envelope"))
	}

	_, suffix, ok := strings.Cut(env.Stream, "@")
	if !ok {
		return nil, errs.New("decoder", errs.KindParse,
			errs.WithMessage("stream name without channel: "+env.Stream))
	}

	switch {
	case suffix == "bookTicker":
		return decodeBookTicker(env.Data, ingest)
	case suffix == "aggTrade":
		return decodeAggTrade(env.Data, ingest)
	case strings.HasPrefix(suffix, "depth"):
		return decodeDepthDiff(env.Data, ingest)
	case strings.HasPrefix(suffix, "markPrice"):
		return decodeMarkPrice(env.Data, ingest)
	case suffix == "forceOrder":
		return decodeForceOrder(env.Data, ingest)
	default:
		return nil, ErrUnknownStream
	}
}

func decodeBookTicker(data []byte, ingest time.Time) (schema.BookTickerEvent, error) {
	var msg bookTickerMessage
	var out schema.BookTickerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return out, errs.New("decoder", errs.KindParse,
			errs.WithMessage("bookTicker payload"), errs.WithCause(err))
	}
	bid, okBid := parseDecimal(msg.BidPrice)
	ask, okAsk := parseDecimal(msg.AskPrice)
	if !okBid || !okAsk {
		return out, errs.New("decoder", errs.KindParse, errs.WithMessage("bookTicker prices"))
	}
	bidQty, _ := parseDecimal(msg.BidQty)
	askQty, _ := parseDecimal(msg.AskQty)
	out = schema.BookTickerEvent{
		TsExchange: eventInstant(msg.EventTime, ingest),
		TsIngest:   ingest.UTC(),
		Symbol:     strings.ToUpper(strings.TrimSpace(msg.Symbol)),
		UpdateID:   msg.UpdateID,
		BestBid:    bid,
		BestAsk:    ask,
		BidQty:     bidQty,
		AskQty:     askQty,
	}
	return out, nil
}

func decodeAggTrade(data []byte, ingest time.Time) (schema.TradeEvent, error) {
	var msg aggTradeMessage
	var out schema.TradeEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return out, errs.New("decoder", errs.KindParse,
			errs.WithMessage("aggTrade payload"), errs.WithCause(err))
	}
	price, okPrice := parseDecimal(msg.Price)
	qty, okQty := parseDecimal(msg.Quantity)
	if !okPrice || !okQty {
		return out, errs.New("decoder", errs.KindParse, errs.WithMessage("aggTrade numerics"))
	}
	ts := msg.TradeTime
	if ts == 0 {
		ts = msg.EventTime
	}
	out = schema.TradeEvent{
		TsExchange:   eventInstant(ts, ingest),
		TsIngest:     ingest.UTC(),
		Symbol:       strings.ToUpper(strings.TrimSpace(msg.Symbol)),
		AggTradeID:   msg.AggTradeID,
		Price:        price,
		Qty:          qty,
		IsBuyerMaker: msg.IsBuyerMaker,
	}
	return out, nil
}

func decodeDepthDiff(data []byte, ingest time.Time) (schema.DepthDiffEvent, error) {
	var msg depthDiffMessage
	var out schema.DepthDiffEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return out, errs.New("decoder", errs.KindParse,
			errs.WithMessage("depth payload"), errs.WithCause(err))
	}
	bids, err := toPriceLevels(msg.Bids)
	if err != nil {
		return out, err
	}
	asks, err := toPriceLevels(msg.Asks)
	if err != nil {
		return out, err
	}
	out = schema.DepthDiffEvent{
		TsExchange:        eventInstant(msg.EventTime, ingest),
		TsIngest:          ingest.UTC(),
		Symbol:            strings.ToUpper(strings.TrimSpace(msg.Symbol)),
		FirstUpdateID:     msg.FirstUpdateID,
		FinalUpdateID:     msg.FinalUpdateID,
		PrevFinalUpdateID: msg.PrevFinalUpdateID,
		Bids:              bids,
		Asks:              asks,
	}
	return out, nil
}

func decodeMarkPrice(data []byte, ingest time.Time) (schema.MarkPriceEvent, error) {
	var msg markPriceMessage
	var out schema.MarkPriceEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return out, errs.New("decoder", errs.KindParse,
			errs.WithMessage("markPrice payload"), errs.WithCause(err))
	}
	mark, ok := parseDecimal(msg.MarkPrice)
	if !ok {
		return out, errs.New("decoder", errs.KindParse, errs.WithMessage("markPrice value"))
	}
	index, _ := parseDecimal(msg.IndexPrice)
	settle, _ := parseDecimal(msg.EstSettlePrice)
	funding, _ := parseDecimal(msg.FundingRate)
	out = schema.MarkPriceEvent{
		TsExchange:      eventInstant(msg.EventTime, ingest),
		TsIngest:        ingest.UTC(),
		Symbol:          strings.ToUpper(strings.TrimSpace(msg.Symbol)),
		EventType:       msg.EventType,
		MarkPrice:       mark,
		IndexPrice:      index,
		EstSettlePrice:  settle,
		FundingRate:     funding,
		NextFundingTime: time.UnixMilli(msg.NextFundingTime.Int64()).UTC(),
	}
	return out, nil
}

func decodeForceOrder(data []byte, ingest time.Time) (schema.ForceOrderEvent, error) {
	var msg forceOrderMessage
	var out schema.ForceOrderEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return out, errs.New("decoder", errs.KindParse,
			errs.WithMessage("forceOrder payload"), errs.WithCause(err))
	}
	price, ok := parseDecimal(msg.Order.Price)
	if !ok {
		price, ok = parseDecimal(msg.Order.AvgPrice)
	}
	qty, okQty := parseDecimal(msg.Order.Quantity)
	if !ok || !okQty {
		return out, errs.New("decoder", errs.KindParse, errs.WithMessage("forceOrder numerics"))
	}
	ts := msg.Order.TradeTime
	if ts == 0 {
		ts = msg.EventTime
	}
	out = schema.ForceOrderEvent{
		TsExchange: eventInstant(ts, ingest),
		TsIngest:   ingest.UTC(),
		Symbol:     strings.ToUpper(strings.TrimSpace(msg.Order.Symbol)),
		Side:       strings.ToUpper(strings.TrimSpace(msg.Order.Side)),
		Price:      price,
		Qty:        qty,
		Raw:        append([]byte(nil), data...),
	}
	return out, nil
}

func toPriceLevels(levels [][]string) ([]schema.PriceLevel, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			return nil, errs.New("decoder", errs.KindParse, errs.WithMessage("short depth level"))
		}
		price, okPrice := parseDecimal(level[0])
		qty, okQty := parseDecimal(level[1])
		if !okPrice || !okQty {
			return nil, errs.New("decoder", errs.KindParse, errs.WithMessage("depth level numerics"))
		}
		out = append(out, schema.PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}

// eventInstant converts an exchange millisecond timestamp; a missing
// timestamp falls back to the ingest instant.
func eventInstant(ts msTimestamp, ingest time.Time) time.Time {
	if ts <= 0 {
		return ingest.UTC()
	}
	return time.UnixMilli(ts.Int64()).UTC()
}

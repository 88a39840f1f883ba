// Package orderbook maintains per-symbol book state and reconstructs top-N
// snapshots with microstructure features from depth diffs.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/depthcast/collector/internal/schema"
)

// maxLevelsPerSide caps book memory; the farthest levels are dropped when
// exceeded. Top-N output is unaffected.
const maxLevelsPerSide = 10000

// book holds one symbol's price levels keyed by the canonical decimal string
// of the price, so "50000.0" and "50000" address the same level.
type book struct {
	lastUpdateID int64
	bids         map[string]schema.PriceLevel
	asks         map[string]schema.PriceLevel
}

func newBook() *book {
	return &book{
		bids: make(map[string]schema.PriceLevel),
		asks: make(map[string]schema.PriceLevel),
	}
}

// reset replaces the book contents from a REST snapshot.
func (b *book) reset(lastUpdateID int64, bids, asks []schema.PriceLevel) {
	b.lastUpdateID = lastUpdateID
	b.bids = make(map[string]schema.PriceLevel, len(bids))
	b.asks = make(map[string]schema.PriceLevel, len(asks))
	for _, lvl := range bids {
		if lvl.Qty.Sign() > 0 {
			b.bids[lvl.Price.String()] = lvl
		}
	}
	for _, lvl := range asks {
		if lvl.Qty.Sign() > 0 {
			b.asks[lvl.Price.String()] = lvl
		}
	}
}

// apply folds a diff into the book. Qty zero removes the level; a removal for
// an absent price is a no-op.
func (b *book) apply(diff schema.DepthDiffEvent) {
	applySide(b.bids, diff.Bids)
	applySide(b.asks, diff.Asks)
	b.lastUpdateID = diff.FinalUpdateID

	if len(b.bids) > maxLevelsPerSide {
		pruneFarthest(b.bids, true)
	}
	if len(b.asks) > maxLevelsPerSide {
		pruneFarthest(b.asks, false)
	}
}

func applySide(side map[string]schema.PriceLevel, levels []schema.PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.Qty.Sign() == 0 {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

// topN returns up to n best levels per side: bids descending, asks ascending.
func (b *book) topN(n int) (bids, asks []schema.PriceLevel) {
	bids = sortedLevels(b.bids, true)
	asks = sortedLevels(b.asks, false)
	if len(bids) > n {
		bids = bids[:n]
	}
	if len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}

// crossed reports whether the best bid meets or exceeds the best ask.
func (b *book) crossed() bool {
	bestBid, okBid := bestPrice(b.bids, true)
	bestAsk, okAsk := bestPrice(b.asks, false)
	if !okBid || !okAsk {
		return false
	}
	return bestBid.GreaterThanOrEqual(bestAsk)
}

func bestPrice(side map[string]schema.PriceLevel, descending bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, lvl := range side {
		if !found {
			best = lvl.Price
			found = true
			continue
		}
		if descending && lvl.Price.GreaterThan(best) {
			best = lvl.Price
		}
		if !descending && lvl.Price.LessThan(best) {
			best = lvl.Price
		}
	}
	return best, found
}

func sortedLevels(side map[string]schema.PriceLevel, descending bool) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// pruneFarthest trims the side back down to maxLevelsPerSide by removing the
// levels farthest from the touch.
func pruneFarthest(side map[string]schema.PriceLevel, bids bool) {
	levels := sortedLevels(side, bids)
	for _, lvl := range levels[maxLevelsPerSide:] {
		delete(side, lvl.Price.String())
	}
}

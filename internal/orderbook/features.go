package orderbook

import (
	"math"

	"github.com/depthcast/collector/internal/schema"
)

// Features carries the microstructure metrics derived from a top-N view.
type Features struct {
	Microprice     float64
	I1             float64
	I5             float64
	WallSizeBid    float64
	WallSizeAsk    float64
	WallDistBidBps float64
	WallDistAskBps float64
}

// ComputeFeatures derives metrics from top-N sides (bids descending, asks
// ascending). An empty side yields zero features; zero denominators fall back
// rather than dividing by zero.
func ComputeFeatures(bids, asks []schema.PriceLevel) Features {
	var out Features
	if len(bids) == 0 || len(asks) == 0 {
		return out
	}

	b1p, _ := bids[0].Price.Float64()
	b1q, _ := bids[0].Qty.Float64()
	a1p, _ := asks[0].Price.Float64()
	a1q, _ := asks[0].Qty.Float64()
	mid := (a1p + b1p) / 2

	if denom := b1q + a1q; denom > 0 {
		out.Microprice = (b1p*a1q + a1p*b1q) / denom
		out.I1 = (b1q - a1q) / denom
	} else {
		out.Microprice = mid
	}

	var sumBid, sumAsk float64
	for _, lvl := range bids {
		q, _ := lvl.Qty.Float64()
		sumBid += q
	}
	for _, lvl := range asks {
		q, _ := lvl.Qty.Float64()
		sumAsk += q
	}
	if denom := sumBid + sumAsk; denom > 0 {
		out.I5 = (sumBid - sumAsk) / denom
	}

	wallBidPrice := b1p
	for _, lvl := range bids {
		q, _ := lvl.Qty.Float64()
		if q > out.WallSizeBid {
			out.WallSizeBid = q
			wallBidPrice, _ = lvl.Price.Float64()
		}
	}
	wallAskPrice := a1p
	for _, lvl := range asks {
		q, _ := lvl.Qty.Float64()
		if q > out.WallSizeAsk {
			out.WallSizeAsk = q
			wallAskPrice, _ = lvl.Price.Float64()
		}
	}
	if mid > 0 {
		out.WallDistBidBps = math.Abs(wallBidPrice-mid) / mid * 10000
		out.WallDistAskBps = math.Abs(wallAskPrice-mid) / mid * 10000
	}
	return out
}

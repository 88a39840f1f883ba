// Package collector wires the streaming, decoding, reconstruction, and
// persistence stages into one supervised pipeline.
package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/depthcast/collector/config"
	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/binance"
	"github.com/depthcast/collector/internal/observability"
)

// InstrumentLister is the REST surface needed to resolve the symbol universe.
type InstrumentLister interface {
	ExchangeInfo(ctx context.Context) ([]binance.Instrument, error)
}

// ResolveUniverse intersects the configured symbol set with the venue's live
// USDT-perp instruments, applies the TOTAL_SYMBOLS cap, and rotates the order
// so the starting symbol leads. Unknown symbols are dropped with a log line;
// an empty result is fatal.
func ResolveUniverse(ctx context.Context, lister InstrumentLister, cfg config.Settings) ([]string, error) {
	instruments, err := lister.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve instrument universe: %w", err)
	}
	tradable := make(map[string]struct{})
	for _, sym := range binance.TradableUSDTPerps(instruments) {
		tradable[sym] = struct{}{}
	}

	out := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		name := strings.ToUpper(strings.TrimSpace(sym))
		if name == "" {
			continue
		}
		if _, ok := tradable[name]; !ok {
			observability.Log().Info("dropping unknown symbol",
				observability.Field{Key: "symbol", Value: name})
			continue
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, errs.New("collector", errs.KindConfig,
			errs.WithMessage("no configured symbol is a tradable USDT perpetual"))
	}

	if cfg.TotalSymbols > 0 && len(out) > cfg.TotalSymbols {
		out = out[:cfg.TotalSymbols]
	}
	return rotateToFront(out, cfg.StartingSymbol), nil
}

// rotateToFront reorders symbols so start leads; the remainder keeps the
// original order. Unknown start symbols leave the order untouched.
func rotateToFront(symbols []string, start string) []string {
	start = strings.ToUpper(strings.TrimSpace(start))
	if start == "" {
		return symbols
	}
	for i, sym := range symbols {
		if sym == start {
			rotated := make([]string, 0, len(symbols))
			rotated = append(rotated, symbols[i:]...)
			rotated = append(rotated, symbols[:i]...)
			return rotated
		}
	}
	return symbols
}

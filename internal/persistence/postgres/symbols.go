package postgres

import (
	"context"
	"fmt"
	"strings"
)

const upsertSymbolSQL = `
INSERT INTO symbols (exchange, symbol, base_asset, quote_asset, is_active)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (exchange, symbol) DO UPDATE SET updated_at = NOW(), is_active = TRUE
RETURNING id`

const activeSymbolsSQL = `
SELECT symbol, id
FROM symbols
WHERE exchange = $1 AND is_active`

// UpsertSymbol inserts or touches the (exchange, symbol) row and returns its id.
func (s *Store) UpsertSymbol(ctx context.Context, exchange, symbol string) (int64, error) {
	base, quote := splitAssets(symbol)
	var id int64
	err := s.pool.QueryRow(ctx, upsertSymbolSQL, exchange, symbol, base, quote).Scan(&id)
	if err != nil {
		return 0, classifyStoreError("symbols", fmt.Errorf("upsert symbol %s: %w", symbol, err))
	}
	return id, nil
}

// ActiveSymbols returns the symbol -> id mapping of all active symbols.
func (s *Store) ActiveSymbols(ctx context.Context, exchange string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, activeSymbolsSQL, exchange)
	if err != nil {
		return nil, classifyStoreError("symbols", fmt.Errorf("query active symbols: %w", err))
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			symbol string
			id     int64
		)
		if err := rows.Scan(&symbol, &id); err != nil {
			return nil, classifyStoreError("symbols", fmt.Errorf("scan symbol row: %w", err))
		}
		out[symbol] = id
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreError("symbols", fmt.Errorf("iterate symbol rows: %w", err))
	}
	return out, nil
}

// splitAssets derives base and quote assets from a USDT-perp symbol name.
func splitAssets(symbol string) (base, quote string) {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(upper, "USDT") && len(upper) > len("USDT") {
		return strings.TrimSuffix(upper, "USDT"), "USDT"
	}
	return upper, ""
}

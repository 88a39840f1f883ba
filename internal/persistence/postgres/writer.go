package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/observability"
	"github.com/depthcast/collector/internal/schema"
)

// defaultMaxWriteTries bounds the in-place retry loop of one flush; a batch
// that still fails transiently is handed back to the caller for retention.
const defaultMaxWriteTries = 5

const insertBookTickerSQL = `
INSERT INTO book_ticker (symbol_id, ts_exchange, ts_ingest, update_id, best_bid, best_ask, bid_qty, ask_qty, spread, mid)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (symbol_id, ts_exchange, ts_ingest) DO NOTHING`

const insertTradeSQL = `
INSERT INTO trades (symbol_id, ts_exchange, ts_ingest, agg_trade_id, price, qty, is_buyer_maker)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (symbol_id, agg_trade_id) DO NOTHING`

const insertDepthEventSQL = `
INSERT INTO depth_events (symbol_id, ts_exchange, ts_ingest, first_update_id, final_update_id, prev_final_update_id, bids, asks)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (symbol_id, ts_exchange, final_update_id) DO NOTHING`

const insertTopNSQL = `
INSERT INTO orderbook_top5 (
	symbol_id, ts_exchange, ts_ingest, final_update_id,
	bid1_price, bid1_qty, bid2_price, bid2_qty, bid3_price, bid3_qty, bid4_price, bid4_qty, bid5_price, bid5_qty,
	ask1_price, ask1_qty, ask2_price, ask2_qty, ask3_price, ask3_qty, ask4_price, ask4_qty, ask5_price, ask5_qty,
	microprice, i1, i5, wall_size_bid, wall_size_ask, wall_dist_bid_bps, wall_dist_ask_bps)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)
ON CONFLICT (symbol_id, ts_exchange) DO NOTHING`

const insertMarkPriceSQL = `
INSERT INTO mark_price (symbol_id, ts_exchange, ts_ingest, event_type, mark_price, index_price, est_settlement_price, funding_rate, next_funding_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (symbol_id, ts_exchange) DO NOTHING`

const insertForceOrderSQL = `
INSERT INTO force_orders (symbol_id, ts_exchange, ts_ingest, side, price, qty, raw)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (symbol_id, ts_exchange) DO NOTHING`

// TableStats is a point-in-time view of one table's write counters.
type TableStats struct {
	Inserted       uint64
	Failed         uint64
	LastTsExchange time.Time
}

type tableCounters struct {
	inserted atomic.Uint64
	failed   atomic.Uint64
	lastTsMs atomic.Int64
}

// Writer persists event batches with idempotent bulk inserts. Each flush is
// one per-table transaction; duplicate rows are absorbed by the conflict
// targets so replays never surface as errors.
type Writer struct {
	pool     *pgxpool.Pool
	dryRun   bool
	maxTries uint

	counters map[schema.Table]*tableCounters
}

// NewWriter constructs a writer. With dryRun set, inserts become no-ops while
// counters still advance.
func NewWriter(pool *pgxpool.Pool, dryRun bool) *Writer {
	counters := make(map[schema.Table]*tableCounters, len(schema.Tables))
	for _, table := range schema.Tables {
		counters[table] = &tableCounters{}
	}
	return &Writer{
		pool:     pool,
		dryRun:   dryRun,
		maxTries: defaultMaxWriteTries,
		counters: counters,
	}
}

// InsertBookTicker persists best bid/ask rows; spread and mid are derived here.
func (w *Writer) InsertBookTicker(ctx context.Context, events []schema.BookTickerEvent) error {
	rows := make([][]any, 0, len(events))
	latest := time.Time{}
	for _, e := range events {
		bid, err := numericFromDecimal("writer", e.BestBid)
		if err != nil {
			return w.dropBatch(schema.TableBookTicker, len(events), err)
		}
		ask, err := numericFromDecimal("writer", e.BestAsk)
		if err != nil {
			return w.dropBatch(schema.TableBookTicker, len(events), err)
		}
		bidQty, err := numericFromDecimal("writer", e.BidQty)
		if err != nil {
			return w.dropBatch(schema.TableBookTicker, len(events), err)
		}
		askQty, err := numericFromDecimal("writer", e.AskQty)
		if err != nil {
			return w.dropBatch(schema.TableBookTicker, len(events), err)
		}
		spread, err := numericFromDecimal("writer", e.Spread())
		if err != nil {
			return w.dropBatch(schema.TableBookTicker, len(events), err)
		}
		mid, err := numericFromDecimal("writer", e.Mid())
		if err != nil {
			return w.dropBatch(schema.TableBookTicker, len(events), err)
		}
		rows = append(rows, []any{
			e.SymbolID, e.TsExchange, e.TsIngest, e.UpdateID,
			bid, ask, bidQty, askQty, spread, mid,
		})
		latest = laterOf(latest, e.TsExchange)
	}
	return w.flush(ctx, schema.TableBookTicker, insertBookTickerSQL, rows, latest)
}

// InsertTrades persists aggregated trades keyed by (symbol_id, agg_trade_id).
func (w *Writer) InsertTrades(ctx context.Context, events []schema.TradeEvent) error {
	rows := make([][]any, 0, len(events))
	latest := time.Time{}
	for _, e := range events {
		price, err := numericFromDecimal("writer", e.Price)
		if err != nil {
			return w.dropBatch(schema.TableTrades, len(events), err)
		}
		qty, err := numericFromDecimal("writer", e.Qty)
		if err != nil {
			return w.dropBatch(schema.TableTrades, len(events), err)
		}
		rows = append(rows, []any{
			e.SymbolID, e.TsExchange, e.TsIngest, e.AggTradeID,
			price, qty, e.IsBuyerMaker,
		})
		latest = laterOf(latest, e.TsExchange)
	}
	return w.flush(ctx, schema.TableTrades, insertTradeSQL, rows, latest)
}

// InsertDepthEvents persists raw diffs with their sides encoded as JSON.
func (w *Writer) InsertDepthEvents(ctx context.Context, events []schema.DepthDiffEvent) error {
	rows := make([][]any, 0, len(events))
	latest := time.Time{}
	for _, e := range events {
		bids, err := encodeLevels(e.Bids)
		if err != nil {
			return w.dropBatch(schema.TableDepthEvents, len(events), err)
		}
		asks, err := encodeLevels(e.Asks)
		if err != nil {
			return w.dropBatch(schema.TableDepthEvents, len(events), err)
		}
		rows = append(rows, []any{
			e.SymbolID, e.TsExchange, e.TsIngest,
			e.FirstUpdateID, e.FinalUpdateID, e.PrevFinalUpdateID,
			bids, asks,
		})
		latest = laterOf(latest, e.TsExchange)
	}
	return w.flush(ctx, schema.TableDepthEvents, insertDepthEventSQL, rows, latest)
}

// InsertTopN persists top-5 snapshots with their derived features. Missing
// levels are stored as zeros.
func (w *Writer) InsertTopN(ctx context.Context, snaps []schema.TopNSnapshot) error {
	rows := make([][]any, 0, len(snaps))
	latest := time.Time{}
	for _, snap := range snaps {
		args := make([]any, 0, 31)
		args = append(args, snap.SymbolID, snap.TsExchange, snap.TsIngest, snap.FinalUpdateID)
		for i := 0; i < schema.TopNDepth; i++ {
			price, qty, err := levelArgs(snap.Bids, i)
			if err != nil {
				return w.dropBatch(schema.TableTopN, len(snaps), err)
			}
			args = append(args, price, qty)
		}
		for i := 0; i < schema.TopNDepth; i++ {
			price, qty, err := levelArgs(snap.Asks, i)
			if err != nil {
				return w.dropBatch(schema.TableTopN, len(snaps), err)
			}
			args = append(args, price, qty)
		}
		args = append(args,
			snap.Microprice, snap.I1, snap.I5,
			snap.WallSizeBid, snap.WallSizeAsk,
			snap.WallDistBidBps, snap.WallDistAskBps)
		rows = append(rows, args)
		latest = laterOf(latest, snap.TsExchange)
	}
	return w.flush(ctx, schema.TableTopN, insertTopNSQL, rows, latest)
}

// InsertMarkPrice persists mark/index price and funding rows.
func (w *Writer) InsertMarkPrice(ctx context.Context, events []schema.MarkPriceEvent) error {
	rows := make([][]any, 0, len(events))
	latest := time.Time{}
	for _, e := range events {
		mark, err := numericFromDecimal("writer", e.MarkPrice)
		if err != nil {
			return w.dropBatch(schema.TableMarkPrice, len(events), err)
		}
		index, err := numericFromDecimal("writer", e.IndexPrice)
		if err != nil {
			return w.dropBatch(schema.TableMarkPrice, len(events), err)
		}
		settle, err := numericFromDecimal("writer", e.EstSettlePrice)
		if err != nil {
			return w.dropBatch(schema.TableMarkPrice, len(events), err)
		}
		funding, err := numericFromDecimal("writer", e.FundingRate)
		if err != nil {
			return w.dropBatch(schema.TableMarkPrice, len(events), err)
		}
		rows = append(rows, []any{
			e.SymbolID, e.TsExchange, e.TsIngest, e.EventType,
			mark, index, settle, funding, e.NextFundingTime,
		})
		latest = laterOf(latest, e.TsExchange)
	}
	return w.flush(ctx, schema.TableMarkPrice, insertMarkPriceSQL, rows, latest)
}

// InsertForceOrders persists liquidations with the raw envelope retained.
func (w *Writer) InsertForceOrders(ctx context.Context, events []schema.ForceOrderEvent) error {
	rows := make([][]any, 0, len(events))
	latest := time.Time{}
	for _, e := range events {
		price, err := numericFromDecimal("writer", e.Price)
		if err != nil {
			return w.dropBatch(schema.TableForceOrders, len(events), err)
		}
		qty, err := numericFromDecimal("writer", e.Qty)
		if err != nil {
			return w.dropBatch(schema.TableForceOrders, len(events), err)
		}
		rows = append(rows, []any{
			e.SymbolID, e.TsExchange, e.TsIngest, e.Side, price, qty, e.Raw,
		})
		latest = laterOf(latest, e.TsExchange)
	}
	return w.flush(ctx, schema.TableForceOrders, insertForceOrderSQL, rows, latest)
}

// Stats returns a snapshot of per-table write counters and freshness.
func (w *Writer) Stats() map[schema.Table]TableStats {
	out := make(map[schema.Table]TableStats, len(w.counters))
	for table, c := range w.counters {
		stats := TableStats{
			Inserted: c.inserted.Load(),
			Failed:   c.failed.Load(),
		}
		if ms := c.lastTsMs.Load(); ms > 0 {
			stats.LastTsExchange = time.UnixMilli(ms).UTC()
		}
		out[table] = stats
	}
	return out
}

// flush writes one batch inside one transaction. Transient failures are
// retried in place up to maxTries with exponential backoff and then returned
// to the caller, which retains the batch. Permanent failures drop the batch
// immediately.
func (w *Writer) flush(ctx context.Context, table schema.Table, sqlText string, rows [][]any, latest time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	c := w.counters[table]
	if w.dryRun {
		c.inserted.Add(uint64(len(rows)))
		w.markFreshness(c, latest)
		return nil
	}

	start := time.Now()
	operation := func() (struct{}, error) {
		err := classifyStoreError("writer", w.send(ctx, sqlText, rows))
		if err == nil {
			return struct{}{}, nil
		}
		if errs.KindOf(err) == errs.KindStorePermanent {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(w.maxTries))
	if err != nil {
		if errs.KindOf(err) == errs.KindStorePermanent {
			return w.dropBatch(table, len(rows), err)
		}
		observability.Log().Error("batch flush exhausted retries",
			observability.Field{Key: "table", Value: string(table)},
			observability.Field{Key: "rows", Value: len(rows)},
			observability.Field{Key: "error", Value: err.Error()})
		recordFlushMetrics(ctx, table, "retained", len(rows), time.Since(start))
		return fmt.Errorf("flush %s: %w", table, err)
	}

	c.inserted.Add(uint64(len(rows)))
	w.markFreshness(c, latest)
	recordFlushMetrics(ctx, table, "inserted", len(rows), time.Since(start))
	return nil
}

func (w *Writer) send(ctx context.Context, sqlText string, rows [][]any) error {
	batch := &pgx.Batch{}
	for _, args := range rows {
		batch.Queue(sqlText, args...)
	}

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}

	results := tx.SendBatch(ctx, batch)
	var execErr error
	for range rows {
		if _, err := results.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if err := results.Close(); err != nil && execErr == nil {
		execErr = err
	}
	if execErr != nil {
		_ = tx.Rollback(ctx)
		return execErr
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

// dropBatch counts a permanently failed batch and logs it; the pipeline keeps
// running.
func (w *Writer) dropBatch(table schema.Table, size int, err error) error {
	w.counters[table].failed.Add(uint64(size))
	observability.Log().Error("batch dropped",
		observability.Field{Key: "table", Value: string(table)},
		observability.Field{Key: "rows", Value: size},
		observability.Field{Key: "error", Value: err.Error()})
	recordFlushMetrics(context.Background(), table, "dropped", size, 0)
	return nil
}

func (w *Writer) markFreshness(c *tableCounters, latest time.Time) {
	if latest.IsZero() {
		return
	}
	ms := latest.UnixMilli()
	for {
		prev := c.lastTsMs.Load()
		if ms <= prev || c.lastTsMs.CompareAndSwap(prev, ms) {
			return
		}
	}
}

func levelArgs(levels []schema.PriceLevel, i int) (any, any, error) {
	var level schema.PriceLevel
	if i < len(levels) {
		level = levels[i]
	}
	price, err := numericFromDecimal("writer", level.Price)
	if err != nil {
		return nil, nil, err
	}
	qty, err := numericFromDecimal("writer", level.Qty)
	if err != nil {
		return nil, nil, err
	}
	return price, qty, nil
}

func encodeLevels(levels []schema.PriceLevel) ([]byte, error) {
	if levels == nil {
		levels = []schema.PriceLevel{}
	}
	data, err := json.Marshal(levels)
	if err != nil {
		return nil, errs.New("writer", errs.KindStorePermanent,
			errs.WithMessage("encode depth levels"),
			errs.WithCause(err))
	}
	return data, nil
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

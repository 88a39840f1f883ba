package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/depthcast/collector/internal/persistence/migrations"
	"github.com/depthcast/collector/internal/persistence/postgres"
	"github.com/depthcast/collector/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	testAppName string
	testDSN     string
	pgContainer *tcpostgres.PostgresContainer
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	setupErr = initialiseDatabase(ctx)
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests will be skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("collector"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return fmt.Errorf("start postgres container: %w", err)
	}
	pgContainer = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("container connection string: %w", err)
	}
	testDSN = dsn

	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, appName, err := postgres.NewPool(ctx, dsn, "disable", "")
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	testPool = pool
	testAppName = appName
	return nil
}

func requireDatabase(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres integration setup unavailable: %v", setupErr)
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func numericEqual(t *testing.T, want string, got string) {
	t.Helper()
	require.True(t, dec(want).Equal(dec(strings.TrimSpace(got))), "want %s, got %s", want, got)
}

func TestSymbolDirectoryUpsertIsStable(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := postgres.NewStore(testPool)

	first, err := store.UpsertSymbol(ctx, "binance-futures", "BTCUSDT")
	require.NoError(t, err)
	again, err := store.UpsertSymbol(ctx, "binance-futures", "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, first, again)

	active, err := store.ActiveSymbols(ctx, "binance-futures")
	require.NoError(t, err)
	require.Equal(t, first, active["BTCUSDT"])
}

func TestBookTickerInsertDerivesSpreadAndMid(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	writer := postgres.NewWriter(testPool, false)

	symbolID, err := store.UpsertSymbol(ctx, "binance-futures", "BTCUSDT")
	require.NoError(t, err)

	event := schema.BookTickerEvent{
		TsExchange: time.UnixMilli(1700000000000).UTC(),
		TsIngest:   time.UnixMilli(1700000000005).UTC(),
		Symbol:     "BTCUSDT",
		SymbolID:   symbolID,
		UpdateID:   42,
		BestBid:    dec("50000.0"),
		BestAsk:    dec("50001.0"),
		BidQty:     dec("1.0"),
		AskQty:     dec("2.0"),
	}
	// a replayed batch must be absorbed by the conflict target
	require.NoError(t, writer.InsertBookTicker(ctx, []schema.BookTickerEvent{event}))
	require.NoError(t, writer.InsertBookTicker(ctx, []schema.BookTickerEvent{event}))

	var (
		count       int
		spread, mid string
	)
	row := testPool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(spread::text), MIN(mid::text) FROM book_ticker WHERE symbol_id = $1 AND update_id = 42`,
		symbolID)
	require.NoError(t, row.Scan(&count, &spread, &mid))
	require.Equal(t, 1, count)
	numericEqual(t, "1.0", spread)
	numericEqual(t, "50000.5", mid)
}

func TestTradeDedupOnAggTradeID(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	writer := postgres.NewWriter(testPool, false)

	symbolID, err := store.UpsertSymbol(ctx, "binance-futures", "ETHUSDT")
	require.NoError(t, err)

	trade := schema.TradeEvent{
		TsExchange:   time.UnixMilli(1700000001000).UTC(),
		TsIngest:     time.UnixMilli(1700000001002).UTC(),
		Symbol:       "ETHUSDT",
		SymbolID:     symbolID,
		AggTradeID:   7,
		Price:        dec("50000"),
		Qty:          dec("0.1"),
		IsBuyerMaker: true,
	}
	require.NoError(t, writer.InsertTrades(ctx, []schema.TradeEvent{trade, trade}))

	var count int
	row := testPool.QueryRow(ctx, `SELECT COUNT(*) FROM trades WHERE symbol_id = $1 AND agg_trade_id = 7`, symbolID)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestTopNSnapshotRoundTrip(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	writer := postgres.NewWriter(testPool, false)

	symbolID, err := store.UpsertSymbol(ctx, "binance-futures", "SOLUSDT")
	require.NoError(t, err)

	snap := schema.TopNSnapshot{
		TsExchange:    time.UnixMilli(1700000002000).UTC(),
		TsIngest:      time.UnixMilli(1700000002003).UTC(),
		Symbol:        "SOLUSDT",
		SymbolID:      symbolID,
		FinalUpdateID: 101,
		Bids: []schema.PriceLevel{
			{Price: dec("50000"), Qty: dec("1")},
			{Price: dec("49999"), Qty: dec("2")},
		},
		Asks: []schema.PriceLevel{
			{Price: dec("50001"), Qty: dec("1")},
		},
		Microprice: 50000.5,
		I5:         0.5,
	}
	require.NoError(t, writer.InsertTopN(ctx, []schema.TopNSnapshot{snap}))

	var (
		b1p, b2p, b3p, a1p string
		microprice         float64
	)
	row := testPool.QueryRow(ctx,
		`SELECT bid1_price::text, bid2_price::text, bid3_price::text, ask1_price::text, microprice
		 FROM orderbook_top5 WHERE symbol_id = $1 AND final_update_id = 101`,
		symbolID)
	require.NoError(t, row.Scan(&b1p, &b2p, &b3p, &a1p, &microprice))
	numericEqual(t, "50000", b1p)
	numericEqual(t, "49999", b2p)
	numericEqual(t, "0", b3p) // absent levels persist as zeros
	numericEqual(t, "50001", a1p)
	require.InDelta(t, 50000.5, microprice, 1e-9)
}

func TestDepthEventSidesRoundTripAsJSON(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := postgres.NewStore(testPool)
	writer := postgres.NewWriter(testPool, false)

	symbolID, err := store.UpsertSymbol(ctx, "binance-futures", "XRPUSDT")
	require.NoError(t, err)

	diff := schema.DepthDiffEvent{
		TsExchange:    time.UnixMilli(1700000003000).UTC(),
		TsIngest:      time.UnixMilli(1700000003001).UTC(),
		Symbol:        "XRPUSDT",
		SymbolID:      symbolID,
		FirstUpdateID: 10,
		FinalUpdateID: 12,
		Bids:          []schema.PriceLevel{{Price: dec("0.5"), Qty: dec("100")}},
	}
	require.NoError(t, writer.InsertDepthEvents(ctx, []schema.DepthDiffEvent{diff}))

	var bids, asks string
	row := testPool.QueryRow(ctx,
		`SELECT bids::text, asks::text FROM depth_events WHERE symbol_id = $1 AND final_update_id = 12`,
		symbolID)
	require.NoError(t, row.Scan(&bids, &asks))
	require.JSONEq(t, `[{"price":"0.5","qty":"100"}]`, bids)
	require.JSONEq(t, `[]`, asks)
}

func TestWatchdogSweepLeavesHealthySessionsAlone(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()

	wd := postgres.NewWatchdog(testPool, postgres.AppNamePrefix, time.Minute, 2*time.Minute)
	require.NoError(t, wd.Sweep(ctx))
	require.Equal(t, uint64(1), wd.Sweeps())
	require.Zero(t, wd.Cancels())
	require.True(t, strings.HasPrefix(testAppName, postgres.AppNamePrefix))
}

func TestWatchdogSweepCancelsStuckForeignSession(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()

	// a foreign session wedged in a long statement
	connCfg, err := pgx.ParseConfig(testDSN)
	require.NoError(t, err)
	connCfg.RuntimeParams["application_name"] = "analyst-adhoc"
	conn, err := pgx.ConnectConfig(ctx, connCfg)
	require.NoError(t, err)
	defer conn.Close(context.Background())

	sleepErr := make(chan error, 1)
	go func() {
		_, err := conn.Exec(ctx, `SELECT pg_sleep(30)`)
		sleepErr <- err
	}()

	require.Eventually(t, func() bool {
		var active int
		row := testPool.QueryRow(ctx,
			`SELECT count(*) FROM pg_stat_activity WHERE application_name = 'analyst-adhoc' AND state = 'active'`)
		return row.Scan(&active) == nil && active == 1
	}, 10*time.Second, 100*time.Millisecond)
	time.Sleep(1500 * time.Millisecond) // age the statement past the threshold

	wd := postgres.NewWatchdog(testPool, postgres.AppNamePrefix, time.Minute, time.Second)
	require.NoError(t, wd.Sweep(ctx))
	require.Equal(t, uint64(1), wd.Cancels())

	require.Error(t, <-sleepErr, "the wedged statement must have been cancelled")

	// the collector's own pool keeps serving
	var one int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT 1`).Scan(&one))
	require.Equal(t, 1, one)
}

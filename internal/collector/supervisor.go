package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/depthcast/collector/config"
	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/binance"
	"github.com/depthcast/collector/internal/buffer"
	"github.com/depthcast/collector/internal/observability"
	"github.com/depthcast/collector/internal/orderbook"
	"github.com/depthcast/collector/internal/persistence/postgres"
	"github.com/depthcast/collector/internal/registry"
	"github.com/depthcast/collector/internal/schema"
	"github.com/depthcast/collector/internal/shard"
	"github.com/depthcast/collector/internal/stream"
	"github.com/depthcast/collector/lib/async"
)

const (
	shardQueueDepth  = 1024
	flushTaskWorkers = 8
	flushTaskQueue   = 128
	ageFlushTick     = 500 * time.Millisecond
	statsInterval    = 30 * time.Second
	shutdownGrace    = 10 * time.Second
)

// Supervisor owns the collector's runtime: universe resolution, shard
// planning, stream workers, the decode/buffer pipeline, and the watchdog.
type Supervisor struct {
	cfg  config.Settings
	rest *binance.Client

	store    *postgres.Store
	writer   *postgres.Writer
	watchdog *postgres.Watchdog
	appName  string

	registry *registry.Registry
	books    *orderbook.Reconstructor
	tasks    *async.Pool
	pipeline *Pipeline

	workers     []*stream.Worker
	frameQueues []chan stream.Frame
	errChan     chan error
	started     time.Time
}

// New wires a supervisor from configuration. With DRY_RUN set no store
// connection is opened and writes become no-ops.
func New(ctx context.Context, cfg config.Settings) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:     cfg,
		rest:    binance.NewClient(cfg.RESTBaseURL),
		errChan: make(chan error, 64),
		started: time.Now(),
	}

	var symbols registry.SymbolStore
	if cfg.DryRun {
		s.writer = postgres.NewWriter(nil, true)
		symbols = newMemorySymbolStore()
		observability.Log().Info("dry run: persistence disabled")
	} else {
		pool, appName, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBSSLMode, cfg.DBSSLRootCert)
		if err != nil {
			return nil, fmt.Errorf("initialise store: %w", err)
		}
		postgres.ObservePoolMetrics(pool, "primary")
		s.store = postgres.NewStore(pool)
		s.writer = postgres.NewWriter(pool, false)
		s.appName = appName
		symbols = s.store
		if cfg.EnableDBWatchdog {
			s.watchdog = postgres.NewWatchdog(pool, postgres.AppNamePrefix,
				cfg.DBWatchdogInterval, cfg.DBWatchdogThreshold)
		}
	}
	s.registry = registry.New(symbols, config.Exchange)

	if cfg.EnableDepth {
		s.books = orderbook.NewReconstructor(s.rest)
	}

	tasks, err := async.NewPool(flushTaskWorkers, flushTaskQueue)
	if err != nil {
		return nil, err
	}
	s.tasks = tasks
	s.pipeline = NewPipeline(s.registry, s.writer, s.books, tasks,
		buffer.Overrides{MaxSize: cfg.BatchSize, MaxAge: cfg.FlushInterval})
	return s, nil
}

// Run executes the collector until the context is cancelled, then performs a
// staged shutdown: workers stop, queued frames drain, buffers flush, the
// store closes. Only initialization failures return an error.
func (s *Supervisor) Run(ctx context.Context) error {
	universe, err := ResolveUniverse(ctx, s.rest, s.cfg)
	if err != nil {
		return err
	}
	observability.Log().Info("symbol universe resolved",
		observability.Field{Key: "symbols", Value: len(universe)},
		observability.Field{Key: "first", Value: universe[0]})

	if err := s.registry.Preload(ctx); err != nil {
		// ids resolve lazily on first use; startup continues
		observability.Log().Error("symbol preload failed",
			observability.Field{Key: "error", Value: err.Error()})
	}

	plans, err := s.planShards(universe)
	if err != nil {
		return err
	}
	// Each shard gets its own queue with a single consumer. A depth shard's
	// diffs must reach the book and the writer in wire order; a shared queue
	// with parallel consumers would let frames of one symbol overtake each
	// other between decode and append.
	for _, plan := range plans {
		queue := make(chan stream.Frame, shardQueueDepth)
		s.frameQueues = append(s.frameQueues, queue)
		s.workers = append(s.workers, stream.NewWorker(plan, s.cfg.WSBaseURL, queue, s.errChan))
	}
	observability.Log().Info("shards planned",
		observability.Field{Key: "shards", Value: len(s.workers)})

	var lifecycle conc.WaitGroup
	for _, w := range s.workers {
		worker := w
		lifecycle.Go(func() {
			if err := worker.Run(ctx); err != nil {
				observability.Log().Error("shard failed permanently",
					observability.Field{Key: "shard", Value: worker.Shard().Name()},
					observability.Field{Key: "error", Value: err.Error()})
			}
		})
	}
	for _, queue := range s.frameQueues {
		frames := queue
		lifecycle.Go(func() { s.consumeFrames(ctx, frames) })
	}
	lifecycle.Go(func() { s.reportErrors(ctx) })
	lifecycle.Go(func() { s.ageFlushLoop(ctx) })
	lifecycle.Go(func() { s.statsLoop(ctx) })
	if s.watchdog != nil {
		lifecycle.Go(func() { _ = s.watchdog.Run(ctx) })
	}

	<-ctx.Done()
	observability.Log().Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	lifecycle.Wait()
	s.drainFrames(shutdownCtx)
	if err := s.tasks.Shutdown(shutdownCtx); err != nil {
		observability.Log().Error("flush tasks did not drain",
			observability.Field{Key: "error", Value: err.Error()})
	}
	if err := s.pipeline.FlushAll(shutdownCtx); err != nil {
		observability.Log().Error("final flush incomplete",
			observability.Field{Key: "error", Value: err.Error()})
	}
	if s.store != nil {
		s.store.Close()
	}
	observability.Log().Info("shutdown complete",
		observability.Field{Key: "uptime", Value: time.Since(s.started).String()})
	return nil
}

// planShards builds the main, depth, and secondary stream groups.
func (s *Supervisor) planShards(universe []string) ([]shard.Shard, error) {
	mainChannels, err := toChannels(s.cfg.Channels)
	if err != nil {
		return nil, err
	}
	plans := shard.Plan("main", universe, mainChannels, s.cfg.Shards)

	if s.cfg.EnableDepth {
		top := s.cfg.DepthTopSymbols
		if top <= 0 || top > len(universe) {
			top = len(universe)
		}
		plans = append(plans, shard.Plan("depth", universe[:top],
			[]schema.Channel{schema.ChannelDepth}, 1)...)
	}

	var secondary []schema.Channel
	if s.cfg.EnableMarkPrice {
		secondary = append(secondary, schema.ChannelMarkPrice)
	}
	if s.cfg.EnableForceOrder {
		secondary = append(secondary, schema.ChannelForceOrder)
	}
	if len(secondary) > 0 {
		plans = append(plans, shard.Plan("secondary", universe, secondary, 1)...)
	}
	return plans, nil
}

// consumeFrames is the sole consumer of one shard's queue, so frames of a
// symbol reach the pipeline in the order the exchange sent them.
func (s *Supervisor) consumeFrames(ctx context.Context, frames <-chan stream.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if err := s.pipeline.HandleFrame(ctx, frame); err != nil && ctx.Err() == nil {
				observability.Log().Error("frame routing failed",
					observability.Field{Key: "shard", Value: frame.Shard},
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// drainFrames consumes frames left in the queues after the workers stopped.
func (s *Supervisor) drainFrames(ctx context.Context) {
	for _, frames := range s.frameQueues {
		for drained := false; !drained; {
			select {
			case frame := <-frames:
				_ = s.pipeline.HandleFrame(ctx, frame)
			default:
				drained = true
			}
		}
	}
}

func (s *Supervisor) reportErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.errChan:
			observability.Log().Error("stream error",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (s *Supervisor) ageFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(ageFlushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pipeline.FlushDue(ctx)
		}
	}
}

func (s *Supervisor) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.Status()
			observability.Log().Info("collector stats",
				observability.Field{Key: "decoded", Value: status.Decoder.Decoded},
				observability.Field{Key: "parse_failures", Value: status.Decoder.ParseFailures},
				observability.Field{Key: "buffered", Value: status.BufferedRows},
				observability.Field{Key: "flush_tasks", Value: s.tasks.Submitted()},
				observability.Field{Key: "flush_rejected", Value: s.tasks.Rejected()},
				observability.Field{Key: "uptime_s", Value: int64(status.UptimeSeconds)})
		}
	}
}

// Store returns the backing store, or nil in dry-run mode.
func (s *Supervisor) Store() *postgres.Store {
	return s.store
}

// Status assembles the monitoring snapshot served by the metrics endpoint.
func (s *Supervisor) Status() Status {
	status := Status{
		Exchange:      config.Exchange,
		DryRun:        s.cfg.DryRun,
		UptimeSeconds: time.Since(s.started).Seconds(),
		BufferedRows:  s.pipeline.Buffered(),
		Tables:        make(map[string]TableStatus, len(schema.Tables)),
		Decoder: DecoderStatus{
			Decoded:        s.pipeline.Decoded(),
			ParseFailures:  s.pipeline.ParseFailures(),
			UnknownStreams: s.pipeline.UnknownStreams(),
			ResolveDrops:   s.pipeline.ResolveDrops(),
		},
		Watchdog: WatchdogStatus{Enabled: s.watchdog != nil},
	}
	for _, w := range s.workers {
		sh := w.Shard()
		status.Shards = append(status.Shards, ShardStatus{
			Name:     sh.Name(),
			Group:    sh.Group,
			State:    w.State().String(),
			Symbols:  len(sh.Symbols),
			Messages: w.Messages(),
			Drops:    w.Drops(),
		})
	}
	for table, stats := range s.writer.Stats() {
		entry := TableStatus{Inserted: stats.Inserted, Failed: stats.Failed}
		if !stats.LastTsExchange.IsZero() {
			ts := stats.LastTsExchange
			entry.LastTsExchange = &ts
		}
		status.Tables[string(table)] = entry
	}
	if s.books != nil {
		synced, total := s.books.SyncedSymbols()
		status.Books = &BookStatus{
			SyncedSymbols: synced,
			TotalSymbols:  total,
			Resyncs:       s.books.Resyncs(),
			Emitted:       s.books.Emitted(),
		}
	}
	if s.watchdog != nil {
		status.Watchdog.Sweeps = s.watchdog.Sweeps()
		status.Watchdog.Cancels = s.watchdog.Cancels()
	}
	return status
}

// toChannels validates configured channel names against the known set.
func toChannels(names []string) ([]schema.Channel, error) {
	out := make([]schema.Channel, 0, len(names))
	for _, name := range names {
		switch name {
		case "bookTicker":
			out = append(out, schema.ChannelBookTicker)
		case "aggTrade":
			out = append(out, schema.ChannelAggTrade)
		case "depth", "depth@100ms":
			out = append(out, schema.ChannelDepth)
		case "markPrice", "markPrice@1s":
			out = append(out, schema.ChannelMarkPrice)
		case "forceOrder":
			out = append(out, schema.ChannelForceOrder)
		default:
			return nil, errs.New("collector", errs.KindConfig,
				errs.WithMessage("unknown channel "+name))
		}
	}
	return out, nil
}

package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/binance"
	"github.com/depthcast/collector/internal/buffer"
	"github.com/depthcast/collector/internal/observability"
	"github.com/depthcast/collector/internal/orderbook"
	"github.com/depthcast/collector/internal/registry"
	"github.com/depthcast/collector/internal/schema"
	"github.com/depthcast/collector/internal/stream"
	"github.com/depthcast/collector/lib/async"
)

// BatchWriter is the persistence surface the pipeline flushes into.
type BatchWriter interface {
	InsertBookTicker(ctx context.Context, events []schema.BookTickerEvent) error
	InsertTrades(ctx context.Context, events []schema.TradeEvent) error
	InsertDepthEvents(ctx context.Context, events []schema.DepthDiffEvent) error
	InsertTopN(ctx context.Context, snaps []schema.TopNSnapshot) error
	InsertMarkPrice(ctx context.Context, events []schema.MarkPriceEvent) error
	InsertForceOrders(ctx context.Context, events []schema.ForceOrderEvent) error
}

// sink pairs one table's buffer with its write function. Batches that fail
// transiently are retained and lead the next flush so per-symbol order is
// preserved.
type sink[T any] struct {
	buf   *buffer.Buffer[T]
	write func(context.Context, []T) error

	mu      sync.Mutex
	pending []T

	flushMu sync.Mutex
}

func newSink[T any](table schema.Table, over buffer.Overrides, write func(context.Context, []T) error) *sink[T] {
	return &sink[T]{
		buf:   buffer.New[T](buffer.LimitsFor(table, over)),
		write: write,
	}
}

// add buffers one record and reports whether the size threshold was reached.
func (s *sink[T]) add(rec T) bool {
	return s.buf.Append(rec)
}

func (s *sink[T]) take() []T {
	drained := s.buf.Drain()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return drained
	}
	rows := s.pending
	s.pending = nil
	return append(rows, drained...)
}

// flush writes everything buffered so far. Flushes are serialized per sink so
// retained batches cannot interleave with fresh ones.
func (s *sink[T]) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	rows := s.take()
	if len(rows) == 0 {
		return nil
	}
	if err := s.write(ctx, rows); err != nil {
		s.mu.Lock()
		s.pending = rows
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *sink[T]) due() bool {
	if s.buf.Expired() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *sink[T]) depth() int {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return pending + s.buf.Len()
}

// shardSinks is the per-shard buffer set, one sink per table.
type shardSinks struct {
	tickers *sink[schema.BookTickerEvent]
	trades  *sink[schema.TradeEvent]
	depth   *sink[schema.DepthDiffEvent]
	topN    *sink[schema.TopNSnapshot]
	mark    *sink[schema.MarkPriceEvent]
	force   *sink[schema.ForceOrderEvent]
}

func newShardSinks(w BatchWriter, over buffer.Overrides) *shardSinks {
	return &shardSinks{
		tickers: newSink(schema.TableBookTicker, over, w.InsertBookTicker),
		trades:  newSink(schema.TableTrades, over, w.InsertTrades),
		depth:   newSink(schema.TableDepthEvents, over, w.InsertDepthEvents),
		topN:    newSink(schema.TableTopN, over, w.InsertTopN),
		mark:    newSink(schema.TableMarkPrice, over, w.InsertMarkPrice),
		force:   newSink(schema.TableForceOrders, over, w.InsertForceOrders),
	}
}

func (s *shardSinks) each(fn func(flusher)) {
	fn(s.tickers)
	fn(s.trades)
	fn(s.depth)
	fn(s.topN)
	fn(s.mark)
	fn(s.force)
}

// flusher is the sink surface the flush loops operate on.
type flusher interface {
	flush(ctx context.Context) error
	due() bool
	depth() int
}

// Pipeline decodes raw frames, resolves symbol identities, maintains books,
// and batches rows toward the writer.
type Pipeline struct {
	registry *registry.Registry
	writer   BatchWriter
	books    *orderbook.Reconstructor
	tasks    *async.Pool
	limits   buffer.Overrides

	mu     sync.Mutex
	shards map[string]*shardSinks

	decoded        atomic.Uint64
	parseFailures  atomic.Uint64
	unknownStreams atomic.Uint64
	resolveDrops   atomic.Uint64
}

// NewPipeline constructs a pipeline over the given registry, writer, and
// reconstructor. books may be nil when depth collection is disabled; tasks
// carries size-triggered flushes off the read path; limits optionally
// overrides the per-table buffer thresholds.
func NewPipeline(reg *registry.Registry, writer BatchWriter, books *orderbook.Reconstructor, tasks *async.Pool, limits buffer.Overrides) *Pipeline {
	return &Pipeline{
		registry: reg,
		writer:   writer,
		books:    books,
		tasks:    tasks,
		limits:   limits,
		shards:   make(map[string]*shardSinks),
	}
}

// HandleFrame decodes and routes one raw frame. Parse failures and unknown
// streams drop the frame; only unrecoverable routing errors surface.
func (p *Pipeline) HandleFrame(ctx context.Context, frame stream.Frame) error {
	event, err := binance.DecodeFrame(frame.Data, frame.Received)
	if err != nil {
		if errors.Is(err, binance.ErrUnknownStream) {
			p.unknownStreams.Add(1)
			observability.Log().Debug("unknown stream suffix dropped",
				observability.Field{Key: "shard", Value: frame.Shard})
			return nil
		}
		p.parseFailures.Add(1)
		observability.Log().Error("frame dropped",
			observability.Field{Key: "shard", Value: frame.Shard},
			observability.Field{Key: "error", Value: err.Error()})
		return nil
	}
	p.decoded.Add(1)
	return p.route(ctx, frame.Shard, event)
}

func (p *Pipeline) route(ctx context.Context, shardName string, event any) error {
	sinks := p.sinksFor(shardName)
	switch evt := event.(type) {
	case schema.BookTickerEvent:
		id, ok := p.resolve(ctx, evt.Symbol)
		if !ok {
			return nil
		}
		evt.SymbolID = id
		if sinks.tickers.add(evt) {
			p.flushAsync(ctx, shardName, schema.TableBookTicker, sinks.tickers)
		}
	case schema.TradeEvent:
		id, ok := p.resolve(ctx, evt.Symbol)
		if !ok {
			return nil
		}
		evt.SymbolID = id
		if sinks.trades.add(evt) {
			p.flushAsync(ctx, shardName, schema.TableTrades, sinks.trades)
		}
	case schema.DepthDiffEvent:
		id, ok := p.resolve(ctx, evt.Symbol)
		if !ok {
			return nil
		}
		evt.SymbolID = id
		if sinks.depth.add(evt) {
			p.flushAsync(ctx, shardName, schema.TableDepthEvents, sinks.depth)
		}
		p.handleDepth(ctx, shardName, sinks, evt)
	case schema.MarkPriceEvent:
		id, ok := p.resolve(ctx, evt.Symbol)
		if !ok {
			return nil
		}
		evt.SymbolID = id
		if sinks.mark.add(evt) {
			p.flushAsync(ctx, shardName, schema.TableMarkPrice, sinks.mark)
		}
	case schema.ForceOrderEvent:
		id, ok := p.resolve(ctx, evt.Symbol)
		if !ok {
			return nil
		}
		evt.SymbolID = id
		if sinks.force.add(evt) {
			p.flushAsync(ctx, shardName, schema.TableForceOrders, sinks.force)
		}
	default:
		return errs.New("collector", errs.KindParse,
			errs.WithMessage(fmt.Sprintf("unrouteable event type %T", event)))
	}
	return nil
}

// handleDepth advances the reconstructor; emitted snapshots feed the topN sink.
func (p *Pipeline) handleDepth(ctx context.Context, shardName string, sinks *shardSinks, diff schema.DepthDiffEvent) {
	if p.books == nil {
		return
	}
	snap, err := p.books.Handle(ctx, diff)
	if err != nil {
		// resync failures drop the triggering diff; the next one retries
		observability.Log().Debug("book resync deferred",
			observability.Field{Key: "symbol", Value: diff.Symbol},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if snap == nil {
		return
	}
	if sinks.topN.add(*snap) {
		p.flushAsync(ctx, shardName, schema.TableTopN, sinks.topN)
	}
}

// resolve maps a symbol to its store id; failures drop the event and count.
func (p *Pipeline) resolve(ctx context.Context, symbol string) (int64, bool) {
	id, err := p.registry.Resolve(ctx, symbol)
	if err != nil {
		p.resolveDrops.Add(1)
		observability.Log().Error("symbol resolution failed, event dropped",
			observability.Field{Key: "symbol", Value: symbol},
			observability.Field{Key: "error", Value: err.Error()})
		return 0, false
	}
	return id, true
}

// flushAsync hands a size-triggered flush to the task pool. A saturated pool
// leaves the batch buffered; the age flusher picks it up on the next tick.
func (p *Pipeline) flushAsync(ctx context.Context, shardName string, table schema.Table, f flusher) {
	err := p.tasks.Submit(ctx, func(taskCtx context.Context) error {
		if err := f.flush(taskCtx); err != nil && taskCtx.Err() == nil {
			observability.Log().Error("size-triggered flush failed, batch retained",
				observability.Field{Key: "shard", Value: shardName},
				observability.Field{Key: "table", Value: string(table)},
				observability.Field{Key: "error", Value: err.Error()})
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		observability.Log().Debug("flush submission deferred",
			observability.Field{Key: "table", Value: string(table)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// FlushDue flushes every sink whose age threshold passed or that holds a
// retained batch.
func (p *Pipeline) FlushDue(ctx context.Context) {
	for _, sinks := range p.snapshotSinks() {
		sinks.each(func(f flusher) {
			if !f.due() {
				return
			}
			if err := f.flush(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Error("age-triggered flush failed, batch retained",
					observability.Field{Key: "error", Value: err.Error()})
			}
		})
	}
}

// FlushAll drains every buffer regardless of thresholds; used at shutdown.
func (p *Pipeline) FlushAll(ctx context.Context) error {
	var flushErrs []error
	for _, sinks := range p.snapshotSinks() {
		sinks.each(func(f flusher) {
			if err := f.flush(ctx); err != nil {
				flushErrs = append(flushErrs, err)
			}
		})
	}
	if len(flushErrs) == 0 {
		return nil
	}
	return observability.AggregateErrors("shutdown flush", flushErrs)
}

// Buffered returns the total number of rows currently held across sinks.
func (p *Pipeline) Buffered() int {
	total := 0
	for _, sinks := range p.snapshotSinks() {
		sinks.each(func(f flusher) { total += f.depth() })
	}
	return total
}

// Decoded returns the count of successfully decoded frames.
func (p *Pipeline) Decoded() uint64 { return p.decoded.Load() }

// ParseFailures returns the count of dropped malformed frames.
func (p *Pipeline) ParseFailures() uint64 { return p.parseFailures.Load() }

// UnknownStreams returns the count of frames with unrecognized suffixes.
func (p *Pipeline) UnknownStreams() uint64 { return p.unknownStreams.Load() }

// ResolveDrops returns the count of events dropped on symbol resolution.
func (p *Pipeline) ResolveDrops() uint64 { return p.resolveDrops.Load() }

func (p *Pipeline) sinksFor(shardName string) *shardSinks {
	p.mu.Lock()
	defer p.mu.Unlock()
	sinks, ok := p.shards[shardName]
	if !ok {
		sinks = newShardSinks(p.writer, p.limits)
		p.shards[shardName] = sinks
	}
	return sinks
}

func (p *Pipeline) snapshotSinks() []*shardSinks {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*shardSinks, 0, len(p.shards))
	for _, sinks := range p.shards {
		out = append(out, sinks)
	}
	return out
}

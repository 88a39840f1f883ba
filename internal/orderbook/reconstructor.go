package orderbook

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/binance"
	"github.com/depthcast/collector/internal/observability"
	"github.com/depthcast/collector/internal/schema"
)

const (
	snapshotDepthLimit = 1000
	// gapCooldownThreshold is the number of consecutive update-id gaps after
	// which top-N emission pauses until the next successful resync.
	gapCooldownThreshold = 5
)

// SnapshotFetcher supplies REST depth snapshots for (re)synchronization.
type SnapshotFetcher interface {
	DepthSnapshot(ctx context.Context, symbol string, limit int) (*binance.DepthSnapshot, error)
}

// symbolState is the per-symbol book and sync bookkeeping. All access is
// serialized under mu; snapshot fetches happen inside the lock so other
// symbols proceed in parallel.
type symbolState struct {
	mu          sync.Mutex
	book        *book
	seeded      bool
	synced      bool
	gapStreak   int
	cooldown    bool
	retry       *backoff.ExponentialBackOff
	nextFetchAt time.Time
}

// Reconstructor maintains local books per symbol and emits a top-5 snapshot
// with derived features for each applied depth diff.
type Reconstructor struct {
	fetcher SnapshotFetcher
	clock   func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolState

	resyncs atomic.Uint64
	emitted atomic.Uint64
	crossed atomic.Uint64
}

// NewReconstructor constructs a reconstructor backed by the given fetcher.
func NewReconstructor(fetcher SnapshotFetcher) *Reconstructor {
	return &Reconstructor{
		fetcher: fetcher,
		clock:   time.Now,
		symbols: make(map[string]*symbolState),
	}
}

// Resyncs returns how many REST snapshots have been applied.
func (r *Reconstructor) Resyncs() uint64 { return r.resyncs.Load() }

// Emitted returns how many top-N snapshots have been produced.
func (r *Reconstructor) Emitted() uint64 { return r.emitted.Load() }

// Handle advances the symbol's state machine with one depth diff. It returns
// a snapshot when the diff was applied and emission is active, nil when the
// diff was ignored or consumed by a resync.
func (r *Reconstructor) Handle(ctx context.Context, diff schema.DepthDiffEvent) (*schema.TopNSnapshot, error) {
	if diff.Symbol == "" {
		return nil, errs.New("orderbook", errs.KindParse, errs.WithMessage("diff without symbol"))
	}
	st := r.stateFor(diff.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.seeded {
		if err := r.resync(ctx, st, diff.Symbol); err != nil {
			return nil, err
		}
	}

	last := st.book.lastUpdateID
	switch {
	case diff.FinalUpdateID <= last:
		// stale diff from before the snapshot; ignore
		return nil, nil

	case diff.FirstUpdateID <= last+1 && last+1 <= diff.FinalUpdateID:
		st.book.apply(diff)
		st.synced = true
		st.gapStreak = 0
		if st.book.crossed() {
			r.crossed.Add(1)
			observability.Log().Debug("crossed book applied verbatim",
				observability.Field{Key: "symbol", Value: diff.Symbol},
				observability.Field{Key: "final_update_id", Value: diff.FinalUpdateID})
		}
		if st.cooldown {
			// resync completed; resume emission with the next applied diff
			st.cooldown = false
			return nil, nil
		}
		return r.snapshot(st, diff), nil

	default: // diff.FirstUpdateID > last+1: update-id gap
		st.gapStreak++
		st.synced = false
		st.seeded = false
		if st.gapStreak >= gapCooldownThreshold {
			st.cooldown = true
		}
		if err := r.resync(ctx, st, diff.Symbol); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// SyncedSymbols returns how many symbols are currently in the synced state.
func (r *Reconstructor) SyncedSymbols() (synced, total int) {
	r.mu.Lock()
	states := make([]*symbolState, 0, len(r.symbols))
	for _, st := range r.symbols {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.synced {
			synced++
		}
		st.mu.Unlock()
	}
	return synced, len(states)
}

func (r *Reconstructor) stateFor(symbol string) *symbolState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.symbols[symbol]
	if !ok {
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = 500 * time.Millisecond
		retry.MaxInterval = 30 * time.Second
		st = &symbolState{book: newBook(), retry: retry}
		r.symbols[symbol] = st
	}
	return st
}

// resync fetches a fresh REST snapshot and resets the book. Failed fetches
// arm a per-symbol backoff window during which further resync attempts are
// dropped so the REST budget is respected.
func (r *Reconstructor) resync(ctx context.Context, st *symbolState, symbol string) error {
	now := r.clock()
	if now.Before(st.nextFetchAt) {
		return errs.New("orderbook", errs.KindUnavailable,
			errs.WithMessage("resync backoff active for "+symbol))
	}

	fetchStart := r.clock()
	snap, err := r.fetcher.DepthSnapshot(ctx, symbol, snapshotDepthLimit)
	if err != nil {
		st.nextFetchAt = now.Add(st.retry.NextBackOff())
		recordSnapshotFetch(ctx, symbol, "failed", r.clock().Sub(fetchStart))
		return fmt.Errorf("snapshot %s: %w", symbol, err)
	}
	recordSnapshotFetch(ctx, symbol, "ok", r.clock().Sub(fetchStart))
	st.retry.Reset()
	st.nextFetchAt = time.Time{}

	st.book.reset(snap.LastUpdateID, snap.Bids, snap.Asks)
	st.seeded = true
	st.synced = false
	r.resyncs.Add(1)
	observability.Log().Debug("book resynced",
		observability.Field{Key: "symbol", Value: symbol},
		observability.Field{Key: "last_update_id", Value: snap.LastUpdateID})
	return nil
}

func (r *Reconstructor) snapshot(st *symbolState, diff schema.DepthDiffEvent) *schema.TopNSnapshot {
	bids, asks := st.book.topN(schema.TopNDepth)
	features := ComputeFeatures(bids, asks)
	r.emitted.Add(1)
	return &schema.TopNSnapshot{
		TsExchange:     diff.TsExchange,
		TsIngest:       diff.TsIngest,
		Symbol:         diff.Symbol,
		SymbolID:       diff.SymbolID,
		FinalUpdateID:  diff.FinalUpdateID,
		Bids:           bids,
		Asks:           asks,
		Microprice:     features.Microprice,
		I1:             features.I1,
		I5:             features.I5,
		WallSizeBid:    features.WallSizeBid,
		WallSizeAsk:    features.WallSizeAsk,
		WallDistBidBps: features.WallDistBidBps,
		WallDistAskBps: features.WallDistAskBps,
	}
}

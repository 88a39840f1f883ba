// Package stream maintains one websocket connection per shard with
// reconnection and bounded frame handoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/binance"
	"github.com/depthcast/collector/internal/observability"
	"github.com/depthcast/collector/internal/shard"
)

// State tracks the connection lifecycle of a worker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const readLimit = 2 * 1024 * 1024

// reconnectSchedule paces redials; the last entry repeats once exhausted.
var reconnectSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const defaultMaxReconnectAttempts = 10

// Frame is one raw websocket message handed off to the decoder.
type Frame struct {
	Shard    string
	Data     []byte
	Received time.Time
}

// Worker owns one combined-stream connection for a shard and pushes raw
// frames into a bounded channel. Saturation blocks the reader (backpressure);
// frames are dropped only on cancellation, and counted.
type Worker struct {
	shard     shard.Shard
	url       string
	out       chan<- Frame
	errorChan chan<- error

	state    atomic.Int32
	messages atomic.Uint64
	drops    atomic.Uint64

	schedule    []time.Duration
	maxAttempts int
	clock       func() time.Time
}

// NewWorker constructs a worker for the shard against the websocket base URL.
func NewWorker(sh shard.Shard, wsBaseURL string, out chan<- Frame, errorChan chan<- error) *Worker {
	streams := sh.Streams(binance.StreamName)
	return &Worker{
		shard:       sh,
		url:         binance.CombinedStreamURL(wsBaseURL, streams),
		out:         out,
		errorChan:   errorChan,
		schedule:    reconnectSchedule,
		maxAttempts: defaultMaxReconnectAttempts,
		clock:       time.Now,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Messages returns the count of frames handed off so far.
func (w *Worker) Messages() uint64 { return w.messages.Load() }

// Drops returns the count of frames dropped during cancellation.
func (w *Worker) Drops() uint64 { return w.drops.Load() }

// Shard returns the shard this worker serves.
func (w *Worker) Shard() shard.Shard { return w.shard }

// Run maintains the connection until the context is cancelled or the
// reconnect budget is exhausted. A nil return means clean shutdown; a
// transport error means the worker transitioned to Failed.
func (w *Worker) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			w.state.Store(int32(StateDisconnected))
			return nil
		default:
		}

		w.state.Store(int32(StateConnecting))
		conn, _, err := websocket.Dial(ctx, w.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				w.state.Store(int32(StateDisconnected))
				return nil
			}
			attempt++
			if attempt >= w.maxAttempts {
				w.state.Store(int32(StateFailed))
				return errs.New("stream", errs.KindTransport,
					errs.WithMessage("reconnect budget exhausted on "+w.shard.Name()),
					errs.WithCause(err))
			}
			w.state.Store(int32(StateReconnecting))
			w.reportError(fmt.Errorf("shard %s dial: %w", w.shard.Name(), err))
			if !w.sleep(ctx, attempt) {
				w.state.Store(int32(StateDisconnected))
				return nil
			}
			continue
		}

		conn.SetReadLimit(readLimit)
		w.state.Store(int32(StateConnected))
		if attempt > 0 {
			recordReconnect(ctx, w.shard.Name(), attempt)
		}
		attempt = 0
		observability.Log().Info("shard connected",
			observability.Field{Key: "shard", Value: w.shard.Name()},
			observability.Field{Key: "symbols", Value: len(w.shard.Symbols)})

		err = w.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			w.state.Store(int32(StateDisconnected))
			return nil
		}

		attempt++
		if attempt >= w.maxAttempts {
			w.state.Store(int32(StateFailed))
			return errs.New("stream", errs.KindTransport,
				errs.WithMessage("reconnect budget exhausted on "+w.shard.Name()),
				errs.WithCause(err))
		}
		w.state.Store(int32(StateReconnecting))
		if err != nil {
			w.reportError(fmt.Errorf("shard %s connection: %w", w.shard.Name(), err))
		}
		if !w.sleep(ctx, attempt) {
			w.state.Store(int32(StateDisconnected))
			return nil
		}
	}
}

// readLoop reads frames until cancellation or a transport error. Transport
// pings are answered inside conn.Read; no application heartbeat is sent.
func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		frame := Frame{Shard: w.shard.Name(), Data: data, Received: w.clock().UTC()}
		select {
		case w.out <- frame:
			w.messages.Add(1)
		case <-ctx.Done():
			w.drops.Add(1)
			return context.Canceled
		}
	}
}

func (w *Worker) sleep(ctx context.Context, attempt int) bool {
	idx := attempt - 1
	if idx >= len(w.schedule) {
		idx = len(w.schedule) - 1
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.schedule[idx]):
		return true
	}
}

func (w *Worker) reportError(err error) {
	if err == nil || w.errorChan == nil {
		return
	}
	select {
	case w.errorChan <- err:
	default:
	}
}

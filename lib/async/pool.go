// Package async provides the bounded task pool that carries batch flushes
// off the ingest path.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/depthcast/collector/errs"
	"github.com/depthcast/collector/internal/observability"
)

// Task is one unit of work, typically a buffer flush.
type Task func(context.Context) error

// Pool runs tasks on a fixed set of workers over a bounded queue. Submit
// never blocks: when the queue is full the task is rejected so the ingest
// path keeps reading and the age flusher picks the batch up instead.
type Pool struct {
	ctx      context.Context
	cancel   context.CancelFunc
	queue    chan task
	inflight sync.WaitGroup
	closing  sync.Once

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

type task struct {
	ctx context.Context
	fn  Task
}

// NewPool starts a pool with the given worker count and queue depth.
func NewPool(workers, depth int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.KindConfig, errs.WithMessage("workers must be >0"))
	}
	if depth < 0 {
		depth = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan task, depth),
	}
	for i := 0; i < workers; i++ {
		go p.runWorker()
	}
	return p, nil
}

// Submit enqueues the task. A closed pool or a full queue rejects; the caller
// decides whether the work can wait.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.KindConfig, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.inflight.Add(1)
	select {
	case <-p.ctx.Done():
		p.inflight.Done()
		return errs.New("lib/async", errs.KindUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.inflight.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.queue <- task{ctx: ctx, fn: fn}:
		p.submitted.Add(1)
		return nil
	default:
		p.inflight.Done()
		p.rejected.Add(1)
		return errs.New("lib/async", errs.KindUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Submitted returns how many tasks the pool has accepted.
func (p *Pool) Submitted() uint64 { return p.submitted.Load() }

// Rejected returns how many submissions bounced off a full queue.
func (p *Pool) Rejected() uint64 { return p.rejected.Load() }

// Close stops accepting new tasks and cancels the workers.
func (p *Pool) Close() {
	p.closing.Do(func() {
		p.cancel()
		close(p.queue)
	})
}

// Shutdown closes the pool and waits for in-flight tasks until the context
// expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) runWorker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(t)
		}
	}
}

// execute runs one task. Panics are contained so a bad batch cannot take a
// worker down; task errors are the submitter's to report.
func (p *Pool) execute(t task) {
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("pool task panicked",
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	ctx := t.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	_ = t.fn(ctx)
}

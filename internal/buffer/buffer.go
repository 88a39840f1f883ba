// Package buffer holds typed events until a size or age threshold is reached.
package buffer

import (
	"sync"
	"time"

	"github.com/depthcast/collector/internal/schema"
)

// Limits pairs a buffer size threshold with an age threshold.
type Limits struct {
	MaxSize int
	MaxAge  time.Duration
}

// DefaultLimits returns the per-table flush thresholds.
func DefaultLimits(table schema.Table) Limits {
	switch table {
	case schema.TableBookTicker:
		return Limits{MaxSize: 1000, MaxAge: 5 * time.Second}
	case schema.TableTrades:
		return Limits{MaxSize: 500, MaxAge: 3 * time.Second}
	case schema.TableDepthEvents:
		return Limits{MaxSize: 100, MaxAge: 2 * time.Second}
	case schema.TableTopN:
		return Limits{MaxSize: 200, MaxAge: 2 * time.Second}
	case schema.TableMarkPrice, schema.TableForceOrders:
		return Limits{MaxSize: 200, MaxAge: 5 * time.Second}
	default:
		return Limits{MaxSize: 500, MaxAge: 5 * time.Second}
	}
}

// Overrides replaces the default thresholds globally when set. Zero values
// leave the per-table defaults in place.
type Overrides struct {
	MaxSize int
	MaxAge  time.Duration
}

// LimitsFor returns the table's thresholds with overrides applied.
func LimitsFor(table schema.Table, over Overrides) Limits {
	limits := DefaultLimits(table)
	if over.MaxSize > 0 {
		limits.MaxSize = over.MaxSize
	}
	if over.MaxAge > 0 {
		limits.MaxAge = over.MaxAge
	}
	return limits
}

// Buffer accumulates records of one table for one shard. It is safe for one
// producer and one flusher; drained slices are detached by reference swap so
// the writer never contends with the producer.
type Buffer[T any] struct {
	mu        sync.Mutex
	records   []T
	createdAt time.Time
	limits    Limits
	now       func() time.Time
}

// New constructs a buffer with the given thresholds.
func New[T any](limits Limits) *Buffer[T] {
	if limits.MaxSize <= 0 {
		limits.MaxSize = 1
	}
	return &Buffer[T]{
		records:   make([]T, 0, limits.MaxSize),
		createdAt: time.Time{},
		limits:    limits,
		now:       time.Now,
	}
}

// Append adds a record and reports whether the size threshold is reached.
func (b *Buffer[T]) Append(rec T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		b.createdAt = b.now()
	}
	b.records = append(b.records, rec)
	return len(b.records) >= b.limits.MaxSize
}

// Expired reports whether a non-empty buffer has exceeded its age threshold.
func (b *Buffer[T]) Expired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return false
	}
	return b.now().Sub(b.createdAt) >= b.limits.MaxAge
}

// Drain detaches and returns the buffered records, leaving the buffer empty.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = make([]T, 0, b.limits.MaxSize)
	b.createdAt = time.Time{}
	return out
}

// Len returns the number of buffered records.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

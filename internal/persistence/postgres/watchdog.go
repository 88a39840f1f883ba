package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/depthcast/collector/internal/observability"
)

// cancelStuckSessionsSQL cancels active foreign statements that have been
// running longer than the threshold. The collector's own sessions are
// excluded by application_name prefix.
const cancelStuckSessionsSQL = `
SELECT pid, COALESCE(application_name, ''), pg_cancel_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database()
  AND state = 'active'
  AND pid <> pg_backend_pid()
  AND COALESCE(application_name, '') NOT LIKE $1
  AND now() - query_start > $2::interval`

// Watchdog periodically cancels pathological statements so a single wedged
// query cannot exhaust the pool.
type Watchdog struct {
	pool      *pgxpool.Pool
	appPrefix string
	interval  time.Duration
	threshold time.Duration

	sweeps  atomic.Uint64
	cancels atomic.Uint64
}

// NewWatchdog constructs a watchdog that excludes sessions whose
// application_name starts with appPrefix.
func NewWatchdog(pool *pgxpool.Pool, appPrefix string, interval, threshold time.Duration) *Watchdog {
	return &Watchdog{
		pool:      pool,
		appPrefix: appPrefix,
		interval:  interval,
		threshold: threshold,
	}
}

// Run sweeps until the context is cancelled. Sweep failures are logged and
// the loop continues; the watchdog never takes the pipeline down.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Error("watchdog sweep failed",
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// Sweep runs one cancellation pass and records how many backends were hit.
func (w *Watchdog) Sweep(ctx context.Context) error {
	w.sweeps.Add(1)
	thresholdArg := fmt.Sprintf("%d seconds", int(w.threshold.Seconds()))
	rows, err := w.pool.Query(ctx, cancelStuckSessionsSQL, w.appPrefix+"%", thresholdArg)
	if err != nil {
		return classifyStoreError("watchdog", fmt.Errorf("scan active sessions: %w", err))
	}
	defer rows.Close()

	cancelled := 0
	for rows.Next() {
		var (
			pid     int
			appName string
			hit     bool
		)
		if err := rows.Scan(&pid, &appName, &hit); err != nil {
			return classifyStoreError("watchdog", fmt.Errorf("scan session row: %w", err))
		}
		if !hit {
			continue
		}
		cancelled++
		w.cancels.Add(1)
		observability.Log().Info("cancelled stuck session",
			observability.Field{Key: "pid", Value: pid},
			observability.Field{Key: "application_name", Value: appName},
			observability.Field{Key: "threshold", Value: w.threshold.String()})
	}
	if err := rows.Err(); err != nil {
		return classifyStoreError("watchdog", fmt.Errorf("iterate session rows: %w", err))
	}
	recordWatchdogCancels(ctx, cancelled)
	return nil
}

// Sweeps returns how many passes the watchdog has run.
func (w *Watchdog) Sweeps() uint64 { return w.sweeps.Load() }

// Cancels returns how many backends the watchdog has cancelled.
func (w *Watchdog) Cancels() uint64 { return w.cancels.Load() }

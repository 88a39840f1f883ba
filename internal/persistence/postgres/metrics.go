package postgres

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/depthcast/collector/internal/schema"
	"github.com/depthcast/collector/internal/telemetry"
)

var (
	writerMetricsOnce sync.Once
	flushDuration     metric.Float64Histogram
	rowsWritten       metric.Int64Counter
)

// recordFlushMetrics tracks one flush outcome. result is one of inserted,
// retained, or dropped; elapsed zero skips the histogram.
func recordFlushMetrics(ctx context.Context, table schema.Table, result string, rows int, elapsed time.Duration) {
	writerMetricsOnce.Do(func() {
		meter := otel.Meter("persistence.writer")
		if h, err := meter.Float64Histogram("writer.flush.duration",
			metric.WithDescription("Duration of one batch flush transaction"),
			metric.WithUnit("s")); err == nil {
			flushDuration = h
		}
		if c, err := meter.Int64Counter("depthcast_rows_written_total",
			metric.WithDescription("Rows handed to the store, by table and result"),
			metric.WithUnit("{row}")); err == nil {
			rowsWritten = c
		}
	})
	attrs := metric.WithAttributes(
		telemetry.TableAttributes(telemetry.Environment(), string(table), result)...)
	if flushDuration != nil && elapsed > 0 {
		flushDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if rowsWritten != nil {
		rowsWritten.Add(ctx, int64(rows), attrs)
	}
}

var (
	watchdogMetricsOnce sync.Once
	watchdogCancels     metric.Int64Counter
)

func recordWatchdogCancels(ctx context.Context, cancels int) {
	watchdogMetricsOnce.Do(func() {
		meter := otel.Meter("persistence.watchdog")
		if c, err := meter.Int64Counter("depthcast_db_watchdog_cancels_total",
			metric.WithDescription("Stuck store sessions cancelled by the watchdog"),
			metric.WithUnit("{session}")); err == nil {
			watchdogCancels = c
		}
	})
	if watchdogCancels == nil || cancels == 0 {
		return
	}
	watchdogCancels.Add(ctx, int64(cancels), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}

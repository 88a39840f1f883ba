package orderbook

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/depthcast/collector/internal/telemetry"
)

var (
	bookMetricsOnce  sync.Once
	snapshotDuration metric.Float64Histogram
)

// recordSnapshotFetch tracks one REST snapshot fetch by symbol and outcome.
func recordSnapshotFetch(ctx context.Context, symbol, result string, elapsed time.Duration) {
	bookMetricsOnce.Do(func() {
		meter := otel.Meter("orderbook.reconstructor")
		if h, err := meter.Float64Histogram("orderbook.snapshot.duration",
			metric.WithDescription("Duration of one REST depth snapshot fetch"),
			metric.WithUnit("s")); err == nil {
			snapshotDuration = h
		}
	})
	if snapshotDuration == nil {
		return
	}
	snapshotDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrSymbol.String(symbol),
		telemetry.AttrResult.String(result)))
}

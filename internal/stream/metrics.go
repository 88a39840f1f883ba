package stream

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/depthcast/collector/internal/telemetry"
)

var (
	streamMetricsOnce sync.Once
	reconnectAttempts metric.Float64Histogram
)

// recordReconnect tracks how many dial attempts a recovery took.
func recordReconnect(ctx context.Context, shardName string, attempts int) {
	streamMetricsOnce.Do(func() {
		meter := otel.Meter("stream.worker")
		if h, err := meter.Float64Histogram("stream.reconnect.attempts",
			metric.WithDescription("Dial attempts needed before a shard reconnected"),
			metric.WithUnit("{attempt}")); err == nil {
			reconnectAttempts = h
		}
	})
	if reconnectAttempts == nil {
		return
	}
	reconnectAttempts.Record(ctx, float64(attempts), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrShard.String(shardName)))
}

// Package telemetry provides semantic conventions for collector observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for collector-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Stream attributes
	AttrShard       = attribute.Key("shard")
	AttrChannel     = attribute.Key("channel")
	AttrSymbol      = attribute.Key("symbol")
	AttrStreamState = attribute.Key("stream.state")

	// Store attributes
	AttrTable     = attribute.Key("table")
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorKind = attribute.Key("error.kind")
	AttrReason    = attribute.Key("reason")
)

// ShardAttributes returns common attributes for stream worker metrics.
func ShardAttributes(environment, shard, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrShard.String(shard),
		AttrStreamState.String(state),
	}
}

// TableAttributes returns common attributes for writer metrics.
func TableAttributes(environment, table, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTable.String(table),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorKind, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorKind.String(errorKind),
		AttrReason.String(reason),
	}
}

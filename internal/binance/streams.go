package binance

import (
	"strings"

	"github.com/depthcast/collector/internal/schema"
)

// StreamName builds the combined-stream entry for a symbol and channel,
// e.g. "btcusdt@depth@100ms".
func StreamName(symbol string, channel schema.Channel) string {
	return strings.ToLower(strings.TrimSpace(symbol)) + "@" + string(channel)
}

// CombinedStreamURL builds the multiplexed websocket URL for the given
// stream names: wss://<host>/stream?streams=s1@c1/s2@c2/...
func CombinedStreamURL(base string, streams []string) string {
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Package shard partitions the symbol universe into stream shard configurations.
package shard

import (
	"fmt"

	"github.com/depthcast/collector/internal/schema"
)

// Shard scopes one websocket connection to a symbol subset and channel set.
type Shard struct {
	ID       int
	Group    string
	Symbols  []string
	Channels []schema.Channel
}

// Name returns a stable identifier used in logs and metrics.
func (s Shard) Name() string {
	return fmt.Sprintf("%s-%d", s.Group, s.ID)
}

// Plan block-partitions symbols contiguously across at most n shards; the
// last shard absorbs the remainder. Fewer shards are returned when the
// universe is smaller than n.
func Plan(group string, symbols []string, channels []schema.Channel, n int) []Shard {
	if len(symbols) == 0 || len(channels) == 0 || n <= 0 {
		return nil
	}
	if n > len(symbols) {
		n = len(symbols)
	}
	base := len(symbols) / n

	shards := make([]Shard, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		end := offset + base
		if i == n-1 {
			end = len(symbols)
		}
		shards = append(shards, Shard{
			ID:       i,
			Group:    group,
			Symbols:  append([]string(nil), symbols[offset:end]...),
			Channels: append([]schema.Channel(nil), channels...),
		})
		offset = end
	}
	return shards
}

// Streams expands the shard into its combined-stream entries, one per
// (symbol, channel) pair in symbol-major order.
func (s Shard) Streams(name func(symbol string, channel schema.Channel) string) []string {
	out := make([]string, 0, len(s.Symbols)*len(s.Channels))
	for _, sym := range s.Symbols {
		for _, ch := range s.Channels {
			out = append(out, name(sym, ch))
		}
	}
	return out
}

package collector

import "time"

// ShardStatus reports one stream worker's state and throughput.
type ShardStatus struct {
	Name     string `json:"name"`
	Group    string `json:"group"`
	State    string `json:"state"`
	Symbols  int    `json:"symbols"`
	Messages uint64 `json:"messages"`
	Drops    uint64 `json:"drops"`
}

// TableStatus reports one table's write counters and freshness.
type TableStatus struct {
	Inserted       uint64     `json:"inserted"`
	Failed         uint64     `json:"failed"`
	LastTsExchange *time.Time `json:"last_ts_exchange,omitempty"`
}

// DecoderStatus reports frame decode outcomes.
type DecoderStatus struct {
	Decoded        uint64 `json:"decoded"`
	ParseFailures  uint64 `json:"parse_failures"`
	UnknownStreams uint64 `json:"unknown_streams"`
	ResolveDrops   uint64 `json:"resolve_drops"`
}

// BookStatus reports reconstructor health.
type BookStatus struct {
	SyncedSymbols int    `json:"synced_symbols"`
	TotalSymbols  int    `json:"total_symbols"`
	Resyncs       uint64 `json:"resyncs"`
	Emitted       uint64 `json:"emitted"`
}

// WatchdogStatus reports store watchdog activity.
type WatchdogStatus struct {
	Enabled bool   `json:"enabled"`
	Sweeps  uint64 `json:"sweeps"`
	Cancels uint64 `json:"cancels"`
}

// Status is the monitoring snapshot served by the metrics endpoint.
type Status struct {
	Exchange      string                 `json:"exchange"`
	DryRun        bool                   `json:"dry_run"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	BufferedRows  int                    `json:"buffered_rows"`
	Shards        []ShardStatus          `json:"shards"`
	Tables        map[string]TableStatus `json:"tables"`
	Decoder       DecoderStatus          `json:"decoder"`
	Books         *BookStatus            `json:"books,omitempty"`
	Watchdog      WatchdogStatus         `json:"watchdog"`
}
